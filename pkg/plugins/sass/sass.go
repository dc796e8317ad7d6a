// Package sass compiles SASS/SCSS entry points to plain CSS by running the sass compiler.
package sass

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"

	"github.com/ngld/stylebuild/pkg/buildsys"
)

const (
	FlavorDart = "dart"
	FlavorRuby = "ruby"
)

var styles = map[string][]string{
	FlavorDart: {"expanded", "compressed"},
	FlavorRuby: {"expanded", "compressed", "nested", "compact"},
}

// Job describes a single compiler invocation.
type Job struct {
	Src       string
	Dest      string
	Flavor    string
	Style     string
	Compass   bool
	SourceMap bool
	LoadPaths []string
	Bin       string
}

// Compiler turns one entry point into one CSS file. Failures must be reported as *buildsys.CompileError.
type Compiler interface {
	Compile(ctx context.Context, project *buildsys.Project, job Job) error
}

// Step implements the sass plugin.
type Step struct {
	Compiler Compiler
}

// New returns the sass step backed by the sass binary.
func New() *Step {
	return &Step{Compiler: &ShellCompiler{}}
}

func (s *Step) Validate(project *buildsys.Project, target *buildsys.Target) error {
	if len(target.Files) == 0 {
		return eris.New("no files configured")
	}

	_, err := jobOptions(target.Options)
	return err
}

// jobOptions reads the target options into a Job template.
func jobOptions(opts buildsys.Options) (Job, error) {
	var job Job
	var err error

	job.Flavor, err = opts.String("flavor", FlavorDart)
	if err != nil {
		return job, err
	}

	allowed, ok := styles[job.Flavor]
	if !ok {
		return job, eris.Errorf("unknown flavor %s (must be %s or %s)", job.Flavor, FlavorDart, FlavorRuby)
	}

	job.Style, err = opts.String("style", "expanded")
	if err != nil {
		return job, err
	}

	valid := false
	for _, style := range allowed {
		if style == job.Style {
			valid = true
			break
		}
	}
	if !valid {
		return job, eris.Errorf("style %s is not supported by the %s flavor (valid: %s)", job.Style, job.Flavor, strings.Join(allowed, ", "))
	}

	job.Compass, err = opts.Bool("compass", false)
	if err != nil {
		return job, err
	}

	job.SourceMap, err = opts.Bool("source_map", false)
	if err != nil {
		return job, err
	}

	job.LoadPaths, err = opts.Strings("load_paths")
	if err != nil {
		return job, err
	}

	job.Bin, err = opts.String("bin", "sass")
	return job, err
}

func (s *Step) Run(ctx context.Context, sc *buildsys.StepContext) error {
	for _, target := range sc.Targets {
		template, err := jobOptions(target.Options)
		if err != nil {
			return &buildsys.ConfigError{File: sc.Project.Rel(sc.Project.Descriptor), Err: err}
		}

		if template.Compass && template.Flavor != FlavorRuby {
			buildsys.Log(ctx).Warn().Str("step", target.ID()).Msg("compass is only supported by the ruby flavor; ignoring it")
			template.Compass = false
		}

		for idx, path := range template.LoadPaths {
			template.LoadPaths[idx] = sc.Project.Path(path)
		}

		for _, mapping := range target.Files {
			job := template
			job.Dest = sc.Project.Path(mapping.Dest)
			job.Src, err = entryPoint(sc.Project, mapping)
			if err != nil {
				return err
			}

			if _, err := os.Stat(job.Src); err != nil {
				return &buildsys.CompileError{File: sc.Project.Rel(job.Src), Err: eris.Wrap(err, "source not found")}
			}

			err = s.Compiler.Compile(ctx, sc.Project, job)
			if err != nil {
				return err
			}

			buildsys.Log(ctx).Info().
				Str("step", target.ID()).
				Str("path", job.Dest).
				Msgf("File %s created.", sc.Project.Rel(job.Dest))
		}
	}

	return nil
}

// Paths reports every stylesheet next to (and below) the entry points plus the load paths as inputs since
// any of them may be imported.
func (s *Step) Paths(project *buildsys.Project, target *buildsys.Target) ([]string, []string, error) {
	job, err := jobOptions(target.Options)
	if err != nil {
		return nil, nil, err
	}

	inputs := make([]string, 0)
	outputs := make([]string, 0, len(target.Files))
	dirs := make([]string, 0)
	for _, mapping := range target.Files {
		sources, err := buildsys.ExpandSources(project, mapping.Src)
		if err != nil {
			return nil, nil, err
		}

		inputs = append(inputs, sources...)
		for _, src := range sources {
			dirs = append(dirs, filepath.Dir(src))
		}
		outputs = append(outputs, project.Path(mapping.Dest))
	}

	for _, path := range job.LoadPaths {
		dirs = append(dirs, project.Path(path))
	}

	isOutput := make(map[string]bool, len(outputs))
	for _, path := range outputs {
		isOutput[path] = true
	}

	for _, dir := range dirs {
		matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**", "*.{scss,sass,css}"), doublestar.WithFilesOnly())
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to scan %s", dir)
		}

		for _, match := range matches {
			if !isOutput[match] {
				inputs = append(inputs, match)
			}
		}
	}

	return inputs, outputs, nil
}

func entryPoint(project *buildsys.Project, mapping buildsys.FileMapping) (string, error) {
	sources, err := buildsys.ExpandSources(project, mapping.Src)
	if err != nil {
		return "", &buildsys.CompileError{File: strings.Join(mapping.Src, ", "), Err: err}
	}

	if len(sources) != 1 {
		return "", &buildsys.CompileError{
			File: strings.Join(mapping.Src, ", "),
			Err:  eris.Errorf("expected exactly one entry point for %s but found %d", mapping.Dest, len(sources)),
		}
	}

	return sources[0], nil
}

// ShellCompiler runs the sass binary through the shell interpreter.
type ShellCompiler struct {
	// Exec replaces the interpreter's exec handler. Used by tests.
	Exec interp.ExecHandlerFunc
}

// Args returns the command line for job, writing to dest.
func (c *ShellCompiler) Args(job Job, dest string) []string {
	args := []string{job.Bin, "--style=" + job.Style}

	for _, path := range job.LoadPaths {
		args = append(args, "--load-path="+path)
	}

	switch job.Flavor {
	case FlavorRuby:
		args = append(args, "--no-cache")
		if job.Compass {
			args = append(args, "--compass")
		}
		if !job.SourceMap {
			args = append(args, "--sourcemap=none")
		}
	default:
		if !job.SourceMap {
			args = append(args, "--no-source-map")
		}
	}

	return append(args, job.Src, dest)
}

func (c *ShellCompiler) Compile(ctx context.Context, project *buildsys.Project, job Job) error {
	out, err := buildsys.TempPath(job.Dest)
	if err != nil {
		return err
	}

	if job.SourceMap {
		// the map references the file name sass writes to so it has to be the final one
		out = job.Dest
	}

	output := bytes.Buffer{}
	shell, err := buildsys.NewShell(buildsys.ShellOptions{
		Dir:    project.Root,
		Stdout: &output,
		Stderr: &output,
		Exec:   c.Exec,
	})
	if err != nil {
		return err
	}

	cmd := buildsys.CallExpr(c.Args(job, out)...)
	buildsys.Log(ctx).Debug().Bool("command", true).Msg(buildsys.FormatCommand(cmd))

	err = shell.Run(ctx, cmd)
	if err != nil {
		if out != job.Dest {
			os.Remove(out)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ParseError(project, job.Src, output.String(), err)
	}

	if out == job.Dest {
		return nil
	}
	return buildsys.Commit(out, job.Dest)
}

var (
	// dart-sass prints a trace line like "  sass/_base.scss 3:14  @import"
	dartLocation = regexp.MustCompile(`(?m)^\s+(\S+\.(?:scss|sass|css)) (\d+):\d+\s`)
	// ruby sass prints "        on line 3 of sass/_base.scss"
	rubyLocation = regexp.MustCompile(`on line (\d+) of (\S+\.(?:scss|sass|css))`)
	errorLine    = regexp.MustCompile(`(?m)^(?:Error|Syntax error|Sass::SyntaxError): (.*)$`)
)

// ParseError turns the compiler's diagnostic output into a CompileError. The first reported location
// wins; if there is none, the error points at the entry point.
func ParseError(project *buildsys.Project, src, output string, cause error) *buildsys.CompileError {
	result := &buildsys.CompileError{
		File: project.Rel(src),
	}

	if match := dartLocation.FindStringSubmatch(output); match != nil {
		result.File = relPath(project, match[1])
		result.Line, _ = strconv.Atoi(match[2])
	} else if match := rubyLocation.FindStringSubmatch(output); match != nil {
		result.File = relPath(project, match[2])
		result.Line, _ = strconv.Atoi(match[1])
	}

	if match := errorLine.FindStringSubmatch(output); match != nil {
		result.Err = eris.New(strings.TrimSpace(match[1]))
	} else if text := strings.TrimSpace(output); text != "" {
		result.Err = eris.Wrap(cause, text)
	} else {
		result.Err = eris.Wrap(cause, "sass failed")
	}

	return result
}

func relPath(project *buildsys.Project, path string) string {
	if filepath.IsAbs(path) {
		return project.Rel(path)
	}
	return filepath.ToSlash(path)
}
