// Package cssmin minifies compiled stylesheets.
package cssmin

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/parse/v2"
	cssparse "github.com/tdewolff/parse/v2/css"

	"github.com/ngld/stylebuild/pkg/buildsys"
)

const mimeType = "text/css"

type settings struct {
	banner    string
	precision int
	keepCSS2  bool
	brotli    bool
}

// Step implements the cssmin plugin.
type Step struct{}

func New() *Step {
	return &Step{}
}

func readSettings(opts buildsys.Options) (settings, error) {
	var result settings
	var err error

	result.banner, err = opts.String("banner", "")
	if err != nil {
		return result, err
	}

	result.precision, err = opts.Int("precision", 0)
	if err != nil {
		return result, err
	}
	if result.precision < 0 {
		return result, eris.Errorf("precision must not be negative")
	}

	result.keepCSS2, err = opts.Bool("keep_css2", false)
	if err != nil {
		return result, err
	}

	result.brotli, err = opts.Bool("brotli", false)
	return result, err
}

func (s *Step) Validate(project *buildsys.Project, target *buildsys.Target) error {
	if len(target.Files) == 0 {
		return eris.New("no files configured")
	}

	_, err := readSettings(target.Options)
	return err
}

func (s *Step) Paths(project *buildsys.Project, target *buildsys.Target) ([]string, []string, error) {
	cfg, err := readSettings(target.Options)
	if err != nil {
		return nil, nil, err
	}

	inputs := make([]string, 0)
	outputs := make([]string, 0)
	for _, mapping := range target.Files {
		sources, err := buildsys.ExpandSources(project, mapping.Src)
		if err != nil {
			return nil, nil, err
		}

		inputs = append(inputs, sources...)
		dest := project.Path(mapping.Dest)
		outputs = append(outputs, dest)
		if cfg.brotli {
			outputs = append(outputs, dest+".br")
		}
	}

	return inputs, outputs, nil
}

func (s *Step) Run(ctx context.Context, sc *buildsys.StepContext) error {
	for _, target := range sc.Targets {
		cfg, err := readSettings(target.Options)
		if err != nil {
			return &buildsys.ConfigError{File: sc.Project.Rel(sc.Project.Descriptor), Err: err}
		}

		m := minify.New()
		m.Add(mimeType, &css.Minifier{
			Precision: cfg.precision,
			KeepCSS2:  cfg.keepCSS2,
		})

		for _, mapping := range target.Files {
			err = minifyMapping(ctx, sc.Project, target, mapping, m, cfg)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func minifyMapping(ctx context.Context, project *buildsys.Project, target *buildsys.Target, mapping buildsys.FileMapping, m *minify.M, cfg settings) error {
	dest := project.Path(mapping.Dest)
	sources, err := buildsys.ExpandSources(project, mapping.Src)
	if err != nil {
		return &buildsys.ConfigError{File: project.Rel(project.Descriptor), Err: err}
	}

	if len(sources) == 0 {
		return &buildsys.MinifyError{File: mapping.Dest, Err: eris.New("no source files matched")}
	}

	input := bytes.Buffer{}
	for idx, src := range sources {
		content, err := os.ReadFile(src)
		if err != nil {
			return &buildsys.MinifyError{File: project.Rel(src), Err: eris.Wrap(err, "failed to read input")}
		}

		err = Check(content)
		if err != nil {
			result := &buildsys.MinifyError{File: project.Rel(src), Err: err}
			var perr *parse.Error
			if errors.As(err, &perr) {
				result.Line = perr.Line
			}
			return result
		}

		if idx > 0 {
			input.WriteByte('\n')
		}
		input.Write(content)
	}

	inputSize := input.Len()
	output := bytes.Buffer{}
	if cfg.banner != "" {
		output.WriteString(cfg.banner)
		output.WriteByte('\n')
	}

	err = m.Minify(mimeType, &output, &input)
	if err != nil {
		return &buildsys.MinifyError{File: mapping.Dest, Err: eris.Wrap(err, "failed to minify")}
	}

	err = buildsys.WriteFile(dest, output.Bytes())
	if err != nil {
		return err
	}

	logger := buildsys.Log(ctx).With().Str("step", target.ID()).Str("path", dest).Logger()
	logger.Info().Msgf("File %s created: %d B → %d B", project.Rel(dest), inputSize, output.Len())

	if cfg.brotli {
		compressed, err := compress(output.Bytes())
		if err != nil {
			return err
		}

		err = buildsys.WriteFile(dest+".br", compressed)
		if err != nil {
			return err
		}
		logger.Info().Msgf("File %s.br created: %d B", project.Rel(dest), len(compressed))
	}

	return nil
}

// Check parses content as CSS and returns the first grammar or encoding error.
func Check(content []byte) error {
	if !utf8.Valid(content) {
		return parse.NewError(bytes.NewReader(content), invalidOffset(content), "invalid UTF-8 encoding")
	}

	parser := cssparse.NewParser(parse.NewInputBytes(content), false)
	for {
		gt, _, data := parser.Next()
		if gt != cssparse.ErrorGrammar {
			continue
		}

		err := parser.Err()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		return eris.Errorf("unexpected %q", string(data))
	}
}

func invalidOffset(content []byte) int {
	offset := 0
	for offset < len(content) {
		r, size := utf8.DecodeRune(content[offset:])
		if r == utf8.RuneError && size == 1 {
			break
		}
		offset += size
	}
	return offset
}

func compress(content []byte) ([]byte, error) {
	buffer := bytes.Buffer{}
	writer := brotli.NewWriterLevel(&buffer, brotli.BestCompression)

	_, err := writer.Write(content)
	if err != nil {
		return nil, eris.Wrap(err, "failed to compress")
	}

	err = writer.Close()
	if err != nil {
		return nil, eris.Wrap(err, "failed to compress")
	}

	return buffer.Bytes(), nil
}
