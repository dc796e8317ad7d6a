package buildsys

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

// ExecHandler runs external commands for the shell interpreter. mv, rm and mkdir are redirected to the
// portable implementations in "stylebuild tool".
func ExecHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "mv":
			fallthrough
		case "rm":
			fallthrough
		case "mkdir":
			// always use our cross-platform implementation for these operations to make sure
			// they behave consistently
			self, err := os.Executable()
			if err == nil {
				args = append([]string{self, "tool"}, args...)
			}
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

// ShellOptions configures a shell interpreter created with NewShell.
type ShellOptions struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Exec replaces ExecHandler if set.
	Exec interp.ExecHandlerFunc
}

// NewShell returns a POSIX shell interpreter with errexit enabled.
func NewShell(opts ShellOptions) (*interp.Runner, error) {
	exec := opts.Exec
	if exec == nil {
		exec = ExecHandler
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}

	runner, err := interp.New(
		interp.Dir(opts.Dir),
		interp.Env(expand.ListEnviron(env...)),
		interp.ExecHandler(exec),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, opts.Stdout, opts.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize shell")
	}
	return runner, nil
}

// CallExpr builds a simple command from literal arguments. Arguments are quoted as needed so no
// expansion takes place.
func CallExpr(args ...string) *syntax.CallExpr {
	cmd := new(syntax.CallExpr)
	cmd.Args = make([]*syntax.Word, len(args))
	for idx, arg := range args {
		cmd.Args[idx] = literalWord(arg)
	}

	return cmd
}

// FormatCommand renders a shell node as a single line for log output.
func FormatCommand(node syntax.Node) string {
	buffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	if err := printer.Print(&buffer, node); err != nil {
		return "<unprintable command>"
	}
	return buffer.String()
}

func literalWord(value string) *syntax.Word {
	var wordPart syntax.WordPart

	if value == "" || strings.ContainsAny(value, " \t$'\"*?[]{}()<>|&;~`\\#") {
		node := new(syntax.SglQuoted)
		node.Value = value
		if strings.Contains(value, "'") {
			// single quotes can't be escaped inside single quotes, use $'...' instead
			node.Dollar = true
			node.Value = strings.ReplaceAll(strings.ReplaceAll(value, `\`, `\\`), `'`, `\'`)
		}

		wordPart = node
	} else {
		node := new(syntax.Lit)
		node.Value = value

		wordPart = node
	}

	return &syntax.Word{Parts: []syntax.WordPart{wordPart}}
}
