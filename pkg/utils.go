package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"

	"github.com/ngld/stylebuild/pkg/buildsys"
)

// FindDescriptor looks for name in dir and its parents and returns the first match.
func FindDescriptor(dir, name string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", eris.Wrap(err, "Failed to resolve working directory")
	}

	for {
		descriptor := filepath.Join(path, name)
		_, err := os.Stat(descriptor)
		if err == nil {
			return descriptor, nil
		}

		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "Failed to check %s", descriptor)
		}

		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}

	return "", eris.Errorf("No %s file found", name)
}

// PrintTasks writes the task list shown by --list.
func PrintTasks(out io.Writer, tasks []buildsys.TaskInfo) {
	colorstring.Fprintln(out, "[bold]Available tasks:")

	maxNameLen := 0
	for _, info := range tasks {
		if len(info.Name) > maxNameLen {
			maxNameLen = len(info.Name)
		}
	}

	lineFmt := fmt.Sprintf("[green][bold] *[reset] %%-%ds %%s\n", maxNameLen+3)
	for _, info := range tasks {
		colorstring.Fprintf(out, lineFmt, info.Name+":", info.Desc)
	}
}
