package buildsys

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/aidarkhanov/nanoid"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// ExpandSources resolves source paths and globs relative to the project root. Plain paths are returned
// as-is even if they don't exist so that the caller can report them. Globs that don't match anything
// produce no entries.
func ExpandSources(project *Project, sources []string) ([]string, error) {
	result := make([]string, 0, len(sources))
	seen := make(map[string]bool)

	for _, source := range sources {
		path := project.Path(source)
		if !hasMeta(source) {
			if !seen[path] {
				seen[path] = true
				result = append(result, path)
			}
			continue
		}

		matches, err := doublestar.FilepathGlob(path, doublestar.WithFilesOnly())
		if err != nil {
			return nil, eris.Wrapf(err, "invalid glob pattern %s", source)
		}

		sort.Strings(matches)
		for _, match := range matches {
			if !seen[match] {
				seen[match] = true
				result = append(result, match)
			}
		}
	}

	return result, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// TempPath returns a unique path next to dest and creates dest's parent directories.
func TempPath(dest string) (string, error) {
	dir := filepath.Dir(dest)
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return "", eris.Wrapf(err, "failed to create directory %s", dir)
	}

	id, err := nanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
	if err != nil {
		return "", eris.Wrap(err, "failed to generate temporary name")
	}

	return filepath.Join(dir, "."+filepath.Base(dest)+"."+id+".tmp"), nil
}

// Commit moves a finished temporary file over its destination.
func Commit(tmp, dest string) error {
	err := os.Rename(tmp, dest)
	if err != nil {
		os.Remove(tmp)
		return eris.Wrapf(err, "failed to move %s to %s", tmp, dest)
	}
	return nil
}

// WriteFile writes content to dest through a temporary file so that readers never see a partial file.
func WriteFile(dest string, content []byte) error {
	tmp, err := TempPath(dest)
	if err != nil {
		return err
	}

	err = os.WriteFile(tmp, content, 0o644)
	if err != nil {
		os.Remove(tmp)
		return eris.Wrapf(err, "failed to write %s", tmp)
	}

	return Commit(tmp, dest)
}
