package buildsys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandSources(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"sass/application.scss":      "",
		"sass/_base.scss":            "",
		"sass/partials/_fonts.scss":  "",
		"stylesheets/app.css":        "",
		"stylesheets/vendor/foo.css": "",
	})
	project := &Project{Root: dir}

	sources, err := ExpandSources(project, []string{"sass/**/*.scss", "sass/application.scss", "//missing.css"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "sass", "_base.scss"),
		filepath.Join(dir, "sass", "application.scss"),
		filepath.Join(dir, "sass", "partials", "_fonts.scss"),
		filepath.Join(dir, "missing.css"),
	}, sources)

	sources, err = ExpandSources(project, []string{"stylesheets/*.css"})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "stylesheets", "app.css")}, sources)

	sources, err = ExpandSources(project, []string{"nothing/**/*.css"})
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "stylesheets", "nested", "app.min.css")

	require.NoError(t, WriteFile(dest, []byte("a{color:red}")))
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "a{color:red}", string(content))

	require.NoError(t, WriteFile(dest, []byte("b{}")))
	content, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "b{}", string(content))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestTempPath(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out", "app.css")

	first, err := TempPath(dest)
	require.NoError(t, err)
	second, err := TempPath(dest)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, filepath.Dir(dest), filepath.Dir(first))
	assert.True(t, strings.HasPrefix(filepath.Base(first), ".app.css."))
	assert.DirExists(t, filepath.Dir(dest))
}

func TestOptions(t *testing.T) {
	opts := Options{
		"style":      "expanded",
		"compass":    true,
		"precision":  int64(2),
		"load_paths": []interface{}{"vendor", "node_modules"},
		"single":     "vendor",
		"debounce":   "250ms",
		"delay":      int64(50),
	}

	style, err := opts.String("style", "nested")
	require.NoError(t, err)
	assert.Equal(t, "expanded", style)

	style, err = opts.String("missing", "nested")
	require.NoError(t, err)
	assert.Equal(t, "nested", style)

	_, err = opts.String("compass", "")
	assert.Error(t, err)

	compass, err := opts.Bool("compass", false)
	require.NoError(t, err)
	assert.True(t, compass)

	precision, err := opts.Int("precision", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, precision)

	_, err = opts.Int("style", 0)
	assert.Error(t, err)

	paths, err := opts.Strings("load_paths")
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor", "node_modules"}, paths)

	paths, err = opts.Strings("single")
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor"}, paths)

	debounce, err := opts.Duration("debounce", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, debounce)

	debounce, err = opts.Duration("delay", 0)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, debounce)

	_, err = opts.Duration("compass", 0)
	assert.Error(t, err)
}
