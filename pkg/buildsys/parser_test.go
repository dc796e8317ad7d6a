package buildsys

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireConfigError(t *testing.T, err error, contains string) {
	t.Helper()

	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected a ConfigError but got %T: %v", err, err)
	assert.Contains(t, err.Error(), contains)
}

func TestLoadPipeline(t *testing.T) {
	steps := newPipelineSteps()
	project := loadPipeline(t, steps)

	assert.Equal(t, []string{"sass", "cssmin", "watch"}, project.Plugins)
	require.Len(t, project.Targets, 4)

	sass := project.Targets[0]
	assert.Equal(t, "sass:dist", sass.ID())
	assert.Equal(t, []FileMapping{{Dest: "stylesheets/app.css", Src: []string{"sass/application.scss"}}}, sass.Files)
	assert.Equal(t, true, sass.Options["compass"])
	assert.Equal(t, "expanded", sass.Options["style"])

	cssmin := project.Targets[1]
	banner, err := cssmin.Options.String("banner", "")
	require.NoError(t, err)
	assert.Equal(t, "/* example 1.2.0 */", banner)

	precision, err := cssmin.Options.Int("precision", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, precision)

	watch := project.TargetsFor("watch", "")
	require.Len(t, watch, 2)
	assert.Equal(t, []string{"sass/**/*.scss"}, watch[0].Patterns)
	assert.Equal(t, []string{"cssmin"}, watch[1].Tasks)

	require.Contains(t, project.Aliases, "default")
	assert.Equal(t, []string{"sass", "cssmin"}, project.Aliases["default"].Tasks)

	assert.Contains(t, project.Sources, filepath.Join(project.Root, "package.json"))
}

func TestTaskNames(t *testing.T) {
	project := loadPipeline(t, newPipelineSteps())

	names := make([]string, 0)
	for _, info := range project.TaskNames() {
		names = append(names, info.Name)
	}

	assert.Equal(t, []string{"cssmin", "cssmin:dist", "default", "sass", "sass:dist", "watch", "watch:sass", "watch:styles"}, names)
}

func TestReadJSONKeyAndDefault(t *testing.T) {
	dir := newProjectDir(t, `
name = read_json("package.json", key = "name")
missing = read_json("package.json", key = "author.name", default = "nobody")
count = read_json("package.json", key = "files.1")

load_plugin("cssmin")

def configure():
    config("cssmin", "dist", files = {"out.css": "in.css"}, options = {"banner": "%s/%s/%s" % (name, missing, count)})
`, map[string]string{
		"package.json": `{"name": "meta", "files": ["a", "b"]}`,
	})

	registry := NewMapRegistry()
	registry.Register("cssmin", &fakeStep{})

	project, err := Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, registry)
	require.NoError(t, err)
	assert.Equal(t, "meta/nobody/b", project.Targets[0].Options["banner"])
}

func TestReadYaml(t *testing.T) {
	dir := newProjectDir(t, `
style = read_yaml("settings.yml", "sass.style", "expanded")

load_plugin("sass")

def configure():
    config("sass", "dist", files = {"out.css": "in.scss"}, options = {"style": style})
`, map[string]string{
		"settings.yml": "sass:\n  style: compressed\n",
	})

	registry := NewMapRegistry()
	registry.Register("sass", &fakeStep{})

	project, err := Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, registry)
	require.NoError(t, err)
	assert.Equal(t, "compressed", project.Targets[0].Options["style"])
}

func TestOptionOverride(t *testing.T) {
	descriptor := `
style = option("style", default = "expanded", help = "output style")

load_plugin("sass")

def configure():
    config("sass", "dist", files = {"out.css": "in.scss"}, options = {"style": style})
`
	registry := NewMapRegistry()
	registry.Register("sass", &fakeStep{})

	dir := newProjectDir(t, descriptor, nil)
	project, err := Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, registry)
	require.NoError(t, err)
	assert.Equal(t, "expanded", project.Targets[0].Options["style"])

	project, err = Load(context.Background(), filepath.Join(dir, "tasks.star"), map[string]string{"style": "compressed"}, registry)
	require.NoError(t, err)
	assert.Equal(t, "compressed", project.Targets[0].Options["style"])
	assert.Equal(t, "compressed", project.Options["style"])

	_, options, err := RunScript(context.Background(), filepath.Join(dir, "tasks.star"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, ScriptOption{DefaultValue: "expanded", Help: "output style"}, options["style"])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		contains   string
	}{
		{
			name:       "missing configure",
			descriptor: `load_plugin("sass")`,
			contains:   "configure",
		},
		{
			name: "unknown task",
			descriptor: `
load_plugin("sass")
def configure():
    config("sass", "dist", files = {"out.css": "in.scss"})
    register_task("default", ["sass", "nope"])
`,
			contains: "task nope not found",
		},
		{
			name: "unknown target",
			descriptor: `
load_plugin("sass")
def configure():
    config("sass", "dist", files = {"out.css": "in.scss"})
    register_task("default", ["sass:release"])
`,
			contains: "has no target release",
		},
		{
			name: "alias cycle",
			descriptor: `
load_plugin("sass")
def configure():
    config("sass", "dist", files = {"out.css": "in.scss"})
    register_task("a", ["b"])
    register_task("b", ["sass", "a"])
`,
			contains: "calls itself",
		},
		{
			name: "unregistered plugin",
			descriptor: `
load_plugin("less")
def configure():
    pass
`,
			contains: "plugin less is not registered",
		},
		{
			name: "plugin not loaded",
			descriptor: `
def configure():
    config("sass", "dist", files = {"out.css": "in.scss"})
`,
			contains: "load_plugin",
		},
		{
			name: "target outside configure",
			descriptor: `
load_plugin("sass")
config("sass", "dist", files = {"out.css": "in.scss"})
def configure():
    pass
`,
			contains: "inside configure()",
		},
		{
			name: "duplicate target",
			descriptor: `
load_plugin("sass")
def configure():
    config("sass", "dist", files = {"out.css": "in.scss"})
    config("sass", "dist", files = {"other.css": "in.scss"})
`,
			contains: "declared twice",
		},
		{
			name: "alias shadows plugin",
			descriptor: `
load_plugin("sass")
def configure():
    config("sass", "dist", files = {"out.css": "in.scss"})
    register_task("sass", ["sass:dist"])
`,
			contains: "same name as a plugin",
		},
		{
			name: "watch rule with unknown task",
			descriptor: `
load_plugin("watch")
def configure():
    config("watch", "styles", patterns = ["*.css"], tasks = ["cssmin"])
`,
			contains: "task cssmin not found",
		},
		{
			name:       "syntax error",
			descriptor: "def configure(:\n",
			contains:   "tasks.star",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newProjectDir(t, tt.descriptor, nil)
			registry := NewMapRegistry()
			registry.Register("sass", &fakeStep{})
			registry.Register("watch", &fakeStep{})

			_, err := Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, registry)
			requireConfigError(t, err, tt.contains)
		})
	}
}

type rejectingStep struct {
	fakeStep
}

func (s *rejectingStep) Validate(project *Project, target *Target) error {
	if _, ok := target.Options["bogus"]; ok {
		return errors.New("unknown option bogus")
	}
	return nil
}

func TestLoadRejectsInvalidStepOptions(t *testing.T) {
	dir := newProjectDir(t, `
load_plugin("sass")
def configure():
    config("sass", "dist", files = {"out.css": "in.scss"}, options = {"bogus": 1})
`, nil)

	registry := NewMapRegistry()
	registry.Register("sass", &rejectingStep{})

	_, err := Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, registry)
	requireConfigError(t, err, "unknown option bogus")
}

func TestScriptBuiltins(t *testing.T) {
	dir := newProjectDir(t, `
setenv("STYLEBUILD_GREETING", "hello")
search_path = prepend_path("node_modules/.bin")
greeting = getenv("STYLEBUILD_GREETING")
unset = getenv("STYLEBUILD_NOT_SET")
sass_dir = resolve_path("sass")
partials = resolve_path("//sass/partials", base = "//sass")
echoed = execute("echo $STYLEBUILD_GREETING")
decoded = execute(("echo", '{"answer": 42}'), format = "json")
failed = execute("exit 1")
info("loading %s" % greeting)
warn("careful")

load_plugin("cssmin")

def configure():
    config("cssmin", "dist", files = {"out.css": "in.css"}, options = {
        "greeting": greeting,
        "unset": unset,
        "sass_dir": sass_dir,
        "partials": partials,
        "has_sass": isdir("sass"),
        "sass_is_file": isfile("sass"),
        "has_pkg": isfile("package.json"),
        "pkg_is_dir": isdir("package.json"),
        "echoed": echoed,
        "answer": decoded["answer"],
        "failed": failed,
        "search_path": search_path,
    })
    task(short = "env", cmds = ["echo $STYLEBUILD_GREETING > greeting.txt", "echo $PATH > path.txt"])
`, map[string]string{
		"sass/application.scss": "a { color: red; }",
	})

	logOutput := bytes.Buffer{}
	logger := zerolog.New(&logOutput)
	ctx := WithLogger(context.Background(), &logger)

	registry := NewMapRegistry()
	registry.Register("cssmin", &fakeStep{})

	project, err := Load(ctx, filepath.Join(dir, "tasks.star"), nil, registry)
	require.NoError(t, err)

	binDir := filepath.Join(dir, "node_modules", ".bin")
	opts := project.Targets[0].Options
	assert.Equal(t, "hello", opts["greeting"])
	assert.Equal(t, "", opts["unset"])
	assert.Equal(t, filepath.Join(dir, "sass"), opts["sass_dir"])
	assert.Equal(t, "partials", opts["partials"])
	assert.Equal(t, true, opts["has_sass"])
	assert.Equal(t, false, opts["sass_is_file"])
	assert.Equal(t, true, opts["has_pkg"])
	assert.Equal(t, false, opts["pkg_is_dir"])
	assert.Equal(t, "hello\n", opts["echoed"])
	assert.Equal(t, int64(42), opts["answer"])
	assert.Equal(t, false, opts["failed"])
	assert.True(t, strings.HasPrefix(opts["search_path"].(string), binDir+string(os.PathListSeparator)))

	assert.Contains(t, logOutput.String(), "loading hello")
	assert.Contains(t, logOutput.String(), `"level":"warn"`)
	assert.Contains(t, logOutput.String(), "careful")

	// setenv and prepend_path also apply to shell tasks
	assert.Equal(t, "hello", project.Tasks["env"].Env["STYLEBUILD_GREETING"])

	stdout := bytes.Buffer{}
	runner := NewRunner(project, registry, RunOptions{Stdout: &stdout, Stderr: &stdout})
	require.NoError(t, runner.Run(ctx, "env"))

	content, err := os.ReadFile(filepath.Join(dir, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))

	content, err = os.ReadFile(filepath.Join(dir, "path.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), binDir+string(os.PathListSeparator)), string(content))
}

func TestErrorBuiltin(t *testing.T) {
	dir := newProjectDir(t, `
load_plugin("sass")

def configure():
    if not isfile("sass/application.scss"):
        error("sass/application.scss is missing")
    config("sass", "dist", files = {"out.css": "sass/application.scss"})
`, nil)

	registry := NewMapRegistry()
	registry.Register("sass", &fakeStep{})

	_, err := Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, registry)
	requireConfigError(t, err, "sass/application.scss is missing")

	writeFiles(t, dir, map[string]string{"sass/application.scss": ""})
	_, err = Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, registry)
	require.NoError(t, err)
}
