package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const pipelineDescriptor = `
pkg = read_json("package.json")

load_plugin("sass")
load_plugin("cssmin")
load_plugin("watch")

def configure():
    config("sass", "dist", options = {"compass": True, "style": "expanded"},
           files = {"stylesheets/app.css": "sass/application.scss"})
    config("cssmin", "dist", options = {"banner": "/* %s %s */" % (pkg["name"], pkg["version"]), "precision": 3},
           files = {"stylesheets/app.min.css": "stylesheets/app.css"})
    config("watch", "sass", patterns = ["sass/**/*.scss"], tasks = ["sass"])
    config("watch", "styles", patterns = ["stylesheets/app.css"], tasks = ["cssmin"])
    register_task("default", ["sass", "cssmin"], desc = "compile and minify")
`

type fakeStep struct {
	lock  sync.Mutex
	calls []string
	err   error
}

func (s *fakeStep) Validate(project *Project, target *Target) error {
	return nil
}

func (s *fakeStep) Run(ctx context.Context, sc *StepContext) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, target := range sc.Targets {
		s.calls = append(s.calls, target.ID())
	}
	return s.err
}

func (s *fakeStep) Calls() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]string{}, s.calls...)
}

// recorder collects the targets of several fake steps in a single, shared order.
type recorder struct {
	lock  sync.Mutex
	order []string
}

type orderedStep struct {
	fakeStep
	rec *recorder
}

func (s *orderedStep) Run(ctx context.Context, sc *StepContext) error {
	s.rec.lock.Lock()
	for _, target := range sc.Targets {
		s.rec.order = append(s.rec.order, target.ID())
	}
	s.rec.lock.Unlock()

	return s.fakeStep.Run(ctx, sc)
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newProjectDir(t *testing.T, descriptor string, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	if files == nil {
		files = map[string]string{}
	}
	files["tasks.star"] = descriptor
	if _, ok := files["package.json"]; !ok {
		files["package.json"] = `{"name": "example", "version": "1.2.0"}`
	}

	writeFiles(t, dir, files)
	return dir
}

type pipelineSteps struct {
	rec      *recorder
	sass     *orderedStep
	cssmin   *orderedStep
	watch    *orderedStep
	registry *MapRegistry
}

func newPipelineSteps() *pipelineSteps {
	rec := &recorder{}
	steps := &pipelineSteps{
		rec:      rec,
		sass:     &orderedStep{rec: rec},
		cssmin:   &orderedStep{rec: rec},
		watch:    &orderedStep{rec: rec},
		registry: NewMapRegistry(),
	}

	steps.registry.Register("sass", steps.sass)
	steps.registry.Register("cssmin", steps.cssmin)
	steps.registry.Register("watch", steps.watch)
	return steps
}

func loadPipeline(t *testing.T, steps *pipelineSteps) *Project {
	t.Helper()

	dir := newProjectDir(t, pipelineDescriptor, nil)
	project, err := Load(context.Background(), filepath.Join(dir, "tasks.star"), nil, steps.registry)
	require.NoError(t, err)
	return project
}
