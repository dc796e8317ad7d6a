package buildsys

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCached(t *testing.T) {
	steps := newPipelineSteps()
	dir := newProjectDir(t, pipelineDescriptor, nil)
	descriptor := filepath.Join(dir, "tasks.star")
	cacheFile := filepath.Join(dir, CacheFileName)

	project, err := LoadCached(context.Background(), descriptor, nil, steps.registry)
	require.NoError(t, err)
	assert.FileExists(t, cacheFile)

	options, cached, err := ReadCache(cacheFile)
	require.NoError(t, err)
	assert.Empty(t, options)
	assert.Equal(t, project.Descriptor, cached.Descriptor)
	assert.Equal(t, project.Aliases, cached.Aliases)
	require.Len(t, cached.Targets, len(project.Targets))
	assert.Equal(t, project.Targets[1].Options, cached.Targets[1].Options)

	// the metadata file changed, so the banner has to be rebuilt
	writeFiles(t, dir, map[string]string{"package.json": `{"name": "example", "version": "2.0.0"}`})
	setMtime(t, filepath.Join(dir, "package.json"), time.Now().Add(time.Hour))

	project, err = LoadCached(context.Background(), descriptor, nil, steps.registry)
	require.NoError(t, err)
	assert.Equal(t, "/* example 2.0.0 */", project.Targets[1].Options["banner"])
}

func TestLoadCachedUsesCache(t *testing.T) {
	steps := newPipelineSteps()
	dir := newProjectDir(t, pipelineDescriptor, nil)
	descriptor := filepath.Join(dir, "tasks.star")

	_, err := LoadCached(context.Background(), descriptor, nil, steps.registry)
	require.NoError(t, err)

	// make the sources older than the cache and break the descriptor; a cache hit never reads it
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.WriteFile(descriptor, []byte("this is not starlark"), 0o644))
	setMtime(t, descriptor, past)
	setMtime(t, filepath.Join(dir, "package.json"), past)

	project, err := LoadCached(context.Background(), descriptor, nil, steps.registry)
	require.NoError(t, err)
	assert.Len(t, project.Targets, 4)

	// different options invalidate the cache
	_, err = LoadCached(context.Background(), descriptor, map[string]string{"style": "compressed"}, steps.registry)
	requireConfigError(t, err, "tasks.star")
}

func TestLoadCachedValidatesAgainstRegistry(t *testing.T) {
	steps := newPipelineSteps()
	dir := newProjectDir(t, pipelineDescriptor, nil)
	descriptor := filepath.Join(dir, "tasks.star")

	_, err := LoadCached(context.Background(), descriptor, nil, steps.registry)
	require.NoError(t, err)

	registry := NewMapRegistry()
	registry.Register("sass", &fakeStep{})
	_, err = LoadCached(context.Background(), descriptor, nil, registry)
	requireConfigError(t, err, "plugin cssmin is not registered")
}

func TestCacheTracksEnvironmentAndPathChecks(t *testing.T) {
	dir := newProjectDir(t, `
load_plugin("cssmin")

def configure():
    banner = getenv("STYLEBUILD_BANNER")
    if isfile("vendor/reset.css"):
        banner += " +reset"
    config("cssmin", "dist", files = {"out.css": "in.css"}, options = {"banner": banner})
`, nil)
	descriptor := filepath.Join(dir, "tasks.star")
	past := time.Now().Add(-time.Hour)
	setMtime(t, descriptor, past)
	setMtime(t, filepath.Join(dir, "package.json"), past)

	registry := NewMapRegistry()
	registry.Register("cssmin", &fakeStep{})
	banner := func() interface{} {
		t.Helper()

		project, err := LoadCached(context.Background(), descriptor, nil, registry)
		require.NoError(t, err)
		return project.Targets[0].Options["banner"]
	}

	t.Setenv("STYLEBUILD_BANNER", "v1")
	assert.Equal(t, "v1", banner())
	assert.Equal(t, "v1", banner())

	t.Setenv("STYLEBUILD_BANNER", "v2")
	assert.Equal(t, "v2", banner())

	writeFiles(t, dir, map[string]string{"vendor/reset.css": "* { margin: 0; }"})
	assert.Equal(t, "v2 +reset", banner())
}

func TestCacheSkipsDescriptorsRunningCommands(t *testing.T) {
	dir := newProjectDir(t, `
revision = execute("echo abc123").strip()

load_plugin("cssmin")

def configure():
    config("cssmin", "dist", files = {"out.css": "in.css"}, options = {"banner": revision})
`, nil)
	descriptor := filepath.Join(dir, "tasks.star")

	registry := NewMapRegistry()
	registry.Register("cssmin", &fakeStep{})

	project, err := LoadCached(context.Background(), descriptor, nil, registry)
	require.NoError(t, err)
	assert.Equal(t, "abc123", project.Targets[0].Options["banner"])
	assert.True(t, project.Volatile)

	// the cache is ignored, so the broken descriptor is parsed again
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.WriteFile(descriptor, []byte("this is not starlark"), 0o644))
	setMtime(t, descriptor, past)
	setMtime(t, filepath.Join(dir, "package.json"), past)

	_, err = LoadCached(context.Background(), descriptor, nil, registry)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
