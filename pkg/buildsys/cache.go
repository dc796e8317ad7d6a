package buildsys

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// CacheFileName is the file the CLI stores parsed descriptors in.
const CacheFileName = ".stylebuild.cache"

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}

func WriteCache(file string, options map[string]string, project *Project) error {
	handle, err := os.Create(file)
	if err != nil {
		return err
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(options)
	if err != nil {
		return err
	}

	return encoder.Encode(project)
}

func ReadCache(file string) (map[string]string, *Project, error) {
	handle, err := os.Open(file)
	if err != nil {
		return nil, nil, err
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)

	var options map[string]string
	err = decoder.Decode(&options)
	if err != nil {
		return nil, nil, err
	}

	var result Project
	err = decoder.Decode(&result)
	if err != nil {
		return options, nil, err
	}

	return options, &result, nil
}

// LoadCached returns the project stored in the cache next to descriptor if it's still valid for the given
// options. Otherwise the descriptor is loaded and the cache is rewritten. The project is always validated
// against registry.
func LoadCached(ctx context.Context, descriptor string, options map[string]string, registry Registry) (*Project, error) {
	descriptor, err := filepath.Abs(descriptor)
	if err != nil {
		return nil, err
	}
	cacheFile := filepath.Join(filepath.Dir(descriptor), CacheFileName)
	if options == nil {
		options = map[string]string{}
	}

	cachedOptions, project, err := ReadCache(cacheFile)
	if err == nil && project.Descriptor == descriptor && sameOptions(cachedOptions, options) && cacheFresh(cacheFile, project) {
		Log(ctx).Debug().Str("path", cacheFile).Msg("using cached descriptor")
		err = Validate(project, registry)
		if err != nil {
			return nil, err
		}
		return project, nil
	}

	project, err = Load(ctx, descriptor, options, registry)
	if err != nil {
		return nil, err
	}

	err = WriteCache(cacheFile, options, project)
	if err != nil {
		Log(ctx).Warn().Err(eris.Wrap(err, "failed to write cache")).Str("path", cacheFile).Msg("could not cache the descriptor")
	}

	return project, nil
}

func cacheFresh(cacheFile string, project *Project) bool {
	if project.Volatile {
		return false
	}

	for key, value := range project.Env {
		if os.Getenv(key) != value {
			return false
		}
	}

	for _, check := range project.Checks {
		if !check.Holds() {
			return false
		}
	}

	info, err := os.Stat(cacheFile)
	if err != nil {
		return false
	}

	for _, source := range project.Sources {
		srcInfo, err := os.Stat(source)
		if err != nil || !srcInfo.ModTime().Before(info.ModTime()) {
			return false
		}
	}
	return true
}

func sameOptions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}

	for key, value := range a {
		other, ok := b[key]
		if !ok || other != value {
			return false
		}
	}
	return true
}
