package config

import (
	"path/filepath"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/ngld/stylebuild/pkg/buildsys"
)

// FileName is the config file looked up in the working directory.
const FileName = "stylebuild.toml"

// Config describes all configuration options
type Config struct {
	Descriptor string `default:"tasks.star" usage:"Name of the descriptor file"`
	Cache      bool   `default:"true" usage:"Cache the parsed descriptor between runs"`
	Log        struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}
	Watch struct {
		Debounce time.Duration `default:"100ms" usage:"Default debounce window for watch targets (0 disables it)"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. The config file is
// read from dir.
func Loader(dir string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags:        true,
		AllowUnknownEnvs: true,
		EnvPrefix:        "STYLEBUILD",
		Files:            []string{filepath.Join(dir, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads and validates the config for dir.
func Load(dir string) (*Config, error) {
	cfg, loader := Loader(dir)
	if err := loader.Load(); err != nil {
		return nil, &buildsys.ConfigError{File: FileName, Err: eris.Wrap(err, "failed to load config")}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &buildsys.ConfigError{File: FileName, Err: err}
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.Descriptor == "" {
		return eris.New(`Invalid value for descriptor: must not be empty`)
	}

	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Watch.Debounce < 0 {
		return eris.Errorf(`Invalid value for watch.debounce: %s (must not be negative)`, cfg.Watch.Debounce)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
