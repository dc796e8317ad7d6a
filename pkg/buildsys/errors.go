package buildsys

import (
	"fmt"
)

// ConfigError reports a broken descriptor or setup. It's always raised before any step runs.
type ConfigError struct {
	File string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.File, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// CompileError reports a missing or broken stylesheet source. Line is 0 if unknown.
type CompileError struct {
	File string
	Line int
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed at %s: %v", location(e.File, e.Line), e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// MinifyError reports a missing or unparsable minifier input.
type MinifyError struct {
	File string
	Line int
	Err  error
}

func (e *MinifyError) Error() string {
	return fmt.Sprintf("minify failed at %s: %v", location(e.File, e.Line), e.Err)
}

func (e *MinifyError) Unwrap() error {
	return e.Err
}

// WatchError reports a failed filesystem subscription.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("failed to watch %s: %v", e.Path, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}

// StepError names the step that failed during a run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func location(file string, line int) string {
	if line > 0 {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return file
}
