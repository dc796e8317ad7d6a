package buildsys

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToTask() (*Task, error) {
	return nil, nil
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

type TaskCmdTaskRef struct {
	Task *Task
}

func (t TaskCmdTaskRef) ToTask() (*Task, error) {
	return t.Task, nil
}

func (t TaskCmdTaskRef) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

type TaskCmd interface {
	ToTask() (*Task, error)
	ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error)
}

// Task contains the processed values passed to task() by the descriptor
type Task struct {
	Env     map[string]string
	Short   string
	Desc    string
	Base    string
	Inputs  []string
	Deps    []string
	Outputs []string
	Cmds    []TaskCmd
	Hidden  bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

type ScriptOption struct {
	DefaultValue string
	Help         string
}

// FileMapping pairs one destination with the sources (paths or globs) it is built from.
type FileMapping struct {
	Dest string
	Src  []string
}

// Options holds the values of a target's options block. Values are strings, bools, int64, float64,
// []interface{} or map[string]interface{}.
type Options map[string]interface{}

func (o Options) String(key, fallback string) (string, error) {
	raw, ok := o[key]
	if !ok {
		return fallback, nil
	}

	value, ok := raw.(string)
	if !ok {
		return "", eris.Errorf("option %s: expected a string but got %T", key, raw)
	}
	return value, nil
}

func (o Options) Bool(key string, fallback bool) (bool, error) {
	raw, ok := o[key]
	if !ok {
		return fallback, nil
	}

	value, ok := raw.(bool)
	if !ok {
		return false, eris.Errorf("option %s: expected a bool but got %T", key, raw)
	}
	return value, nil
}

func (o Options) Int(key string, fallback int) (int, error) {
	raw, ok := o[key]
	if !ok {
		return fallback, nil
	}

	value, ok := raw.(int64)
	if !ok {
		return 0, eris.Errorf("option %s: expected an int but got %T", key, raw)
	}
	return int(value), nil
}

func (o Options) Strings(key string) ([]string, error) {
	raw, ok := o[key]
	if !ok {
		return nil, nil
	}

	switch value := raw.(type) {
	case string:
		return []string{value}, nil
	case []interface{}:
		result := make([]string, len(value))
		for idx, item := range value {
			str, ok := item.(string)
			if !ok {
				return nil, eris.Errorf("option %s: item %d is a %T, not a string", key, idx, item)
			}
			result[idx] = str
		}
		return result, nil
	}

	return nil, eris.Errorf("option %s: expected a list of strings but got %T", key, raw)
}

// Duration accepts either a duration string ("200ms") or a number of milliseconds.
func (o Options) Duration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := o[key]
	if !ok {
		return fallback, nil
	}

	switch value := raw.(type) {
	case string:
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, eris.Wrapf(err, "option %s", key)
		}
		return d, nil
	case int64:
		return time.Duration(value) * time.Millisecond, nil
	}

	return 0, eris.Errorf("option %s: expected a duration but got %T", key, raw)
}

// Target is one configured instance of a plugin, addressed as plugin:name.
type Target struct {
	Plugin   string
	Name     string
	Desc     string
	Files    []FileMapping
	Patterns []string
	Tasks    []string
	Options  Options
}

// ID returns the plugin:name address of the target.
func (t *Target) ID() string {
	return t.Plugin + ":" + t.Name
}

// Alias is a named, ordered list of other tasks.
type Alias struct {
	Name  string
	Desc  string
	Tasks []string
}

// Project is the loaded descriptor. It's built once by Load and must not be modified afterwards.
type Project struct {
	Root       string
	Descriptor string
	Plugins    []string
	Targets    []*Target
	Aliases    map[string]*Alias
	Tasks      TaskList
	Options    map[string]string
	Sources    []string
	// Env holds the environment variables read through getenv and the values they had.
	Env map[string]string
	// Checks holds the results of isfile and isdir calls.
	Checks []PathCheck
	// Volatile is set once the descriptor ran a command through execute. Such projects are never
	// reused from the cache.
	Volatile bool
}

// PathCheck is the result of an isfile or isdir call.
type PathCheck struct {
	Path   string
	Dir    bool
	Result bool
}

// Holds reports whether the check still yields the same result.
func (c PathCheck) Holds() bool {
	return checkPath(c.Path, c.Dir) == c.Result
}

func checkPath(path string, dir bool) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if dir {
		return info.IsDir()
	}
	return info.Mode().IsRegular()
}

// Path resolves a project relative path. Paths starting with // are relative to the project root as well.
func (p *Project) Path(path string) string {
	path = strings.TrimPrefix(path, "//")
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(p.Root, filepath.FromSlash(path))
}

// Rel returns path relative to the project root (slash separated) or path itself if that fails.
func (p *Project) Rel(path string) string {
	rel, err := filepath.Rel(p.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (p *Project) HasPlugin(name string) bool {
	for _, item := range p.Plugins {
		if item == name {
			return true
		}
	}
	return false
}

// TargetsFor returns the targets of plugin in declaration order. If name is not empty, only the matching
// target is returned.
func (p *Project) TargetsFor(plugin, name string) []*Target {
	result := make([]*Target, 0)
	for _, target := range p.Targets {
		if target.Plugin == plugin && (name == "" || target.Name == name) {
			result = append(result, target)
		}
	}
	return result
}

// TaskNames returns every invocable name with its description, sorted by name.
func (p *Project) TaskNames() []TaskInfo {
	seen := make(map[string]bool)
	result := make([]TaskInfo, 0)
	add := func(name, desc string) {
		if !seen[name] {
			seen[name] = true
			result = append(result, TaskInfo{Name: name, Desc: desc})
		}
	}

	for _, alias := range p.Aliases {
		add(alias.Name, alias.Desc)
	}
	for _, plugin := range p.Plugins {
		add(plugin, fmt.Sprintf("run all %s targets", plugin))
	}
	for _, target := range p.Targets {
		add(target.ID(), target.Desc)
	}
	for _, task := range p.Tasks {
		if !task.Hidden {
			add(task.Short, task.Desc)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

type TaskInfo struct {
	Name string
	Desc string
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
