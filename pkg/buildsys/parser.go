package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	docCache     map[string]interface{}
	filepath     string
	projectRoot  string
	project      *Project
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	args := make([]string, 0, len(parts)-len(envVars))
	for _, arg := range parts[len(envVars):] {
		switch value := arg.(type) {
		case starlark.String:
			args = append(args, value.GoString())
		case StarlarkPath:
			encodedValue := string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			args = append(args, filepath.ToSlash(encodedValue))
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}
	}

	cmd := CallExpr(args...)
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		assigns, ok := result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || assigns.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
		cmd.Assigns = assigns.Assigns
	}

	return cmd, nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	Log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	filepath := simplifyPath(ctx, ctx.filepath)

	Log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", filepath, pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue.GoString(),
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		ctx.project.Options[name] = value
		return starlark.String(value), nil
	}

	ctx.project.Options[name] = defaultValue.GoString()
	return defaultValue, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("tasks can only be declared inside configure()")
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if strings.Contains(task.Short, ":") {
		return nil, eris.Errorf("task name %s must not contain a colon", task.Short)
	}

	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(ctx, task.Base)

	task.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			value, ok := item[1].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
			}
			task.Env[key.GoString()] = value.GoString()
		}
	}

	parser := syntax.NewParser()
	task.Cmds = make([]TaskCmd, 0)
	if cmds != nil {
		iter := cmds.Iterate()
		defer iter.Done()

		var item starlark.Value
		idx := 0
		for iter.Next(&item) {
			switch value := item.(type) {
			case starlark.String:
				task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Short, Index: idx, Content: value.GoString()})
			case starlark.Tuple, *starlark.List:
				parts := make(starlark.Tuple, 0)
				subIter := value.(starlark.Iterable).Iterate()
				var subItem starlark.Value
				for subIter.Next(&subItem) {
					parts = append(parts, subItem)
				}
				subIter.Done()

				cmd, err := processCmdParts(parts, parser, task.Base)
				if err != nil {
					return nil, eris.Wrapf(err, "failed to process command #%d", idx)
				}

				task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Short, Index: idx, Content: FormatCommand(cmd)})
			case *Task:
				task.Cmds = append(task.Cmds, TaskCmdTaskRef{Task: value})
			default:
				return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists and tasks are valid", fn.Name(), item.Type())
			}

			idx++
		}
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	if !task.Hidden {
		if _, exists := ctx.project.Tasks[task.Short]; exists {
			return nil, eris.Errorf("task %s was declared twice", task.Short)
		}
		ctx.project.Tasks[task.Short] = task
	}
	return task, nil
}

// RunScript executes a descriptor and returns the declared options. If doConfigure is true, the script's
// configure function is called and the declared targets, aliases and tasks are collected into the
// returned project. The project is not validated; use Load for that.
func RunScript(ctx context.Context, filename string, options map[string]string, doConfigure bool) (*Project, map[string]ScriptOption, error) {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}
	projectRoot := filepath.Dir(filename)

	builtins := starlark.StringDict{
		"OS":            starlark.String(runtime.GOOS),
		"ARCH":          starlark.String(runtime.GOARCH),
		"info":          starlark.NewBuiltin("info", starInfo),
		"warn":          starlark.NewBuiltin("warn", starWarn),
		"error":         starlark.NewBuiltin("error", starError),
		"resolve_path":  starlark.NewBuiltin("resolve_path", resolvePath),
		"option":        starlark.NewBuiltin("option", option),
		"getenv":        starlark.NewBuiltin("getenv", getenv),
		"setenv":        starlark.NewBuiltin("setenv", setenv),
		"prepend_path":  starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_json":     starlark.NewBuiltin("read_json", readJSON),
		"read_yaml":     starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":         starlark.NewBuiltin("isdir", starIsdir),
		"isfile":        starlark.NewBuiltin("isfile", starIsfile),
		"execute":       starlark.NewBuiltin("execute", starExec),
		"load_plugin":   starlark.NewBuiltin("load_plugin", loadPlugin),
		"config":        starlark.NewBuiltin("config", configTarget),
		"register_task": starlark.NewBuiltin("register_task", registerTask),
		"task":          starlark.NewBuiltin("task", task),
	}

	if options == nil {
		options = map[string]string{}
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		docCache:     make(map[string]interface{}),
		initPhase:    true,
		project: &Project{
			Root:       projectRoot,
			Descriptor: filename,
			Plugins:    make([]string, 0),
			Targets:    make([]*Target, 0),
			Aliases:    make(map[string]*Alias),
			Tasks:      make(TaskList),
			Options:    make(map[string]string),
			Sources:    []string{filename},
			Env:        make(map[string]string),
		},
	}
	thread.SetLocal("parserCtx", &threadCtx)
	displayName := simplifyPath(&threadCtx, filename)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, &ConfigError{File: displayName, Err: eris.Wrap(err, "failed to read file")}
	}

	globals, err := starlark.ExecFile(thread, displayName, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, &ConfigError{File: displayName, Err: eris.New(evalError.Backtrace())}
		}
		return nil, nil, &ConfigError{File: displayName, Err: eris.Wrap(err, "failed to execute")}
	}

	if !doConfigure {
		return threadCtx.project, threadCtx.options, nil
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, nil, &ConfigError{File: displayName, Err: eris.New("did not declare a configure function")}
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, nil, &ConfigError{File: displayName, Err: eris.New("did declare a configure value but it's not a function")}
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, &ConfigError{File: displayName, Err: eris.New(evalError.Backtrace())}
		}
		return nil, nil, &ConfigError{File: displayName, Err: eris.Wrap(err, "failed configure call")}
	}

	for _, task := range threadCtx.project.Tasks {
		for name, value := range threadCtx.envOverrides {
			_, present := task.Env[name]
			if !present {
				task.Env[name] = value
			}
		}
	}

	return threadCtx.project, threadCtx.options, nil
}

// Load runs the descriptor at filename and validates the result against registry.
func Load(ctx context.Context, filename string, options map[string]string, registry Registry) (*Project, error) {
	project, _, err := RunScript(ctx, filename, options, true)
	if err != nil {
		return nil, err
	}

	err = Validate(project, registry)
	if err != nil {
		return nil, err
	}

	return project, nil
}
