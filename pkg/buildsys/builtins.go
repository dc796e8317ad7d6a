package buildsys

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/syntax"
)

func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	base := ""
	ctx := getCtx(thread)

	for _, kv := range kwargs {
		key := kv[0].(starlark.String).GoString()

		if key != "base" {
			return nil, eris.Errorf("unexpected keyword argument %s", key)
		}

		switch value := kv[1].(type) {
		case starlark.String:
			base = value.GoString()
		case StarlarkPath:
			base = string(value)
		default:
			return nil, eris.Errorf("invalid type %s for keyword base, expected string or path", kv[1].Type())
		}

		base = normalizePath(ctx, base)
	}

	if len(args) < 1 {
		return nil, eris.New("expects at least one argument")
	}

	parts := make([]string, len(args))
	for idx, path := range args {
		switch value := path.(type) {
		case starlark.String:
			parts[idx] = value.GoString()
		default:
			return nil, eris.Errorf("only accepts string arguments but argument %d was a %s", idx, path.Type())
		}
	}

	normPath := normalizePath(ctx, parts...)
	if base != "" {
		var err error
		normPath, err = filepath.Rel(base, normPath)
		if err != nil {
			return nil, err
		}
	}

	return StarlarkPath(normPath), nil
}

func starInfo(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	info(thread, "%s", message)
	return starlark.None, nil
}

func starWarn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	warn(thread, "%s", message)
	return starlark.None, nil
}

func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message)
	if err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &key)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	value, ok := ctx.envOverrides[key]
	if !ok {
		value = os.Getenv(key)
		ctx.project.Env[key] = value
	}

	return starlark.String(value), nil
}

func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &key, &value)
	if err != nil {
		return nil, err
	}

	envOverrides := getCtx(thread).envOverrides
	envOverrides[key] = value

	return starlark.True, nil
}

func prependPathDir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pathDir string

	if len(args) != 1 {
		return nil, eris.Errorf("got %d arguments, want 1", len(args))
	}

	switch value := args[0].(type) {
	case starlark.String:
		pathDir = value.GoString()
	case StarlarkPath:
		pathDir = string(value)
	default:
		return nil, eris.Errorf("for parameter 1: got %s, want path or string", args[0].Type())
	}

	envOverrides := getCtx(thread).envOverrides
	path, ok := envOverrides["PATH"]
	if !ok {
		path = os.Getenv("PATH")
	}

	envOverrides["PATH"] = normalizePath(getCtx(thread), pathDir) + string(os.PathListSeparator) + path

	return starlark.String(envOverrides["PATH"]), nil
}

type docDecoder func([]byte, interface{}) error

// loadDocument reads and decodes a metadata document once per descriptor run.
func loadDocument(ctx *parserCtx, file string, decode docDecoder) (interface{}, error) {
	file = normalizePath(ctx, file)

	doc, loaded := ctx.docCache[file]
	if loaded {
		return doc, nil
	}

	content, err := os.ReadFile(file)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open file %s", simplifyPath(ctx, file))
	}

	err = decode(content, &doc)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse file %s", simplifyPath(ctx, file))
	}

	ctx.docCache[file] = doc
	ctx.project.Sources = append(ctx.project.Sources, file)
	return doc, nil
}

// lookupKey follows a dotted key path through a decoded document.
func lookupKey(doc interface{}, key string) (interface{}, bool, error) {
	if key == "" {
		return doc, true, nil
	}

	value := reflect.ValueOf(doc)
	for _, part := range strings.Split(key, ".") {
		if value.Kind() == reflect.Interface {
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			value = value.MapIndex(reflect.ValueOf(part))
		case reflect.Slice:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= value.Len() {
				return nil, false, nil
			}
			value = value.Index(idx)
		case reflect.Invalid:
			return nil, false, nil
		default:
			return nil, false, eris.Errorf("encountered unexpected value of kind %v in document", value.Kind())
		}
	}

	if !value.IsValid() {
		return nil, false, nil
	}
	if value.Kind() == reflect.Interface && value.IsNil() {
		return nil, false, nil
	}

	return value.Interface(), true, nil
}

func readDocument(thread *starlark.Thread, file, key string, defaultValue starlark.Value, decode docDecoder) (starlark.Value, error) {
	doc, err := loadDocument(getCtx(thread), file, decode)
	if err != nil {
		return nil, err
	}

	value, found, err := lookupKey(doc, key)
	if err != nil {
		return nil, err
	}

	if !found {
		if defaultValue == nil {
			return starlark.None, nil
		}
		return defaultValue, nil
	}

	return interfaceToStarlark(thread, value)
}

func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var yamlFile string
	var yamlKey string
	var defaultValue starlark.Value

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 2, &yamlFile, &yamlKey, &defaultValue)
	if err != nil {
		return nil, err
	}

	return readDocument(thread, yamlFile, yamlKey, defaultValue, yaml.Unmarshal)
}

func readJSON(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var jsonFile string
	var jsonKey string
	var defaultValue starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "file", &jsonFile, "key?", &jsonKey, "default?", &defaultValue)
	if err != nil {
		return nil, err
	}

	return readDocument(thread, jsonFile, jsonKey, defaultValue, json.Unmarshal)
}

func starIsdir(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dirPath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dirPath)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	check := PathCheck{Path: normalizePath(ctx, dirPath), Dir: true}
	check.Result = checkPath(check.Path, true)
	ctx.project.Checks = append(ctx.project.Checks, check)

	return starlark.Bool(check.Result), nil
}

func starIsfile(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var filePath string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &filePath)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	check := PathCheck{Path: normalizePath(ctx, filePath)}
	check.Result = checkPath(check.Path, false)
	ctx.project.Checks = append(ctx.project.Checks, check)

	return starlark.Bool(check.Result), nil
}

func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	var outputFormat string
	var showError bool

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &outputFormat, "show_error?", &showError)
	if err != nil {
		return nil, err
	}

	if outputFormat == "" {
		outputFormat = "text"
	}

	if outputFormat != "text" && outputFormat != "json" {
		return nil, eris.Errorf("unsupported format %s", outputFormat)
	}

	var shellCmd []syntax.Node
	parser := syntax.NewParser()
	ctx := getCtx(thread)
	base := filepath.Dir(ctx.filepath)
	ctx.project.Volatile = true

	switch command := command.(type) {
	case starlark.String:
		part := TaskCmdScript{
			TaskName: fn.Name(),
			Index:    0,
			Content:  command.GoString(),
		}

		stmts, err := part.ToShellStmts(parser)
		if err != nil {
			return nil, err
		}

		shellCmd = make([]syntax.Node, len(stmts))
		for idx, stmt := range stmts {
			shellCmd[idx] = stmt
		}
	case starlark.Tuple:
		expr, err := processCmdParts(command, parser, base)
		if err != nil {
			return nil, err
		}

		shellCmd = []syntax.Node{expr}
	default:
		return nil, eris.Errorf("unexpected type %s for command parameter, only strings and tuples are valid", command.Type())
	}

	outputBuffer := strings.Builder{}
	shellOpts := ShellOptions{
		Dir:    base,
		Env:    getEnvVars(ctx),
		Stdout: &outputBuffer,
	}
	if showError {
		shellOpts.Stderr = os.Stderr
	}

	runner, err := NewShell(shellOpts)
	if err != nil {
		return nil, err
	}

	for _, cmd := range shellCmd {
		err := runner.Run(ctx.ctx, cmd)
		if err != nil {
			if showError {
				Log(ctx.ctx).Error().Err(err).Msg("shell error")
			}
			return starlark.False, nil
		}
	}

	if outputFormat == "json" {
		var decoded interface{}
		err = json.Unmarshal([]byte(outputBuffer.String()), &decoded)
		if err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}

		return interfaceToStarlark(thread, decoded)
	}

	return starlark.String(outputBuffer.String()), nil
}

func loadPlugin(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string

	err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &name)
	if err != nil {
		return nil, err
	}

	project := getCtx(thread).project
	if !project.HasPlugin(name) {
		project.Plugins = append(project.Plugins, name)
	}

	return starlark.None, nil
}

func configTarget(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var files *starlark.Dict
	var patterns *starlark.List
	var tasks *starlark.List
	var options *starlark.Dict

	target := new(Target)
	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "plugin", &target.Plugin, "target", &target.Name,
		"files?", &files, "patterns?", &patterns, "tasks?", &tasks, "options?", &options, "desc?", &target.Desc)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("targets can only be declared inside configure()")
	}

	if !ctx.project.HasPlugin(target.Plugin) {
		return nil, eris.Errorf("plugin %s was not loaded, call load_plugin(%q) first", target.Plugin, target.Plugin)
	}

	if target.Name == "" || strings.Contains(target.Name, ":") {
		return nil, eris.Errorf("invalid target name %q", target.Name)
	}

	target.Files = make([]FileMapping, 0)
	if files != nil {
		for _, item := range files.Items() {
			dest, ok := starlark.AsString(item[0])
			if !ok {
				return nil, eris.Errorf("found destination of type %s in files but only strings are supported", item[0].Type())
			}

			mapping := FileMapping{Dest: dest}
			switch value := item[1].(type) {
			case starlark.String:
				mapping.Src = []string{value.GoString()}
			case StarlarkPath:
				mapping.Src = []string{string(value)}
			case starlarkIterable:
				mapping.Src, err = starlarkIterable2stringSlice(value, "files["+dest+"]")
				if err != nil {
					return nil, err
				}
			default:
				return nil, eris.Errorf("sources for %s must be a string or a list of strings, not %s", dest, item[1].Type())
			}

			if len(mapping.Src) == 0 {
				return nil, eris.Errorf("no sources given for %s", dest)
			}
			target.Files = append(target.Files, mapping)
		}
	}

	target.Patterns, err = starlarkIterable2stringSlice(patterns, "patterns")
	if err != nil {
		return nil, err
	}

	target.Tasks, err = starlarkIterable2stringSlice(tasks, "tasks")
	if err != nil {
		return nil, err
	}

	target.Options = Options{}
	if options != nil {
		converted, err := starlarkToInterface(options)
		if err != nil {
			return nil, eris.Wrap(err, "invalid options")
		}
		target.Options = Options(converted.(map[string]interface{}))
	}

	ctx.project.Targets = append(ctx.project.Targets, target)
	return starlark.String(target.ID()), nil
}

func registerTask(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var tasks *starlark.List
	alias := new(Alias)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &alias.Name, "tasks", &tasks, "desc?", &alias.Desc)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("tasks can only be registered inside configure()")
	}

	if alias.Name == "" || strings.Contains(alias.Name, ":") {
		return nil, eris.Errorf("invalid task name %q", alias.Name)
	}

	if _, exists := ctx.project.Aliases[alias.Name]; exists {
		return nil, eris.Errorf("task %s was registered twice", alias.Name)
	}

	alias.Tasks, err = starlarkIterable2stringSlice(tasks, "tasks")
	if err != nil {
		return nil, err
	}

	if len(alias.Tasks) == 0 {
		return nil, eris.Errorf("task %s doesn't run anything", alias.Name)
	}

	ctx.project.Aliases[alias.Name] = alias
	return starlark.None, nil
}
