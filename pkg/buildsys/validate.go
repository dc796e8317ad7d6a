package buildsys

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that every plugin can be resolved, every target is accepted by its plugin and every
// task reference points to something that exists. All problems are reported as ConfigError.
func Validate(project *Project, registry Registry) error {
	fail := func(err error) error {
		return &ConfigError{File: project.Rel(project.Descriptor), Err: err}
	}

	steps := make(map[string]Step, len(project.Plugins))
	for _, name := range project.Plugins {
		step, err := registry.Resolve(name)
		if err != nil {
			return fail(eris.Wrapf(err, "failed to load plugin %s", name))
		}
		steps[name] = step
	}

	ids := make(map[string]bool, len(project.Targets))
	for _, target := range project.Targets {
		step, ok := steps[target.Plugin]
		if !ok {
			return fail(eris.Errorf("target %s uses plugin %s which was not loaded", target.ID(), target.Plugin))
		}

		if ids[target.ID()] {
			return fail(eris.Errorf("target %s was declared twice", target.ID()))
		}
		ids[target.ID()] = true

		if err := step.Validate(project, target); err != nil {
			return fail(eris.Wrapf(err, "invalid configuration for %s", target.ID()))
		}

		for _, name := range target.Tasks {
			if _, err := project.lookup(name); err != nil {
				return fail(eris.Wrapf(err, "target %s", target.ID()))
			}
		}
	}

	for name, alias := range project.Aliases {
		if project.HasPlugin(name) {
			return fail(eris.Errorf("task %s has the same name as a plugin", name))
		}
		if _, ok := project.Tasks[name]; ok {
			return fail(eris.Errorf("task %s was declared as both a task list and a shell task", name))
		}

		for _, sub := range alias.Tasks {
			if _, err := project.lookup(sub); err != nil {
				return fail(eris.Wrapf(err, "task %s", name))
			}
		}
	}

	for name, task := range project.Tasks {
		if project.HasPlugin(name) {
			return fail(eris.Errorf("task %s has the same name as a plugin", name))
		}

		for _, dep := range task.Deps {
			if _, ok := project.Tasks[dep]; !ok {
				return fail(eris.Errorf("task %s depends on unknown task %s", name, dep))
			}
		}
	}

	for name := range project.Aliases {
		if err := checkCycle(project, name, []string{}); err != nil {
			return fail(err)
		}
	}

	return nil
}

func checkCycle(project *Project, name string, stack []string) error {
	for _, item := range stack {
		if item == name {
			return eris.Errorf("task %s calls itself (%s)", name, strings.Join(append(stack, name), " -> "))
		}
	}

	alias, ok := project.Aliases[name]
	if !ok {
		return nil
	}

	stack = append(stack, name)
	for _, sub := range alias.Tasks {
		if err := checkCycle(project, sub, stack); err != nil {
			return err
		}
	}
	return nil
}

type refKind int

const (
	refAlias refKind = iota
	refPlugin
	refTarget
	refTask
)

type taskRef struct {
	kind   refKind
	name   string
	plugin string
	target string
}

// lookup resolves a task name. Aliases win over plugins, plugins over shell tasks.
func (p *Project) lookup(name string) (taskRef, error) {
	if _, ok := p.Aliases[name]; ok {
		return taskRef{kind: refAlias, name: name}, nil
	}

	if pos := strings.Index(name, ":"); pos > -1 {
		plugin, target := name[:pos], name[pos+1:]
		if len(p.TargetsFor(plugin, target)) == 0 {
			return taskRef{}, eris.Errorf("task %s not found: %s has no target %s", name, plugin, target)
		}
		return taskRef{kind: refTarget, name: name, plugin: plugin, target: target}, nil
	}

	if p.HasPlugin(name) {
		return taskRef{kind: refPlugin, name: name, plugin: name}, nil
	}

	if _, ok := p.Tasks[name]; ok {
		return taskRef{kind: refTask, name: name}, nil
	}

	return taskRef{}, eris.Errorf("task %s not found", name)
}
