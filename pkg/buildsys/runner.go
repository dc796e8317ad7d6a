package buildsys

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/syntax"
)

// LockFileName is created in the project root while a step writes its outputs.
const LockFileName = ".stylebuild.lock"

// RunOptions control how a Runner executes steps.
type RunOptions struct {
	// DryRun only logs what would be done.
	DryRun bool
	// Force disables the up-to-date checks.
	Force bool
	// Stdout and Stderr receive the output of shell tasks. They default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes tasks of a loaded project. It's safe to call Run from multiple goroutines; writing
// steps are serialized by a lock file in the project root.
type Runner struct {
	project  *Project
	registry Registry
	opts     RunOptions

	lock      *flock.Flock
	lockMu    sync.Mutex
	lockDepth int
}

type invocation struct {
	force    bool
	runTasks map[string]bool
	// targets holds the IDs of finished targets so that "sass" and "sass:dist" share them.
	targets map[string]bool
}

// NewRunner returns a runner for project. The project must have been validated against registry.
func NewRunner(project *Project, registry Registry, opts RunOptions) *Runner {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	return &Runner{
		project:  project,
		registry: registry,
		opts:     opts,
		lock:     flock.New(filepath.Join(project.Root, LockFileName)),
	}
}

// Run executes the named tasks in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, names ...string) error {
	return r.run(ctx, r.opts.Force, names)
}

// RunForced works like Run but skips the up-to-date checks of the named steps. Long-running steps get it
// as StepContext.Invoke.
func (r *Runner) RunForced(ctx context.Context, names ...string) error {
	return r.run(ctx, true, names)
}

func (r *Runner) run(ctx context.Context, force bool, names []string) error {
	inv := &invocation{
		force:    force,
		runTasks: make(map[string]bool),
		targets:  make(map[string]bool),
	}

	for _, name := range names {
		err := r.runName(ctx, inv, name)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runName(ctx context.Context, inv *invocation, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status, ok := inv.runTasks[name]
	if ok {
		if status {
			Log(ctx).Debug().Msgf("Task %s already run", name)
			return nil
		}

		return &ConfigError{File: r.project.Rel(r.project.Descriptor), Err: eris.Errorf("task %s was called recursively", name)}
	}

	ref, err := r.project.lookup(name)
	if err != nil {
		return &ConfigError{File: r.project.Rel(r.project.Descriptor), Err: err}
	}

	if ref.kind != refTask {
		inv.runTasks[name] = false
	}

	switch ref.kind {
	case refAlias:
		for _, sub := range r.project.Aliases[name].Tasks {
			err = r.runName(ctx, inv, sub)
			if err != nil {
				return err
			}
		}
	case refPlugin, refTarget:
		err = r.runTargets(ctx, inv, ref.plugin, r.project.TargetsFor(ref.plugin, ref.target))
	case refTask:
		err = r.runTaskInternal(ctx, inv, r.project.Tasks[name], inv.force)
		if err != nil {
			err = &StepError{Step: name, Err: err}
		}
	}

	if err != nil {
		return err
	}

	inv.runTasks[name] = true
	return nil
}

func (r *Runner) runTargets(ctx context.Context, inv *invocation, plugin string, targets []*Target) error {
	step, err := r.registry.Resolve(plugin)
	if err != nil {
		return &ConfigError{File: r.project.Rel(r.project.Descriptor), Err: err}
	}

	if _, ok := step.(LongRunning); ok {
		if len(targets) == 0 {
			return nil
		}

		if r.opts.DryRun {
			Log(ctx).Info().Str("step", plugin).Msg("would start")
			return nil
		}

		err = step.Run(ctx, &StepContext{
			Project: r.project,
			Targets: targets,
			Invoke:  r.RunForced,
		})
		if err != nil {
			return &StepError{Step: plugin, Err: err}
		}
		return nil
	}

	for _, target := range targets {
		if inv.targets[target.ID()] {
			Log(ctx).Debug().Msgf("Target %s already run", target.ID())
			continue
		}

		err = r.runTarget(ctx, step, target, inv.force)
		if err != nil {
			return &StepError{Step: target.ID(), Err: err}
		}
		inv.targets[target.ID()] = true
	}
	return nil
}

func (r *Runner) runTarget(ctx context.Context, step Step, target *Target, force bool) error {
	logger := Log(ctx).With().Str("step", target.ID()).Logger()

	tracker, tracked := step.(Tracker)
	if tracked && !force {
		inputs, outputs, err := tracker.Paths(r.project, target)
		if err != nil {
			return err
		}

		fresh, err := upToDate(inputs, outputs)
		if err != nil {
			return err
		}

		if fresh {
			logger.Info().Msg("nothing to do")
			return nil
		}
	}

	if r.opts.DryRun {
		logger.Info().Msg("would run")
		return nil
	}

	err := r.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer r.releaseLock(ctx)

	start := time.Now()
	err = step.Run(ctx, &StepContext{
		Project: r.project,
		Targets: []*Target{target},
		Invoke:  r.Run,
	})
	if err != nil {
		return err
	}

	if tracked {
		stampOutputs(ctx, r.project, tracker, target, start)
	}

	logger.Info().Dur("took", time.Since(start)).Msg("done")
	return nil
}

// stampOutputs sets the mtime of a target's outputs to the time its step started. Inputs saved while the
// step was running are newer than that and keep the target stale.
func stampOutputs(ctx context.Context, project *Project, tracker Tracker, target *Target, start time.Time) {
	_, outputs, err := tracker.Paths(project, target)
	if err != nil {
		Log(ctx).Warn().Err(err).Str("step", target.ID()).Msg("failed to list outputs")
		return
	}

	for _, item := range outputs {
		err = os.Chtimes(item, start, start)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			Log(ctx).Warn().Err(err).Str("step", target.ID()).Str("path", item).Msg("failed to update mtime")
		}
	}
}

func (r *Runner) acquireLock(ctx context.Context) error {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	if r.lockDepth == 0 {
		locked, err := r.lock.TryLock()
		if err != nil {
			return eris.Wrapf(err, "failed to lock %s", r.lock.Path())
		}

		if !locked {
			Log(ctx).Info().Msg("waiting for another stylebuild process to finish")
			locked, err = r.lock.TryLockContext(ctx, 100*time.Millisecond)
			if err != nil {
				return eris.Wrapf(err, "failed to lock %s", r.lock.Path())
			}
			if !locked {
				return eris.Errorf("failed to lock %s", r.lock.Path())
			}
		}
	}

	r.lockDepth++
	return nil
}

func (r *Runner) releaseLock(ctx context.Context) {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()

	r.lockDepth--
	if r.lockDepth == 0 {
		err := r.lock.Unlock()
		if err != nil {
			Log(ctx).Warn().Err(err).Msg("failed to release the lock file")
		}
	}
}

// upToDate reports whether the oldest output is newer than the newest input. Missing inputs or outputs
// always make a target stale so that the step gets a chance to report them.
func upToDate(inputs, outputs []string) (bool, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return false, nil
	}

	var newestInput time.Time
	for _, item := range inputs {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	var oldestOutput time.Time
	for idx, item := range outputs {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		if idx == 0 || info.ModTime().Before(oldestOutput) {
			oldestOutput = info.ModTime()
		}
	}

	return oldestOutput.After(newestInput), nil
}

func getTaskEnv(task *Task) []string {
	osEnv := os.Environ()
	envVars := make([]string, 0, len(osEnv)+len(task.Env))
	for _, item := range osEnv {
		name := strings.SplitN(item, "=", 2)[0]
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}

		// the interpreter sorts its environment, so a duplicate wouldn't reliably be overridden
		if _, present := task.Env[name]; !present {
			envVars = append(envVars, item)
		}
	}

	for name, value := range task.Env {
		envVars = append(envVars, name+"="+value)
	}

	return envVars
}

func (r *Runner) taskPaths(task *Task, patterns []string) ([]string, error) {
	resolved := make([]string, len(patterns))
	for idx, pattern := range patterns {
		if strings.HasPrefix(pattern, "//") || filepath.IsAbs(pattern) {
			resolved[idx] = pattern
		} else {
			resolved[idx] = filepath.Join(task.Base, pattern)
		}
	}

	return ExpandSources(r.project, resolved)
}

func (r *Runner) runTaskInternal(ctx context.Context, inv *invocation, task *Task, force bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status, ok := inv.runTasks[task.Short]
	if ok {
		if status {
			// this task has already been run
			Log(ctx).Debug().Msgf("Task %s already run", task.Short)
			return nil
		}

		return eris.Errorf("Task %s was called recursively", task.Short)
	}
	inv.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		if !inv.runTasks[dep] {
			depTask, ok := r.project.Tasks[dep]
			if !ok {
				return eris.Errorf("Task %s not found", dep)
			}

			err := r.runTaskInternal(ctx, inv, depTask, false)
			if err != nil {
				return eris.Wrapf(err, "Task %s failed due to its dependency %s", task.Short, dep)
			}
		}
	}

	logger := Log(ctx).With().Str("step", task.Short).Logger()
	if !force {
		inputList, err := r.taskPaths(task, task.Inputs)
		if err != nil {
			return eris.Wrap(err, "failed to resolve inputs")
		}

		outputList, err := r.taskPaths(task, task.Outputs)
		if err != nil {
			return eris.Wrap(err, "failed to resolve output list")
		}

		fresh, err := upToDate(inputList, outputList)
		if err != nil {
			return err
		}

		if fresh {
			logger.Info().Msg("nothing to do")
			inv.runTasks[task.Short] = true
			return nil
		}
	}

	// With the input/output checks done, we can finally start executing
	runner, err := NewShell(ShellOptions{
		Dir:    task.Base,
		Env:    getTaskEnv(task),
		Stdout: r.opts.Stdout,
		Stderr: r.opts.Stderr,
	})
	if err != nil {
		return err
	}

	if !r.opts.DryRun {
		err = r.acquireLock(ctx)
		if err != nil {
			return err
		}
		defer r.releaseLock(ctx)
	}

	parser := syntax.NewParser()
	for _, item := range task.Cmds {
		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}
		if stmts != nil {
			for _, stm := range stmts {
				logger.Info().
					Bool("command", true).
					Msg(FormatCommand(stm))

				if !r.opts.DryRun {
					err = runner.Run(ctx, stm)
					if err != nil {
						return err
					}

					if runner.Exited() {
						inv.runTasks[task.Short] = true
						return nil
					}
				}
			}
		} else {
			subTask, err := item.ToTask()
			if err != nil {
				return eris.Wrap(err, "failed to retrieve task ref")
			}

			if subTask == nil {
				return eris.Errorf("unexpected task command %+v", item)
			}

			err = r.runTaskInternal(ctx, inv, subTask, force)
			if err != nil {
				return err
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	inv.runTasks[task.Short] = true
	return nil
}
