// Package watch re-runs tasks when files matching a target's patterns change.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/romdo/go-debounce"
	"github.com/rotisserie/eris"

	"github.com/ngld/stylebuild/pkg/buildsys"
)

// DefaultDebounce is used when neither the target nor the caller configures a window.
const DefaultDebounce = 100 * time.Millisecond

// skipDirs are never watched when a pattern's base falls back to a parent directory.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
}

// Step implements the watch plugin.
type Step struct {
	// Debounce is the window for targets without a debounce option. 0 disables it.
	Debounce time.Duration

	// ready is called once all directories are subscribed.
	ready func()
}

func New(debounce time.Duration) *Step {
	return &Step{Debounce: debounce}
}

// LongRunning marks this step as one that runs until the context is cancelled.
func (s *Step) LongRunning() {}

func (s *Step) Validate(project *buildsys.Project, target *buildsys.Target) error {
	if len(target.Patterns) == 0 {
		return eris.New("no patterns configured")
	}

	if len(target.Tasks) == 0 {
		return eris.New("no tasks configured")
	}

	for _, pattern := range target.Patterns {
		if !doublestar.ValidatePattern(cleanPattern(pattern)) {
			return eris.Errorf("invalid pattern %s", pattern)
		}
	}

	window, err := target.Options.Duration("debounce", s.Debounce)
	if err != nil {
		return err
	}
	if window < 0 {
		return eris.New("debounce must not be negative")
	}
	return nil
}

type rule struct {
	id       string
	patterns []string
	tasks    []string
	window   time.Duration

	pending atomic.Bool
	trigger func()
}

func (r *rule) matches(rel string) bool {
	for _, pattern := range r.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func cleanPattern(pattern string) string {
	return filepath.ToSlash(strings.TrimPrefix(pattern, "//"))
}

func (s *Step) rules(targets []*buildsys.Target) ([]*rule, error) {
	result := make([]*rule, 0, len(targets))
	for _, target := range targets {
		window, err := target.Options.Duration("debounce", s.Debounce)
		if err != nil {
			return nil, err
		}

		r := &rule{
			id:       target.ID(),
			patterns: make([]string, len(target.Patterns)),
			tasks:    target.Tasks,
			window:   window,
		}
		for idx, pattern := range target.Patterns {
			r.patterns[idx] = cleanPattern(pattern)
		}
		result = append(result, r)
	}
	return result, nil
}

// matching returns the rules that have to run after rel (relative to the project root) changed.
func matching(rules []*rule, rel string) []*rule {
	result := make([]*rule, 0)
	for _, r := range rules {
		if r.matches(rel) {
			result = append(result, r)
		}
	}
	return result
}

type watchCtx struct {
	project *buildsys.Project
	watcher *fsnotify.Watcher
	watched map[string]bool
}

// addRecursive subscribes to dir and all directories below it.
func (w *watchCtx) addRecursive(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path != dir && eris.Is(err, os.ErrNotExist) {
				return nil
			}
			return &buildsys.WatchError{Path: w.project.Rel(path), Err: err}
		}

		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if w.watched[path] {
			return nil
		}

		err = w.watcher.Add(path)
		if err != nil {
			return &buildsys.WatchError{Path: w.project.Rel(path), Err: err}
		}

		w.watched[path] = true
		buildsys.Log(ctx).Debug().Str("path", path).Msg("watching")
		return nil
	})
}

// baseDir returns the directory that has to be watched for pattern. If the pattern's static prefix
// doesn't exist yet, its nearest existing parent is used instead.
func baseDir(project *buildsys.Project, pattern string) string {
	base, _ := doublestar.SplitPattern(pattern)
	dir := project.Path(base)

	for {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func (s *Step) Run(ctx context.Context, sc *buildsys.StepContext) error {
	rules, err := s.rules(sc.Targets)
	if err != nil {
		return &buildsys.ConfigError{File: sc.Project.Rel(sc.Project.Descriptor), Err: err}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return &buildsys.WatchError{Path: sc.Project.Rel(sc.Project.Root), Err: eris.Wrap(err, "failed to create watcher")}
	}
	defer watcher.Close()

	w := &watchCtx{
		project: sc.Project,
		watcher: watcher,
		watched: make(map[string]bool),
	}

	for _, r := range rules {
		for _, pattern := range r.patterns {
			err = w.addRecursive(ctx, baseDir(sc.Project, pattern))
			if err != nil {
				return err
			}
		}
	}

	// Every rule is queued at most once so the buffer never fills up.
	queue := make(chan *rule, len(rules))
	for _, r := range rules {
		r := r
		enqueue := func() {
			if r.pending.CompareAndSwap(false, true) {
				queue <- r
			}
		}

		if r.window > 0 {
			debounced, cancel := debounce.New(r.window, enqueue)
			defer cancel()
			r.trigger = debounced
		} else {
			r.trigger = enqueue
		}
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		work(ctx, sc, queue)
	}()
	defer wg.Wait()

	buildsys.Log(ctx).Info().Int("directories", len(w.watched)).Int("rules", len(rules)).Msg("Waiting for changes...")
	if s.ready != nil {
		s.ready()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					err = w.addRecursive(ctx, event.Name)
					if err != nil {
						buildsys.Log(ctx).Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
					continue
				}
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			rel := sc.Project.Rel(event.Name)
			for _, r := range matching(rules, rel) {
				buildsys.Log(ctx).Debug().Str("step", r.id).Str("path", rel).Msg("change detected")
				r.trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			buildsys.Log(ctx).Error().Err(err).Msg("watcher error")
		}
	}
}

// work runs queued rules one at a time until ctx is cancelled.
func work(ctx context.Context, sc *buildsys.StepContext, queue <-chan *rule) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-queue:
			// events that arrive while the tasks run queue the rule again
			r.pending.Store(false)

			logger := buildsys.Log(ctx).With().Str("step", r.id).Logger()
			logger.Info().Strs("tasks", r.tasks).Msg("running")

			start := time.Now()
			err := sc.Invoke(ctx, r.tasks...)
			if ctx.Err() != nil {
				return
			}

			if err != nil {
				logger.Error().Err(err).Msg("tasks failed")
			} else {
				logger.Info().Dur("took", time.Since(start)).Msg("tasks finished")
			}
		}
	}
}
