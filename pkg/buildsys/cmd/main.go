// Package cmd implements the stylebuild CLI on top of the buildsys package
package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ngld/stylebuild/pkg"
	"github.com/ngld/stylebuild/pkg/buildsys"
	"github.com/ngld/stylebuild/pkg/config"
	"github.com/ngld/stylebuild/pkg/plugins"
)

// DefaultTask runs when no task is passed on the command line.
const DefaultTask = "default"

// ExitError carries the process exit code for a failure that has already been logged.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps a run result to the process exit code: 0 on success, 2 for configuration errors and 1 for
// everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var cfgErr *buildsys.ConfigError
	if errors.As(err, &cfgErr) {
		return 2
	}
	return 1
}

var RootCmd = &cobra.Command{
	Use:   "stylebuild [task...] [option=value...]",
	Short: "Compiles and minifies stylesheets",
	Long: `This command parses the first tasks.star file it finds and executes the given tasks.
Without a task, the "default" task is run.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logJSON, err := cmd.Flags().GetBool("log-json")
		if err != nil {
			return err
		}

		logger := newLogger(cmd.ErrOrStderr(), logJSON)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = run(ctx, cmd, args, &logger)
		if err != nil {
			event := logger.Error().Err(err)
			var stepErr *buildsys.StepError
			if errors.As(err, &stepErr) {
				event = event.Str("step", stepErr.Step)
				event.Msg("Failed")
			} else {
				event.Msg("Failed to run tasks")
			}

			return &ExitError{Code: ExitCode(err), Err: err}
		}
		return nil
	},
}

func newLogger(out io.Writer, logJSON bool) zerolog.Logger {
	if logJSON {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(NewConsoleWriter(out))
}

func run(ctx context.Context, cmd *cobra.Command, args []string, logger *zerolog.Logger) error {
	flags := cmd.Flags()
	dryRun, err := flags.GetBool("dry")
	if err != nil {
		return err
	}

	force, err := flags.GetBool("force")
	if err != nil {
		return err
	}

	list, err := flags.GetBool("list")
	if err != nil {
		return err
	}

	noCache, err := flags.GetBool("no-cache")
	if err != nil {
		return err
	}

	descriptor, err := flags.GetString("file")
	if err != nil {
		return err
	}

	taskArgs := make([]string, 0)
	options := make(map[string]string)
	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(wd)
	if err != nil {
		return err
	}

	if flags.Changed("log-json") || !cfg.Log.JSON {
		*logger = logger.Level(cfg.LogLevel())
	} else {
		*logger = newLogger(cmd.ErrOrStderr(), true).Level(cfg.LogLevel())
	}
	ctx = buildsys.WithLogger(ctx, logger)

	if descriptor == "" {
		descriptor, err = pkg.FindDescriptor(wd, cfg.Descriptor)
		if err != nil {
			return &buildsys.ConfigError{File: cfg.Descriptor, Err: err}
		}
	}

	registry := plugins.NewRegistry(cfg.Watch.Debounce)

	var project *buildsys.Project
	if cfg.Cache && !noCache {
		project, err = buildsys.LoadCached(ctx, descriptor, options, registry)
	} else {
		project, err = buildsys.Load(ctx, descriptor, options, registry)
	}
	if err != nil {
		return err
	}

	if list {
		pkg.PrintTasks(cmd.OutOrStdout(), project.TaskNames())
		return nil
	}

	if len(taskArgs) == 0 {
		taskArgs = append(taskArgs, DefaultTask)
	}

	runner := buildsys.NewRunner(project, registry, buildsys.RunOptions{
		DryRun: dryRun,
		Force:  force,
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
	return runner.Run(ctx, taskArgs...)
}

func init() {
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	RootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	RootCmd.Flags().BoolP("list", "l", false, "list the available tasks and exit")
	RootCmd.Flags().String("file", "", "descriptor to load instead of searching for tasks.star")
	RootCmd.Flags().Bool("no-cache", false, "always parse the descriptor instead of using "+buildsys.CacheFileName)
	RootCmd.Flags().Bool("log-json", false, "output JSONND instead of pretty console messages")
}
