package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/ngld/stylebuild/pkg/buildsys/cmd"
)

var toolCmd = &cobra.Command{
	Use:    "tool",
	Short:  "Portable helpers used by shell tasks",
	Long:   `Shell tasks call mv, rm and mkdir through these helpers so that they behave the same on every platform.`,
	Hidden: true,
}

func init() {
	cmd.RootCmd.AddCommand(toolCmd)
}

// Execute runs the CLI and exits with the matching status code on failure.
func Execute() {
	err := cmd.RootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	var exitErr *cmd.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}

	// usage errors and failures of the tool commands haven't been reported yet
	colorstring.Fprintf(os.Stderr, "[red]Error:[reset] %s\n", err)
	os.Exit(cmd.ExitCode(err))
}
