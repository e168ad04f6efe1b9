package fakedriver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nerrad567/driverservice/internal/infrastructure/config"
	"github.com/nerrad567/driverservice/internal/infrastructure/logging"
)

// NewCommand returns the fakedriver command. The flag surface mirrors
// safaridriver's "-p PORT" so the same argument builder drives both.
func NewCommand(version string) *cobra.Command {
	opts := DefaultOptions()

	cmd := &cobra.Command{
		Use:           "fakedriver",
		Short:         "Minimal WebDriver-style server for exercising driverservice",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New(config.LoggingConfig{
				Level:  opts.LogLevel,
				Format: "text",
				Output: "stderr",
			}, version).With("component", "fakedriver")
			return Run(cmd.Context(), opts, cmd.OutOrStdout(), log)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.Port, "port", "p", 0, "port to listen on")
	f.StringVar(&opts.Host, "host", opts.Host, "address to bind")
	f.BoolVar(&opts.NoShutdown, "no-shutdown", false, "answer /shutdown with 404 and keep running")
	f.BoolVar(&opts.IgnoreTerm, "ignore-sigterm", false, "ignore SIGTERM so only a kill stops the process")
	f.DurationVar(&opts.ListenDelay, "listen-delay", 0, "wait this long before binding the port")
	f.IntVar(&opts.ExitCode, "exit-code", -1, "exit immediately with this status instead of serving")
	f.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")

	return cmd
}

// Main runs the command with args and returns the process exit status.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer, version string) int {
	cmd := NewCommand(version)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "fakedriver: %v\n", err) //nolint:errcheck // nowhere else to report
	return 1
}
