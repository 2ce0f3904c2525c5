package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/plaenen/commandhistory/pkg/runner"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ShutdownTimeout time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the command queues and background maintenance",
		Long: `Run the agent command queues together with the maintenance tasks: expired
document sweeps, blob container purges and stale export force completion.
Runs until interrupted.

Examples:
  commandhistory serve
  commandhistory serve --config /etc/commandhistory.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	logger := opts.Logger(cmd)

	app, err := OpenApp(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer app.Close(context.Background())

	r := runner.New(app.Services(),
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(opts.ShutdownTimeout),
		runner.WithSignalHandling(true),
	)
	if err := r.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "service stopped with errors", err)
	}
	return nil
}
