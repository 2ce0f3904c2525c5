package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Containers bool
	Expired    bool
}

// PurgeResult is the JSON output of the purge command.
type PurgeResult struct {
	ContainersDeleted int   `json:"containers_deleted"`
	DocumentsExpired  int64 `json:"documents_expired"`
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete data past retention once",
		Long: `Delete blob containers older than the retention period plus five days and
core documents past their expiry. Both run unless one is selected.

Examples:
  commandhistory purge
  commandhistory purge --containers`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Containers, "containers", false, "purge blob containers")
	cmd.Flags().BoolVar(&opts.Expired, "expired", false, "delete expired core documents")
	return cmd
}

func runPurge(ctx context.Context, opts *PurgeOptions, cmd *cobra.Command) error {
	both := !opts.Containers && !opts.Expired

	return withApp(ctx, opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		var result PurgeResult
		if both || opts.Containers {
			n, err := app.Blobs.PurgeContainers(ctx)
			result.ContainersDeleted = n
			if err != nil {
				return WrapExitError(ExitFailure, "container purge failed", err)
			}
		}
		if both || opts.Expired {
			n, err := app.Docs.DeleteExpired(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "expired document sweep failed", err)
			}
			result.DocumentsExpired = n
		}
		return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Emit(result, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Deleted %d containers and %d expired documents\n",
				result.ContainersDeleted, result.DocumentsExpired)
			return err
		})
	})
}

// NewForceCompleteCommand creates the force-complete command.
func NewForceCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-complete",
		Short: "Force complete stale exports once",
		Long: `Mark exports that are still incomplete after their completion window as
complete, using the configured AAD and non-AAD windows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd, func(ctx context.Context, app *App) error {
				n, err := app.ForceCompleter().Run(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "force completion failed", err)
				}
				return NewOutputFormatter(rootOpts.Format, cmd.OutOrStdout()).Emit(
					map[string]int{"completed": n},
					func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "Force completed %d exports\n", n)
						return err
					})
			})
		},
	}
	return cmd
}
