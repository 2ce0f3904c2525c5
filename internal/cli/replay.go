package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/privacy"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Start          string
	End            string
	SubjectType    string
	IncludeExports bool
	PageSize       int
	MaxPages       int
}

// ReplayResult is the JSON output of the replay command.
type ReplayResult struct {
	Commands     []string `json:"commands"`
	Continuation string   `json:"continuation,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "List stored raw commands for replay",
		Long: `Page through the raw commands created in [start, end). Export commands are
only included with --include-exports and the EnableExportCommandReplay flight.

Examples:
  commandhistory replay --start 2026-10-01T00:00:00Z --end 2026-10-02T00:00:00Z
  commandhistory replay --start 2026-10-01T00:00:00Z --end 2026-10-02T00:00:00Z --subject-type aad`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Start, "start", "", "inclusive start time, RFC 3339 (required)")
	cmd.Flags().StringVar(&opts.End, "end", "", "exclusive end time, RFC 3339 (required)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	cmd.Flags().StringVar(&opts.SubjectType, "subject-type", "", "restrict to one subject type")
	cmd.Flags().BoolVar(&opts.IncludeExports, "include-exports", false, "include export commands")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", commandhistory.DefaultReplayPageSize, "commands per page")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "stop after this many pages (0 reads all)")
	return cmd
}

func (o *ReplayOptions) replayQuery() (commandhistory.ReplayQuery, error) {
	start, err := time.Parse(time.RFC3339, o.Start)
	if err != nil {
		return commandhistory.ReplayQuery{}, fmt.Errorf("--start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, o.End)
	if err != nil {
		return commandhistory.ReplayQuery{}, fmt.Errorf("--end: %w", err)
	}
	if !start.Before(end) {
		return commandhistory.ReplayQuery{}, fmt.Errorf("--start must be before --end")
	}
	return commandhistory.ReplayQuery{
		Start:          start,
		End:            end,
		SubjectType:    privacy.SubjectType(o.SubjectType),
		IncludeExports: o.IncludeExports,
		MaxItemCount:   o.PageSize,
	}, nil
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
	q, err := opts.replayQuery()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid time range", err)
	}

	return withApp(ctx, opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		var result ReplayResult
		for page := 0; opts.MaxPages == 0 || page < opts.MaxPages; page++ {
			commands, next, err := app.Repository.CommandsForReplay(ctx, q)
			if err != nil {
				return WrapExitError(ExitFailure, "replay query failed", err)
			}
			result.Commands = append(result.Commands, commands...)
			result.Continuation = next
			if next == "" {
				break
			}
			q.Continuation = next
		}

		return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Emit(result, func(w io.Writer) error {
			for _, raw := range result.Commands {
				if _, err := fmt.Fprintln(w, raw); err != nil {
					return err
				}
			}
			if result.Continuation != "" {
				_, err := fmt.Fprintf(w, "# continuation: %s\n", result.Continuation)
				return err
			}
			return nil
		})
	})
}
