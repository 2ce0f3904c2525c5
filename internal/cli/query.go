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

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Puid      int64
	ObjectID  string
	TenantID  string
	Requester string
	Types     []string
	Days      int
	Fragments string
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List the commands issued for a subject",
		Long: `List commands by MSA puid or AAD object id. The lookback is capped by the
configured maximum query age.

Examples:
  commandhistory query --puid 985154
  commandhistory query --object-id 7f0c... --types export --days 7 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Puid, "puid", 0, "MSA subject puid")
	cmd.Flags().StringVar(&opts.ObjectID, "object-id", "", "AAD subject object id")
	cmd.Flags().StringVar(&opts.TenantID, "tenant-id", "", "AAD subject tenant id")
	cmd.Flags().StringVar(&opts.Requester, "requester", "", "requester id")
	cmd.Flags().StringSliceVar(&opts.Types, "types", nil, "command types (delete,export)")
	cmd.Flags().IntVar(&opts.Days, "days", 30, "how many days back to look")
	cmd.Flags().StringVar(&opts.Fragments, "fragments", "Core", "fragments to read")
	cmd.MarkFlagsMutuallyExclusive("puid", "object-id")
	cmd.MarkFlagsOneRequired("puid", "object-id")
	return cmd
}

func (o *QueryOptions) subjectQuery(now time.Time) (commandhistory.SubjectQuery, error) {
	q := commandhistory.SubjectQuery{
		Requester:    o.Requester,
		OldestRecord: now.AddDate(0, 0, -o.Days),
	}
	if o.Puid != 0 {
		q.Subject = privacy.MSASubject(o.Puid)
	} else {
		q.Subject = privacy.AADSubject(o.ObjectID, o.TenantID)
	}
	for _, name := range o.Types {
		t, err := privacy.ParseCommandType(name)
		if err != nil {
			return q, err
		}
		q.CommandTypes = append(q.CommandTypes, t)
	}
	return q, nil
}

func runQuery(ctx context.Context, opts *QueryOptions, cmd *cobra.Command) error {
	q, err := opts.subjectQuery(time.Now().UTC())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --types", err)
	}
	fragments, err := commandhistory.ParseFragmentTypes(opts.Fragments)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --fragments", err)
	}

	return withApp(ctx, opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		records, err := app.Repository.QueryBySubject(ctx, q, fragments)
		if err != nil {
			return WrapExitError(ExitFailure, "query failed", err)
		}
		out := make([]RecordOutput, 0, len(records))
		for _, rec := range records {
			out = append(out, toOutput(rec, fragments))
		}
		return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Emit(out, func(w io.Writer) error {
			if len(out) == 0 {
				_, err := fmt.Fprintln(w, "No commands found")
				return err
			}
			for _, r := range out {
				if err := writeRecordText(w, r); err != nil {
					return err
				}
			}
			return nil
		})
	})
}
