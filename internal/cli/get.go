package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/plaenen/commandhistory/pkg/commandhistory"
	"github.com/plaenen/commandhistory/pkg/privacy"
	"github.com/plaenen/commandhistory/pkg/validators"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Fragments string
}

// AgentEntry is one agent's fragments in command output.
type AgentEntry struct {
	AgentID           privacy.AgentID                         `json:"agentId"`
	AssetGroupID      privacy.AssetGroupID                    `json:"assetGroupId"`
	Audit             *commandhistory.AuditRecord             `json:"audit,omitempty"`
	Status            *commandhistory.StatusRecord            `json:"status,omitempty"`
	ExportDestination *commandhistory.ExportDestinationRecord `json:"exportDestination,omitempty"`
}

// RecordOutput is the printable form of a record.
type RecordOutput struct {
	CommandID privacy.CommandID          `json:"commandId"`
	Fragments string                     `json:"fragments"`
	Core      *commandhistory.CoreRecord `json:"core,omitempty"`
	Agents    []AgentEntry               `json:"agents,omitempty"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <command-id>",
		Short: "Show a stored command",
		Long: `Read one command and the requested fragments.

Examples:
  commandhistory get 0d5c2f5e
  commandhistory get 0d5c2f5e --fragments Core,Status --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), opts, cmd, privacy.CommandID(args[0]))
		},
	}

	cmd.Flags().StringVar(&opts.Fragments, "fragments", "All", "fragments to read (Core|Audit|Status|ExportDestinations|All)")
	return cmd
}

func runGet(ctx context.Context, opts *GetOptions, cmd *cobra.Command, id privacy.CommandID) error {
	if err := validators.ValidateIdentifier("command_id", string(id)).Err(); err != nil {
		return WrapExitError(ExitCommandError, "invalid command id", err)
	}
	fragments, err := commandhistory.ParseFragmentTypes(opts.Fragments)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --fragments", err)
	}

	return withApp(ctx, opts.RootOptions, cmd, func(ctx context.Context, app *App) error {
		rec, err := app.Repository.Query(ctx, id, fragments)
		if err != nil {
			return WrapExitError(ExitFailure, "query failed", err)
		}
		if rec == nil {
			return NewExitError(ExitFailure, fmt.Sprintf("command %s not found", id))
		}
		out := toOutput(rec, fragments)
		return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Emit(out, func(w io.Writer) error {
			return writeRecordText(w, out)
		})
	})
}

// withApp opens the stack for one command and closes it afterwards.
func withApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.LoadConfig()
	if err != nil {
		return err
	}
	app, err := OpenApp(ctx, cfg, opts.Logger(cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer app.Close(context.Background())
	return fn(ctx, app)
}

func toOutput(rec *commandhistory.Record, fragments commandhistory.FragmentTypes) RecordOutput {
	out := RecordOutput{CommandID: rec.CommandID, Fragments: fragments.String(), Core: rec.Core}

	entries := make(map[commandhistory.AgentAssetGroup]*AgentEntry)
	entry := func(k commandhistory.AgentAssetGroup) *AgentEntry {
		e, ok := entries[k]
		if !ok {
			e = &AgentEntry{AgentID: k.AgentID, AssetGroupID: k.AssetGroupID}
			entries[k] = e
		}
		return e
	}
	for k, v := range rec.AuditMap {
		entry(k).Audit = v
	}
	for k, v := range rec.StatusMap {
		entry(k).Status = v
	}
	for k, v := range rec.ExportDestinations {
		entry(k).ExportDestination = v
	}

	for _, e := range entries {
		out.Agents = append(out.Agents, *e)
	}
	sort.Slice(out.Agents, func(i, j int) bool {
		if out.Agents[i].AgentID != out.Agents[j].AgentID {
			return out.Agents[i].AgentID < out.Agents[j].AgentID
		}
		return out.Agents[i].AssetGroupID < out.Agents[j].AssetGroupID
	})
	return out
}

func writeRecordText(w io.Writer, out RecordOutput) error {
	fmt.Fprintf(w, "Command %s (%s)\n", out.CommandID, out.Fragments)
	if c := out.Core; c != nil {
		fmt.Fprintf(w, "  type:       %s\n", c.CommandType)
		fmt.Fprintf(w, "  created:    %s\n", c.CreatedTime.Format("2006-01-02T15:04:05Z07:00"))
		fmt.Fprintf(w, "  requester:  %s\n", c.Requester)
		fmt.Fprintf(w, "  complete:   %t\n", c.IsGloballyComplete)
		fmt.Fprintf(w, "  counts:     total=%d ingested=%d completed=%d\n",
			c.TotalCommandCount, c.IngestedCommandCount, c.CompletedCommandCount)
	}
	for _, a := range out.Agents {
		fmt.Fprintf(w, "  agent %s / %s\n", a.AgentID, a.AssetGroupID)
		if a.Audit != nil {
			fmt.Fprintf(w, "    audit:  %s %s\n", a.Audit.IngestionStatus, a.Audit.ApplicabilityReasonCode)
		}
		if a.Status != nil {
			fmt.Fprintf(w, "    status: complete=%t force=%t\n", a.Status.IsComplete(), a.Status.ForceCompleted)
		}
		if a.ExportDestination != nil {
			fmt.Fprintf(w, "    export: %s%s\n", a.ExportDestination.URI, a.ExportDestination.Path)
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
