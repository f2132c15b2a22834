package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/wellsync/internal/api"
	"github.com/roach88/wellsync/internal/store"
)

// ReviewOptions holds flags for the review command.
type ReviewOptions struct {
	*RunOptions
}

// NewReviewCommand creates the review command.
func NewReviewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReviewOptions{RunOptions: &RunOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "review",
		Short: "List conflicts escalated for clinical review",
		Long: `List the conflicts the engine could not merge automatically, oldest
first, straight from the store.

Example:
  wellsync review --db ./wellsync.db
  wellsync review --config ./wellsync.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReview(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a CUE config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "store DSN (overrides config)")

	return cmd
}

func runReview(opts *ReviewOptions, cmd *cobra.Command) error {
	cfg, err := effectiveConfig(opts.RunOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	cases, err := st.List(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list review cases", err)
	}
	resp := api.CasesResponse(cases)

	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
	return out.Success(resp, func(w io.Writer) {
		if len(resp) == 0 {
			fmt.Fprintln(w, "No conflicts awaiting review.")
			return
		}
		for _, c := range resp {
			fmt.Fprintf(w, "%s  %s %s (%s)  %s\n", c.ID, c.EntityType, c.RecordID, c.Level, c.Reason)
			for _, r := range c.Replicas {
				origin := "local"
				if r.Remote {
					origin = "remote"
				}
				fmt.Fprintf(w, "  %-6s %s on %s at %s\n", origin, r.OperationID, r.Device, r.OriginAt.Format("2006-01-02T15:04:05.000Z07:00"))
			}
		}
	})
}
