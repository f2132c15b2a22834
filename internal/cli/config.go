package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/wellsync/internal/config"
)

// ConfigView is the printable form of the effective configuration.
// Durations render as Go duration strings.
type ConfigView struct {
	DeviceID         string              `json:"device_id"`
	Tier             string              `json:"tier"`
	CrisisDeadline   string              `json:"crisis_deadline"`
	HandoffDeadline  string              `json:"handoff_deadline"`
	AssessmentWindow string              `json:"assessment_window"`
	SchedulerTick    string              `json:"scheduler_tick"`
	HTTPAddr         string              `json:"http_addr"`
	StoreDriver      string              `json:"store_driver"`
	RetryMaxAttempts int                 `json:"retry_max_attempts"`
	RetryBaseDelay   string              `json:"retry_base_delay"`
	RetryMaxDelay    string              `json:"retry_max_delay"`
	Tiers            map[string]TierView `json:"tiers"`
}

// TierView is the printable form of one tier policy.
type TierView struct {
	ConcurrentOperations int     `json:"concurrent_operations"`
	CPUShare             float64 `json:"cpu_share"`
	EmergencyReserve     float64 `json:"emergency_reserve"`
	OptimalBatchSize     int     `json:"optimal_batch_size"`
	MaximumBatchSize     int     `json:"maximum_batch_size"`
	LatencyTarget        string  `json:"latency_target"`
}

// NewConfigView builds the view of cfg. The store DSN is left out since it
// may carry credentials.
func NewConfigView(cfg config.Config) ConfigView {
	v := ConfigView{
		DeviceID:         cfg.DeviceID,
		Tier:             string(cfg.Tier),
		CrisisDeadline:   cfg.CrisisDeadline.String(),
		HandoffDeadline:  cfg.HandoffDeadline.String(),
		AssessmentWindow: cfg.AssessmentWindow.String(),
		SchedulerTick:    cfg.SchedulerTick.String(),
		HTTPAddr:         cfg.HTTPAddr,
		StoreDriver:      cfg.Store.Driver,
		RetryMaxAttempts: cfg.Retry.MaxAttempts,
		RetryBaseDelay:   cfg.Retry.BaseDelay.String(),
		RetryMaxDelay:    cfg.Retry.MaxDelay.String(),
		Tiers:            make(map[string]TierView, len(cfg.Tiers)),
	}
	for tier, p := range cfg.Tiers {
		v.Tiers[string(tier)] = TierView{
			ConcurrentOperations: p.ConcurrentOperations,
			CPUShare:             p.CPUShare,
			EmergencyReserve:     p.EmergencyReserve,
			OptimalBatchSize:     p.OptimalBatchSize,
			MaximumBatchSize:     p.MaximumBatchSize,
			LatencyTarget:        p.LatencyTarget.String(),
		}
	}
	return v
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration run would use: defaults, then the CUE file,
then WELLSYNC_* environment variables, then flags.

Example:
  wellsync config --config ./wellsync.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := effectiveConfig(opts)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			view := NewConfigView(cfg)
			return newFormatter(rootOpts, cmd.OutOrStdout()).Success(view, func(w io.Writer) {
				printConfig(w, view)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a CUE config file")
	cmd.Flags().StringVar(&opts.Tier, "tier", "", "subscription tier (overrides config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config)")

	return cmd
}

func printConfig(w io.Writer, v ConfigView) {
	fmt.Fprintf(w, "device_id          %s\n", v.DeviceID)
	fmt.Fprintf(w, "tier               %s\n", v.Tier)
	fmt.Fprintf(w, "crisis_deadline    %s\n", v.CrisisDeadline)
	fmt.Fprintf(w, "handoff_deadline   %s\n", v.HandoffDeadline)
	fmt.Fprintf(w, "assessment_window  %s\n", v.AssessmentWindow)
	fmt.Fprintf(w, "scheduler_tick     %s\n", v.SchedulerTick)
	fmt.Fprintf(w, "http_addr          %s\n", v.HTTPAddr)
	fmt.Fprintf(w, "store_driver       %s\n", v.StoreDriver)
	fmt.Fprintf(w, "retry              %d attempts, %s..%s\n", v.RetryMaxAttempts, v.RetryBaseDelay, v.RetryMaxDelay)
	for _, tier := range slices.Sorted(maps.Keys(v.Tiers)) {
		t := v.Tiers[tier]
		fmt.Fprintf(w, "tier %-9s concurrency=%d batch=%d/%d latency_target=%s\n",
			tier, t.ConcurrentOperations, t.OptimalBatchSize, t.MaximumBatchSize, t.LatencyTarget)
	}
}
