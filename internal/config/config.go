// Package config holds engine configuration: per-tier resource and batching
// policy, latency targets, deadlines, retry bounds, and collaborator wiring.
//
// Configuration is layered: Go defaults, then an optional CUE file validated
// against the embedded schema, then environment variables (optionally loaded
// from a .env file).
package config

import (
	"fmt"
	"time"

	"github.com/roach88/wellsync/internal/model"
)

// Defaults that are never tier-specific.
const (
	DefaultCrisisDeadline   = 200 * time.Millisecond
	DefaultHandoffDeadline  = 2 * time.Second
	DefaultAssessmentWindow = 2 * time.Second
	DefaultSchedulerTick    = 50 * time.Millisecond
	DefaultBreachWindow     = 3
	DefaultSampleRing       = 512
	DefaultAlertTTL         = 15 * time.Minute
	DefaultMaxAttempts      = 5
	DefaultRetryBase        = 250 * time.Millisecond
	DefaultRetryMax         = 30 * time.Second
	DefaultDBDriver         = "sqlite3"
	DefaultDBDSN            = "wellsync.db"
	DefaultHTTPAddr         = "127.0.0.1:8089"
	DefaultSafetyFallback   = "If you are in immediate danger call your local emergency number, or call or text 988 (US) to reach the Suicide & Crisis Lifeline."
)

// TierPolicy is the static policy for one subscription tier.
type TierPolicy struct {
	CPUShare         float64
	MemoryBytes      int64
	BandwidthBps     int64
	BatteryImpact    float64
	EmergencyReserve float64

	ConcurrentOperations int

	OptimalBatchSize int
	MaximumBatchSize int
	FixedInterval    time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration

	// LatencyTarget is the real-time sync target the monitor holds this tier to.
	LatencyTarget time.Duration

	// MaxWait is the longest an operation of a class may wait before it is
	// promoted one class.
	MaxWait map[model.PriorityClass]time.Duration
}

// SLAConfig configures the performance monitor.
type SLAConfig struct {
	CrisisTarget time.Duration
	BreachWindow int
	SampleRing   int

	// AlertTTL is how long an alert counts against health.
	AlertTTL time.Duration
}

// RetryConfig bounds retries of non-crisis dispatch failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// StoreConfig selects the collaborator store backend.
type StoreConfig struct {
	Driver string // "sqlite3" or "postgres"
	DSN    string
}

// Config is the full engine configuration.
type Config struct {
	DeviceID string
	Tier     model.Tier

	CrisisDeadline   time.Duration
	HandoffDeadline  time.Duration
	AssessmentWindow time.Duration
	SchedulerTick    time.Duration

	// SafetyFallback is returned on the crisis intake path whenever the
	// response guarantee cannot be met.
	SafetyFallback string

	SLA   SLAConfig
	Retry RetryConfig
	Store StoreConfig

	HTTPAddr string

	Tiers map[model.Tier]TierPolicy
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DeviceID:         "local-device",
		Tier:             model.TierBasic,
		CrisisDeadline:   DefaultCrisisDeadline,
		HandoffDeadline:  DefaultHandoffDeadline,
		AssessmentWindow: DefaultAssessmentWindow,
		SchedulerTick:    DefaultSchedulerTick,
		SafetyFallback:   DefaultSafetyFallback,
		SLA: SLAConfig{
			CrisisTarget: DefaultCrisisDeadline,
			BreachWindow: DefaultBreachWindow,
			SampleRing:   DefaultSampleRing,
			AlertTTL:     DefaultAlertTTL,
		},
		Retry: RetryConfig{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultRetryBase,
			MaxDelay:    DefaultRetryMax,
		},
		Store:    StoreConfig{Driver: DefaultDBDriver, DSN: DefaultDBDSN},
		HTTPAddr: DefaultHTTPAddr,
		Tiers:    DefaultTiers(),
	}
}

// DefaultTiers returns the built-in tier policies.
func DefaultTiers() map[model.Tier]TierPolicy {
	return map[model.Tier]TierPolicy{
		model.TierTrial: {
			CPUShare:             0.25,
			MemoryBytes:          32 << 20,
			BandwidthBps:         64 << 10,
			BatteryImpact:        0.05,
			EmergencyReserve:     0.10,
			ConcurrentOperations: 2,
			OptimalBatchSize:     20,
			MaximumBatchSize:     50,
			FixedInterval:        30 * time.Second,
			MinInterval:          5 * time.Second,
			MaxInterval:          60 * time.Second,
			LatencyTarget:        5 * time.Second,
			MaxWait: map[model.PriorityClass]time.Duration{
				model.PriorityCriticalSafety: 2 * time.Second,
				model.PriorityHighClinical:   10 * time.Second,
				model.PriorityMediumUser:     time.Minute,
				model.PriorityLowSync:        5 * time.Minute,
				model.PriorityBackground:     15 * time.Minute,
			},
		},
		model.TierBasic: {
			CPUShare:             0.40,
			MemoryBytes:          64 << 20,
			BandwidthBps:         256 << 10,
			BatteryImpact:        0.08,
			EmergencyReserve:     0.10,
			ConcurrentOperations: 4,
			OptimalBatchSize:     10,
			MaximumBatchSize:     30,
			FixedInterval:        10 * time.Second,
			MinInterval:          2 * time.Second,
			MaxInterval:          30 * time.Second,
			LatencyTarget:        2 * time.Second,
			MaxWait: map[model.PriorityClass]time.Duration{
				model.PriorityCriticalSafety: time.Second,
				model.PriorityHighClinical:   5 * time.Second,
				model.PriorityMediumUser:     30 * time.Second,
				model.PriorityLowSync:        2 * time.Minute,
				model.PriorityBackground:     10 * time.Minute,
			},
		},
		model.TierPremium: {
			CPUShare:             0.60,
			MemoryBytes:          128 << 20,
			BandwidthBps:         1 << 20,
			BatteryImpact:        0.12,
			EmergencyReserve:     0.10,
			ConcurrentOperations: 8,
			OptimalBatchSize:     5,
			MaximumBatchSize:     20,
			FixedInterval:        2 * time.Second,
			MinInterval:          250 * time.Millisecond,
			MaxInterval:          5 * time.Second,
			LatencyTarget:        500 * time.Millisecond,
			MaxWait: map[model.PriorityClass]time.Duration{
				model.PriorityCriticalSafety: 500 * time.Millisecond,
				model.PriorityHighClinical:   2 * time.Second,
				model.PriorityMediumUser:     10 * time.Second,
				model.PriorityLowSync:        time.Minute,
				model.PriorityBackground:     5 * time.Minute,
			},
		},
	}
}

// Policy returns the policy for tier, or an error for an unknown tier.
func (c Config) Policy(tier model.Tier) (TierPolicy, error) {
	p, ok := c.Tiers[tier]
	if !ok {
		return TierPolicy{}, fmt.Errorf("no policy for tier %q", tier)
	}
	return p, nil
}

// Validate checks cross-field invariants the schema cannot express.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if _, err := c.Policy(c.Tier); err != nil {
		return err
	}
	if c.CrisisDeadline <= 0 {
		return fmt.Errorf("crisis deadline must be positive")
	}
	if c.SLA.BreachWindow < 1 {
		return fmt.Errorf("sla breach window must be at least 1")
	}
	if c.SLA.AlertTTL <= 0 {
		return fmt.Errorf("sla alert ttl must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	for tier, p := range c.Tiers {
		if p.EmergencyReserve <= 0 || p.EmergencyReserve >= 1 {
			return fmt.Errorf("tier %s: emergency reserve must be in (0,1)", tier)
		}
		if p.OptimalBatchSize < 1 || p.MaximumBatchSize < p.OptimalBatchSize {
			return fmt.Errorf("tier %s: need 1 <= optimal batch size <= maximum batch size", tier)
		}
		if p.MinInterval > p.MaxInterval {
			return fmt.Errorf("tier %s: min interval exceeds max interval", tier)
		}
		if p.ConcurrentOperations < 1 {
			return fmt.Errorf("tier %s: concurrent operations must be at least 1", tier)
		}
	}
	return nil
}
