package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"

	"github.com/roach88/wellsync/internal/model"
)

//go:embed schema.cue
var schemaCUE string

// Environment variables that override file and default values.
const (
	EnvDeviceID = "WELLSYNC_DEVICE_ID"
	EnvTier     = "WELLSYNC_TIER"
	EnvDBDriver = "WELLSYNC_DB_DRIVER"
	EnvDBDSN    = "WELLSYNC_DB_DSN"
	EnvHTTPAddr = "WELLSYNC_HTTP_ADDR"
)

// fileTier mirrors #Tier. Optional fields are pointers so that absent
// fields leave defaults untouched.
type fileTier struct {
	CPUShare             *float64          `json:"cpu_share"`
	MemoryBytes          *int64            `json:"memory_bytes"`
	BandwidthBps         *int64            `json:"bandwidth_bps"`
	BatteryImpact        *float64          `json:"battery_impact"`
	EmergencyReserve     *float64          `json:"emergency_reserve"`
	ConcurrentOperations *int              `json:"concurrent_operations"`
	OptimalBatchSize     *int              `json:"optimal_batch_size"`
	MaximumBatchSize     *int              `json:"maximum_batch_size"`
	FixedInterval        *string           `json:"fixed_interval"`
	MinInterval          *string           `json:"min_interval"`
	MaxInterval          *string           `json:"max_interval"`
	LatencyTarget        *string           `json:"latency_target"`
	MaxWait              map[string]string `json:"max_wait"`
}

// fileConfig mirrors #Config.
type fileConfig struct {
	DeviceID         *string `json:"device_id"`
	Tier             *string `json:"tier"`
	CrisisDeadline   *string `json:"crisis_deadline"`
	HandoffDeadline  *string `json:"handoff_deadline"`
	AssessmentWindow *string `json:"assessment_window"`
	SchedulerTick    *string `json:"scheduler_tick"`
	SafetyFallback   *string `json:"safety_fallback"`
	HTTPAddr         *string `json:"http_addr"`
	SLA              *struct {
		CrisisTarget *string `json:"crisis_target"`
		BreachWindow *int    `json:"breach_window"`
		SampleRing   *int    `json:"sample_ring"`
		AlertTTL     *string `json:"alert_ttl"`
	} `json:"sla"`
	Retry *struct {
		MaxAttempts *int    `json:"max_attempts"`
		BaseDelay   *string `json:"base_delay"`
		MaxDelay    *string `json:"max_delay"`
	} `json:"retry"`
	Store *struct {
		Driver *string `json:"driver"`
		DSN    *string `json:"dsn"`
	} `json:"store"`
	Tiers map[string]fileTier `json:"tiers"`
}

// Load builds the effective configuration: defaults, then the CUE file at
// path (skipped when path is empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := ApplyCUE(&cfg, path, data); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyCUE validates data against #Config and overlays the result onto cfg.
func ApplyCUE(cfg *Config, filename string, data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return formatCUEError(filename, err)
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(filename, err)
	}

	var fc fileConfig
	if err := unified.Decode(&fc); err != nil {
		return fmt.Errorf("decode config %s: %w", filename, err)
	}
	return fc.apply(cfg)
}

func formatCUEError(filename string, err error) error {
	msgs := cueerrors.Errors(err)
	if len(msgs) == 0 {
		return fmt.Errorf("config %s: %w", filename, err)
	}
	first := msgs[0]
	pos := first.Position()
	if pos.IsValid() {
		return fmt.Errorf("config %s:%d:%d: %s", pos.Filename(), pos.Line(), pos.Column(), first.Error())
	}
	return fmt.Errorf("config %s: %s", filename, first.Error())
}

func (fc fileConfig) apply(cfg *Config) error {
	var errs []error
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(name string, dst *time.Duration, src *string) {
		if src == nil {
			return
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}

	setString(&cfg.DeviceID, fc.DeviceID)
	if fc.Tier != nil {
		cfg.Tier = model.Tier(*fc.Tier)
	}
	setDuration("crisis_deadline", &cfg.CrisisDeadline, fc.CrisisDeadline)
	setDuration("handoff_deadline", &cfg.HandoffDeadline, fc.HandoffDeadline)
	setDuration("assessment_window", &cfg.AssessmentWindow, fc.AssessmentWindow)
	setDuration("scheduler_tick", &cfg.SchedulerTick, fc.SchedulerTick)
	setString(&cfg.SafetyFallback, fc.SafetyFallback)
	setString(&cfg.HTTPAddr, fc.HTTPAddr)

	if fc.SLA != nil {
		setDuration("sla.crisis_target", &cfg.SLA.CrisisTarget, fc.SLA.CrisisTarget)
		if fc.SLA.BreachWindow != nil {
			cfg.SLA.BreachWindow = *fc.SLA.BreachWindow
		}
		if fc.SLA.SampleRing != nil {
			cfg.SLA.SampleRing = *fc.SLA.SampleRing
		}
		setDuration("sla.alert_ttl", &cfg.SLA.AlertTTL, fc.SLA.AlertTTL)
	}
	if fc.Retry != nil {
		if fc.Retry.MaxAttempts != nil {
			cfg.Retry.MaxAttempts = *fc.Retry.MaxAttempts
		}
		setDuration("retry.base_delay", &cfg.Retry.BaseDelay, fc.Retry.BaseDelay)
		setDuration("retry.max_delay", &cfg.Retry.MaxDelay, fc.Retry.MaxDelay)
	}
	if fc.Store != nil {
		setString(&cfg.Store.Driver, fc.Store.Driver)
		setString(&cfg.Store.DSN, fc.Store.DSN)
	}

	for name, ft := range fc.Tiers {
		tier := model.Tier(name)
		p := cfg.Tiers[tier]
		if ft.CPUShare != nil {
			p.CPUShare = *ft.CPUShare
		}
		if ft.MemoryBytes != nil {
			p.MemoryBytes = *ft.MemoryBytes
		}
		if ft.BandwidthBps != nil {
			p.BandwidthBps = *ft.BandwidthBps
		}
		if ft.BatteryImpact != nil {
			p.BatteryImpact = *ft.BatteryImpact
		}
		if ft.EmergencyReserve != nil {
			p.EmergencyReserve = *ft.EmergencyReserve
		}
		if ft.ConcurrentOperations != nil {
			p.ConcurrentOperations = *ft.ConcurrentOperations
		}
		if ft.OptimalBatchSize != nil {
			p.OptimalBatchSize = *ft.OptimalBatchSize
		}
		if ft.MaximumBatchSize != nil {
			p.MaximumBatchSize = *ft.MaximumBatchSize
		}
		setDuration("tiers."+name+".fixed_interval", &p.FixedInterval, ft.FixedInterval)
		setDuration("tiers."+name+".min_interval", &p.MinInterval, ft.MinInterval)
		setDuration("tiers."+name+".max_interval", &p.MaxInterval, ft.MaxInterval)
		setDuration("tiers."+name+".latency_target", &p.LatencyTarget, ft.LatencyTarget)
		if len(ft.MaxWait) > 0 {
			waits := make(map[model.PriorityClass]time.Duration, len(p.MaxWait))
			for k, v := range p.MaxWait {
				waits[k] = v
			}
			for className, raw := range ft.MaxWait {
				class, err := model.ParsePriorityClass(className)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				var d time.Duration
				setDuration("tiers."+name+".max_wait."+className, &d, &raw)
				waits[class] = d
			}
			p.MaxWait = waits
		}
		cfg.Tiers[tier] = p
	}

	return errors.Join(errs...)
}

// ApplyEnv loads a .env file from the working directory when present and
// applies WELLSYNC_* overrides.
func ApplyEnv(cfg *Config) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	if v := os.Getenv(EnvDeviceID); v != "" {
		cfg.DeviceID = v
	}
	if v := os.Getenv(EnvTier); v != "" {
		tier, err := model.ParseTier(v)
		if err != nil {
			slog.Warn("ignoring invalid tier override", "key", EnvTier, "value", v)
		} else {
			cfg.Tier = tier
		}
	}
	if v := os.Getenv(EnvDBDriver); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv(EnvDBDSN); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
}
