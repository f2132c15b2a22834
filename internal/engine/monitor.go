package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/model"
)

// maxRetainedAlerts bounds the alert history kept in memory.
const maxRetainedAlerts = 256

// Severity grades an alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Health summarizes open alerts.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Alert codes raised by the engine.
const (
	AlertCrisisBreach    = "CRISIS_SLA_BREACH"
	AlertCrisisFailure   = "CRISIS_DISPATCH_FAILED"
	AlertSustainedBreach = "SUSTAINED_SLA_BREACH"
	AlertRetryExhausted  = "RETRY_EXHAUSTED"
	AlertConflictInbox   = "CONFLICT_INBOX_UNAVAILABLE"
)

// Alert is one monitor finding.
type Alert struct {
	ID          string              `json:"id"`
	Severity    Severity            `json:"severity"`
	Code        string              `json:"code"`
	Tier        model.Tier          `json:"tier"`
	Class       model.PriorityClass `json:"class"`
	OperationID string              `json:"operation_id,omitempty"`
	Message     string              `json:"message"`
	Latency     time.Duration       `json:"latency"`
	Target      time.Duration       `json:"target"`
	RaisedAt    time.Time           `json:"raised_at"`
}

// AlertSink persists alerts. Failures are logged, never propagated.
type AlertSink interface {
	RecordAlert(ctx context.Context, a Alert) error
}

// Adapter receives batching adjustments on sustained breaches, and the
// reset once the tier is back within target.
type Adapter interface {
	Adapt(tier model.Tier, adj Adjustment)
	ResetAdaptation(tier model.Tier)
}

// breachAdjustment halves batch size and interval for a breaching tier.
var breachAdjustment = Adjustment{BatchScale: 0.5, IntervalScale: 0.5}

type sampleKey struct {
	tier  model.Tier
	class model.PriorityClass
}

// Monitor tracks latency against per-tier targets.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	mu           sync.Mutex
	targets      map[model.Tier]time.Duration
	crisisTarget time.Duration
	window       int
	alertTTL     time.Duration
	consecutive  map[sampleKey]int
	samples      map[sampleKey]int

	// recovering counts in-target samples per adapted tier.
	recovering map[model.Tier]int
	adapted    map[model.Tier]bool

	ring     []time.Duration
	ringNext int
	ringFull bool

	alerts  []Alert
	adapter Adapter
	sink    AlertSink
	ids     model.IDGenerator
	now     func() time.Time
}

// NewMonitor builds a monitor from configuration.
func NewMonitor(cfg config.Config, adapter Adapter, sink AlertSink, ids model.IDGenerator, now func() time.Time) *Monitor {
	targets := make(map[model.Tier]time.Duration, len(cfg.Tiers))
	for tier, p := range cfg.Tiers {
		targets[tier] = p.LatencyTarget
	}
	if now == nil {
		now = time.Now
	}
	if ids == nil {
		ids = model.NewULIDGenerator(now)
	}
	return &Monitor{
		targets:      targets,
		crisisTarget: cfg.SLA.CrisisTarget,
		window:       cfg.SLA.BreachWindow,
		alertTTL:     cfg.SLA.AlertTTL,
		consecutive:  make(map[sampleKey]int),
		samples:      make(map[sampleKey]int),
		recovering:   make(map[model.Tier]int),
		adapted:      make(map[model.Tier]bool),
		ring:         make([]time.Duration, max(cfg.SLA.SampleRing, 1)),
		adapter:      adapter,
		sink:         sink,
		ids:          ids,
		now:          now,
	}
}

// Target returns the latency target for class on tier. Crisis has one
// target regardless of tier.
func (m *Monitor) Target(tier model.Tier, class model.PriorityClass) time.Duration {
	if class.IsCrisis() {
		return m.crisisTarget
	}
	return m.targets[tier]
}

// Observe records one latency sample and returns any alert it raised.
//
// A crisis sample over target raises a fatal alert every time. Other classes
// raise a warning and adapt batching after window consecutive samples over
// target, then start counting again. An adapted tier is reset after window
// consecutive samples within target.
func (m *Monitor) Observe(tier model.Tier, class model.PriorityClass, latency time.Duration) *Alert {
	m.mu.Lock()
	key := sampleKey{tier, class}
	m.samples[key]++
	target := m.Target(tier, class)

	if class.IsCrisis() {
		m.ring[m.ringNext] = latency
		m.ringNext = (m.ringNext + 1) % len(m.ring)
		if m.ringNext == 0 {
			m.ringFull = true
		}
		if latency <= target {
			m.mu.Unlock()
			return nil
		}
		a := m.appendLocked(Alert{
			Severity: SeverityFatal,
			Code:     AlertCrisisBreach,
			Tier:     tier,
			Class:    class,
			Message:  fmt.Sprintf("crisis response took %s, target %s", latency, target),
			Latency:  latency,
			Target:   target,
		})
		m.mu.Unlock()
		m.persist(a)
		return &a
	}

	if latency <= target {
		m.consecutive[key] = 0
		recovered := false
		if m.adapted[tier] {
			m.recovering[tier]++
			if m.recovering[tier] >= m.window {
				delete(m.adapted, tier)
				delete(m.recovering, tier)
				recovered = true
			}
		}
		adapter := m.adapter
		m.mu.Unlock()

		if recovered {
			slog.Info("tier back within target, batching restored", "tier", tier, "target_ms", target.Milliseconds())
			if adapter != nil {
				adapter.ResetAdaptation(tier)
			}
		}
		return nil
	}
	m.recovering[tier] = 0
	m.consecutive[key]++
	if m.consecutive[key] < m.window {
		m.mu.Unlock()
		return nil
	}
	m.consecutive[key] = 0
	m.adapted[tier] = true
	a := m.appendLocked(Alert{
		Severity: SeverityWarning,
		Code:     AlertSustainedBreach,
		Tier:     tier,
		Class:    class,
		Message:  fmt.Sprintf("%d consecutive %s samples over %s target", m.window, class, target),
		Latency:  latency,
		Target:   target,
	})
	adapter := m.adapter
	m.mu.Unlock()

	if adapter != nil {
		adapter.Adapt(tier, breachAdjustment)
	}
	m.persist(a)
	return &a
}

// Raise records an alert produced elsewhere in the engine.
func (m *Monitor) Raise(a Alert) Alert {
	m.mu.Lock()
	a = m.appendLocked(a)
	m.mu.Unlock()
	m.persist(a)
	return a
}

func (m *Monitor) appendLocked(a Alert) Alert {
	if a.ID == "" {
		a.ID = m.ids.Generate()
	}
	if a.RaisedAt.IsZero() {
		a.RaisedAt = m.now()
	}
	m.alerts = append(m.alerts, a)
	if over := len(m.alerts) - maxRetainedAlerts; over > 0 {
		m.alerts = slices.Delete(m.alerts, 0, over)
	}

	level := slog.LevelWarn
	if a.Severity == SeverityFatal {
		level = slog.LevelError
	}
	slog.Log(context.Background(), level, "alert raised",
		"alert_id", a.ID,
		"code", a.Code,
		"severity", a.Severity,
		"tier", a.Tier,
		"class", a.Class.String(),
		"operation_id", a.OperationID,
		"latency_ms", a.Latency.Milliseconds())
	return a
}

func (m *Monitor) persist(a Alert) {
	if m.sink == nil {
		return
	}
	if err := m.sink.RecordAlert(context.Background(), a); err != nil {
		slog.Warn("failed to persist alert", "alert_id", a.ID, "error", err)
	}
}

// CrisisP99 returns the 99th percentile of retained crisis latencies, or 0
// with no samples.
func (m *Monitor) CrisisP99() time.Duration {
	m.mu.Lock()
	n := m.ringNext
	if m.ringFull {
		n = len(m.ring)
	}
	samples := slices.Clone(m.ring[:n])
	m.mu.Unlock()

	if len(samples) == 0 {
		return 0
	}
	slices.Sort(samples)
	idx := (len(samples)*99+99)/100 - 1
	return samples[min(max(idx, 0), len(samples)-1)]
}

// Alerts returns retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.alerts)
}

// ClearAlerts drops retained alerts, returning health to healthy, and
// reports how many were dropped.
func (m *Monitor) ClearAlerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.alerts)
	m.alerts = nil
	return n
}

// Health is critical with any fatal alert, degraded with any warning.
// Alerts older than the configured TTL no longer count.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	h := HealthHealthy
	for _, a := range m.alerts {
		if m.alertTTL > 0 && now.Sub(a.RaisedAt) >= m.alertTTL {
			continue
		}
		if a.Severity == SeverityFatal {
			return HealthCritical
		}
		h = HealthDegraded
	}
	return h
}

// Samples returns how many samples were observed for tier and class.
func (m *Monitor) Samples(tier model.Tier, class model.PriorityClass) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples[sampleKey{tier, class}]
}
