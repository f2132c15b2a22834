package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wellsync/internal/engine"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// State is a handoff lifecycle state.
type State string

const (
	StateRequested     State = "REQUESTED"
	StateSerialized    State = "STATE_SERIALIZED"
	StateTransferred   State = "TRANSFERRED"
	StateReconstructed State = "RECONSTRUCTED"
	StateConfirmed     State = "CONFIRMED"
	StateFailed        State = "FAILED"
)

// Capability is something a device must support to host a session.
type Capability string

const (
	CapabilityTimer           Capability = "timer"
	CapabilityAudio           Capability = "audio"
	CapabilityHaptics         Capability = "haptics"
	CapabilityAssessmentForms Capability = "assessment_forms"
)

// RequiredCapabilities returns what a device needs to continue a session of
// type t.
func RequiredCapabilities(t model.SessionType) []Capability {
	switch t {
	case model.SessionBreathingExercise:
		return []Capability{CapabilityHaptics, CapabilityTimer}
	case model.SessionGuidedMeditation:
		return []Capability{CapabilityAudio, CapabilityTimer}
	case model.SessionGrounding:
		return []Capability{CapabilityTimer}
	case model.SessionAssessmentInProgress:
		return []Capability{CapabilityAssessmentForms}
	default:
		return nil
	}
}

// Device is a handoff endpoint.
type Device struct {
	ID           string       `yaml:"id" json:"id"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
}

// Missing returns the required capabilities d lacks, in required order.
func (d Device) Missing(required []Capability) []Capability {
	var out []Capability
	for _, c := range required {
		if !slices.Contains(d.Capabilities, c) {
			out = append(out, c)
		}
	}
	return out
}

// Session is an active session and the device that owns it.
type Session struct {
	Info  model.SessionInfo
	Owner string
	State ir.Object
}

// Snapshot returns the canonical serialized form of the session.
func (s *Session) Snapshot() ([]byte, error) {
	info := ir.Object{
		"id":   ir.String(s.Info.ID),
		"type": ir.String(string(s.Info.Type)),
	}
	if !s.Info.StartedAt.IsZero() {
		info["started_at"] = ir.String(s.Info.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if s.Info.PhaseInterval > 0 {
		info["phase_interval_ms"] = ir.Int(s.Info.PhaseInterval.Milliseconds())
	}
	state := s.State
	if state == nil {
		state = ir.Object{}
	}
	return ir.MarshalCanonical(ir.Object{"session": info, "state": state})
}

// Transport carries a serialized session to the target device, which
// rebuilds it and reports the digest of what it rebuilt.
type Transport interface {
	Transfer(ctx context.Context, target Device, snapshot []byte) (digest string, err error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, target Device, snapshot []byte) (string, error)

// Transfer calls f.
func (f TransportFunc) Transfer(ctx context.Context, target Device, snapshot []byte) (string, error) {
	return f(ctx, target, snapshot)
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from,omitempty"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Result reports a handoff attempt.
type Result struct {
	SessionID   string        `json:"session_id"`
	Source      string        `json:"source"`
	Target      string        `json:"target"`
	State       State         `json:"state"`
	Owner       string        `json:"owner"`
	Digest      string        `json:"digest,omitempty"`
	Latency     time.Duration `json:"latency"`
	Transitions []Transition  `json:"transitions"`
}

func (r *Result) move(to State, at time.Time, note string) {
	r.Transitions = append(r.Transitions, Transition{From: r.State, To: to, At: at, Note: note})
	r.State = to
}

// Coordinator runs handoffs.
type Coordinator struct {
	transport Transport
	deadline  time.Duration
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNow sets the clock used for latency and transitions.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator returns a coordinator sending over transport, failing any
// handoff that takes longer than deadline.
func NewCoordinator(transport Transport, deadline time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{transport: transport, deadline: deadline, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handoff moves s from source to target. On success s.Owner is target.ID.
// On failure the error is an *engine.OrchestrationError with code
// HANDOFF_FAILED, s is unchanged and the source resumes.
func (c *Coordinator) Handoff(ctx context.Context, source, target Device, s *Session) (Result, error) {
	start := c.now()
	res := Result{SessionID: s.Info.ID, Source: source.ID, Target: target.ID, Owner: s.Owner}
	res.move(StateRequested, start, "")

	fail := func(reason string, cause error) (Result, error) {
		res.Latency = c.now().Sub(start)
		res.move(StateFailed, c.now(), reason)
		slog.Warn("handoff failed",
			"session_id", s.Info.ID,
			"source", source.ID,
			"target", target.ID,
			"reason", reason,
			"latency_ms", res.Latency.Milliseconds())
		return res, engine.NewHandoffError(s.Info.ID, reason, cause)
	}

	if s.Owner != source.ID {
		return fail(fmt.Sprintf("session is owned by %q, not %q", s.Owner, source.ID), nil)
	}
	if source.ID == target.ID {
		return fail("source and target are the same device", nil)
	}
	if missing := target.Missing(RequiredCapabilities(s.Info.Type)); len(missing) > 0 {
		return fail(fmt.Sprintf("target lacks capabilities %v", missing), nil)
	}

	snapshot, err := s.Snapshot()
	if err != nil {
		return fail("session state could not be serialized", err)
	}
	res.Digest = ir.DigestBytes(ir.DomainSession, snapshot)
	res.move(StateSerialized, c.now(), fmt.Sprintf("%d bytes", len(snapshot)))

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	got, err := c.transfer(ctx, target, snapshot)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(fmt.Sprintf("transfer exceeded %s", c.deadline), err)
		}
		return fail("transfer failed", err)
	}
	res.move(StateTransferred, c.now(), "")

	if got != res.Digest {
		return fail("target rebuilt different state", fmt.Errorf("digest %s, want %s", got, res.Digest))
	}
	res.move(StateReconstructed, c.now(), "")

	if elapsed := c.now().Sub(start); elapsed > c.deadline {
		return fail(fmt.Sprintf("handoff took %s, deadline %s", elapsed, c.deadline), context.DeadlineExceeded)
	}

	s.Owner = target.ID
	res.Owner = target.ID
	res.Latency = c.now().Sub(start)
	res.move(StateConfirmed, c.now(), "")
	slog.Info("handoff confirmed",
		"session_id", s.Info.ID,
		"source", source.ID,
		"target", target.ID,
		"latency_ms", res.Latency.Milliseconds())
	return res, nil
}

// transfer runs the transport but returns at ctx's deadline even if the
// transport ignores cancellation.
func (c *Coordinator) transfer(ctx context.Context, target Device, snapshot []byte) (string, error) {
	type result struct {
		digest string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		d, err := c.transport.Transfer(ctx, target, snapshot)
		done <- result{d, err}
	}()
	select {
	case r := <-done:
		return r.digest, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Loopback is an in-process Transport: the target rebuilds the session by
// parsing the snapshot and re-encoding it.
type Loopback struct {
	mu sync.Mutex

	// Received holds the last rebuilt state per target device.
	Received map[string]ir.Value
}

// NewLoopback returns an empty loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{Received: make(map[string]ir.Value)}
}

// Transfer implements Transport.
func (l *Loopback) Transfer(_ context.Context, target Device, snapshot []byte) (string, error) {
	v, err := ir.ParseJSON(snapshot)
	if err != nil {
		return "", fmt.Errorf("rebuild on %s: %w", target.ID, err)
	}
	l.mu.Lock()
	l.Received[target.ID] = v
	l.mu.Unlock()
	return ir.Digest(ir.DomainSession, v)
}
