package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/conflict"
	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// Submission is what a collaborator hands to SubmitOperation.
type Submission struct {
	EntityType model.EntityType
	RecordID   string
	Payload    model.Payload

	// PriorityHint is the caller's suggested class. The engine decides the
	// final class; nil means MEDIUM_USER.
	PriorityHint *model.PriorityClass

	TherapeuticContinuity bool
	Session               *model.SessionInfo

	// OriginTimestamp defaults to the engine clock.
	OriginTimestamp time.Time
}

// Receipt is returned by SubmitOperation.
type Receipt struct {
	OperationID string              `json:"operation_id"`
	Class       model.PriorityClass `json:"class"`
	Queued      bool                `json:"queued"`

	// Latency is set for crisis operations.
	Latency time.Duration `json:"latency,omitempty"`

	// EscalationRequired and SafetyFallback are set when a crisis operation
	// missed its guarantee. The caller must present the fallback.
	EscalationRequired bool   `json:"escalation_required,omitempty"`
	SafetyFallback     string `json:"safety_fallback,omitempty"`
}

// OrchestrationStatus is the engine's externally visible state.
type OrchestrationStatus struct {
	Health                Health            `json:"health"`
	Tier                  model.Tier        `json:"tier"`
	QueueDepths           map[string]int    `json:"active_queue_depths"`
	InFlight              int               `json:"in_flight"`
	CrisisResponseTimeP99 time.Duration     `json:"crisis_response_time_p99"`
	Utilization           float64           `json:"utilization"`
	Alerts                []Alert           `json:"alerts"`
	Escalations           []EscalationEvent `json:"escalations,omitempty"`

	// EscalatedCrisis lists crisis operations returned with
	// EscalationRequired.
	EscalatedCrisis []string `json:"escalated_crisis,omitempty"`
}

// BatchOutcome reports one dispatch made by a decision step.
type BatchOutcome struct {
	BatchID    string
	Operations []string
	Bypass     bool
	Compressed bool
	Durable    []string
	Conflicts  []*conflict.Case
	Requeued   []string
	Err        error
}

// StepResult reports one decision step.
type StepResult struct {
	Promoted  []EscalationEvent
	Batches   []BatchOutcome
	Remaining int
}

// Engine is the sync orchestration engine.
type Engine struct {
	cfg        config.Config
	dispatcher dispatch.Dispatcher
	alternate  dispatch.Dispatcher
	recorder   dispatch.Recorder
	inbox      conflict.Inbox
	counters   model.CounterStore
	sink       AlertSink
	ids        model.IDGenerator
	alertIDs   model.IDGenerator
	caseIDs    model.IDGenerator
	now        func() time.Time
	primary    bool
	tracer     trace.Tracer

	allocator *Allocator
	pool      *BudgetPool
	queue     *PriorityQueue
	optimizer *Optimizer
	monitor   *Monitor
	resolver  *conflict.Resolver
	lane      *EmergencyLane
	clock     *model.DeviceClock

	mu        sync.Mutex
	tier      model.Tier
	feedback  Feedback
	inflight  map[string]string // operation ID -> batch ID
	crisisIDs map[string]struct{}
	escalated []string

	stepMu sync.Mutex
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow sets the engine clock. Tests pass a manual clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator sets the operation ID generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithAuditIDGenerators sets the generators for alert and conflict case
// IDs, which otherwise are ULIDs. Scenario replays pass sequences.
func WithAuditIDGenerators(alerts, cases model.IDGenerator) Option {
	return func(e *Engine) {
		e.alertIDs = alerts
		e.caseIDs = cases
	}
}

// WithAlternateDispatcher sets the channel crisis operations fall back to
// after a transient failure.
func WithAlternateDispatcher(d dispatch.Dispatcher) Option {
	return func(e *Engine) { e.alternate = d }
}

// WithRecorder sets where durable records are written.
func WithRecorder(r dispatch.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithInbox sets the review inbox for escalated conflicts.
func WithInbox(in conflict.Inbox) Option {
	return func(e *Engine) { e.inbox = in }
}

// WithCounterStore persists the device's vector-clock counter.
func WithCounterStore(s model.CounterStore) Option {
	return func(e *Engine) { e.counters = s }
}

// WithAlertSink persists alerts.
func WithAlertSink(s AlertSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithPrimaryDevice marks this device as the user's primary device.
func WithPrimaryDevice(primary bool) Option {
	return func(e *Engine) { e.primary = primary }
}

// WithFeedback sets the initial device state.
func WithFeedback(fb Feedback) Option {
	return func(e *Engine) { e.feedback = fb }
}

// New creates an Engine dispatching to d.
func New(cfg config.Config, d dispatch.Dispatcher, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	e := &Engine{
		cfg:        cfg,
		dispatcher: d,
		now:        time.Now,
		ids:        model.UUIDv7Generator{},
		tier:       cfg.Tier,
		feedback:   DefaultFeedback(),
		inflight:   make(map[string]string),
		crisisIDs:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.inbox == nil {
		e.inbox = conflict.NewMemoryInbox()
	}
	e.tracer = otel.Tracer("wellsync/engine")

	e.allocator = NewAllocator(cfg.Tiers)
	budget, err := e.allocator.AllocationFor(e.tier, e.feedback)
	if err != nil {
		return nil, err
	}
	policy, _ := cfg.Policy(e.tier)

	e.pool = NewBudgetPool(budget)
	e.queue = NewPriorityQueue(NewSequence(0), policy.MaxWait)
	e.optimizer = NewOptimizer(cfg.Tiers)
	e.monitor = NewMonitor(cfg, e.optimizer, e.sink, e.alertIDs, e.now)
	resolverOpts := []conflict.Option{conflict.WithNow(e.now)}
	if e.caseIDs != nil {
		resolverOpts = append(resolverOpts, conflict.WithIDGenerator(e.caseIDs))
	}
	e.resolver = conflict.NewResolver(cfg.AssessmentWindow, resolverOpts...)
	e.lane = NewEmergencyLane(budget.Emergency, d, e.alternate, cfg.CrisisDeadline, e.now)

	e.clock, err = model.NewDeviceClock(cfg.DeviceID, e.counters)
	if err != nil {
		return nil, fmt.Errorf("load device clock: %w", err)
	}

	slog.Info("engine configured",
		"device_id", cfg.DeviceID,
		"tier", e.tier,
		"concurrent_operations", budget.ConcurrentOperations,
		"reserve_slots", budget.Emergency.Slots,
		"crisis_deadline_ms", cfg.CrisisDeadline.Milliseconds())
	return e, nil
}

// Classify decides the final class of a submission. A payload flagged by
// the clinical collaborator is always CRISIS_EMERGENCY; crisis plans are at
// least CRITICAL_SAFETY and assessments at least HIGH_CLINICAL.
func Classify(entity model.EntityType, payload model.Payload, hint *model.PriorityClass) (model.PriorityClass, error) {
	if payload.CrisisThresholdExceeded {
		return model.PriorityCrisisEmergency, nil
	}
	class := model.PriorityMediumUser
	if hint != nil {
		if !hint.Valid() {
			return 0, fmt.Errorf("invalid priority hint %d", int(*hint))
		}
		class = *hint
	}
	floor := model.PriorityBackground
	switch entity {
	case model.EntityCrisisPlan:
		floor = model.PriorityCriticalSafety
	case model.EntityAssessment:
		floor = model.PriorityHighClinical
	}
	if floor.Outranks(class) {
		class = floor
	}
	return class, nil
}

// SubmitOperation classifies and admits one operation.
//
// Crisis operations are dispatched before SubmitOperation returns, within
// the crisis deadline. If the guarantee fails the receipt carries
// EscalationRequired and the safety fallback, and the error is an
// *OrchestrationError. Other operations are queued and the receipt returns
// immediately.
func (e *Engine) SubmitOperation(ctx context.Context, sub Submission) (Receipt, error) {
	now := e.now()
	class, err := Classify(sub.EntityType, sub.Payload, sub.PriorityHint)
	if err != nil {
		return Receipt{}, &OrchestrationError{Code: ErrCodeInvalidOperation, Message: "invalid submission", Err: err}
	}

	vc, err := e.clock.Tick(now)
	if err != nil {
		return Receipt{}, fmt.Errorf("tick device clock: %w", err)
	}
	origin := sub.OriginTimestamp
	if origin.IsZero() {
		origin = now
	}
	op, err := model.New(model.Params{
		ID:                    e.ids.Generate(),
		EntityType:            sub.EntityType,
		RecordID:              sub.RecordID,
		Payload:               sub.Payload,
		Class:                 class,
		OriginDevice:          e.cfg.DeviceID,
		OriginTimestamp:       origin,
		Clock:                 vc,
		TherapeuticContinuity: sub.TherapeuticContinuity,
		Session:               sub.Session,
	})
	if err != nil {
		return Receipt{}, &OrchestrationError{Code: ErrCodeInvalidOperation, Message: "invalid submission", Err: err}
	}

	if class.IsCrisis() {
		return e.submitCrisis(ctx, op)
	}

	if err := e.queue.Push(op, now); err != nil {
		return Receipt{}, &OrchestrationError{Code: ErrCodeInvalidOperation, Message: "could not queue", OperationID: op.ID(), Err: err}
	}
	slog.Debug("operation queued",
		"operation_id", op.ID(),
		"entity_type", op.EntityType(),
		"class", class.String(),
		"therapeutic", op.TherapeuticContinuity())
	return Receipt{OperationID: op.ID(), Class: class, Queued: true}, nil
}

func (e *Engine) submitCrisis(ctx context.Context, op *model.Operation) (Receipt, error) {
	e.mu.Lock()
	e.crisisIDs[op.ID()] = struct{}{}
	tier := e.tier
	e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.DispatchCrisis",
		trace.WithAttributes(
			attribute.String("operation_id", op.ID()),
			attribute.String("tier", string(tier)),
		))
	defer span.End()

	res, err := e.lane.Dispatch(ctx, op, tier)
	breach := e.monitor.Observe(tier, model.PriorityCrisisEmergency, res.Latency)
	span.SetAttributes(
		attribute.Int64("latency_ms", res.Latency.Milliseconds()),
		attribute.String("channel", res.Channel),
	)

	receipt := Receipt{OperationID: op.ID(), Class: model.PriorityCrisisEmergency, Latency: res.Latency}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "crisis dispatch failed")

		receipt.EscalationRequired = true
		receipt.SafetyFallback = e.cfg.SafetyFallback
		e.mu.Lock()
		e.escalated = append(e.escalated, op.ID())
		e.mu.Unlock()

		if breach == nil {
			e.monitor.Raise(Alert{
				Severity:    SeverityFatal,
				Code:        AlertCrisisFailure,
				Tier:        tier,
				Class:       model.PriorityCrisisEmergency,
				OperationID: op.ID(),
				Message:     err.Error(),
				Latency:     res.Latency,
				Target:      e.lane.Deadline(),
			})
		}
		slog.Error("crisis operation escalated",
			"operation_id", op.ID(),
			"latency_ms", res.Latency.Milliseconds(),
			"error", err)
		return receipt, err
	}

	slog.Info("crisis operation durable",
		"operation_id", op.ID(),
		"channel", res.Channel,
		"latency_ms", res.Latency.Milliseconds())
	if _, _, failed := e.settle(ctx, res.Ack, []*model.Operation{op}, "crisis-"+op.ID()); len(failed) > 0 {
		slog.Error("crisis operation conflict unresolved", "operation_id", op.ID())
	}
	return receipt, nil
}

// Cancel removes a queued operation. Crisis operations and operations
// already dispatched are not cancellable.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	_, crisis := e.crisisIDs[id]
	_, flying := e.inflight[id]
	e.mu.Unlock()

	switch {
	case crisis:
		return newNotCancellableError(id, "crisis operations are never cancellable")
	case flying:
		return newNotCancellableError(id, "operation already dispatched")
	}
	if e.queue.Cancel(id) {
		slog.Info("operation cancelled", "operation_id", id)
		return nil
	}

	e.mu.Lock()
	_, flying = e.inflight[id]
	e.mu.Unlock()
	if flying {
		return newNotCancellableError(id, "operation already dispatched")
	}
	return newNotFoundError(id)
}

// work is one admitted dispatch.
type work struct {
	batch   ScheduledBatch
	entries []Entry
	lease   Lease
	pooled  bool
}

// plan runs one decision point: promote starving entries, compose batches,
// admit the due ones through the pool and claim their entries.
func (e *Engine) plan(now time.Time) ([]work, []EscalationEvent) {
	e.mu.Lock()
	quality := e.feedback.Network
	e.mu.Unlock()

	promoted := e.queue.Promote(now)
	for _, ev := range promoted {
		slog.Info("operation promoted",
			"operation_id", ev.OperationID,
			"from", ev.From.String(),
			"to", ev.To.String(),
			"waited_ms", ev.Waited.Milliseconds())
	}

	pending := e.queue.Pending(now)
	if len(pending) == 0 {
		return nil, promoted
	}
	batches := e.optimizer.ComposeBatches(pending, e.pool.Budget(), e.pool.Available(), quality, now)

	var works []work
	for _, b := range batches {
		if !b.Due(now) {
			continue
		}
		w := work{batch: b}
		if !b.Bypass {
			lease, ok := e.pool.TryAcquire(b.Usage)
			if !ok {
				slog.Debug("batch deferred",
					"batch_id", b.ID,
					"error_code", ErrCodeResourceExhausted,
					"operations", len(b.Operations))
				if single, ok := e.dequeueSingle(now, quality); ok {
					works = append(works, single)
				}
				continue
			}
			w.lease, w.pooled = lease, true
		}

		ids := b.OperationIDs()
		e.markInflight(ids, b.ID)
		w.entries = e.queue.Claim(ids)
		if len(w.entries) < len(ids) {
			claimed := make(map[string]bool, len(w.entries))
			for _, en := range w.entries {
				claimed[en.Op.ID()] = true
			}
			var gone []string
			for _, id := range ids {
				if !claimed[id] {
					gone = append(gone, id)
				}
			}
			e.clearInflight(gone, b.ID)
		}
		if len(w.entries) == 0 {
			if w.pooled {
				e.pool.Release(w.lease)
			}
			continue
		}
		w.batch.Operations = operationsOf(w.entries)
		works = append(works, w)
	}
	return works, promoted
}

// dequeueSingle falls back to one operation at a time when a composed batch
// no longer fits the budget.
func (e *Engine) dequeueSingle(now time.Time, quality model.NetworkQuality) (work, bool) {
	entry, lease, ok := e.queue.DequeueNext(e.pool, now)
	if !ok {
		return work{}, false
	}
	b := ScheduledBatch{
		ID:         batchID([]Entry{entry}),
		Tier:       e.pool.Budget().Tier,
		Operations: []*model.Operation{entry.Op},
		Usage:      lease.Usage(),
		DispatchAt: now,
		Strategy:   StrategyImmediate,
		Compress:   quality.Degraded(),
	}
	e.markInflight([]string{entry.Op.ID()}, b.ID)
	return work{batch: b, entries: []Entry{entry}, lease: lease, pooled: true}, true
}

// markInflight records batchID as the owner of ids. An ID already owned by
// another dispatch keeps its owner.
func (e *Engine) markInflight(ids []string, batchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if _, ok := e.inflight[id]; !ok {
			e.inflight[id] = batchID
		}
	}
}

// clearInflight releases the ids owned by batchID.
func (e *Engine) clearInflight(ids []string, batchID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if e.inflight[id] == batchID {
			delete(e.inflight, id)
		}
	}
}

// dispatchHeadroom multiplies a tier's latency target into the dispatch
// deadline, so a slow ack is measured as a breach instead of being cut off.
const dispatchHeadroom = 2

// execute dispatches one admitted batch and settles the result.
func (e *Engine) execute(ctx context.Context, w work) BatchOutcome {
	b := w.batch
	ids := b.OperationIDs()
	defer e.clearInflight(ids, b.ID)
	if w.pooled {
		defer e.pool.Release(w.lease)
	}

	ctx, span := e.tracer.Start(ctx, "engine.DispatchBatch",
		trace.WithAttributes(
			attribute.String("batch_id", b.ID),
			attribute.String("tier", string(b.Tier)),
			attribute.Int("operations", len(b.Operations)),
			attribute.Bool("bypass", b.Bypass),
			attribute.Bool("compressed", b.Compress),
			attribute.String("strategy", b.Strategy.String()),
		))
	defer span.End()

	out := BatchOutcome{BatchID: b.ID, Operations: ids, Bypass: b.Bypass, Compressed: b.Compress}
	class := w.entries[0].Op.Class()
	target := e.monitor.Target(b.Tier, class)
	start := e.now()

	body, err := EncodeBatch(b)
	var ack dispatch.Ack
	if err == nil {
		ack, err = e.dispatcher.Dispatch(ctx, dispatch.Request{
			BatchID:    b.ID,
			Tier:       b.Tier,
			Operations: b.Operations,
			Body:       body,
			Compressed: b.Compress,
			Deadline:   start.Add(dispatchHeadroom * target),
		})
		if err == nil && !ack.Durable {
			err = fmt.Errorf("batch %s: ack not durable: %w", b.ID, dispatch.ErrTransient)
		}
	}
	latency := e.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		// A transient failure that was already over target counts against
		// the tier; a fast failure says nothing about latency.
		if latency > target && (dispatch.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)) {
			e.monitor.Observe(b.Tier, class, latency)
		}
		out.Err = err
		out.Requeued = e.retry(w.entries, err, e.now())
		return out
	}

	e.monitor.Observe(b.Tier, class, latency)
	span.SetAttributes(attribute.Int64("latency_ms", latency.Milliseconds()))
	slog.Debug("batch durable",
		"batch_id", b.ID,
		"tier", b.Tier,
		"operations", len(ids),
		"bypass", b.Bypass,
		"latency_ms", latency.Milliseconds())

	var failed []string
	out.Durable, out.Conflicts, failed = e.settle(ctx, ack, b.Operations, b.ID)
	if len(failed) > 0 {
		now := e.now()
		for _, en := range w.entries {
			if slices.Contains(failed, en.Op.ID()) {
				e.queue.Requeue(en, now.Add(e.backoff(en.Attempts+1)))
				out.Requeued = append(out.Requeued, en.Op.ID())
			}
		}
	}
	return out
}

// backoff returns the exponential delay before attempt n (1-based),
// capped at the configured maximum.
func (e *Engine) backoff(n int) time.Duration {
	d := e.cfg.Retry.BaseDelay
	for i := 1; i < n && d < e.cfg.Retry.MaxDelay; i++ {
		d *= 2
	}
	return min(d, e.cfg.Retry.MaxDelay)
}

// retry requeues failed entries with backoff. Entries are never dropped:
// once an entry reaches the retry bound an alert is raised and it keeps
// retrying at the maximum delay.
func (e *Engine) retry(entries []Entry, cause error, now time.Time) []string {
	ids := make([]string, 0, len(entries))
	for _, en := range entries {
		attempts := en.Attempts + 1
		delay := e.backoff(attempts)
		switch {
		case errors.Is(cause, context.Canceled):
			delay = 0
		case !dispatch.IsTransient(cause):
			delay = e.cfg.Retry.MaxDelay
			if en.Attempts == 0 {
				e.raiseRetryAlert(en, cause)
			}
		case attempts == e.cfg.Retry.MaxAttempts:
			e.raiseRetryAlert(en, cause)
		}
		e.queue.Requeue(en, now.Add(delay))
		ids = append(ids, en.Op.ID())

		slog.Warn("dispatch failed, operation requeued",
			"operation_id", en.Op.ID(),
			"class", en.Class.String(),
			"attempt", attempts,
			"retry_in_ms", delay.Milliseconds(),
			"error", cause)
	}
	return ids
}

func (e *Engine) raiseRetryAlert(en Entry, cause error) {
	e.monitor.Raise(Alert{
		Severity:    SeverityWarning,
		Code:        AlertRetryExhausted,
		Tier:        e.Tier(),
		Class:       en.Op.Class(),
		OperationID: en.Op.ID(),
		Message:     fmt.Sprintf("dispatch keeps failing: %v", cause),
	})
}

// resolution is what became of a conflicting operation.
type resolution int

const (
	resolvedDurable resolution = iota
	resolvedEscalated
	resolvedFailed
)

// settle records durable operations and resolves conflicting ones. It
// returns the durable operation IDs, the conflict cases, and the IDs whose
// conflict could neither be merged nor handed to the review inbox.
func (e *Engine) settle(ctx context.Context, ack dispatch.Ack, ops []*model.Operation, batchID string) ([]string, []*conflict.Case, []string) {
	conflicts := make(map[string]dispatch.Conflict, len(ack.Conflicts))
	for _, c := range ack.Conflicts {
		if c.Local != nil && c.Remote != nil {
			conflicts[c.Local.ID()] = c
			e.clock.Observe(c.Remote.Clock())
		}
	}
	ackedAt := ack.AckedAt
	if ackedAt.IsZero() {
		ackedAt = e.now()
	}

	var (
		durable []string
		cases   []*conflict.Case
		failed  []string
	)
	for _, op := range ops {
		c, conflicted := conflicts[op.ID()]
		if !conflicted {
			e.record(ctx, dispatch.DurableRecord{
				OperationID: op.ID(),
				RecordID:    op.RecordID(),
				BatchID:     batchID,
				Digest:      ir.MustDigest(ir.DomainPayload, op.PayloadValue()),
				AckedAt:     ackedAt,
			})
			durable = append(durable, op.ID())
			continue
		}
		cs, res := e.resolve(ctx, c, batchID, ackedAt)
		if cs != nil {
			cases = append(cases, cs)
		}
		switch res {
		case resolvedDurable:
			durable = append(durable, op.ID())
		case resolvedFailed:
			failed = append(failed, op.ID())
		}
	}
	return durable, cases, failed
}

// resolve runs a conflicting operation through the resolver.
func (e *Engine) resolve(ctx context.Context, c dispatch.Conflict, batchID string, ackedAt time.Time) (*conflict.Case, resolution) {
	e.mu.Lock()
	present := e.feedback.UserPresent
	e.mu.Unlock()

	local := conflict.Replica{Op: c.Local, Primary: e.primary, UserPresent: present}
	remote := conflict.Replica{Op: c.Remote, Remote: true, Primary: c.RemotePrimary, UserPresent: c.RemoteUserPresent}

	cs, err := e.resolver.Detect(local, remote)
	if errors.Is(err, conflict.ErrNoDivergence) {
		e.record(ctx, dispatch.DurableRecord{
			OperationID: c.Local.ID(),
			RecordID:    c.Local.RecordID(),
			BatchID:     batchID,
			Digest:      ir.MustDigest(ir.DomainPayload, c.Local.PayloadValue()),
			AckedAt:     ackedAt,
		})
		return nil, resolvedDurable
	}
	if err == nil {
		err = e.resolver.Resolve(cs)
	}
	if err != nil {
		slog.Error("conflict resolution failed",
			"operation_id", c.Local.ID(),
			"record_id", c.Local.RecordID(),
			"error", err)
		return cs, resolvedFailed
	}

	switch cs.State {
	case conflict.StateMerged:
		e.clock.Observe(cs.Resolved.Clock)
		e.record(ctx, dispatch.DurableRecord{
			OperationID: c.Local.ID(),
			RecordID:    cs.RecordID,
			BatchID:     batchID,
			Digest:      cs.Resolved.Digest(),
			ConflictID:  cs.ID,
			AckedAt:     ackedAt,
		})
		return cs, resolvedDurable
	case conflict.StateEscalated:
		if err := e.inbox.Push(ctx, cs); err != nil {
			e.monitor.Raise(Alert{
				Severity:    SeverityWarning,
				Code:        AlertConflictInbox,
				Tier:        e.Tier(),
				Class:       c.Local.Class(),
				OperationID: c.Local.ID(),
				Message: (&OrchestrationError{
					Code:        ErrCodeConflictAmbiguous,
					Message:     "escalated conflict could not reach the review inbox",
					OperationID: c.Local.ID(),
					Err:         err,
				}).Error(),
			})
			return cs, resolvedFailed
		}
		slog.Info("conflict escalated for review",
			"conflict_id", cs.ID,
			"record_id", cs.RecordID,
			"reason", cs.Reason)
		return cs, resolvedEscalated
	default:
		return cs, resolvedFailed
	}
}

func (e *Engine) record(ctx context.Context, rec dispatch.DurableRecord) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordDurable(ctx, rec); err != nil {
		slog.Error("failed to record durable operation",
			"operation_id", rec.OperationID,
			"batch_id", rec.BatchID,
			"error", err)
	}
}

// Step runs one decision point and dispatches the admitted batches
// synchronously, in order. It is the deterministic form of Run's loop.
func (e *Engine) Step(ctx context.Context) StepResult {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	works, promoted := e.plan(e.now())
	res := StepResult{Promoted: promoted}
	for _, w := range works {
		res.Batches = append(res.Batches, e.execute(ctx, w))
	}
	res.Remaining = e.queue.Len()
	return res
}

// Run drives decision points until ctx is cancelled. Admitted batches are
// dispatched concurrently; the pool's slots bound how many are in flight.
// Run waits for in-flight dispatches before returning.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SchedulerTick)
	defer ticker.Stop()
	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	slog.Info("engine running", "tier", e.Tier(), "tick_ms", e.cfg.SchedulerTick.Milliseconds())
	for {
		wake.Stop()
		if d, ok := e.nextWake(); ok {
			wake.Reset(d)
		}

		select {
		case <-ctx.Done():
			e.wg.Wait()
			slog.Info("engine stopped", "queued", e.queue.Len())
			return ctx.Err()
		case <-ticker.C:
		case <-e.queue.Wait():
		case <-wake.C:
		}

		e.stepMu.Lock()
		works, _ := e.plan(e.now())
		e.stepMu.Unlock()

		for _, w := range works {
			e.wg.Add(1)
			go func(w work) {
				defer e.wg.Done()
				e.execute(ctx, w)
			}(w)
		}
	}
}

// nextWake returns how long until the earliest backed-off entry becomes
// eligible again, and false when nothing is backed off.
func (e *Engine) nextWake() (time.Duration, bool) {
	now := e.now()
	next := e.queue.NextEligible(now)
	if next.IsZero() {
		return 0, false
	}
	return max(next.Sub(now), 0), true
}

// Status returns the orchestration status.
func (e *Engine) Status() OrchestrationStatus {
	depths := make(map[string]int)
	for class, n := range e.queue.Depths() {
		depths[class.String()] = n
	}

	e.mu.Lock()
	inflight := len(e.inflight)
	tier := e.tier
	escalated := slices.Clone(e.escalated)
	e.mu.Unlock()

	return OrchestrationStatus{
		Health:                e.monitor.Health(),
		Tier:                  tier,
		QueueDepths:           depths,
		InFlight:              inflight,
		CrisisResponseTimeP99: e.monitor.CrisisP99(),
		Utilization:           e.pool.Utilization(),
		Alerts:                e.monitor.Alerts(),
		Escalations:           e.queue.Escalations(),
		EscalatedCrisis:       escalated,
	}
}

// AcknowledgeAlerts clears the retained alerts once an operator has seen
// them and returns how many were cleared.
func (e *Engine) AcknowledgeAlerts() int {
	n := e.monitor.ClearAlerts()
	slog.Info("alerts acknowledged", "count", n)
	return n
}

// UpdateDeviceState applies new battery/network feedback to the budget.
func (e *Engine) UpdateDeviceState(fb Feedback) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	budget, err := e.allocator.AllocationFor(e.tier, fb)
	if err != nil {
		return err
	}
	e.feedback = fb
	e.pool.Reconfigure(budget)
	slog.Info("device state updated",
		"battery", fb.BatteryLevel,
		"charging", fb.Charging,
		"network", fb.Network,
		"concurrent_operations", budget.ConcurrentOperations,
		"bandwidth_bps", budget.BandwidthBps)
	return nil
}

// SetTier switches the active tier.
func (e *Engine) SetTier(tier model.Tier) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	policy, err := e.cfg.Policy(tier)
	if err != nil {
		return err
	}
	budget, err := e.allocator.AllocationFor(tier, e.feedback)
	if err != nil {
		return err
	}
	e.tier = tier
	e.pool.Reconfigure(budget)
	e.lane.Resize(budget.Emergency)
	e.queue.SetMaxWait(policy.MaxWait)
	slog.Info("tier changed", "tier", tier, "reserve_slots", budget.Emergency.Slots)
	return nil
}

// Tier returns the active tier.
func (e *Engine) Tier() model.Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

// Pool exposes the shared budget pool.
func (e *Engine) Pool() *BudgetPool { return e.pool }

// Queue exposes the priority queue.
func (e *Engine) Queue() *PriorityQueue { return e.queue }

// Monitor exposes the performance monitor.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Optimizer exposes the batching optimizer.
func (e *Engine) Optimizer() *Optimizer { return e.optimizer }

// Inbox returns the review inbox.
func (e *Engine) Inbox() conflict.Inbox { return e.inbox }

// DeviceClock returns the local vector clock.
func (e *Engine) DeviceClock() *model.DeviceClock { return e.clock }
