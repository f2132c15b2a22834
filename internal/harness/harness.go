package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/engine"
	"github.com/roach88/wellsync/internal/handoff"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
	"github.com/roach88/wellsync/internal/store"
	"github.com/roach88/wellsync/internal/testutil"
)

const (
	defaultDevice = "device-a"

	errTransient = "transient"
	errRejected  = "rejected"
)

// Harness runs one scenario against a fresh engine.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	engine   *engine.Engine
	clock    *testutil.ManualClock
	handoff  *handoff.Coordinator
	sessions map[string]*handoff.Session
	leases   []engine.Lease
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory SQLite store, a manual clock
// starting at testutil.Epoch and sequence IDs ("op-1", "alert-1",
// "case-1"), so the same scenario always produces the same trace.
//
// Execution flow:
//  1. Build the store, scripted dispatcher and engine
//  2. Execute steps, recording trace events
//  3. Read durable records, alerts and review cases back from the store
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	st, err := store.Open(store.DriverSQLite, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	slog.Debug("scenario finished",
		"scenario", scenario.Name,
		"events", len(result.Trace),
		"pass", result.Pass)
	return result, nil
}

func newHarness(sc *Scenario, st *store.Store) (*Harness, error) {
	clock := testutil.NewManualClock(testutil.Epoch)

	steps := make([]testutil.Step, len(sc.Dispatcher))
	for i, d := range sc.Dispatcher {
		step, err := buildDispatchStep(d)
		if err != nil {
			return nil, fmt.Errorf("dispatcher[%d]: %w", i, err)
		}
		steps[i] = step
	}
	disp := testutil.NewFakeDispatcher(clock, steps...)

	cfg := config.Default()
	cfg.Tier = sc.Tier
	cfg.DeviceID = sc.DeviceID
	if cfg.DeviceID == "" {
		cfg.DeviceID = defaultDevice
	}
	fb := engine.DefaultFeedback()
	if sc.Network != "" {
		fb.Network = sc.Network
	}

	eng, err := engine.New(cfg, disp,
		engine.WithNow(clock.Now),
		engine.WithIDGenerator(model.NewSequenceGenerator("op")),
		engine.WithAuditIDGenerators(model.NewSequenceGenerator("alert"), model.NewSequenceGenerator("case")),
		engine.WithRecorder(st),
		engine.WithInbox(st),
		engine.WithCounterStore(st),
		engine.WithAlertSink(st),
		engine.WithFeedback(fb),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &Harness{
		scenario: sc,
		store:    st,
		engine:   eng,
		clock:    clock,
		handoff:  handoff.NewCoordinator(handoff.NewLoopback(), cfg.HandoffDeadline, handoff.WithNow(clock.Now)),
		sessions: make(map[string]*handoff.Session),
	}, nil
}

func buildDispatchStep(d DispatchSpec) (testutil.Step, error) {
	step := testutil.Step{Delay: d.Delay, NotDurable: d.NotDurable}
	switch d.Error {
	case errTransient:
		step.Err = dispatch.ErrTransient
	case errRejected:
		step.Err = dispatch.ErrRejected
	}
	if len(d.Remotes) == 0 {
		return step, nil
	}
	step.Remotes = make(map[string]*model.Operation, len(d.Remotes))
	for local, r := range d.Remotes {
		fields, err := toObject(r.Fields)
		if err != nil {
			return step, fmt.Errorf("remote %s fields: %w", r.ID, err)
		}
		entity := model.EntityType(r.Entity)
		payload := model.Payload{Fields: fields}
		class, err := engine.Classify(entity, payload, nil)
		if err != nil {
			return step, err
		}
		counter := r.Counter
		if counter == 0 {
			counter = 1
		}
		origin := testutil.Epoch.Add(r.Origin)
		op, err := model.New(model.Params{
			ID:              r.ID,
			EntityType:      entity,
			RecordID:        r.Record,
			Payload:         payload,
			Class:           class,
			OriginDevice:    r.Device,
			OriginTimestamp: origin,
			Clock:           model.VectorClock{Counters: map[string]uint64{r.Device: counter}, UpdatedAt: origin},
		})
		if err != nil {
			return step, fmt.Errorf("remote %s: %w", r.ID, err)
		}
		step.Remotes[local] = op
	}
	return step, nil
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Submit != nil:
		for n := 0; n < max(step.Repeat, 1); n++ {
			if err := h.submit(ctx, i, step.Submit, result); err != nil {
				return err
			}
		}
	case step.Advance > 0:
		h.clock.Advance(step.Advance)
	case step.Run:
		h.step(ctx, i, result)
	case step.Status:
		h.status(i, result)
	case step.Occupy > 0:
		h.leases = append(h.leases, h.engine.Pool().Occupy(step.Occupy))
	case step.Cancel != "":
		data := ir.Object{"operation_id": ir.String(step.Cancel)}
		if err := h.engine.Cancel(step.Cancel); err != nil {
			data["error"] = ir.String(string(engine.CodeOf(err)))
		}
		result.AddEvent(i, EventCancel, data)
	case step.Network != "":
		fb := engine.DefaultFeedback()
		fb.Network = step.Network
		return h.engine.UpdateDeviceState(fb)
	case step.Tier != "":
		return h.engine.SetTier(step.Tier)
	case step.Handoff != nil:
		return h.runHandoff(ctx, i, step.Handoff, result)
	}
	return nil
}

func (h *Harness) submit(ctx context.Context, i int, spec *SubmitSpec, result *Result) error {
	fields, err := toObject(spec.Fields)
	if err != nil {
		return fmt.Errorf("submit fields: %w", err)
	}
	sub := engine.Submission{
		EntityType:            model.EntityType(spec.Entity),
		RecordID:              spec.Record,
		Payload:               model.Payload{Fields: fields, CrisisThresholdExceeded: spec.Crisis},
		TherapeuticContinuity: spec.Continuity,
	}
	if spec.Hint != "" {
		hint, err := model.ParsePriorityClass(spec.Hint)
		if err != nil {
			return err
		}
		sub.PriorityHint = &hint
	}
	if spec.Session != nil {
		info, err := sessionInfo(*spec.Session)
		if err != nil {
			return err
		}
		sub.Session = &info
	}

	receipt, err := h.engine.SubmitOperation(ctx, sub)
	if err != nil && receipt.OperationID == "" {
		return fmt.Errorf("submit: %w", err)
	}

	data := ir.Object{
		"operation_id": ir.String(receipt.OperationID),
		"class":        ir.String(receipt.Class.String()),
		"queued":       ir.Bool(receipt.Queued),
	}
	if receipt.Class.IsCrisis() {
		data["latency_ms"] = ir.Int(receipt.Latency.Milliseconds())
	}
	if receipt.EscalationRequired {
		data["escalation_required"] = ir.Bool(true)
		data["error"] = ir.String(string(engine.CodeOf(err)))
	}
	result.AddEvent(i, EventSubmit, data)
	return nil
}

func (h *Harness) step(ctx context.Context, i int, result *Result) {
	res := h.engine.Step(ctx)

	for _, ev := range res.Promoted {
		result.AddEvent(i, EventPromote, ir.Object{
			"operation_id": ir.String(ev.OperationID),
			"from":         ir.String(ev.From.String()),
			"to":           ir.String(ev.To.String()),
			"waited_ms":    ir.Int(ev.Waited.Milliseconds()),
		})
	}
	for _, b := range res.Batches {
		data := ir.Object{
			"operations": idArray(b.Operations),
			"durable":    idArray(b.Durable),
		}
		if b.Bypass {
			data["bypass"] = ir.Bool(true)
		}
		if b.Compressed {
			data["compressed"] = ir.Bool(true)
		}
		if len(b.Requeued) > 0 {
			data["requeued"] = idArray(b.Requeued)
		}
		if b.Err != nil {
			data["error"] = ir.String(b.Err.Error())
		}
		if len(b.Conflicts) > 0 {
			cases := make(ir.Array, len(b.Conflicts))
			for n, c := range b.Conflicts {
				obj := ir.Object{
					"id":    ir.String(c.ID),
					"level": ir.String(c.Level.String()),
					"state": ir.String(string(c.State)),
				}
				if c.Resolved != nil {
					obj["resolved"] = c.Resolved.Fields.Clone()
				}
				cases[n] = obj
			}
			data["conflicts"] = cases
		}
		result.AddEvent(i, EventDispatch, data)
	}
	result.AddEvent(i, EventStep, ir.Object{
		"batches":   ir.Int(int64(len(res.Batches))),
		"remaining": ir.Int(int64(res.Remaining)),
	})
}

func (h *Harness) status(i int, result *Result) {
	st := h.engine.Status()
	depths := ir.Object{}
	for class, n := range st.QueueDepths {
		depths[class] = ir.Int(int64(n))
	}
	data := ir.Object{
		"health":        ir.String(string(st.Health)),
		"tier":          ir.String(string(st.Tier)),
		"depths":        depths,
		"in_flight":     ir.Int(int64(st.InFlight)),
		"crisis_p99_ms": ir.Int(st.CrisisResponseTimeP99.Milliseconds()),
	}
	if len(st.EscalatedCrisis) > 0 {
		data["escalated_crisis"] = idArray(st.EscalatedCrisis)
	}
	result.AddEvent(i, EventStatus, data)
}

func (h *Harness) runHandoff(ctx context.Context, i int, spec *HandoffSpec, result *Result) error {
	s, ok := h.sessions[spec.Session.ID]
	if !ok {
		info, err := sessionInfo(spec.Session)
		if err != nil {
			return err
		}
		state, err := toObject(spec.State)
		if err != nil {
			return fmt.Errorf("handoff state: %w", err)
		}
		owner := spec.Owner
		if owner == "" {
			owner = spec.Source.ID
		}
		s = &handoff.Session{Info: info, Owner: owner, State: state}
		h.sessions[info.ID] = s
	}

	res, err := h.handoff.Handoff(ctx, spec.Source, spec.Target, s)
	data := ir.Object{
		"session_id": ir.String(res.SessionID),
		"target":     ir.String(res.Target),
		"state":      ir.String(string(res.State)),
		"owner":      ir.String(s.Owner),
	}
	if err != nil {
		data["error"] = ir.String(string(engine.CodeOf(err)))
		if n := len(res.Transitions); n > 0 {
			data["reason"] = ir.String(res.Transitions[n-1].Note)
		}
	}
	result.AddEvent(i, EventHandoff, data)
	return nil
}

// collect reads what the engine persisted back from the store.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	recs, err := h.store.DurableRecords(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		result.Durable = append(result.Durable, Durable{OperationID: r.OperationID, ConflictID: r.ConflictID})
	}

	alerts, err := h.store.Alerts(ctx)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		result.Alerts = append(result.Alerts, AlertSummary{
			ID:          a.ID,
			Code:        a.Code,
			Severity:    string(a.Severity),
			OperationID: a.OperationID,
		})
	}

	cases, err := h.store.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range cases {
		result.Review = append(result.Review, c.ID)
	}
	return nil
}

func sessionInfo(spec SessionSpec) (model.SessionInfo, error) {
	typ, err := model.ParseSessionType(spec.Type)
	if err != nil {
		return model.SessionInfo{}, err
	}
	return model.SessionInfo{
		ID:            spec.ID,
		Type:          typ,
		StartedAt:     testutil.Epoch.Add(spec.Start),
		PhaseInterval: spec.PhaseInterval,
		Flexibility:   spec.Flexibility,
	}, nil
}

// toObject converts decoded YAML into a payload object. YAML timestamps
// become RFC 3339 strings.
func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return ir.Object{}, nil
	}
	return ir.ObjectFromMap(normalize(m).(map[string]any))
}

func normalize(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func idArray(ids []string) ir.Array {
	out := make(ir.Array, len(ids))
	for i, id := range ids {
		out[i] = ir.String(id)
	}
	return out
}
