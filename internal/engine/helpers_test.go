package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
	"github.com/roach88/wellsync/internal/testutil"
)

var t0 = testutil.Epoch

type opOption func(*model.Params)

func withSession(s model.SessionInfo) opOption {
	return func(p *model.Params) { p.Session = &s }
}

func withEntity(e model.EntityType) opOption {
	return func(p *model.Params) { p.EntityType = e }
}

func withFields(f ir.Object) opOption {
	return func(p *model.Params) { p.Payload.Fields = f }
}

func newOp(t *testing.T, id string, class model.PriorityClass, opts ...opOption) *model.Operation {
	t.Helper()
	p := model.Params{
		ID:              id,
		EntityType:      model.EntityCheckIn,
		Payload:         model.Payload{Fields: ir.Object{"mood": ir.Int(5)}},
		Class:           class,
		OriginDevice:    "device-a",
		OriginTimestamp: t0,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return model.MustNew(p)
}

func entry(op *model.Operation, seq uint64, at time.Time) Entry {
	return Entry{Op: op, Class: op.Class(), Seq: seq, EnqueuedAt: at}
}

// memRecorder collects durable records.
type memRecorder struct {
	mu      sync.Mutex
	records []dispatch.DurableRecord
}

func (r *memRecorder) RecordDurable(_ context.Context, rec dispatch.DurableRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *memRecorder) all() []dispatch.DurableRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dispatch.DurableRecord(nil), r.records...)
}

// memSink collects persisted alerts.
type memSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *memSink) RecordAlert(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

type testEngine struct {
	*Engine
	clock    *testutil.ManualClock
	disp     *testutil.FakeDispatcher
	recorder *memRecorder
}

func newTestEngine(t *testing.T, tier model.Tier, opts ...Option) *testEngine {
	t.Helper()
	clock := testutil.NewManualClock(t0)
	disp := testutil.NewFakeDispatcher(clock)
	rec := &memRecorder{}

	cfg := config.Default()
	cfg.Tier = tier
	cfg.DeviceID = "device-a"

	base := []Option{
		WithNow(clock.Now),
		WithIDGenerator(model.NewSequenceGenerator("op")),
		WithRecorder(rec),
	}
	e, err := New(cfg, disp, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testEngine{Engine: e, clock: clock, disp: disp, recorder: rec}
}

func checkIn(mood int64) Submission {
	return Submission{
		EntityType: model.EntityCheckIn,
		Payload:    model.Payload{Fields: ir.Object{"mood": ir.Int(mood)}},
	}
}

func classPtr(c model.PriorityClass) *model.PriorityClass { return &c }
