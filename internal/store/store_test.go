package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wellsync/internal/conflict"
	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/engine"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

var (
	_ dispatch.Recorder  = (*Store)(nil)
	_ conflict.Inbox     = (*Store)(nil)
	_ model.CounterStore = (*Store)(nil)
	_ engine.AlertSink   = (*Store)(nil)
)

var t0 = time.Date(2019, 1, 1, 10, 0, 0, 0, time.UTC)

// createTestStore creates a new SQLite store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s1.RecordDurable(context.Background(), dispatch.DurableRecord{
		OperationID: "op-1", RecordID: "rec-1", Digest: "d", AckedAt: t0,
	}))
	require.NoError(t, s1.Close())

	s2, err := Open(DriverSQLite, path)
	require.NoError(t, err)
	defer s2.Close()

	recs, err := s2.DurableRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "2"))
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")

	_, err = Open(DriverSQLite, "")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	lite := &Store{driver: DriverSQLite}
	q := `INSERT INTO t (a, b) VALUES (?, ?)`

	assert.Equal(t, `INSERT INTO t (a, b) VALUES ($1, $2)`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
	assert.Equal(t, "GREATEST", pg.greatest())
	assert.Equal(t, "MAX", lite.greatest())
}

func TestRecordDurable_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := dispatch.DurableRecord{OperationID: "op-1", RecordID: "rec-1", BatchID: "b1", Digest: "aaa", AckedAt: t0}
	retry := first
	retry.Digest = "bbb"
	retry.AckedAt = t0.Add(time.Second)

	require.NoError(t, s.RecordDurable(ctx, first))
	require.NoError(t, s.RecordDurable(ctx, retry))

	recs, err := s.DurableRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "aaa", recs[0].Digest)
	assert.True(t, t0.Equal(recs[0].AckedAt))
}

func TestRecordDurable_RequiresOperationID(t *testing.T) {
	s := createTestStore(t)
	err := s.RecordDurable(context.Background(), dispatch.DurableRecord{RecordID: "rec-1"})
	assert.Error(t, err)
}

func TestDurableRecords_Ordered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Sub-second offsets check the fixed-width timestamp ordering.
	require.NoError(t, s.RecordDurable(ctx, dispatch.DurableRecord{OperationID: "op-c", RecordID: "r", Digest: "d", AckedAt: t0.Add(time.Second)}))
	require.NoError(t, s.RecordDurable(ctx, dispatch.DurableRecord{OperationID: "op-b", RecordID: "r", Digest: "d", AckedAt: t0.Add(500 * time.Millisecond)}))
	require.NoError(t, s.RecordDurable(ctx, dispatch.DurableRecord{OperationID: "op-a", RecordID: "r", Digest: "d", AckedAt: t0.Add(500 * time.Millisecond)}))

	recs, err := s.DurableRecords(ctx)
	require.NoError(t, err)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.OperationID
	}
	assert.Equal(t, []string{"op-a", "op-b", "op-c"}, ids)
}

func TestCounters_NeverMoveBackwards(t *testing.T) {
	s := createTestStore(t)

	_, ok, err := s.LoadCounter("device-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveCounter("device-a", 7))
	require.NoError(t, s.SaveCounter("device-a", 3))

	n, ok, err := s.LoadCounter("device-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(7), n)

	require.NoError(t, s.SaveCounter("device-a", 9))
	n, _, err = s.LoadCounter("device-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)
}

func TestCounters_SeedDeviceClock(t *testing.T) {
	s := createTestStore(t)

	dc, err := model.NewDeviceClock("device-a", s)
	require.NoError(t, err)
	_, err = dc.Tick(t0)
	require.NoError(t, err)
	_, err = dc.Tick(t0)
	require.NoError(t, err)

	restarted, err := model.NewDeviceClock("device-a", s)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), restarted.Snapshot().Get("device-a"))
}

func TestCounters_ConcurrentSaves(t *testing.T) {
	s := createTestStore(t)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(n uint64) {
			defer wg.Done()
			assert.NoError(t, s.SaveCounter("device-a", n))
		}(uint64(i))
	}
	wg.Wait()

	n, _, err := s.LoadCounter("device-a")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
}

func newReplica(t *testing.T, id, device string, at time.Time, contacts ...string) conflict.Replica {
	t.Helper()
	list := make(ir.Array, len(contacts))
	for i, c := range contacts {
		list[i] = ir.Object{"name": ir.String(c)}
	}
	op, err := model.New(model.Params{
		ID:              id,
		EntityType:      model.EntityAssessment,
		RecordID:        "rec-1",
		Payload:         model.Payload{Fields: ir.Object{"contacts": list, "score": ir.Int(12)}},
		Class:           model.PriorityHighClinical,
		OriginDevice:    device,
		OriginTimestamp: at,
		Clock:           model.VectorClock{Counters: map[string]uint64{device: 3}, UpdatedAt: at},
		Session: &model.SessionInfo{
			ID: "s-1", Type: model.SessionBreathingExercise, StartedAt: at, PhaseInterval: 4 * time.Second,
		},
	})
	require.NoError(t, err)
	return conflict.Replica{Op: op, Primary: device == "device-a"}
}

func TestInbox_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c := &conflict.Case{
		ID:         "case-1",
		RecordID:   "rec-1",
		EntityType: model.EntityAssessment,
		Replicas: []conflict.Replica{
			newReplica(t, "op-1", "device-a", t0, "Sam"),
			newReplica(t, "op-2", "device-b", t0.Add(time.Second), "Alex"),
		},
		Level:      conflict.LevelAssessment,
		Rule:       conflict.RuleAssessmentLaterWins,
		State:      conflict.StateEscalated,
		DetectedAt: t0,
		Reason:     "both assessments validated within 2s",
		Audit: []conflict.Transition{
			{From: conflict.StateDetected, To: conflict.StateHierarchyEvaluated, At: t0},
			{From: conflict.StateHierarchyEvaluated, To: conflict.StateEscalated, At: t0, Note: "ambiguous"},
		},
	}
	c.Replicas[1].Remote = true

	require.NoError(t, s.Push(ctx, c))
	require.NoError(t, s.Push(ctx, c))

	cases, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 1)

	got := cases[0]
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.Level, got.Level)
	assert.Equal(t, c.Rule, got.Rule)
	assert.Equal(t, c.State, got.State)
	assert.Equal(t, c.Reason, got.Reason)
	assert.True(t, c.DetectedAt.Equal(got.DetectedAt))
	assert.Equal(t, []string{"op-1", "op-2"}, got.OperationIDs())
	assert.Len(t, got.Audit, 2)
	assert.Equal(t, "ambiguous", got.Audit[1].Note)

	assert.True(t, got.Replicas[0].Primary)
	assert.True(t, got.Replicas[1].Remote)
	for i := range c.Replicas {
		want, have := c.Replicas[i].Op, got.Replicas[i].Op
		assert.True(t, ir.Equal(want.PayloadValue(), have.PayloadValue()))
		assert.Equal(t, want.Class(), have.Class())
		require.NotNil(t, have.Session())
		assert.Equal(t, 4*time.Second, have.Session().PhaseInterval)
	}
}

func TestInbox_ListOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		id string
		at time.Time
	}{
		{"case-b", t0.Add(time.Minute)},
		{"case-c", t0},
		{"case-a", t0.Add(time.Minute)},
	} {
		require.NoError(t, s.Push(ctx, &conflict.Case{
			ID:         tc.id,
			RecordID:   "rec-1",
			EntityType: model.EntityAssessment,
			Replicas:   []conflict.Replica{newReplica(t, tc.id+"-op", "device-a", tc.at)},
			Level:      conflict.LevelAssessment,
			State:      conflict.StateEscalated,
			DetectedAt: tc.at,
		}))
	}

	cases, err := s.List(ctx)
	require.NoError(t, err)
	ids := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"case-c", "case-a", "case-b"}, ids)
}

func TestAlerts_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := engine.Alert{
		ID:          "alert-1",
		Severity:    engine.SeverityFatal,
		Code:        "CRISIS_DEADLINE",
		Tier:        model.TierTrial,
		Class:       model.PriorityCrisisEmergency,
		OperationID: "op-9",
		Message:     "crisis acknowledged after 250ms",
		Latency:     250 * time.Millisecond,
		Target:      200 * time.Millisecond,
		RaisedAt:    t0,
	}
	require.NoError(t, s.RecordAlert(ctx, a))
	require.NoError(t, s.RecordAlert(ctx, a))

	alerts, err := s.Alerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	got := alerts[0]
	assert.True(t, a.RaisedAt.Equal(got.RaisedAt))
	got.RaisedAt = a.RaisedAt
	assert.Equal(t, a, got)
}
