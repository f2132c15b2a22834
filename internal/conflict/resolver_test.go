package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type opSpec struct {
	id      string
	device  string
	entity  model.EntityType
	fields  ir.Object
	at      time.Time
	clock   map[string]uint64
	session *model.SessionInfo
}

func newOp(t *testing.T, s opSpec) *model.Operation {
	t.Helper()
	if s.entity == "" {
		s.entity = model.EntityCheckIn
	}
	if s.device == "" {
		s.device = "dev-" + s.id
	}
	op, err := model.New(model.Params{
		ID:              s.id,
		EntityType:      s.entity,
		RecordID:        "rec-1",
		Payload:         model.Payload{Fields: s.fields},
		Class:           model.PriorityMediumUser,
		OriginDevice:    s.device,
		OriginTimestamp: s.at,
		Clock:           model.VectorClock{Counters: s.clock},
		Session:         s.session,
	})
	require.NoError(t, err)
	return op
}

func newResolver() *Resolver {
	return NewResolver(2*time.Second,
		WithNow(func() time.Time { return t0 }),
		WithIDGenerator(model.NewSequenceGenerator("case")))
}

func contact(name, phone string) ir.Object {
	return ir.Object{"name": ir.String(name), "phone": ir.String(phone)}
}

// fromRecord rebuilds an operation carrying a merged record, as a device
// would after applying the merge.
func fromRecord(t *testing.T, id string, rec Record) *model.Operation {
	t.Helper()
	op, err := model.New(model.Params{
		ID:           id,
		EntityType:   rec.EntityType,
		RecordID:     rec.RecordID,
		Payload:      model.Payload{Fields: rec.Fields},
		Class:        model.PriorityMediumUser,
		OriginDevice: "merged",
		Clock:        rec.Clock,
	})
	require.NoError(t, err)
	return op
}

func TestResolve_CrisisPlanIsContactSuperset(t *testing.T) {
	r := newResolver()
	a := newOp(t, opSpec{id: "a", entity: model.EntityCrisisPlan, at: t0, fields: ir.Object{
		"contacts":     ir.Array{contact("Sam", "555-0101")},
		"hotlines":     ir.Array{ir.String("988")},
		"validated_at": ir.String("2026-05-04T10:00:00Z"),
	}})
	b := newOp(t, opSpec{id: "b", entity: model.EntityCrisisPlan, at: t0.Add(time.Hour), fields: ir.Object{
		"contacts":     ir.Array{contact("Alex", "555-0199"), contact("Sam", "555-0101")},
		"safe_place":   ir.String("the park"),
		"validated_at": ir.String("2026-05-04T11:00:00Z"),
	}})

	c, err := r.Detect(Replica{Op: a}, Replica{Op: b, Remote: true})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))

	assert.Equal(t, StateMerged, c.State)
	assert.Equal(t, LevelCrisisPlan, c.Level)
	assert.Equal(t, RuleCrisisPlanUnion, c.Rule)
	require.NotNil(t, c.Resolved)

	merged := c.Resolved.Fields
	contacts := merged["contacts"].(ir.Array)
	assert.Len(t, contacts, 2)
	for _, side := range []*model.Operation{a, b} {
		for _, want := range side.Fields()["contacts"].(ir.Array) {
			assert.Contains(t, contacts, want)
		}
	}
	assert.Equal(t, ir.Array{ir.String("988")}, merged["hotlines"])
	assert.Equal(t, "the park", merged.String("safe_place"))
	assert.Equal(t, "2026-05-04T11:00:00Z", merged.String("validated_at"))

	states := make([]State, 0, len(c.Audit))
	for _, tr := range c.Audit {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateDetected, StateHierarchyEvaluated, StateMerged}, states)
}

func TestMerge_CrisisPlanKeepsLatestValidatedNonEmpty(t *testing.T) {
	r := newResolver()
	a := newOp(t, opSpec{id: "a", entity: model.EntityCrisisPlan, fields: ir.Object{
		"coping":       ir.String("walk outside"),
		"warning_sign": ir.String("not sleeping"),
		"validated_at": ir.String("2026-05-04T10:00:00Z"),
	}})
	b := newOp(t, opSpec{id: "b", entity: model.EntityCrisisPlan, fields: ir.Object{
		"coping":       ir.String(""),
		"warning_sign": ir.String("skipping meals"),
		"validated_at": ir.String("2026-05-04T11:00:00Z"),
	}})

	rec, err := r.Merge(LevelCrisisPlan, []Replica{{Op: a}, {Op: b}})
	require.NoError(t, err)

	assert.Equal(t, "walk outside", rec.Fields.String("coping"))
	assert.Equal(t, "skipping meals", rec.Fields.String("warning_sign"))
}

func TestMerge_CrisisPlanIsIdempotentAndCommutative(t *testing.T) {
	r := newResolver()
	a := newOp(t, opSpec{id: "a", entity: model.EntityCrisisPlan, clock: map[string]uint64{"x": 2}, fields: ir.Object{
		"contacts":     ir.Array{contact("Sam", "555-0101")},
		"reason":       ir.String("my kids"),
		"validated_at": ir.String("2026-05-04T10:00:00Z"),
	}})
	b := newOp(t, opSpec{id: "b", entity: model.EntityCrisisPlan, clock: map[string]uint64{"y": 3}, fields: ir.Object{
		"contacts":     ir.Array{contact("Alex", "555-0199")},
		"hotlines":     ir.Array{ir.String("988"), ir.String("741741")},
		"reason":       ir.String("my dog"),
		"validated_at": ir.String("2026-05-04T10:30:00Z"),
	}})

	first, err := r.Merge(LevelCrisisPlan, []Replica{{Op: a}, {Op: b}})
	require.NoError(t, err)

	swapped, err := r.Merge(LevelCrisisPlan, []Replica{{Op: b}, {Op: a}})
	require.NoError(t, err)
	assert.Equal(t, string(first.Canonical()), string(swapped.Canonical()))

	merged := fromRecord(t, "m", first)
	again, err := r.Merge(LevelCrisisPlan, []Replica{{Op: merged}, {Op: b}})
	require.NoError(t, err)
	assert.Equal(t, string(first.Canonical()), string(again.Canonical()))
	assert.Equal(t, first.Digest(), again.Digest())

	assert.Equal(t, uint64(2), first.Clock.Get("x"))
	assert.Equal(t, uint64(3), first.Clock.Get("y"))
}

func assessment(t *testing.T, id, completedAt string, score int64) *model.Operation {
	return newOp(t, opSpec{id: id, entity: model.EntityAssessment, fields: ir.Object{
		"instrument":   ir.String("PHQ-9"),
		"score":        ir.Int(score),
		"answers":      ir.Array{ir.Int(score / 2), ir.Int(score - score/2)},
		"completed_at": ir.String(completedAt),
	}})
}

func TestResolve_AssessmentLaterCompletionWinsInFull(t *testing.T) {
	r := newResolver()
	early := assessment(t, "early", "2026-05-04T10:00:00Z", 14)
	late := assessment(t, "late", "2026-05-04T10:00:05Z", 9)

	c, err := r.Detect(Replica{Op: late}, Replica{Op: early})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))

	assert.Equal(t, StateMerged, c.State)
	assert.Equal(t, LevelAssessment, c.Level)
	assert.Equal(t, string(ir.MustMarshalCanonical(late.Fields())), string(c.Resolved.Canonical()))
}

func TestResolve_AssessmentWithinWindowEscalates(t *testing.T) {
	r := newResolver()
	a := assessment(t, "a", "2026-05-04T10:00:00Z", 14)
	b := assessment(t, "b", "2026-05-04T10:00:01Z", 9)

	c, err := r.Detect(Replica{Op: a}, Replica{Op: b})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))

	assert.Equal(t, StateEscalated, c.State)
	assert.Nil(t, c.Resolved)
	assert.Contains(t, c.Reason, "window")
}

func TestMerge_AssessmentIsIdempotent(t *testing.T) {
	r := newResolver()
	early := assessment(t, "early", "2026-05-04T10:00:00Z", 14)
	late := assessment(t, "late", "2026-05-04T10:00:05Z", 9)

	first, err := r.Merge(LevelAssessment, []Replica{{Op: early}, {Op: late}})
	require.NoError(t, err)

	merged := fromRecord(t, "m", first)
	for _, other := range []*model.Operation{early, late} {
		again, err := r.Merge(LevelAssessment, []Replica{{Op: merged}, {Op: other}})
		require.NoError(t, err)
		assert.Equal(t, string(first.Canonical()), string(again.Canonical()))
	}
}

func TestMerge_UnvalidatedAssessmentLoses(t *testing.T) {
	r := newResolver()
	done := assessment(t, "done", "2026-05-04T10:00:00Z", 14)
	draft := newOp(t, opSpec{id: "draft", entity: model.EntityAssessment, fields: ir.Object{
		"score":        ir.Int(3),
		"validated":    ir.Bool(false),
		"completed_at": ir.String("2026-05-04T10:00:01Z"),
	}})

	rec, err := r.Merge(LevelAssessment, []Replica{{Op: done}, {Op: draft}})
	require.NoError(t, err)
	n, _ := rec.Fields.Int("score")
	assert.Equal(t, int64(14), n)
}

func TestMerge_SessionProgress(t *testing.T) {
	r := newResolver()
	session := &model.SessionInfo{ID: "s1", Type: model.SessionBreathingExercise, StartedAt: t0}
	a := newOp(t, opSpec{id: "a", session: session, at: t0.Add(time.Minute), fields: ir.Object{
		"breaths_completed": ir.Int(12),
		"started_at":        ir.String("2026-05-04T10:00:00Z"),
		"last_activity_at":  ir.String("2026-05-04T10:03:00Z"),
		"note":              ir.String("calm"),
	}})
	b := newOp(t, opSpec{id: "b", session: session, at: t0.Add(2 * time.Minute), fields: ir.Object{
		"breaths_completed": ir.Int(9),
		"started_at":        ir.String("2026-05-04T10:00:30Z"),
		"last_activity_at":  ir.String("2026-05-04T10:04:00Z"),
		"note":              ir.String("calmer"),
	}})

	c, err := r.Detect(Replica{Op: a}, Replica{Op: b})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))
	require.Equal(t, StateMerged, c.State)
	assert.Equal(t, LevelTherapeuticSession, c.Level)

	got := c.Resolved.Fields
	n, _ := got.Int("breaths_completed")
	assert.Equal(t, int64(12), n)
	assert.Equal(t, "2026-05-04T10:00:00Z", got.String("started_at"))
	assert.Equal(t, "2026-05-04T10:04:00Z", got.String("last_activity_at"))
	assert.Equal(t, "calmer", got.String("note"))
}

func TestMerge_UserActionFollowsVectorClock(t *testing.T) {
	r := newResolver()

	t.Run("dominating clock wins over later timestamp", func(t *testing.T) {
		newer := newOp(t, opSpec{id: "a", at: t0, clock: map[string]uint64{"a": 2, "b": 1},
			fields: ir.Object{"mood": ir.Int(6)}})
		stale := newOp(t, opSpec{id: "b", at: t0.Add(time.Hour), clock: map[string]uint64{"a": 1, "b": 1},
			fields: ir.Object{"mood": ir.Int(3)}})

		rec, err := r.Merge(LevelUserAction, []Replica{{Op: stale, UserPresent: true}, {Op: newer}})
		require.NoError(t, err)
		n, _ := rec.Fields.Int("mood")
		assert.Equal(t, int64(6), n)
	})

	t.Run("concurrent edits prefer user presence", func(t *testing.T) {
		a := newOp(t, opSpec{id: "a", at: t0.Add(time.Hour), clock: map[string]uint64{"a": 2},
			fields: ir.Object{"mood": ir.Int(6)}})
		b := newOp(t, opSpec{id: "b", at: t0, clock: map[string]uint64{"b": 2},
			fields: ir.Object{"mood": ir.Int(3)}})

		rec, err := r.Merge(LevelUserAction, []Replica{{Op: a}, {Op: b, UserPresent: true}})
		require.NoError(t, err)
		n, _ := rec.Fields.Int("mood")
		assert.Equal(t, int64(3), n)
	})

	t.Run("concurrent without presence prefers later timestamp", func(t *testing.T) {
		a := newOp(t, opSpec{id: "a", at: t0.Add(time.Hour), clock: map[string]uint64{"a": 2},
			fields: ir.Object{"mood": ir.Int(6)}})
		b := newOp(t, opSpec{id: "b", at: t0, clock: map[string]uint64{"b": 2},
			fields: ir.Object{"mood": ir.Int(3)}})

		rec, err := r.Merge(LevelUserAction, []Replica{{Op: b}, {Op: a}})
		require.NoError(t, err)
		n, _ := rec.Fields.Int("mood")
		assert.Equal(t, int64(6), n)
	})
}

func TestResolve_DevicePreferencePrimaryWins(t *testing.T) {
	r := newResolver()
	primary := newOp(t, opSpec{id: "a", entity: model.EntityUserPreference, at: t0,
		fields: ir.Object{"scope": ir.String("device"), "theme": ir.String("dark")}})
	other := newOp(t, opSpec{id: "b", entity: model.EntityUserPreference, at: t0.Add(time.Hour),
		fields: ir.Object{"scope": ir.String("device"), "theme": ir.String("light")}})

	c, err := r.Detect(Replica{Op: other, UserPresent: true}, Replica{Op: primary, Primary: true})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))

	assert.Equal(t, LevelDevicePreference, c.Level)
	assert.Equal(t, "dark", c.Resolved.Fields.String("theme"))
}

func TestResolve_SubscriptionTakesRemote(t *testing.T) {
	r := newResolver()
	local := newOp(t, opSpec{id: "a", entity: model.EntityUserPreference, at: t0.Add(time.Hour),
		fields: ir.Object{"scope": ir.String("subscription"), "plan": ir.String("premium")}})
	remote := newOp(t, opSpec{id: "b", entity: model.EntityUserPreference, at: t0,
		fields: ir.Object{"scope": ir.String("subscription"), "plan": ir.String("basic")}})

	c, err := r.Detect(Replica{Op: local}, Replica{Op: remote, Remote: true})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))
	assert.Equal(t, "basic", c.Resolved.Fields.String("plan"))

	c, err = r.Detect(Replica{Op: local}, Replica{Op: remote})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))
	assert.Equal(t, StateEscalated, c.State)
}

func TestDetect_Validation(t *testing.T) {
	r := newResolver()
	a := newOp(t, opSpec{id: "a", fields: ir.Object{"mood": ir.Int(1)}})
	same := newOp(t, opSpec{id: "b", fields: ir.Object{"mood": ir.Int(1)}})

	_, err := r.Detect(Replica{Op: a})
	require.Error(t, err)

	_, err = r.Detect(Replica{Op: a}, Replica{Op: same})
	require.ErrorIs(t, err, ErrNoDivergence)

	other, err := model.New(model.Params{
		ID: "c", EntityType: model.EntityCheckIn, RecordID: "rec-2",
		Payload: model.Payload{Fields: ir.Object{"mood": ir.Int(2)}},
		Class:   model.PriorityLowSync,
	})
	require.NoError(t, err)
	_, err = r.Detect(Replica{Op: a}, Replica{Op: other})
	require.Error(t, err)
}

func TestResolve_RejectsSecondResolution(t *testing.T) {
	r := newResolver()
	a := newOp(t, opSpec{id: "a", fields: ir.Object{"mood": ir.Int(1)}})
	b := newOp(t, opSpec{id: "b", fields: ir.Object{"mood": ir.Int(2)}})

	c, err := r.Detect(Replica{Op: a}, Replica{Op: b})
	require.NoError(t, err)
	require.NoError(t, r.Resolve(c))
	require.Error(t, r.Resolve(c))
	assert.True(t, c.State.Terminal())
}

func TestLevelOf(t *testing.T) {
	tests := []struct {
		name string
		spec opSpec
		want Level
	}{
		{"crisis plan", opSpec{id: "1", entity: model.EntityCrisisPlan}, LevelCrisisPlan},
		{"assessment", opSpec{id: "2", entity: model.EntityAssessment}, LevelAssessment},
		{"session check-in", opSpec{id: "3", session: &model.SessionInfo{ID: "s", Type: model.SessionGrounding}}, LevelTherapeuticSession},
		{"plain check-in", opSpec{id: "4"}, LevelUserAction},
		{"device pref", opSpec{id: "5", entity: model.EntityUserPreference, fields: ir.Object{"scope": ir.String("device")}}, LevelDevicePreference},
		{"subscription", opSpec{id: "6", entity: model.EntityUserPreference, fields: ir.Object{"scope": ir.String("subscription")}}, LevelSubscription},
		{"unscoped pref", opSpec{id: "7", entity: model.EntityUserPreference}, LevelUserAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LevelOf(newOp(t, tt.spec)))
		})
	}
}

func TestMemoryInbox(t *testing.T) {
	ctx := context.Background()
	inbox := NewMemoryInbox()

	require.NoError(t, inbox.Push(ctx, &Case{ID: "02", State: StateEscalated}))
	require.NoError(t, inbox.Push(ctx, &Case{ID: "01", State: StateEscalated}))
	require.NoError(t, inbox.Push(ctx, &Case{ID: "02", State: StateEscalated}))

	cases, err := inbox.List(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "01", cases[0].ID)
}
