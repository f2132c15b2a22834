package engine

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

func budgetFor(t *testing.T, tier model.Tier) (ResourceBudget, Usage) {
	t.Helper()
	b, err := NewAllocator(config.DefaultTiers()).AllocationFor(tier, DefaultFeedback())
	require.NoError(t, err)
	return b, Usage{MemoryBytes: b.MemoryBytes, BandwidthBps: b.BandwidthBps, Slots: b.ConcurrentOperations}
}

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		tier    model.Tier
		quality model.NetworkQuality
		want    TimingStrategy
	}{
		{model.TierPremium, model.NetworkExcellent, StrategyImmediate},
		{model.TierPremium, model.NetworkGood, StrategyImmediate},
		{model.TierPremium, model.NetworkFair, StrategyAdaptiveInterval},
		{model.TierBasic, model.NetworkGood, StrategyAdaptiveInterval},
		{model.TierTrial, model.NetworkFair, StrategyFixedInterval},
		{model.TierBasic, model.NetworkPoor, StrategyFixedInterval},
		{model.TierPremium, model.NetworkOffline, StrategyFixedInterval},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier)+"/"+string(tt.quality), func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(tt.tier, tt.quality))
		})
	}
}

func TestOptimizer_BatchSize(t *testing.T) {
	o := NewOptimizer(config.DefaultTiers())

	assert.Equal(t, 40, o.BatchSize(model.TierTrial, model.NetworkPoor), "degraded doubles")
	assert.Equal(t, 1, o.BatchSize(model.TierPremium, model.NetworkGood), "premium real-time stays small")
	assert.Equal(t, 10, o.BatchSize(model.TierBasic, model.NetworkFair))

	o.Adapt(model.TierBasic, breachAdjustment)
	assert.Equal(t, 5, o.BatchSize(model.TierBasic, model.NetworkFair))
	o.Adapt(model.TierBasic, breachAdjustment)
	assert.InDelta(t, 0.25, o.Adjustment(model.TierBasic).BatchScale, 1e-9)

	o.ResetAdaptation(model.TierBasic)
	assert.Equal(t, NoAdjustment, o.Adjustment(model.TierBasic))
}

func TestComposeBatches_PoorNetworkFixedAndCompressed(t *testing.T) {
	o := NewOptimizer(config.DefaultTiers())
	budget, avail := budgetFor(t, model.TierBasic)

	pending := []Entry{
		entry(newOp(t, "a", model.PriorityLowSync), 1, t0),
		entry(newOp(t, "b", model.PriorityLowSync), 2, t0),
		entry(newOp(t, "c", model.PriorityLowSync), 3, t0),
	}
	batches := o.ComposeBatches(pending, budget, avail, model.NetworkPoor, t0)

	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, []string{"a", "b", "c"}, b.OperationIDs())
	assert.True(t, b.Compress)
	assert.Equal(t, StrategyFixedInterval, b.Strategy)
	assert.Equal(t, t0.Add(10*time.Second), b.DispatchAt)
	assert.False(t, b.Due(t0))
	assert.True(t, b.Due(t0.Add(10*time.Second)))
}

func TestComposeBatches_CriticalSafetyIsImmediate(t *testing.T) {
	o := NewOptimizer(config.DefaultTiers())
	budget, avail := budgetFor(t, model.TierTrial)

	pending := []Entry{entry(newOp(t, "plan", model.PriorityCriticalSafety), 1, t0)}
	batches := o.ComposeBatches(pending, budget, avail, model.NetworkFair, t0)

	require.Len(t, batches, 1)
	assert.Equal(t, t0, batches[0].DispatchAt)
}

func TestComposeBatches_TherapeuticWithinFlexibilityWindow(t *testing.T) {
	o := NewOptimizer(config.DefaultTiers())
	budget, avail := budgetFor(t, model.TierBasic)

	session := model.SessionInfo{
		ID:            "breath-1",
		Type:          model.SessionGuidedMeditation,
		StartedAt:     t0,
		PhaseInterval: 90 * time.Second,
		Flexibility:   time.Minute,
	}
	pending := []Entry{
		entry(newOp(t, "s1", model.PriorityMediumUser, withSession(session)), 1, t0),
		entry(newOp(t, "plain", model.PriorityMediumUser), 2, t0),
		entry(newOp(t, "s2", model.PriorityMediumUser, withSession(session)), 3, t0),
	}
	now := t0.Add(time.Second)
	batches := o.ComposeBatches(pending, budget, avail, model.NetworkGood, now)

	require.Len(t, batches, 2)
	therapeutic := batches[0]
	assert.True(t, therapeutic.Therapeutic)
	assert.Equal(t, []string{"s1", "s2"}, therapeutic.OperationIDs())
	assert.Equal(t, StrategyTherapeuticAligned, therapeutic.Strategy)
	// Phase boundary is t0+90s but the window caps it at t0+60s.
	assert.Equal(t, t0.Add(time.Minute), therapeutic.DispatchAt)
	assert.False(t, therapeutic.Bypass)

	assert.Equal(t, []string{"plain"}, batches[1].OperationIDs())
}

func TestComposeBatches_TherapeuticBypassesFullPool(t *testing.T) {
	o := NewOptimizer(config.DefaultTiers())
	budget, _ := budgetFor(t, model.TierTrial)

	session := model.SessionInfo{ID: "g-1", Type: model.SessionGrounding, StartedAt: t0}
	pending := []Entry{
		entry(newOp(t, "s1", model.PriorityMediumUser, withSession(session)), 1, t0),
		entry(newOp(t, "plain", model.PriorityLowSync), 2, t0),
	}
	batches := o.ComposeBatches(pending, budget, Usage{}, model.NetworkGood, t0.Add(time.Second))

	require.Len(t, batches, 1, "ordinary work waits for capacity")
	assert.True(t, batches[0].Bypass)
	assert.Equal(t, t0.Add(time.Second), batches[0].DispatchAt)
}

func TestComposeBatches_StopsAtBudget(t *testing.T) {
	o := NewOptimizer(config.DefaultTiers())
	budget, _ := budgetFor(t, model.TierBasic)

	var pending []Entry
	for i, id := range []string{"a", "b", "c", "d"} {
		pending = append(pending, entry(newOp(t, id, model.PriorityLowSync), uint64(i+1), t0))
	}
	one := pending[0].Op.SizeBytes()
	avail := Usage{MemoryBytes: 2 * one, BandwidthBps: 2 * one, Slots: 4}

	batches := o.ComposeBatches(pending, budget, avail, model.NetworkGood, t0)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a", "b"}, batches[0].OperationIDs())
}

func TestBatchID_IsContentAddressed(t *testing.T) {
	a := []Entry{entry(newOp(t, "x", model.PriorityLowSync), 1, t0)}
	b := []Entry{entry(newOp(t, "x", model.PriorityLowSync), 9, t0.Add(time.Hour))}
	c := []Entry{entry(newOp(t, "y", model.PriorityLowSync), 1, t0)}

	assert.Equal(t, batchID(a), batchID(b))
	assert.NotEqual(t, batchID(a), batchID(c))
}

func TestEncodeBatch_GzipRoundTrip(t *testing.T) {
	op := newOp(t, "x", model.PriorityLowSync, withFields(ir.Object{"note": ir.String("slept well")}))
	plain := ScheduledBatch{ID: "batch-1", Tier: model.TierBasic, Operations: []*model.Operation{op}}
	packed := plain
	packed.Compress = true

	want, err := EncodeBatch(plain)
	require.NoError(t, err)
	body, err := EncodeBatch(packed)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Contains(t, string(want), `"batch_id":"batch-1"`)
}
