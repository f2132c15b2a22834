package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockOf(counters map[string]uint64, at time.Time) VectorClock {
	return VectorClock{Counters: counters, UpdatedAt: at}
}

func TestVectorClock_TickOnlyOwnCounter(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	vc := clockOf(map[string]uint64{"phone": 3, "tablet": 7}, now)

	next := vc.Tick("phone", now.Add(time.Second))

	assert.Equal(t, uint64(4), next.Get("phone"))
	assert.Equal(t, uint64(7), next.Get("tablet"))
	assert.Equal(t, uint64(3), vc.Get("phone"), "receiver must not change")
	assert.Equal(t, now.Add(time.Second), next.UpdatedAt)
}

func TestMergeClocks_PairwiseMax(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := clockOf(map[string]uint64{"phone": 5, "tablet": 1}, t0)
	b := clockOf(map[string]uint64{"phone": 2, "tablet": 4, "web": 9}, t0.Add(time.Minute))

	m := MergeClocks(a, b)

	assert.Equal(t, uint64(5), m.Get("phone"))
	assert.Equal(t, uint64(4), m.Get("tablet"))
	assert.Equal(t, uint64(9), m.Get("web"))
	assert.Equal(t, t0.Add(time.Minute), m.UpdatedAt)
}

func TestMergeClocks_Commutative(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c1 := clockOf(map[string]uint64{"a": 1, "b": 6}, t0)
	c2 := clockOf(map[string]uint64{"a": 3, "c": 2}, t0.Add(time.Hour))

	assert.True(t, MergeClocks(c1, c2).Equal(MergeClocks(c2, c1)))
}

func TestMergeClocks_Associative(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	c1 := clockOf(map[string]uint64{"a": 1}, t0)
	c2 := clockOf(map[string]uint64{"a": 2, "b": 1}, t0.Add(2*time.Second))
	c3 := clockOf(map[string]uint64{"b": 5, "c": 1}, t0.Add(time.Second))

	left := MergeClocks(MergeClocks(c1, c2), c3)
	right := MergeClocks(c1, MergeClocks(c2, c3))

	assert.True(t, left.Equal(right))
}

func TestMergeClocks_Idempotent(t *testing.T) {
	c := clockOf(map[string]uint64{"a": 4}, time.Unix(100, 0))
	assert.True(t, MergeClocks(c, c).Equal(c))
}

func TestVectorClock_Compare(t *testing.T) {
	base := clockOf(map[string]uint64{"a": 1, "b": 1}, time.Time{})

	tests := []struct {
		name  string
		other VectorClock
		want  Ordering
	}{
		{"equal", clockOf(map[string]uint64{"a": 1, "b": 1}, time.Time{}), OrderingEqual},
		{"before", clockOf(map[string]uint64{"a": 2, "b": 1}, time.Time{}), OrderingBefore},
		{"after", clockOf(map[string]uint64{"a": 1}, time.Time{}), OrderingAfter},
		{"concurrent", clockOf(map[string]uint64{"a": 2, "b": 0}, time.Time{}), OrderingConcurrent},
		{"zero entry equals missing", clockOf(map[string]uint64{"a": 1, "b": 1, "c": 0}, time.Time{}), OrderingEqual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Compare(tt.other))
		})
	}
}

type memCounters struct {
	counters map[string]uint64
	saves    int
}

func (m *memCounters) LoadCounter(device string) (uint64, bool, error) {
	n, ok := m.counters[device]
	return n, ok, nil
}

func (m *memCounters) SaveCounter(device string, n uint64) error {
	m.saves++
	if n > m.counters[device] {
		m.counters[device] = n
	}
	return nil
}

func TestDeviceClock_ResumesFromPersistedCounter(t *testing.T) {
	store := &memCounters{counters: map[string]uint64{"phone": 41}}

	dc, err := NewDeviceClock("phone", store)
	require.NoError(t, err)

	vc, err := dc.Tick(time.Unix(1, 0))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), vc.Get("phone"), "a known device is never restarted at zero")
	assert.Equal(t, uint64(42), store.counters["phone"])
	assert.Equal(t, 1, store.saves)
}

func TestDeviceClock_ObserveNeverLowersOwnCounter(t *testing.T) {
	dc, err := NewDeviceClock("phone", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := dc.Tick(time.Unix(int64(i), 0))
		require.NoError(t, err)
	}

	dc.Observe(clockOf(map[string]uint64{"phone": 1, "tablet": 8}, time.Unix(10, 0)))

	snap := dc.Snapshot()
	assert.Equal(t, uint64(3), snap.Get("phone"))
	assert.Equal(t, uint64(8), snap.Get("tablet"))
}
