package model

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wellsync/internal/ir"
)

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	OrderingEqual Ordering = iota
	OrderingBefore
	OrderingAfter
	OrderingConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderingEqual:
		return "equal"
	case OrderingBefore:
		return "before"
	case OrderingAfter:
		return "after"
	case OrderingConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps device IDs to logical counters.
//
// VectorClock is a value type: Tick and Merge return new clocks and never
// modify their receivers, so clocks attached to operations stay immutable.
type VectorClock struct {
	Counters  map[string]uint64 `json:"counters"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return VectorClock{Counters: map[string]uint64{}}
}

// Get returns the counter for a device (0 when unknown).
func (vc VectorClock) Get(device string) uint64 {
	return vc.Counters[device]
}

// Clone returns a deep copy.
func (vc VectorClock) Clone() VectorClock {
	out := VectorClock{Counters: make(map[string]uint64, len(vc.Counters)), UpdatedAt: vc.UpdatedAt}
	maps.Copy(out.Counters, vc.Counters)
	return out
}

// Tick returns a copy with device's own counter incremented.
// A device only ever ticks its own entry.
func (vc VectorClock) Tick(device string, now time.Time) VectorClock {
	out := vc.Clone()
	out.Counters[device]++
	if now.After(out.UpdatedAt) {
		out.UpdatedAt = now
	}
	return out
}

// MergeClocks takes the pairwise maximum per device and the later UpdatedAt.
// The operation is commutative, associative and idempotent.
func MergeClocks(a, b VectorClock) VectorClock {
	out := a.Clone()
	for d, n := range b.Counters {
		if n > out.Counters[d] {
			out.Counters[d] = n
		}
	}
	if b.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = b.UpdatedAt
	}
	return out
}

// Compare returns the causal relation of vc to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	less, greater := false, false
	for _, d := range unionDevices(vc, other) {
		a, b := vc.Counters[d], other.Counters[d]
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
	}
	switch {
	case less && greater:
		return OrderingConcurrent
	case less:
		return OrderingBefore
	case greater:
		return OrderingAfter
	default:
		return OrderingEqual
	}
}

// Dominates reports whether vc causally follows other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == OrderingAfter
}

// Equal compares counters and UpdatedAt.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == OrderingEqual && vc.UpdatedAt.Equal(other.UpdatedAt)
}

// Value returns the clock as a canonical payload value. Zero counters are
// omitted so that an absent device and a zero entry encode identically.
func (vc VectorClock) Value() ir.Value {
	counters := ir.Object{}
	for d, n := range vc.Counters {
		if n > 0 {
			counters[d] = ir.Int(int64(n))
		}
	}
	obj := ir.Object{"counters": counters}
	if !vc.UpdatedAt.IsZero() {
		obj["updated_at"] = ir.String(vc.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	return obj
}

func unionDevices(a, b VectorClock) []string {
	set := make(map[string]struct{}, len(a.Counters)+len(b.Counters))
	for d := range a.Counters {
		set[d] = struct{}{}
	}
	for d := range b.Counters {
		set[d] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// CounterStore persists the local device's own counter. The engine never
// resets a known device, so implementations must keep the highest value seen.
type CounterStore interface {
	LoadCounter(device string) (uint64, bool, error)
	SaveCounter(device string, counter uint64) error
}

// DeviceClock is the local device's view of the vector clock.
//
// Thread-safety: all methods are safe for concurrent use.
type DeviceClock struct {
	mu     sync.Mutex
	device string
	clock  VectorClock
	store  CounterStore
}

// NewDeviceClock seeds a clock for device from the persisted counter, if any.
func NewDeviceClock(device string, store CounterStore) (*DeviceClock, error) {
	dc := &DeviceClock{device: device, clock: NewVectorClock(), store: store}
	if store != nil {
		n, ok, err := store.LoadCounter(device)
		if err != nil {
			return nil, err
		}
		if ok {
			dc.clock.Counters[device] = n
		}
	}
	return dc, nil
}

// Device returns the owning device ID.
func (dc *DeviceClock) Device() string {
	return dc.device
}

// Tick increments the local counter, persists it and returns a snapshot.
func (dc *DeviceClock) Tick(now time.Time) (VectorClock, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	next := dc.clock.Tick(dc.device, now)
	if dc.store != nil {
		if err := dc.store.SaveCounter(dc.device, next.Counters[dc.device]); err != nil {
			return VectorClock{}, err
		}
	}
	dc.clock = next
	return next.Clone(), nil
}

// Observe merges a remote clock into the local view. The local device's own
// counter is never lowered by a merge.
func (dc *DeviceClock) Observe(remote VectorClock) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.clock = MergeClocks(dc.clock, remote)
}

// Snapshot returns a copy of the current clock.
func (dc *DeviceClock) Snapshot() VectorClock {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.clock.Clone()
}
