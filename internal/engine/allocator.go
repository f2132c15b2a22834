package engine

import (
	"fmt"
	"math"

	"github.com/roach88/wellsync/internal/config"
	"github.com/roach88/wellsync/internal/model"
)

// Absolute floors for the emergency reserve. Battery and network feedback
// can never push the reserve below these.
const (
	MinReserveFraction     = 0.05
	MinReserveMemoryBytes  = 4 << 20
	MinReserveBandwidthBps = 16 << 10
	MinReserveSlots        = 1
)

// EmergencyReserve is capacity held back for CRISIS_EMERGENCY operations.
// It is a separate value from the shared budget so no code path that admits
// ordinary work can reach it.
type EmergencyReserve struct {
	Fraction     float64
	MemoryBytes  int64
	BandwidthBps int64
	Slots        int
}

// ResourceBudget is the capacity a tier may use, after feedback, excluding
// the emergency reserve.
type ResourceBudget struct {
	Tier                 model.Tier
	CPUShare             float64
	MemoryBytes          int64
	BandwidthBps         int64
	BatteryImpact        float64
	ConcurrentOperations int

	Emergency EmergencyReserve
}

// Feedback is the device state the allocator reacts to.
type Feedback struct {
	// BatteryLevel is the charge fraction in [0,1].
	BatteryLevel float64
	Charging     bool
	Network      model.NetworkQuality

	// UserPresent marks that the user is actively using this device. It
	// breaks ties between concurrent edits.
	UserPresent bool
}

// DefaultFeedback is a charged device on a good network.
func DefaultFeedback() Feedback {
	return Feedback{BatteryLevel: 1, Charging: true, Network: model.NetworkGood, UserPresent: true}
}

// batteryFactor scales non-reserved capacity on low battery.
func (f Feedback) batteryFactor() float64 {
	if f.Charging {
		return 1
	}
	switch {
	case f.BatteryLevel < 0.20:
		return 0.50
	case f.BatteryLevel < 0.50:
		return 0.75
	default:
		return 1
	}
}

// Allocator derives resource budgets from tier policy and device feedback.
//
// AllocationFor is a pure function of its inputs.
type Allocator struct {
	tiers map[model.Tier]config.TierPolicy
}

// NewAllocator returns an allocator over the given tier policies.
func NewAllocator(tiers map[model.Tier]config.TierPolicy) *Allocator {
	return &Allocator{tiers: tiers}
}

// AllocationFor returns the budget for tier under fb. Feedback reduces only
// the non-reserved capacity.
func (a *Allocator) AllocationFor(tier model.Tier, fb Feedback) (ResourceBudget, error) {
	p, ok := a.tiers[tier]
	if !ok {
		return ResourceBudget{}, fmt.Errorf("no policy for tier %q", tier)
	}

	reserve := reserveFor(p)
	factor := fb.batteryFactor()

	b := ResourceBudget{
		Tier:                 tier,
		CPUShare:             p.CPUShare * (1 - reserve.Fraction) * factor,
		MemoryBytes:          max(p.MemoryBytes-reserve.MemoryBytes, 0),
		BandwidthBps:         int64(float64(max(p.BandwidthBps-reserve.BandwidthBps, 0)) * factor),
		BatteryImpact:        p.BatteryImpact * factor,
		ConcurrentOperations: max(int(math.Floor(float64(p.ConcurrentOperations)*factor)), 1),
		Emergency:            reserve,
	}
	if fb.Network == model.NetworkOffline {
		b.BandwidthBps /= 10
	}
	return b, nil
}

// reserveFor sizes the emergency reserve from policy, clamped to the floors.
func reserveFor(p config.TierPolicy) EmergencyReserve {
	frac := max(p.EmergencyReserve, MinReserveFraction)
	return EmergencyReserve{
		Fraction:     frac,
		MemoryBytes:  max(int64(float64(p.MemoryBytes)*frac), MinReserveMemoryBytes),
		BandwidthBps: max(int64(float64(p.BandwidthBps)*frac), MinReserveBandwidthBps),
		Slots:        max(int(math.Ceil(float64(p.ConcurrentOperations)*frac)), MinReserveSlots),
	}
}
