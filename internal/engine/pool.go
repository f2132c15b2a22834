package engine

import (
	"sync"
)

// Usage is an amount of budget held by one dispatch.
type Usage struct {
	MemoryBytes  int64
	BandwidthBps int64
	Slots        int
}

func (u Usage) add(o Usage) Usage {
	return Usage{u.MemoryBytes + o.MemoryBytes, u.BandwidthBps + o.BandwidthBps, u.Slots + o.Slots}
}

func (u Usage) sub(o Usage) Usage {
	return Usage{u.MemoryBytes - o.MemoryBytes, u.BandwidthBps - o.BandwidthBps, u.Slots - o.Slots}
}

// fits reports whether u fits within limit on every dimension.
func (u Usage) fits(limit Usage) bool {
	return u.MemoryBytes <= limit.MemoryBytes && u.BandwidthBps <= limit.BandwidthBps && u.Slots <= limit.Slots
}

// UsageFor is what dispatching sizeBytes as one request holds: the payload in
// memory, one second of bandwidth for it, and one worker slot.
func UsageFor(sizeBytes int64) Usage {
	return Usage{MemoryBytes: sizeBytes, BandwidthBps: sizeBytes, Slots: 1}
}

// Lease is a held share of the pool, returned by TryAcquire.
type Lease struct {
	id    uint64
	usage Usage
}

// Usage returns what the lease holds.
func (l Lease) Usage() Usage { return l.usage }

// BudgetPool is the shared non-reserved capacity of the active tier. It is
// the only shared mutable resource in the engine; every acquire and release
// happens under its lock.
//
// The pool never holds the emergency reserve.
type BudgetPool struct {
	mu     sync.Mutex
	budget ResourceBudget
	inUse  Usage
	leases map[uint64]Usage
	nextID uint64
}

// NewBudgetPool returns an empty pool over budget.
func NewBudgetPool(budget ResourceBudget) *BudgetPool {
	return &BudgetPool{budget: budget, leases: make(map[uint64]Usage)}
}

func (p *BudgetPool) limit() Usage {
	return Usage{
		MemoryBytes:  p.budget.MemoryBytes,
		BandwidthBps: p.budget.BandwidthBps,
		Slots:        p.budget.ConcurrentOperations,
	}
}

// TryAcquire takes u from the pool if it fits and reports whether it did.
// It never blocks.
func (p *BudgetPool) TryAcquire(u Usage) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tryAcquireLocked(u)
}

func (p *BudgetPool) tryAcquireLocked(u Usage) (Lease, bool) {
	if !p.inUse.add(u).fits(p.limit()) {
		return Lease{}, false
	}
	p.nextID++
	p.leases[p.nextID] = u
	p.inUse = p.inUse.add(u)
	return Lease{id: p.nextID, usage: u}, true
}

// Release returns a lease to the pool. Releasing twice is a no-op.
func (p *BudgetPool) Release(l Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.leases[l.id]
	if !ok {
		return
	}
	delete(p.leases, l.id)
	p.inUse = p.inUse.sub(u)
}

// Reconfigure swaps in a new budget. Held leases stay valid; if the new
// budget is smaller, admission stops until enough is released.
func (p *BudgetPool) Reconfigure(b ResourceBudget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budget = b
}

// Budget returns the current budget.
func (p *BudgetPool) Budget() ResourceBudget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget
}

// Available returns the capacity not held by any lease.
func (p *BudgetPool) Available() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	avail := p.limit().sub(p.inUse)
	return Usage{
		MemoryBytes:  max(avail.MemoryBytes, 0),
		BandwidthBps: max(avail.BandwidthBps, 0),
		Slots:        max(avail.Slots, 0),
	}
}

// Utilization returns the fullest dimension's fill ratio in [0,1].
func (p *BudgetPool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.limit()
	ratio := func(used, limit int64) float64 {
		if limit <= 0 {
			return 1
		}
		return min(float64(used)/float64(limit), 1)
	}
	return max(
		ratio(p.inUse.MemoryBytes, l.MemoryBytes),
		ratio(p.inUse.BandwidthBps, l.BandwidthBps),
		ratio(int64(p.inUse.Slots), int64(l.Slots)),
	)
}

// Occupy holds fraction of every dimension on behalf of work outside the
// engine (other apps, a foreground sync), rounding slots down. Release the
// returned lease to give it back.
func (p *BudgetPool) Occupy(fraction float64) Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.limit()
	u := Usage{
		MemoryBytes:  int64(float64(l.MemoryBytes) * fraction),
		BandwidthBps: int64(float64(l.BandwidthBps) * fraction),
		Slots:        int(float64(l.Slots) * fraction),
	}
	p.nextID++
	p.leases[p.nextID] = u
	p.inUse = p.inUse.add(u)
	return Lease{id: p.nextID, usage: u}
}
