package engine

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/wellsync/internal/model"
)

// maxEscalationEvents bounds the escalation history kept for status.
const maxEscalationEvents = 256

// Entry is a queued operation plus its scheduling metadata. The operation
// itself is never modified while queued.
type Entry struct {
	Op *model.Operation

	// Class is the effective class, which starvation promotion may raise
	// above Op.Class().
	Class model.PriorityClass

	// Seq is the FIFO position. Requeues keep it.
	Seq uint64

	EnqueuedAt time.Time
	PromotedAt time.Time
	Attempts   int

	// NotBefore delays eligibility after a failed dispatch.
	NotBefore time.Time
}

// waitingSince is when the entry last entered its current class.
func (e Entry) waitingSince() time.Time {
	if e.PromotedAt.After(e.EnqueuedAt) {
		return e.PromotedAt
	}
	return e.EnqueuedAt
}

func (e Entry) eligible(now time.Time) bool {
	return !now.Before(e.NotBefore)
}

// EscalationEvent records one starvation promotion.
type EscalationEvent struct {
	OperationID string              `json:"operation_id"`
	From        model.PriorityClass `json:"from"`
	To          model.PriorityClass `json:"to"`
	Waited      time.Duration       `json:"waited"`
	At          time.Time           `json:"at"`
}

// PriorityQueue is the multi-level queue for non-crisis operations.
//
// Order is (effective class, therapeutic continuity first, seq). The queue
// never blocks: DequeueNext returns nothing rather than wait for capacity.
//
// Thread-safety: all methods are safe for concurrent use.
type PriorityQueue struct {
	mu          sync.Mutex
	seq         *Sequence
	entries     map[string]*Entry
	maxWait     map[model.PriorityClass]time.Duration
	escalations []EscalationEvent
	signal      chan struct{}
}

// NewPriorityQueue returns an empty queue promoting entries that wait longer
// than maxWait for their class.
func NewPriorityQueue(seq *Sequence, maxWait map[model.PriorityClass]time.Duration) *PriorityQueue {
	return &PriorityQueue{
		seq:     seq,
		entries: make(map[string]*Entry),
		maxWait: maxWait,
		signal:  make(chan struct{}, 1),
	}
}

// SetMaxWait replaces the starvation thresholds (on tier change).
func (q *PriorityQueue) SetMaxWait(maxWait map[model.PriorityClass]time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxWait = maxWait
}

// Push enqueues op. CRISIS_EMERGENCY is rejected: it has its own path.
func (q *PriorityQueue) Push(op *model.Operation, now time.Time) error {
	if op.Class().IsCrisis() {
		return fmt.Errorf("operation %s: crisis operations are never queued", op.ID())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.entries[op.ID()]; dup {
		return fmt.Errorf("operation %s is already queued", op.ID())
	}
	q.entries[op.ID()] = &Entry{
		Op:         op,
		Class:      op.Class(),
		Seq:        q.seq.Next(),
		EnqueuedAt: now,
	}
	q.notify()
	return nil
}

// notify signals availability without blocking (buffer of 1 coalesces).
func (q *PriorityQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Wait returns a channel that signals when entries may be available.
func (q *PriorityQueue) Wait() <-chan struct{} {
	return q.signal
}

// orderedLocked returns entries in dispatch order.
func (q *PriorityQueue) orderedLocked() []*Entry {
	out := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, compareEntries)
	return out
}

func compareEntries(a, b *Entry) int {
	if a.Class != b.Class {
		return int(a.Class) - int(b.Class)
	}
	ac, bc := a.Op.TherapeuticContinuity(), b.Op.TherapeuticContinuity()
	if ac != bc {
		if ac {
			return -1
		}
		return 1
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// DequeueNext removes and returns the highest-ordered eligible entry whose
// dispatch fits the pool, together with the lease it acquired. The lease is
// taken under the pool's lock, so no other caller can claim the same
// capacity. It returns false when nothing fits; it never blocks.
func (q *PriorityQueue) DequeueNext(pool *BudgetPool, now time.Time) (Entry, Lease, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.orderedLocked() {
		if !e.eligible(now) {
			continue
		}
		lease, ok := pool.TryAcquire(UsageFor(e.Op.SizeBytes()))
		if !ok {
			continue
		}
		delete(q.entries, e.Op.ID())
		return *e, lease, true
	}
	return Entry{}, Lease{}, false
}

// Pending returns eligible entries in dispatch order without removing them.
func (q *PriorityQueue) Pending(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry
	for _, e := range q.orderedLocked() {
		if e.eligible(now) {
			out = append(out, *e)
		}
	}
	return out
}

// Claim removes the entries with the given IDs and returns those that were
// still queued, in dispatch order.
func (q *PriorityQueue) Claim(ids []string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var claimed []*Entry
	for _, id := range ids {
		if e, ok := q.entries[id]; ok {
			claimed = append(claimed, e)
			delete(q.entries, id)
		}
	}
	slices.SortFunc(claimed, compareEntries)
	out := make([]Entry, len(claimed))
	for i, e := range claimed {
		out[i] = *e
	}
	return out
}

// Requeue puts a claimed entry back, eligible from notBefore. It keeps its
// seq and effective class, so it returns to its original FIFO position.
func (q *PriorityQueue) Requeue(e Entry, notBefore time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.Attempts++
	e.NotBefore = notBefore
	q.entries[e.Op.ID()] = &e
	q.notify()
}

// Cancel removes a queued operation. It reports false when id is not queued.
func (q *PriorityQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[id]; !ok {
		return false
	}
	delete(q.entries, id)
	return true
}

// Promote raises the effective class of every entry that has waited longer
// than its class's maximum wait by one class, capped at CRITICAL_SAFETY, and
// returns the escalation events.
func (q *PriorityQueue) Promote(now time.Time) []EscalationEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var events []EscalationEvent
	for _, e := range q.orderedLocked() {
		limit, ok := q.maxWait[e.Class]
		if !ok || limit <= 0 {
			continue
		}
		waited := now.Sub(e.waitingSince())
		if waited <= limit {
			continue
		}
		next := e.Class.Promote()
		if next == e.Class {
			continue
		}
		ev := EscalationEvent{
			OperationID: e.Op.ID(),
			From:        e.Class,
			To:          next,
			Waited:      waited,
			At:          now,
		}
		e.Class = next
		e.PromotedAt = now
		events = append(events, ev)
	}

	q.escalations = append(q.escalations, events...)
	if over := len(q.escalations) - maxEscalationEvents; over > 0 {
		q.escalations = slices.Delete(q.escalations, 0, over)
	}
	return events
}

// Escalations returns the retained escalation history, oldest first.
func (q *PriorityQueue) Escalations() []EscalationEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.escalations)
}

// Depths returns the number of queued entries per effective class.
func (q *PriorityQueue) Depths() map[model.PriorityClass]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[model.PriorityClass]int, model.NumPriorityClasses-1)
	for _, c := range model.AllPriorityClasses {
		if !c.IsCrisis() {
			out[c] = 0
		}
	}
	for _, e := range q.entries {
		out[e.Class]++
	}
	return out
}

// Len returns the number of queued entries.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// NextEligible returns the earliest NotBefore among backed-off entries, or
// the zero time when nothing is backed off.
func (q *PriorityQueue) NextEligible(now time.Time) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, e := range q.entries {
		if e.eligible(now) {
			continue
		}
		if next.IsZero() || e.NotBefore.Before(next) {
			next = e.NotBefore
		}
	}
	return next
}
