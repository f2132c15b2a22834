package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/model"
)

// Step scripts one response of a FakeDispatcher.
type Step struct {
	// Err fails the dispatch.
	Err error

	// Delay advances Clock (when set) before acking, simulating network
	// latency without sleeping.
	Delay time.Duration

	// Block waits for ctx to end before returning its error.
	Block bool

	// NotDurable acks without durability.
	NotDurable bool

	// Conflicts are attached to the ack.
	Conflicts []dispatch.Conflict

	// Remotes maps a dispatched operation ID to the divergent version the
	// remote store holds. Matching operations are acked as conflicts.
	Remotes map[string]*model.Operation
}

// FakeDispatcher acks every request durably unless a scripted step says
// otherwise. Steps are consumed in order; when they run out the dispatcher
// acks immediately.
//
// Thread-safety: safe for concurrent use.
type FakeDispatcher struct {
	Clock *ManualClock

	mu       sync.Mutex
	steps    []Step
	requests []dispatch.Request
}

// NewFakeDispatcher returns a dispatcher advancing clock by each step's
// Delay. clock may be nil.
func NewFakeDispatcher(clock *ManualClock, steps ...Step) *FakeDispatcher {
	return &FakeDispatcher{Clock: clock, steps: steps}
}

// Script appends steps.
func (d *FakeDispatcher) Script(steps ...Step) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.steps = append(d.steps, steps...)
}

// Dispatch implements dispatch.Dispatcher.
func (d *FakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Ack, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	var step Step
	if len(d.steps) > 0 {
		step = d.steps[0]
		d.steps = d.steps[1:]
	}
	d.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return dispatch.Ack{}, ctx.Err()
	}
	if step.Delay > 0 && d.Clock != nil {
		d.Clock.Advance(step.Delay)
	}
	if step.Err != nil {
		return dispatch.Ack{}, step.Err
	}

	ack := dispatch.Ack{BatchID: req.BatchID, Durable: !step.NotDurable, Conflicts: step.Conflicts}
	for _, op := range req.Operations {
		if remote, ok := step.Remotes[op.ID()]; ok {
			ack.Conflicts = append(ack.Conflicts, dispatch.Conflict{Local: op, Remote: remote})
		}
	}
	if d.Clock != nil {
		ack.AckedAt = d.Clock.Now()
	}
	return ack, nil
}

// Requests returns every request received, in order.
func (d *FakeDispatcher) Requests() []dispatch.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.Request(nil), d.requests...)
}

// OperationIDs returns the operation IDs of every request, in order.
func (d *FakeDispatcher) OperationIDs() []string {
	var ids []string
	for _, req := range d.Requests() {
		for _, op := range req.Operations {
			ids = append(ids, op.ID())
		}
	}
	return ids
}
