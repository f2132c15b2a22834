package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/wellsync/internal/dispatch"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// CrisisResult is the outcome of one emergency dispatch.
type CrisisResult struct {
	Ack      dispatch.Ack
	Latency  time.Duration
	Channel  string
	Attempts int
}

// EmergencyLane dispatches CRISIS_EMERGENCY operations.
//
// The lane owns the emergency reserve's slots and never consults the shared
// BudgetPool. It runs in the caller's goroutine under a context bounded by
// the crisis deadline, so a slow collaborator cannot hold the caller past
// the deadline. A transient failure on the primary channel is retried once,
// immediately, on the alternate channel.
//
// Thread-safety: safe for concurrent use; concurrency is bounded by slots.
type EmergencyLane struct {
	mu        sync.Mutex
	slots     chan struct{}
	primary   dispatch.Dispatcher
	alternate dispatch.Dispatcher
	deadline  time.Duration
	now       func() time.Time
}

// NewEmergencyLane returns a lane with reserve.Slots concurrent dispatches.
// alternate may be nil.
func NewEmergencyLane(reserve EmergencyReserve, primary, alternate dispatch.Dispatcher, deadline time.Duration, now func() time.Time) *EmergencyLane {
	if now == nil {
		now = time.Now
	}
	return &EmergencyLane{
		slots:     make(chan struct{}, max(reserve.Slots, MinReserveSlots)),
		primary:   primary,
		alternate: alternate,
		deadline:  deadline,
		now:       now,
	}
}

// Resize sets the slot count from reserve. Dispatches holding a slot from
// the previous set release it there.
func (l *EmergencyLane) Resize(reserve EmergencyReserve) {
	n := max(reserve.Slots, MinReserveSlots)
	l.mu.Lock()
	defer l.mu.Unlock()
	if cap(l.slots) == n {
		return
	}
	l.slots = make(chan struct{}, n)
	slog.Info("emergency lane resized", "reserve_slots", n)
}

// Slots returns the number of concurrent emergency dispatches.
func (l *EmergencyLane) Slots() int {
	return cap(l.slotSet())
}

func (l *EmergencyLane) slotSet() chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots
}

// Deadline returns the crisis deadline.
func (l *EmergencyLane) Deadline() time.Duration {
	return l.deadline
}

// Dispatch sends op and waits for a durable ack, at most until the deadline.
// On failure the error is an *OrchestrationError with EscalationRequired set.
func (l *EmergencyLane) Dispatch(ctx context.Context, op *model.Operation, tier model.Tier) (CrisisResult, error) {
	start := l.now()
	ctx, cancel := context.WithTimeout(ctx, l.deadline)
	defer cancel()

	slots := l.slotSet()
	select {
	case slots <- struct{}{}:
		defer func() { <-slots }()
	case <-ctx.Done():
		return CrisisResult{Latency: l.now().Sub(start)}, NewDeadlineError(op.ID(), fmt.Errorf("no emergency slot: %w", ctx.Err()))
	}

	body, err := ir.MarshalCanonical(op.PayloadValue())
	if err != nil {
		return CrisisResult{Latency: l.now().Sub(start)}, &OrchestrationError{
			Code:               ErrCodeInvalidOperation,
			Message:            "crisis payload could not be encoded",
			OperationID:        op.ID(),
			EscalationRequired: true,
			Err:                err,
		}
	}
	deadline, _ := ctx.Deadline()
	req := dispatch.Request{
		BatchID:    "crisis-" + op.ID(),
		Tier:       tier,
		Operations: []*model.Operation{op},
		Body:       body,
		Deadline:   deadline,
		Crisis:     true,
	}

	res := CrisisResult{Channel: "primary", Attempts: 1}
	ack, err := l.send(ctx, l.primary, req)
	if err != nil && l.alternate != nil && dispatch.IsTransient(err) && ctx.Err() == nil {
		slog.Warn("crisis dispatch failed on primary channel, retrying on alternate",
			"operation_id", op.ID(),
			"error", err)
		res.Channel, res.Attempts = "alternate", 2
		ack, err = l.send(ctx, l.alternate, req)
	}
	res.Latency = l.now().Sub(start)
	res.Ack = ack

	if err == nil && res.Latency > l.deadline {
		err = fmt.Errorf("ack arrived after %s: %w", res.Latency, context.DeadlineExceeded)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return res, NewDeadlineError(op.ID(), err)
		}
		return res, &OrchestrationError{
			Code:               ErrCodeTransientNetwork,
			Message:            "crisis operation could not be made durable",
			OperationID:        op.ID(),
			EscalationRequired: true,
			Err:                err,
		}
	}
	return res, nil
}

// send dispatches req and treats a non-durable ack as a failure.
func (l *EmergencyLane) send(ctx context.Context, d dispatch.Dispatcher, req dispatch.Request) (dispatch.Ack, error) {
	type result struct {
		ack dispatch.Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		ack, err := d.Dispatch(ctx, req)
		done <- result{ack, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.ack, r.err
		}
		if !r.ack.Durable {
			return r.ack, fmt.Errorf("ack for %s not durable: %w", req.BatchID, dispatch.ErrTransient)
		}
		return r.ack, nil
	case <-ctx.Done():
		return dispatch.Ack{}, ctx.Err()
	}
}
