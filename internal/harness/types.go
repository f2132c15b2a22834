package harness

import (
	"github.com/roach88/wellsync/internal/ir"
)

// Trace event types.
const (
	EventSubmit   = "submit"
	EventPromote  = "promote"
	EventDispatch = "dispatch"
	EventStep     = "step"
	EventStatus   = "status"
	EventCancel   = "cancel"
	EventHandoff  = "handoff"
)

// TraceEvent is one observable outcome of a scenario step.
type TraceEvent struct {
	// Step is the index of the scenario step that produced the event.
	Step int `json:"step"`

	// Type is one of the Event* constants.
	Type string `json:"type"`

	// Data holds the event's fields. It contains only deterministic values
	// so traces compare byte for byte.
	Data ir.Object `json:"data"`
}

// Value returns the event as a flat canonical object.
func (e TraceEvent) Value() ir.Object {
	out := e.Data.Clone()
	if out == nil {
		out = ir.Object{}
	}
	out["step"] = ir.Int(int64(e.Step))
	out["type"] = ir.String(e.Type)
	return out
}

// Durable is one stored durable record, as reported in results.
type Durable struct {
	OperationID string `json:"operation_id"`
	ConflictID  string `json:"conflict_id,omitempty"`
}

// AlertSummary is the deterministic part of a stored alert.
type AlertSummary struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	OperationID string `json:"operation_id,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every event in step order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Durable lists stored durable records in ack order.
	Durable []Durable `json:"durable"`

	// Alerts lists stored alerts in raise order.
	Alerts []AlertSummary `json:"alerts"`

	// Review lists the IDs of cases in the review inbox.
	Review []string `json:"review"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Durable: []Durable{},
		Alerts:  []AlertSummary{},
		Review:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends an event to the trace.
func (r *Result) AddEvent(step int, typ string, data ir.Object) {
	r.Trace = append(r.Trace, TraceEvent{Step: step, Type: typ, Data: data})
}

// Events returns the events of one type.
func (r *Result) Events(typ string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
