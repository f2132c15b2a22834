package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/wellsync/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s\n", i+1, event.Step, event.Type, ir.MustMarshalCanonical(event.Data))
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertDispatchOrder:
		return assertDispatchOrder(result.Trace, a)
	case AssertDurable:
		return assertDurable(result, a)
	case AssertAlertCount:
		return assertAlertCount(result, a)
	case AssertReviewCount:
		return assertReviewCount(result, a)
	case AssertCrisisWithin:
		return assertCrisisWithin(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

// assertTraceContains checks that some event of the given type matches
// the where clause (subset semantics).
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	where, err := toObject(a.Where)
	if err != nil {
		return err
	}
	for _, event := range trace {
		if event.Type == a.Event && matchFields(event.Value(), where) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event matching %s", a.Event, ir.MustMarshalCanonical(where)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	where, err := toObject(a.Where)
	if err != nil {
		return err
	}
	count := 0
	for _, event := range trace {
		if event.Type == a.Event && matchFields(event.Value(), where) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events", a.Count, a.Event),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertDispatchOrder checks that the listed operations were dispatched
// in this relative order. Other operations may appear between them.
func assertDispatchOrder(trace []TraceEvent, a Assertion) error {
	var dispatched []string
	for _, event := range trace {
		if event.Type != EventDispatch {
			continue
		}
		if ops, ok := event.Data["operations"].(ir.Array); ok {
			for _, v := range ops {
				if s, ok := v.(ir.String); ok {
					dispatched = append(dispatched, string(s))
				}
			}
		}
	}

	next := 0
	for _, id := range dispatched {
		if next < len(a.Operations) && id == a.Operations[next] {
			next++
		}
	}
	if next != len(a.Operations) {
		return &AssertionError{
			Type:     AssertDispatchOrder,
			Expected: fmt.Sprintf("dispatch order %v", a.Operations),
			Actual:   fmt.Sprintf("dispatched %v", dispatched),
			Trace:    trace,
		}
	}
	return nil
}

// assertDurable checks the stored durable records, in ack order.
func assertDurable(result *Result, a Assertion) error {
	got := make([]string, len(result.Durable))
	for i, d := range result.Durable {
		got[i] = d.OperationID
	}
	want := a.Operations
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertDurable,
			Expected: fmt.Sprintf("durable %v", want),
			Actual:   fmt.Sprintf("durable %v", got),
		}
	}
	return nil
}

func assertAlertCount(result *Result, a Assertion) error {
	count := 0
	for _, alert := range result.Alerts {
		if alert.Code == a.Code {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertAlertCount,
			Expected: fmt.Sprintf("%d %s alerts", a.Count, a.Code),
			Actual:   fmt.Sprintf("%d alerts", count),
		}
	}
	return nil
}

func assertReviewCount(result *Result, a Assertion) error {
	if len(result.Review) != a.Count {
		return &AssertionError{
			Type:     AssertReviewCount,
			Expected: fmt.Sprintf("%d review cases", a.Count),
			Actual:   fmt.Sprintf("%d review cases %v", len(result.Review), result.Review),
		}
	}
	return nil
}

// assertCrisisWithin checks every crisis submit acked within the bound.
func assertCrisisWithin(trace []TraceEvent, a Assertion) error {
	seen := false
	for _, event := range trace {
		if event.Type != EventSubmit {
			continue
		}
		ms, ok := event.Data.Int("latency_ms")
		if !ok {
			continue
		}
		seen = true
		if ms > a.Within.Milliseconds() || event.Data.Bool("escalation_required", false) {
			return &AssertionError{
				Type:     AssertCrisisWithin,
				Expected: fmt.Sprintf("crisis acked within %s", a.Within),
				Actual:   fmt.Sprintf("%s took %dms", event.Data.String("operation_id"), ms),
				Trace:    trace,
			}
		}
	}
	if !seen {
		return &AssertionError{
			Type:     AssertCrisisWithin,
			Expected: "at least one crisis submit",
			Actual:   "none in trace",
		}
	}
	return nil
}

// matchFields reports whether every key in want equals the same key in got.
func matchFields(got, want ir.Object) bool {
	for k, w := range want {
		g, ok := got[k]
		if !ok || !ir.Equal(g, w) {
			return false
		}
	}
	return true
}
