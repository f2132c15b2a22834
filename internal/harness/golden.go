package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/wellsync/internal/ir"
)

// Snapshot is the canonical form of a scenario run stored in golden files.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Durable      []Durable
	Alerts       []AlertSummary
	Review       []string
}

// NewSnapshot builds the snapshot for a result.
func NewSnapshot(name string, result *Result) Snapshot {
	return Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Durable:      result.Durable,
		Alerts:       result.Alerts,
		Review:       result.Review,
	}
}

// Value converts the snapshot to a canonical object.
func (s Snapshot) Value() ir.Object {
	trace := make(ir.Array, len(s.Trace))
	for i, event := range s.Trace {
		trace[i] = event.Value()
	}

	durable := make(ir.Array, len(s.Durable))
	for i, d := range s.Durable {
		obj := ir.Object{"operation_id": ir.String(d.OperationID)}
		if d.ConflictID != "" {
			obj["conflict_id"] = ir.String(d.ConflictID)
		}
		durable[i] = obj
	}

	alerts := make(ir.Array, len(s.Alerts))
	for i, a := range s.Alerts {
		obj := ir.Object{
			"id":       ir.String(a.ID),
			"code":     ir.String(a.Code),
			"severity": ir.String(a.Severity),
		}
		if a.OperationID != "" {
			obj["operation_id"] = ir.String(a.OperationID)
		}
		alerts[i] = obj
	}

	return ir.Object{
		"scenario_name": ir.String(s.ScenarioName),
		"trace":         trace,
		"durable":       durable,
		"alerts":        alerts,
		"review":        idArray(s.Review),
	}
}

// MarshalCanonical returns the snapshot's canonical JSON.
func (s Snapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.Value())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).MarshalCanonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
