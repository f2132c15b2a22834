package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wellsync/internal/ir"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/assessment_conflicts.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := NewSnapshot(s.Name, first).MarshalCanonical()
	require.NoError(t, err)
	b, err := NewSnapshot(s.Name, second).MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_CrisisUnderLoad(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/crisis_under_load.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "assertion failures: %v", result.Errors)

	submits := result.Events(EventSubmit)
	require.Len(t, submits, 51)
	crisis := submits[50].Data
	assert.Equal(t, "CRISIS_EMERGENCY", crisis.String("class"))
	latency, ok := crisis.Int("latency_ms")
	require.True(t, ok)
	assert.LessOrEqual(t, latency, int64(200))

	status := result.Events(EventStatus)
	require.Len(t, status, 1)
	depths, ok := status[0].Data["depths"].(ir.Object)
	require.True(t, ok)
	assert.Len(t, depths, 5)
	n, _ := depths.Int("LOW_SYNC")
	assert.Equal(t, int64(50), n)
}

func TestRun_FailingAssertionsAreReported(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectations
description: "Assertions that do not hold"
tier: basic
steps:
  - submit: { entity: check_in, fields: { mood: 5 } }
  - step: true
assertions:
  - type: durable
    operations: [op-9]
  - type: review_count
    count: 2
  - type: trace_contains
    event: submit
    where: { class: BACKGROUND }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "durable [op-9]")
	assert.Contains(t, result.Errors[1], "2 review cases")
	assert.Contains(t, result.Errors[2], "not found in trace")
}

func TestRun_TransientFailureRequeues(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: transient_failure
description: "A transient dispatch failure requeues the batch"
tier: premium
dispatcher:
  - error: transient
steps:
  - submit: { entity: check_in, fields: { mood: 5 } }
  - step: true
  - status: true
assertions:
  - type: trace_contains
    event: dispatch
    where: { operations: [op-1], requeued: [op-1] }
  - type: trace_contains
    event: step
    where: { batches: 1, remaining: 1 }
  - type: durable
    operations: []
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)
}

func TestRun_CancelQueuedOperation(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: cancel
description: "A queued operation can be cancelled once"
tier: basic
steps:
  - submit: { entity: check_in, fields: { mood: 5 } }
  - cancel: op-1
  - cancel: op-1
assertions:
  - type: trace_count
    event: cancel
    where: { operation_id: op-1 }
    count: 2
  - type: trace_contains
    event: cancel
    where: { error: NOT_FOUND }
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "assertion failures: %v", result.Errors)

	cancels := result.Events(EventCancel)
	require.Len(t, cancels, 2)
	_, hasErr := cancels[0].Data["error"]
	assert.False(t, hasErr)
}

func TestMatchFields_Subset(t *testing.T) {
	got := ir.Object{"a": ir.Int(1), "b": ir.String("x"), "c": ir.Array{ir.String("op-1")}}

	assert.True(t, matchFields(got, ir.Object{}))
	assert.True(t, matchFields(got, ir.Object{"a": ir.Int(1)}))
	assert.True(t, matchFields(got, ir.Object{"c": ir.Array{ir.String("op-1")}}))
	assert.False(t, matchFields(got, ir.Object{"a": ir.Int(2)}))
	assert.False(t, matchFields(got, ir.Object{"d": ir.Null{}}))
}
