package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/wellsync/internal/handoff"
	"github.com/roach88/wellsync/internal/model"
)

// Scenario is a scripted run of the engine against a manual clock and a
// scripted dispatcher. Every time in a scenario is an offset from the
// harness epoch, so runs are reproducible.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Tier is the starting subscription tier.
	Tier model.Tier `yaml:"tier"`

	// DeviceID is the local device. Defaults to "device-a".
	DeviceID string `yaml:"device_id,omitempty"`

	// Network is the starting network quality. Defaults to "good".
	Network model.NetworkQuality `yaml:"network,omitempty"`

	// Dispatcher scripts the collaborator's responses, one per dispatch in
	// order. Dispatches past the end ack durably at once.
	Dispatcher []DispatchSpec `yaml:"dispatcher,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DispatchSpec scripts one collaborator response.
type DispatchSpec struct {
	// Delay is simulated network latency; the manual clock advances by it.
	Delay time.Duration `yaml:"delay,omitempty"`

	// Error is "transient" or "rejected".
	Error string `yaml:"error,omitempty"`

	// NotDurable acks without durability.
	NotDurable bool `yaml:"not_durable,omitempty"`

	// Remotes maps a local operation ID to the version the remote already
	// holds. Those operations come back as conflicts.
	Remotes map[string]RemoteSpec `yaml:"remotes,omitempty"`
}

// RemoteSpec describes the remote version of a record.
type RemoteSpec struct {
	ID      string         `yaml:"id"`
	Entity  string         `yaml:"entity"`
	Record  string         `yaml:"record"`
	Device  string         `yaml:"device"`
	Counter uint64         `yaml:"counter,omitempty"`
	Origin  time.Duration  `yaml:"origin,omitempty"`
	Fields  map[string]any `yaml:"fields"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Submit  *SubmitSpec          `yaml:"submit,omitempty"`
	Advance time.Duration        `yaml:"advance,omitempty"`
	Run     bool                 `yaml:"step,omitempty"`
	Status  bool                 `yaml:"status,omitempty"`
	Occupy  float64              `yaml:"occupy,omitempty"`
	Cancel  string               `yaml:"cancel,omitempty"`
	Network model.NetworkQuality `yaml:"network,omitempty"`
	Tier    model.Tier           `yaml:"tier,omitempty"`
	Handoff *HandoffSpec         `yaml:"handoff,omitempty"`

	// Repeat runs a submit step this many times.
	Repeat int `yaml:"repeat,omitempty"`
}

// SubmitSpec is one SubmitOperation call.
type SubmitSpec struct {
	Entity     string         `yaml:"entity"`
	Record     string         `yaml:"record,omitempty"`
	Hint       string         `yaml:"hint,omitempty"`
	Crisis     bool           `yaml:"crisis,omitempty"`
	Continuity bool           `yaml:"continuity,omitempty"`
	Session    *SessionSpec   `yaml:"session,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`
}

// SessionSpec describes a therapeutic session relative to the epoch.
type SessionSpec struct {
	ID            string        `yaml:"id"`
	Type          string        `yaml:"type"`
	Start         time.Duration `yaml:"start,omitempty"`
	PhaseInterval time.Duration `yaml:"phase_interval,omitempty"`
	Flexibility   time.Duration `yaml:"flexibility,omitempty"`
}

// HandoffSpec moves a session between devices. The session is created on
// first use and keeps its owner across later handoff steps.
type HandoffSpec struct {
	Session SessionSpec    `yaml:"session"`
	Owner   string         `yaml:"owner,omitempty"`
	State   map[string]any `yaml:"state,omitempty"`
	Source  handoff.Device `yaml:"source"`
	Target  handoff.Device `yaml:"target"`
}

// Assertion validates the trace or the final store contents.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Where is a subset match against event data (trace_contains,
	// trace_count).
	Where map[string]any `yaml:"where,omitempty"`

	// Count is the expected number of matches (trace_count, alert_count,
	// review_count).
	Count int `yaml:"count,omitempty"`

	// Operations is the expected operation ID sequence (dispatch_order,
	// durable).
	Operations []string `yaml:"operations,omitempty"`

	// Code is the alert code (alert_count).
	Code string `yaml:"code,omitempty"`

	// Within bounds every crisis latency (crisis_within).
	Within time.Duration `yaml:"within,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertDispatchOrder = "dispatch_order"
	AssertDurable       = "durable"
	AssertAlertCount    = "alert_count"
	AssertReviewCount   = "review_count"
	AssertCrisisWithin  = "crisis_within"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := model.ParseTier(string(s.Tier)); err != nil {
		return fmt.Errorf("tier: %w", err)
	}
	if s.Network != "" {
		if _, err := model.ParseNetworkQuality(string(s.Network)); err != nil {
			return fmt.Errorf("network: %w", err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, d := range s.Dispatcher {
		switch d.Error {
		case "", errTransient, errRejected:
		default:
			return fmt.Errorf("dispatcher[%d]: unknown error %q", i, d.Error)
		}
		for local, r := range d.Remotes {
			if r.ID == "" || r.Record == "" || r.Device == "" {
				return fmt.Errorf("dispatcher[%d].remotes[%s]: id, record and device are required", i, local)
			}
			if _, err := model.ParseEntityType(r.Entity); err != nil {
				return fmt.Errorf("dispatcher[%d].remotes[%s]: %w", i, local, err)
			}
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	for _, on := range []bool{
		step.Submit != nil,
		step.Advance != 0,
		step.Run,
		step.Status,
		step.Occupy != 0,
		step.Cancel != "",
		step.Network != "",
		step.Tier != "",
		step.Handoff != nil,
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one action is required, got %d", set)
	}
	if step.Repeat != 0 && step.Submit == nil {
		return fmt.Errorf("repeat applies only to submit")
	}
	switch {
	case step.Submit != nil:
		if _, err := model.ParseEntityType(step.Submit.Entity); err != nil {
			return err
		}
		if step.Submit.Hint != "" {
			if _, err := model.ParsePriorityClass(step.Submit.Hint); err != nil {
				return err
			}
		}
	case step.Advance < 0:
		return fmt.Errorf("advance must be positive")
	case step.Occupy < 0 || step.Occupy > 1:
		return fmt.Errorf("occupy must be within [0,1]")
	case step.Network != "":
		if _, err := model.ParseNetworkQuality(string(step.Network)); err != nil {
			return err
		}
	case step.Tier != "":
		if _, err := model.ParseTier(string(step.Tier)); err != nil {
			return err
		}
	case step.Handoff != nil:
		if step.Handoff.Session.ID == "" || step.Handoff.Source.ID == "" || step.Handoff.Target.ID == "" {
			return fmt.Errorf("handoff needs session id, source and target")
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertDispatchOrder:
		if len(a.Operations) == 0 {
			return fmt.Errorf("assertions[%d]: operations list is required for dispatch_order", index)
		}
	case AssertDurable, AssertReviewCount:
	case AssertAlertCount:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for alert_count", index)
		}
	case AssertCrisisWithin:
		if a.Within <= 0 {
			return fmt.Errorf("assertions[%d]: within is required for crisis_within", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
