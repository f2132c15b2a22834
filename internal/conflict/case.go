package conflict

import (
	"fmt"
	"slices"
	"time"

	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// State is the position of a case in the resolution state machine.
type State string

const (
	StateDetected           State = "DETECTED"
	StateHierarchyEvaluated State = "HIERARCHY_EVALUATED"
	StateMerged             State = "MERGED"
	StateEscalated          State = "ESCALATED"
)

// allowed lists the legal transitions. MERGED and ESCALATED are terminal.
var allowed = map[State][]State{
	StateDetected:           {StateHierarchyEvaluated},
	StateHierarchyEvaluated: {StateMerged, StateEscalated},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateMerged || s == StateEscalated
}

// Level is the resolution hierarchy level, 1 (most safety-critical) to 6.
type Level int

const (
	LevelCrisisPlan Level = iota + 1
	LevelAssessment
	LevelTherapeuticSession
	LevelUserAction
	LevelDevicePreference
	LevelSubscription
)

func (l Level) String() string {
	switch l {
	case LevelCrisisPlan:
		return "crisis_plan"
	case LevelAssessment:
		return "assessment"
	case LevelTherapeuticSession:
		return "therapeutic_session"
	case LevelUserAction:
		return "user_action"
	case LevelDevicePreference:
		return "device_preference"
	case LevelSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Rule is the merge rule applied at a level.
type Rule int

const (
	RuleCrisisPlanUnion Rule = iota + 1
	RuleAssessmentLaterWins
	RuleSessionProgress
	RuleVectorClockLWW
	RulePrimaryDevice
	RuleRemoteAuthoritative
)

func (r Rule) String() string {
	switch r {
	case RuleCrisisPlanUnion:
		return "crisis_plan_union"
	case RuleAssessmentLaterWins:
		return "assessment_later_wins"
	case RuleSessionProgress:
		return "session_progress"
	case RuleVectorClockLWW:
		return "vector_clock_lww"
	case RulePrimaryDevice:
		return "primary_device"
	case RuleRemoteAuthoritative:
		return "remote_authoritative"
	default:
		return fmt.Sprintf("Rule(%d)", int(r))
	}
}

// RuleFor returns the merge rule for a level.
func RuleFor(l Level) (Rule, error) {
	switch l {
	case LevelCrisisPlan:
		return RuleCrisisPlanUnion, nil
	case LevelAssessment:
		return RuleAssessmentLaterWins, nil
	case LevelTherapeuticSession:
		return RuleSessionProgress, nil
	case LevelUserAction:
		return RuleVectorClockLWW, nil
	case LevelDevicePreference:
		return RulePrimaryDevice, nil
	case LevelSubscription:
		return RuleRemoteAuthoritative, nil
	default:
		return 0, fmt.Errorf("unknown resolution level %d", int(l))
	}
}

// Replica is one version of a record together with what is known about the
// device that produced it.
type Replica struct {
	Op *model.Operation

	// Remote marks the version held by the remote store.
	Remote bool

	// Primary marks the user's primary device.
	Primary bool

	// UserPresent marks a device the user was actively using.
	UserPresent bool
}

// Transition is one audit-trail entry.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Record is the resolved state of a logical record.
type Record struct {
	RecordID   string
	EntityType model.EntityType
	Fields     ir.Object
	Clock      model.VectorClock

	// Sources lists the operation IDs that contributed, sorted.
	Sources []string
}

// Value returns the record as a canonical value.
func (r Record) Value() ir.Object {
	sources := make(ir.Array, len(r.Sources))
	for i, s := range r.Sources {
		sources[i] = ir.String(s)
	}
	return ir.Object{
		"record_id":   ir.String(r.RecordID),
		"entity_type": ir.String(string(r.EntityType)),
		"fields":      r.Fields.Clone(),
		"clock":       r.Clock.Value(),
		"sources":     sources,
	}
}

// Canonical returns the canonical encoding of the record's fields. Two merges
// are considered identical when these bytes match.
func (r Record) Canonical() []byte {
	return ir.MustMarshalCanonical(r.Fields)
}

// Digest returns the content digest of the resolved fields.
func (r Record) Digest() string {
	return ir.DigestBytes(ir.DomainRecord, r.Canonical())
}

// Case is a conflict between two or more replicas of one record.
type Case struct {
	ID         string
	RecordID   string
	EntityType model.EntityType
	Replicas   []Replica
	Level      Level
	Rule       Rule
	State      State
	DetectedAt time.Time

	// Resolved is set once the case is MERGED.
	Resolved *Record

	// Reason explains an escalation.
	Reason string

	Audit []Transition
}

func (c *Case) transition(to State, at time.Time, note string) error {
	if !slices.Contains(allowed[c.State], to) {
		return fmt.Errorf("conflict %s: illegal transition %s -> %s", c.ID, c.State, to)
	}
	c.Audit = append(c.Audit, Transition{From: c.State, To: to, At: at, Note: note})
	c.State = to
	return nil
}

// OperationIDs returns the replica operation IDs in replica order.
func (c *Case) OperationIDs() []string {
	ids := make([]string, len(c.Replicas))
	for i, r := range c.Replicas {
		ids[i] = r.Op.ID()
	}
	return ids
}
