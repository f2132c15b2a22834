package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// ErrAmbiguous is returned by Merge when no rule can pick a value safely.
// Resolve turns it into an escalation.
var ErrAmbiguous = errors.New("conflict is ambiguous")

// ErrNoDivergence is returned by Detect when every replica carries the
// same fields.
var ErrNoDivergence = errors.New("replicas do not diverge")

// Resolver runs the resolution state machine.
//
// Thread-safety: a Resolver is stateless apart from its ID generator and is
// safe for concurrent use. A single Case must not be resolved concurrently.
type Resolver struct {
	window time.Duration
	now    func() time.Time
	ids    model.IDGenerator
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithNow sets the clock used for audit timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator sets the case ID generator.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(r *Resolver) { r.ids = g }
}

// NewResolver returns a resolver that escalates assessment completions closer
// together than window.
func NewResolver(window time.Duration, opts ...Option) *Resolver {
	r := &Resolver{window: window, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.ids == nil {
		r.ids = model.NewULIDGenerator(r.now)
	}
	return r
}

// LevelOf derives the hierarchy level of a single operation.
func LevelOf(op *model.Operation) Level {
	switch op.EntityType() {
	case model.EntityCrisisPlan:
		return LevelCrisisPlan
	case model.EntityAssessment:
		return LevelAssessment
	case model.EntityUserPreference:
		switch op.Fields().String("scope") {
		case "device":
			return LevelDevicePreference
		case "subscription":
			return LevelSubscription
		}
	}
	if op.Session() != nil || op.TherapeuticContinuity() {
		return LevelTherapeuticSession
	}
	return LevelUserAction
}

// Detect opens a case over replicas of one record.
func (r *Resolver) Detect(replicas ...Replica) (*Case, error) {
	if len(replicas) < 2 {
		return nil, fmt.Errorf("conflict needs at least two replicas, got %d", len(replicas))
	}
	first := replicas[0].Op
	for _, rep := range replicas {
		if rep.Op == nil {
			return nil, fmt.Errorf("replica without operation")
		}
		if rep.Op.RecordID() != first.RecordID() {
			return nil, fmt.Errorf("replicas span records %s and %s", first.RecordID(), rep.Op.RecordID())
		}
		if rep.Op.EntityType() != first.EntityType() {
			return nil, fmt.Errorf("record %s: replicas have entity types %s and %s",
				first.RecordID(), first.EntityType(), rep.Op.EntityType())
		}
	}
	if len(distinct(replicas)) < 2 {
		return nil, ErrNoDivergence
	}

	c := &Case{
		ID:         r.ids.Generate(),
		RecordID:   first.RecordID(),
		EntityType: first.EntityType(),
		Replicas:   slices.Clone(replicas),
		State:      StateDetected,
		DetectedAt: r.now(),
	}
	c.Audit = append(c.Audit, Transition{To: StateDetected, At: c.DetectedAt,
		Note: fmt.Sprintf("%d replicas", len(replicas))})

	slog.Debug("conflict detected",
		"conflict_id", c.ID,
		"record_id", c.RecordID,
		"entity_type", c.EntityType,
		"replicas", len(replicas))
	return c, nil
}

// Resolve evaluates the hierarchy for c and either merges it or escalates
// it. Ambiguity is not an error: the case ends ESCALATED with a Reason.
func (r *Resolver) Resolve(c *Case) error {
	if c.State != StateDetected {
		return fmt.Errorf("conflict %s: cannot resolve from state %s", c.ID, c.State)
	}

	level := LevelOf(c.Replicas[0].Op)
	for _, rep := range c.Replicas[1:] {
		level = min(level, LevelOf(rep.Op))
	}
	rule, err := RuleFor(level)
	if err != nil {
		return err
	}
	c.Level, c.Rule = level, rule
	if err := c.transition(StateHierarchyEvaluated, r.now(),
		fmt.Sprintf("level %d (%s), rule %s", level, level, rule)); err != nil {
		return err
	}

	rec, err := r.Merge(level, c.Replicas)
	switch {
	case errors.Is(err, ErrAmbiguous):
		c.Reason = err.Error()
		slog.Info("conflict escalated",
			"conflict_id", c.ID,
			"record_id", c.RecordID,
			"level", int(level),
			"reason", c.Reason)
		return c.transition(StateEscalated, r.now(), c.Reason)
	case err != nil:
		return fmt.Errorf("conflict %s: %w", c.ID, err)
	}

	c.Resolved = &rec
	slog.Debug("conflict merged",
		"conflict_id", c.ID,
		"record_id", c.RecordID,
		"level", int(level),
		"digest", rec.Digest())
	return c.transition(StateMerged, r.now(), "digest "+rec.Digest())
}

// Merge applies the rule for level to replicas without touching any case
// state. The result is independent of replica order.
func (r *Resolver) Merge(level Level, replicas []Replica) (Record, error) {
	if len(replicas) == 0 {
		return Record{}, fmt.Errorf("merge needs at least one replica")
	}
	reps := ordered(replicas)

	var (
		fields ir.Object
		err    error
	)
	if uniq := distinct(reps); len(uniq) == 1 {
		fields = uniq[0].Op.Fields()
	} else {
		switch level {
		case LevelCrisisPlan:
			fields = mergeCrisisPlan(reps)
		case LevelAssessment:
			fields, err = mergeAssessment(uniq, r.window)
		case LevelTherapeuticSession:
			fields = mergeSession(reps)
		case LevelUserAction:
			fields = lwwOrder(reps)[0].Op.Fields()
		case LevelDevicePreference:
			fields = mergeDevicePreference(reps)
		case LevelSubscription:
			fields, err = mergeSubscription(reps)
		default:
			err = fmt.Errorf("unknown resolution level %d", int(level))
		}
		if err != nil {
			return Record{}, err
		}
	}

	clock := model.NewVectorClock()
	sources := make([]string, 0, len(reps))
	for _, rep := range reps {
		clock = model.MergeClocks(clock, rep.Op.Clock())
		sources = append(sources, rep.Op.ID())
	}
	slices.Sort(sources)
	sources = slices.Compact(sources)

	return Record{
		RecordID:   reps[0].Op.RecordID(),
		EntityType: reps[0].Op.EntityType(),
		Fields:     fields,
		Clock:      clock,
		Sources:    sources,
	}, nil
}

// ordered sorts replicas by canonical fields, then device, then ID, so every
// rule sees the same input regardless of arrival order.
func ordered(replicas []Replica) []Replica {
	out := slices.Clone(replicas)
	slices.SortStableFunc(out, func(a, b Replica) int {
		if c := ir.Compare(a.Op.Fields(), b.Op.Fields()); c != 0 {
			return c
		}
		if a.Op.OriginDevice() != b.Op.OriginDevice() {
			if a.Op.OriginDevice() < b.Op.OriginDevice() {
				return -1
			}
			return 1
		}
		switch {
		case a.Op.ID() < b.Op.ID():
			return -1
		case a.Op.ID() > b.Op.ID():
			return 1
		}
		return 0
	})
	return out
}

// distinct keeps the first replica of each distinct field set.
func distinct(replicas []Replica) []Replica {
	seen := make(map[string]bool, len(replicas))
	var out []Replica
	for _, rep := range ordered(replicas) {
		key := string(ir.MustMarshalCanonical(rep.Op.Fields()))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rep)
	}
	return out
}
