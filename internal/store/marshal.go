package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/wellsync/internal/conflict"
	"github.com/roach88/wellsync/internal/ir"
	"github.com/roach88/wellsync/internal/model"
)

// caseBody is the stored form of a conflict case. Replica operations are kept
// in full so a reviewer sees every competing version.
type caseBody struct {
	ID         string                `json:"id"`
	RecordID   string                `json:"record_id"`
	EntityType model.EntityType      `json:"entity_type"`
	Level      conflict.Level        `json:"level"`
	Rule       conflict.Rule         `json:"rule"`
	State      conflict.State        `json:"state"`
	DetectedAt time.Time             `json:"detected_at"`
	Reason     string                `json:"reason,omitempty"`
	Replicas   []replicaBody         `json:"replicas"`
	Resolved   *recordBody           `json:"resolved,omitempty"`
	Audit      []conflict.Transition `json:"audit"`
}

type replicaBody struct {
	Remote      bool          `json:"remote"`
	Primary     bool          `json:"primary"`
	UserPresent bool          `json:"user_present"`
	Operation   operationBody `json:"operation"`
}

type operationBody struct {
	ID                      string              `json:"id"`
	EntityType              model.EntityType    `json:"entity_type"`
	RecordID                string              `json:"record_id"`
	Fields                  ir.Object           `json:"fields"`
	CrisisThresholdExceeded bool                `json:"crisis_threshold_exceeded"`
	Class                   model.PriorityClass `json:"class"`
	OriginDevice            string              `json:"origin_device,omitempty"`
	OriginTimestamp         time.Time           `json:"origin_timestamp"`
	Clock                   model.VectorClock   `json:"clock"`
	TherapeuticContinuity   bool                `json:"therapeutic_continuity"`
	Session                 *model.SessionInfo  `json:"session,omitempty"`
}

type recordBody struct {
	RecordID   string            `json:"record_id"`
	EntityType model.EntityType  `json:"entity_type"`
	Fields     ir.Object         `json:"fields"`
	Clock      model.VectorClock `json:"clock"`
	Sources    []string          `json:"sources"`
}

// marshalCase converts a case to JSON TEXT for storage.
func marshalCase(c *conflict.Case) (string, error) {
	body := caseBody{
		ID:         c.ID,
		RecordID:   c.RecordID,
		EntityType: c.EntityType,
		Level:      c.Level,
		Rule:       c.Rule,
		State:      c.State,
		DetectedAt: c.DetectedAt,
		Reason:     c.Reason,
		Replicas:   make([]replicaBody, len(c.Replicas)),
		Audit:      c.Audit,
	}
	for i, r := range c.Replicas {
		p := r.Op.Params()
		body.Replicas[i] = replicaBody{
			Remote:      r.Remote,
			Primary:     r.Primary,
			UserPresent: r.UserPresent,
			Operation: operationBody{
				ID:                      p.ID,
				EntityType:              p.EntityType,
				RecordID:                p.RecordID,
				Fields:                  p.Payload.Fields,
				CrisisThresholdExceeded: p.Payload.CrisisThresholdExceeded,
				Class:                   p.Class,
				OriginDevice:            p.OriginDevice,
				OriginTimestamp:         p.OriginTimestamp,
				Clock:                   p.Clock,
				TherapeuticContinuity:   p.TherapeuticContinuity,
				Session:                 p.Session,
			},
		}
	}
	if c.Resolved != nil {
		body.Resolved = &recordBody{
			RecordID:   c.Resolved.RecordID,
			EntityType: c.Resolved.EntityType,
			Fields:     c.Resolved.Fields,
			Clock:      c.Resolved.Clock,
			Sources:    c.Resolved.Sources,
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return "", fmt.Errorf("marshal case %s: %w", c.ID, err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalCase rebuilds a case from its stored JSON TEXT.
func unmarshalCase(data string) (*conflict.Case, error) {
	var body caseBody
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return nil, fmt.Errorf("unmarshal case: %w", err)
	}
	c := &conflict.Case{
		ID:         body.ID,
		RecordID:   body.RecordID,
		EntityType: body.EntityType,
		Level:      body.Level,
		Rule:       body.Rule,
		State:      body.State,
		DetectedAt: body.DetectedAt,
		Reason:     body.Reason,
		Replicas:   make([]conflict.Replica, len(body.Replicas)),
		Audit:      body.Audit,
	}
	for i, r := range body.Replicas {
		o := r.Operation
		if o.Clock.Counters == nil {
			o.Clock.Counters = map[string]uint64{}
		}
		op, err := model.New(model.Params{
			ID:                    o.ID,
			EntityType:            o.EntityType,
			RecordID:              o.RecordID,
			Payload:               model.Payload{Fields: o.Fields, CrisisThresholdExceeded: o.CrisisThresholdExceeded},
			Class:                 o.Class,
			OriginDevice:          o.OriginDevice,
			OriginTimestamp:       o.OriginTimestamp,
			Clock:                 o.Clock,
			TherapeuticContinuity: o.TherapeuticContinuity,
			Session:               o.Session,
		})
		if err != nil {
			return nil, fmt.Errorf("case %s replica %d: %w", body.ID, i, err)
		}
		c.Replicas[i] = conflict.Replica{Op: op, Remote: r.Remote, Primary: r.Primary, UserPresent: r.UserPresent}
	}
	if body.Resolved != nil {
		c.Resolved = &conflict.Record{
			RecordID:   body.Resolved.RecordID,
			EntityType: body.Resolved.EntityType,
			Fields:     body.Resolved.Fields,
			Clock:      body.Resolved.Clock,
			Sources:    body.Resolved.Sources,
		}
	}
	return c, nil
}
