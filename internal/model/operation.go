package model

import (
	"fmt"
	"time"

	"github.com/roach88/wellsync/internal/ir"
)

// EntityType is the closed set of clinical record kinds.
type EntityType string

const (
	EntityAssessment     EntityType = "assessment"
	EntityCheckIn        EntityType = "check_in"
	EntityCrisisPlan     EntityType = "crisis_plan"
	EntityUserPreference EntityType = "user_preference"
)

// ParseEntityType validates an entity type name.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(s) {
	case EntityAssessment, EntityCheckIn, EntityCrisisPlan, EntityUserPreference:
		return EntityType(s), nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Payload is opaque clinical data plus the clinical-safety flag.
type Payload struct {
	Fields ir.Object `json:"fields"`

	// CrisisThresholdExceeded is set by the clinical collaborator when the
	// data itself indicates an emergency (e.g. PHQ-9 item 9 positive). It
	// forces CRISIS_EMERGENCY regardless of the caller's hint.
	CrisisThresholdExceeded bool `json:"crisis_threshold_exceeded"`
}

// Params carries everything needed to build an Operation.
type Params struct {
	ID                    string
	EntityType            EntityType
	RecordID              string
	Payload               Payload
	Class                 PriorityClass
	OriginDevice          string
	OriginTimestamp       time.Time
	Clock                 VectorClock
	TherapeuticContinuity bool
	Session               *SessionInfo
}

// Operation is one clinical-data change flowing through the engine.
//
// Fields are read through accessors. The priority class is assigned once in
// New and no component can change it; queues track an effective class of
// their own.
type Operation struct {
	id                    string
	entityType            EntityType
	recordID              string
	payload               Payload
	class                 PriorityClass
	originDevice          string
	originTimestamp       time.Time
	clock                 VectorClock
	therapeuticContinuity bool
	session               *SessionInfo
	sizeBytes             int64
}

// New builds an operation. The payload and clock are deep-copied so later
// mutation by the caller cannot reach operations in flight.
func New(p Params) (*Operation, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("operation id is required")
	}
	if _, err := ParseEntityType(string(p.EntityType)); err != nil {
		return nil, err
	}
	if !p.Class.Valid() {
		return nil, fmt.Errorf("invalid priority class %d", int(p.Class))
	}
	fields := p.Payload.Fields.Clone()
	if fields == nil {
		fields = ir.Object{}
	}
	encoded, err := ir.MarshalCanonical(fields)
	if err != nil {
		return nil, fmt.Errorf("operation %s payload: %w", p.ID, err)
	}
	recordID := p.RecordID
	if recordID == "" {
		recordID = p.ID
	}
	op := &Operation{
		id:                    p.ID,
		entityType:            p.EntityType,
		recordID:              recordID,
		payload:               Payload{Fields: fields, CrisisThresholdExceeded: p.Payload.CrisisThresholdExceeded},
		class:                 p.Class,
		originDevice:          p.OriginDevice,
		originTimestamp:       p.OriginTimestamp,
		clock:                 p.Clock.Clone(),
		therapeuticContinuity: p.TherapeuticContinuity || p.Session != nil,
		sizeBytes:             int64(len(encoded)) + operationOverheadBytes,
	}
	if p.Session != nil {
		s := *p.Session
		op.session = &s
	}
	return op, nil
}

// MustNew is like New but panics on error. Intended for tests.
func MustNew(p Params) *Operation {
	op, err := New(p)
	if err != nil {
		panic(err)
	}
	return op
}

// operationOverheadBytes approximates envelope cost (ids, clock, headers).
const operationOverheadBytes = 256

func (o *Operation) ID() string { return o.id }
func (o *Operation) EntityType() EntityType { return o.entityType }
func (o *Operation) RecordID() string { return o.recordID }
func (o *Operation) Class() PriorityClass { return o.class }
func (o *Operation) OriginDevice() string { return o.originDevice }
func (o *Operation) OriginTimestamp() time.Time { return o.originTimestamp }
func (o *Operation) TherapeuticContinuity() bool { return o.therapeuticContinuity }
func (o *Operation) CrisisThresholdExceeded() bool { return o.payload.CrisisThresholdExceeded }

// SizeBytes is the encoded payload size plus envelope overhead.
func (o *Operation) SizeBytes() int64 { return o.sizeBytes }

// Fields returns a copy of the payload fields.
func (o *Operation) Fields() ir.Object { return o.payload.Fields.Clone() }

// Clock returns a copy of the operation's vector clock.
func (o *Operation) Clock() VectorClock { return o.clock.Clone() }

// Session returns a copy of the session info, or nil.
func (o *Operation) Session() *SessionInfo {
	if o.session == nil {
		return nil
	}
	s := *o.session
	return &s
}

// Params returns the construction parameters, for building a derived
// operation (e.g. a conflict-resolved merge).
func (o *Operation) Params() Params {
	return Params{
		ID:                    o.id,
		EntityType:            o.entityType,
		RecordID:              o.recordID,
		Payload:               Payload{Fields: o.Fields(), CrisisThresholdExceeded: o.payload.CrisisThresholdExceeded},
		Class:                 o.class,
		OriginDevice:          o.originDevice,
		OriginTimestamp:       o.originTimestamp,
		Clock:                 o.Clock(),
		TherapeuticContinuity: o.therapeuticContinuity,
		Session:               o.Session(),
	}
}

// PayloadValue returns the operation as a canonical value for dispatch.
func (o *Operation) PayloadValue() ir.Object {
	obj := ir.Object{
		"id":          ir.String(o.id),
		"entity_type": ir.String(string(o.entityType)),
		"record_id":   ir.String(o.recordID),
		"class":       ir.String(o.class.String()),
		"fields":      o.payload.Fields.Clone(),
		"clock":       o.clock.Value(),
	}
	if o.originDevice != "" {
		obj["origin_device"] = ir.String(o.originDevice)
	}
	if !o.originTimestamp.IsZero() {
		obj["origin_timestamp"] = ir.String(o.originTimestamp.UTC().Format(time.RFC3339Nano))
	}
	return obj
}
