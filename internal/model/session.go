package model

import (
	"fmt"
	"time"
)

// SessionType identifies a timed therapeutic activity.
type SessionType string

const (
	SessionBreathingExercise    SessionType = "breathing_exercise"
	SessionGuidedMeditation     SessionType = "guided_meditation"
	SessionGrounding            SessionType = "grounding"
	SessionAssessmentInProgress SessionType = "assessment_in_progress"
)

// ParseSessionType validates a session type name.
func ParseSessionType(s string) (SessionType, error) {
	switch SessionType(s) {
	case SessionBreathingExercise, SessionGuidedMeditation, SessionGrounding, SessionAssessmentInProgress:
		return SessionType(s), nil
	}
	return "", fmt.Errorf("unknown session type %q", s)
}

// DefaultFlexibilityWindow is how far a session's sync may drift from the
// session's own timing before continuity is visibly broken.
func (t SessionType) DefaultFlexibilityWindow() time.Duration {
	switch t {
	case SessionBreathingExercise, SessionGrounding:
		return time.Second
	case SessionGuidedMeditation:
		return 5 * time.Second
	case SessionAssessmentInProgress:
		return time.Minute
	default:
		return time.Second
	}
}

// SessionInfo is attached to operations that belong to an active session.
type SessionInfo struct {
	ID        string      `json:"id" yaml:"id"`
	Type      SessionType `json:"type" yaml:"type"`
	StartedAt time.Time   `json:"started_at" yaml:"started_at"`

	// PhaseInterval is the length of one session phase (e.g. one breath
	// cycle). Zero means the session has no phase boundaries.
	PhaseInterval time.Duration `json:"phase_interval,omitempty" yaml:"phase_interval,omitempty"`

	// Flexibility overrides the session type's default window when non-zero.
	Flexibility time.Duration `json:"flexibility,omitempty" yaml:"flexibility,omitempty"`
}

// FlexibilityWindow returns the explicit window or the type default.
func (s SessionInfo) FlexibilityWindow() time.Duration {
	if s.Flexibility > 0 {
		return s.Flexibility
	}
	return s.Type.DefaultFlexibilityWindow()
}

// NextPhaseBoundary returns the first phase boundary at or after t.
// Sessions without phases return t.
func (s SessionInfo) NextPhaseBoundary(t time.Time) time.Time {
	if s.PhaseInterval <= 0 || s.StartedAt.IsZero() || t.Before(s.StartedAt) {
		return t
	}
	elapsed := t.Sub(s.StartedAt)
	phases := elapsed / s.PhaseInterval
	boundary := s.StartedAt.Add(phases * s.PhaseInterval)
	if boundary.Before(t) {
		boundary = boundary.Add(s.PhaseInterval)
	}
	return boundary
}
