package model

import "fmt"

// PriorityClass orders operations for dispatch. Lower values are more urgent.
type PriorityClass int

const (
	PriorityCrisisEmergency PriorityClass = iota
	PriorityCriticalSafety
	PriorityHighClinical
	PriorityMediumUser
	PriorityLowSync
	PriorityBackground
)

// NumPriorityClasses is the number of defined classes.
const NumPriorityClasses = int(PriorityBackground) + 1

// AllPriorityClasses lists classes from most to least urgent.
var AllPriorityClasses = []PriorityClass{
	PriorityCrisisEmergency,
	PriorityCriticalSafety,
	PriorityHighClinical,
	PriorityMediumUser,
	PriorityLowSync,
	PriorityBackground,
}

func (p PriorityClass) String() string {
	switch p {
	case PriorityCrisisEmergency:
		return "CRISIS_EMERGENCY"
	case PriorityCriticalSafety:
		return "CRITICAL_SAFETY"
	case PriorityHighClinical:
		return "HIGH_CLINICAL"
	case PriorityMediumUser:
		return "MEDIUM_USER"
	case PriorityLowSync:
		return "LOW_SYNC"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return fmt.Sprintf("PriorityClass(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined classes.
func (p PriorityClass) Valid() bool {
	return p >= PriorityCrisisEmergency && p <= PriorityBackground
}

// IsCrisis reports whether p is the emergency class.
func (p PriorityClass) IsCrisis() bool {
	return p == PriorityCrisisEmergency
}

// Outranks reports whether p is strictly more urgent than other.
func (p PriorityClass) Outranks(other PriorityClass) bool {
	return p < other
}

// Promote returns the next more urgent class. Promotion never reaches
// CRISIS_EMERGENCY: a queued operation cannot become a crisis by waiting.
func (p PriorityClass) Promote() PriorityClass {
	if p <= PriorityCriticalSafety {
		return p
	}
	return p - 1
}

// ParsePriorityClass parses the wire name of a class.
func ParsePriorityClass(s string) (PriorityClass, error) {
	for _, p := range AllPriorityClasses {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority class %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p PriorityClass) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority class %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PriorityClass) UnmarshalText(b []byte) error {
	v, err := ParsePriorityClass(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
