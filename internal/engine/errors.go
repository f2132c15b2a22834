package engine

import (
	"errors"
	"fmt"
)

// OrchestrationError is an error surfaced by the engine to its callers.
//
// Every error that reaches a caller carries a Code. Crisis failures also set
// EscalationRequired: the caller must show the safety fallback and the
// failure is never retried silently.
type OrchestrationError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// OperationID identifies the affected operation, if any.
	OperationID string

	// EscalationRequired marks crisis operations whose guarantee failed.
	EscalationRequired bool

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes orchestration errors.
type ErrorCode string

const (
	// ErrCodeDeadlineExceeded indicates a crisis operation missed its deadline.
	ErrCodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"

	// ErrCodeResourceExhausted indicates the tier budget cannot admit work.
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// ErrCodeConflictAmbiguous indicates a conflict needing human review.
	ErrCodeConflictAmbiguous ErrorCode = "CONFLICT_AMBIGUOUS"

	// ErrCodeHandoffFailed indicates a session handoff did not complete.
	ErrCodeHandoffFailed ErrorCode = "HANDOFF_FAILED"

	// ErrCodeTransientNetwork indicates a retryable dispatch failure.
	ErrCodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// ErrCodeNotCancellable indicates a cancel of a crisis or dispatched operation.
	ErrCodeNotCancellable ErrorCode = "NOT_CANCELLABLE"

	// ErrCodeNotFound indicates an unknown operation ID.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidOperation indicates a submission that failed validation.
	ErrCodeInvalidOperation ErrorCode = "INVALID_OPERATION"
)

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OperationID != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.OperationID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first OrchestrationError in err's chain,
// or "" when there is none.
func CodeOf(err error) ErrorCode {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsDeadlineExceeded returns true for crisis deadline failures.
func IsDeadlineExceeded(err error) bool {
	return CodeOf(err) == ErrCodeDeadlineExceeded
}

// IsResourceExhausted returns true when the budget could not admit work.
func IsResourceExhausted(err error) bool {
	return CodeOf(err) == ErrCodeResourceExhausted
}

// IsHandoffFailed returns true for failed session handoffs.
func IsHandoffFailed(err error) bool {
	return CodeOf(err) == ErrCodeHandoffFailed
}

// IsNotCancellable returns true when a cancel was refused.
func IsNotCancellable(err error) bool {
	return CodeOf(err) == ErrCodeNotCancellable
}

// IsNotFound returns true for unknown operation IDs.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsEscalationRequired returns true when the caller must escalate to a
// human (crisis failures).
func IsEscalationRequired(err error) bool {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.EscalationRequired
	}
	return false
}

// NewDeadlineError creates the error for a crisis operation that missed its
// deadline.
func NewDeadlineError(opID string, cause error) *OrchestrationError {
	return &OrchestrationError{
		Code:               ErrCodeDeadlineExceeded,
		Message:            "crisis operation was not acknowledged within its deadline",
		OperationID:        opID,
		EscalationRequired: true,
		Err:                cause,
	}
}

// NewHandoffError creates the error for a failed handoff.
func NewHandoffError(sessionID, reason string, cause error) *OrchestrationError {
	return &OrchestrationError{
		Code:    ErrCodeHandoffFailed,
		Message: fmt.Sprintf("handoff of session %s failed: %s", sessionID, reason),
		Err:     cause,
	}
}

func newNotFoundError(opID string) *OrchestrationError {
	return &OrchestrationError{
		Code:        ErrCodeNotFound,
		Message:     "no queued operation with this id",
		OperationID: opID,
	}
}

func newNotCancellableError(opID, reason string) *OrchestrationError {
	return &OrchestrationError{
		Code:        ErrCodeNotCancellable,
		Message:     reason,
		OperationID: opID,
	}
}
