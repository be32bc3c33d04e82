package fleet

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a control-plane error for propagation decisions.
type ErrorCode string

const (
	// ErrCodeNotFound indicates a missing instance or manifest.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodePolicyRejected indicates validation produced ERROR-severity
	// violations. The error carries the violation list for display.
	ErrCodePolicyRejected ErrorCode = "POLICY_REJECTED"

	// ErrCodeInvalidState indicates the operation is not valid for the
	// instance's current state (e.g. reconcile with no desired manifest).
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"

	// ErrCodeAdapterFailure indicates the underlying infrastructure
	// operation failed.
	ErrCodeAdapterFailure ErrorCode = "ADAPTER_FAILURE"

	// ErrCodeGatewayUnavailable indicates the live channel is unreachable.
	ErrCodeGatewayUnavailable ErrorCode = "GATEWAY_UNAVAILABLE"

	// ErrCodeAgentTimeout indicates the agent did not respond in time.
	ErrCodeAgentTimeout ErrorCode = "AGENT_TIMEOUT"

	// ErrCodeStuckTimeout indicates a transitional state exceeded the
	// liveness threshold.
	ErrCodeStuckTimeout ErrorCode = "STUCK_TIMEOUT"

	// ErrCodeConflict indicates a concurrent-writer conflict (version
	// collision, stale base hash, reconcile already in progress).
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeInternal indicates an unclassified failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error is a classified control-plane error.
type Error struct {
	// Code is the error classification.
	Code ErrorCode `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// InstanceID is the instance the error relates to, if applicable.
	InstanceID string `json:"instance_id,omitempty"`

	// Violations carries policy violations for POLICY_REJECTED errors.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.InstanceID != "" {
		msg = fmt.Sprintf("%s (instance=%s)", msg, e.InstanceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two fleet errors
// match when their codes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithInstance adds instance context to an error.
func (e *Error) WithInstance(instanceID string) *Error {
	e.InstanceID = instanceID
	return e
}

// NewNotFound creates a NOT_FOUND error.
func NewNotFound(message string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: message}
}

// NewPolicyRejected creates a POLICY_REJECTED error carrying the
// ERROR-severity violations that blocked the operation.
func NewPolicyRejected(violations []PolicyViolation) *Error {
	return &Error{
		Code:       ErrCodePolicyRejected,
		Message:    fmt.Sprintf("manifest rejected by policy (%d violations)", len(violations)),
		Violations: violations,
	}
}

// NewInvalidState creates an INVALID_STATE error.
func NewInvalidState(message string) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: message}
}

// NewAdapterFailure creates an ADAPTER_FAILURE error.
func NewAdapterFailure(message string, err error) *Error {
	return &Error{Code: ErrCodeAdapterFailure, Message: message, Err: err}
}

// NewGatewayUnavailable creates a GATEWAY_UNAVAILABLE error.
func NewGatewayUnavailable(message string, err error) *Error {
	return &Error{Code: ErrCodeGatewayUnavailable, Message: message, Err: err}
}

// NewAgentTimeout creates an AGENT_TIMEOUT error.
func NewAgentTimeout(message string, err error) *Error {
	return &Error{Code: ErrCodeAgentTimeout, Message: message, Err: err}
}

// NewStuckTimeout creates a STUCK_TIMEOUT error.
func NewStuckTimeout(message string) *Error {
	return &Error{Code: ErrCodeStuckTimeout, Message: message}
}

// NewConflict creates a CONFLICT error.
func NewConflict(message string, err error) *Error {
	return &Error{Code: ErrCodeConflict, Message: message, Err: err}
}

// NewInternal creates an INTERNAL error.
func NewInternal(message string, err error) *Error {
	return &Error{Code: ErrCodeInternal, Message: message, Err: err}
}

// CodeOf returns the classification of err, or ErrCodeInternal if err is
// not a fleet error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsNotFound returns true if the error is classified NOT_FOUND.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsPolicyRejected returns true if the error is classified POLICY_REJECTED.
func IsPolicyRejected(err error) bool { return hasCode(err, ErrCodePolicyRejected) }

// IsInvalidState returns true if the error is classified INVALID_STATE.
func IsInvalidState(err error) bool { return hasCode(err, ErrCodeInvalidState) }

// IsConflict returns true if the error is classified CONFLICT.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsAgentTimeout returns true if the error is classified AGENT_TIMEOUT.
func IsAgentTimeout(err error) bool { return hasCode(err, ErrCodeAgentTimeout) }

// IsGatewayUnavailable returns true if the error is classified
// GATEWAY_UNAVAILABLE.
func IsGatewayUnavailable(err error) bool { return hasCode(err, ErrCodeGatewayUnavailable) }

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
