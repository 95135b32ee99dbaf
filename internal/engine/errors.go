package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a programmer error detected while applying a
// locally originated op.
//
// Runtime errors include:
//   - Causality violation: a declared prev op has not been applied
//   - Invalid target: an undo would target an undo or redo op
//   - Unsupported class: the object's model does not accept the op
//   - Invalid op: the op is for another object or fails validation
//
// The op is neither saved nor applied when one of these is returned.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Object is the hash of the replicated object.
	Object string

	// Op is the hash of the offending op, when it could be computed.
	Op string

	// Details contains additional context.
	Details map[string]string

	// Cause is the model error behind an invalid op, if any.
	Cause error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeCausalityViolation indicates a declared prev op is not applied.
	ErrCodeCausalityViolation RuntimeErrorCode = "CAUSALITY_VIOLATION"

	// ErrCodeInvalidTarget indicates an invalidation of an invalidation.
	ErrCodeInvalidTarget RuntimeErrorCode = "INVALID_TARGET"

	// ErrCodeUnsupportedClass indicates the model does not accept the class.
	ErrCodeUnsupportedClass RuntimeErrorCode = "UNSUPPORTED_CLASS"

	// ErrCodeInvalidOp indicates the op failed validation.
	ErrCodeInvalidOp RuntimeErrorCode = "INVALID_OP"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (object=%s, op=%s)", e.Code, e.Message, e.Object, e.Op)
	}
	return fmt.Sprintf("%s: %s (object=%s)", e.Code, e.Message, e.Object)
}

// Unwrap returns the underlying model error.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// IsCausalityError returns true if the error is a causality violation.
// Uses errors.As to handle wrapped errors.
func IsCausalityError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeCausalityViolation
	}
	return false
}

// IsInvalidTargetError returns true if the error is an invalid
// invalidation target.
func IsInvalidTargetError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeInvalidTarget
	}
	return false
}

// IsUnsupportedClassError returns true if the model rejected the class.
func IsUnsupportedClassError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeUnsupportedClass
	}
	return false
}

// NewCausalityError creates a RuntimeError for unapplied prev ops.
func NewCausalityError(object, opHash string, missing []string) *RuntimeError {
	details := make(map[string]string, len(missing))
	for i, m := range missing {
		details[fmt.Sprintf("missing_%d", i)] = m
	}
	return &RuntimeError{
		Code:    ErrCodeCausalityViolation,
		Message: fmt.Sprintf("%d declared prev op(s) not applied", len(missing)),
		Object:  object,
		Op:      opHash,
		Details: details,
	}
}

// NewInvalidTargetError creates a RuntimeError for an invalidation whose
// target it may not invalidate. cause wraps op.ErrInvalidTarget.
func NewInvalidTargetError(object, opHash, targetOp string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeInvalidTarget,
		Message: cause.Error(),
		Object:  object,
		Op:      opHash,
		Details: map[string]string{"target_op": targetOp},
		Cause:   cause,
	}
}
