package tensor

import (
	"errors"
	"fmt"
)

// Error kinds raised by the operator dispatch core. Every failure is
// terminal for the call that raised it and is reported before any
// device-side work is submitted. Match with errors.Is.
var (
	// ErrShapeMismatch: operand dimensions inconsistent with the
	// operator's contract.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrPrecondition: valid shapes but an unmet structural requirement
	// (non-contiguous input to a fused kernel, unsupported head
	// dimension, ...).
	ErrPrecondition = errors.New("precondition violation")

	// ErrUnsupportedDType: element type outside the operator's
	// supported set.
	ErrUnsupportedDType = errors.New("unsupported dtype")

	// ErrBackendUnsupported: the operator has no implementation on the
	// invoking backend.
	ErrBackendUnsupported = errors.New("backend unsupported")

	// ErrBackendFailure: the underlying device/driver call reported an
	// error. The driver error stays in the chain.
	ErrBackendFailure = errors.New("backend failure")
)

// ShapeErrf returns an ErrShapeMismatch with a formatted detail message.
func ShapeErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}

// PreconditionErrf returns an ErrPrecondition with a formatted detail message.
func PreconditionErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

// DTypeErrf returns an ErrUnsupportedDType with a formatted detail message.
func DTypeErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDType, fmt.Sprintf(format, args...))
}

// BackendErrf returns an ErrBackendUnsupported with a formatted detail message.
func BackendErrf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBackendUnsupported, fmt.Sprintf(format, args...))
}

// backendFailure carries both the ErrBackendFailure kind and the
// verbatim driver error so callers can inspect either.
type backendFailure struct {
	msg   string
	cause error
}

func (e *backendFailure) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("backend failure: %s", e.msg)
	}
	return fmt.Sprintf("backend failure: %s: %v", e.msg, e.cause)
}

func (e *backendFailure) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrBackendFailure}
	}
	return []error{ErrBackendFailure, e.cause}
}

// WrapBackendFailure wraps a device/driver error as an ErrBackendFailure,
// keeping the underlying error reachable via errors.Is/As.
func WrapBackendFailure(cause error, format string, args ...any) error {
	return &backendFailure{msg: fmt.Sprintf(format, args...), cause: cause}
}
