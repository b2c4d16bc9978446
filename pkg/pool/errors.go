package pool

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the pool services and stores.
var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountExists          = errors.New("account already exists")
	ErrUnknownReservation     = errors.New("unknown reservation")
	ErrReservationExists      = errors.New("reservation already exists")
	ErrPreconditionFailed     = errors.New("precondition failed")
	ErrInvalidTransition      = errors.New("invalid account transition")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidAccountStatus   = errors.New("invalid account status")
	ErrInvalidReservationID   = errors.New("invalid reservation id")
	ErrInvalidReservationName = errors.New("invalid reservation name")
	ErrInvalidAccountCount    = errors.New("invalid account count")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidMessage         = errors.New("invalid queue message")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsPreconditionFailed reports whether err means a conditional write lost a race.
func IsPreconditionFailed(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}

// IsNotFound reports whether err means the addressed record is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrUnknownReservation)
}
