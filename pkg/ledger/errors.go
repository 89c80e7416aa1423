package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidEntryID       = errors.New("invalid entry id")
	ErrInvalidDelta         = errors.New("invalid delta")
	ErrInvalidBalance       = errors.New("invalid balance")
	ErrInvalidReason        = errors.New("invalid reason")
	ErrInvalidReferenceID   = errors.New("invalid reference id")
	ErrInvalidPage          = errors.New("invalid page")
	ErrInvalidLimit         = errors.New("invalid limit")
	ErrInvalidServiceConfig = errors.New("invalid service config")
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

// IsClientError reports whether err stems from caller input or business rules
// rather than infrastructure.
func IsClientError(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidUserID),
		errors.Is(err, ErrInvalidReason),
		errors.Is(err, ErrInvalidReferenceID),
		errors.Is(err, ErrInvalidPage),
		errors.Is(err, ErrInvalidLimit):
		return true
	default:
		return false
	}
}
