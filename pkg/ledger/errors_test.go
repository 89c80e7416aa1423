package ledger

import (
	"errors"
	"testing"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	wrappedError := WrapError("store", "account", "lock", ErrAccountNotFound)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	if wrappedError.Error() != "store.account.lock: account not found" {
		test.Fatalf("unexpected message %q", wrappedError.Error())
	}
	if !errors.Is(wrappedError, ErrAccountNotFound) {
		test.Fatalf("expected wrapped error to match ErrAccountNotFound")
	}
	var operationError OperationError
	if !errors.As(wrappedError, &operationError) {
		test.Fatalf("expected OperationError")
	}
	if operationError.Operation() != "store" || operationError.Subject() != "account" || operationError.Code() != "lock" {
		test.Fatalf("unexpected metadata %+v", operationError)
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError("store", "entry", "insert", nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}
