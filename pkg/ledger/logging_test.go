package ledger

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsDeductOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.mustSeedAccount(test, "user-1", 100)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))
	reason := mustReason(test, "ai_text_generation")
	referenceID := mustReferenceID(test, "ref-1")

	if _, err := service.Deduct(context.Background(), userID, 2, reason, referenceID); err != nil {
		test.Fatalf("deduct failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != OperationDeduct || entry.UserID != userID || entry.Amount != 2 || entry.Reason != reason || entry.ReferenceID != referenceID {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Balance != 98 || entry.Error != nil || entry.Status != OperationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.mustSeedAccount(test, "user-1", 1)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	if _, err := service.Deduct(context.Background(), userID, 8, mustReason(test, "ai_image_generation"), ReferenceID{}); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != OperationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}

func TestServiceLogsRefundAndAdd(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	userID := store.mustSeedAccount(test, "user-1", 10)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	service.Refund(context.Background(), userID, 3, mustReason(test, "refund:ai_refine_failed"), ReferenceID{})
	if _, err := service.Add(context.Background(), userID, 5, mustReason(test, "top_up"), ReferenceID{}); err != nil {
		test.Fatalf("add failed: %v", err)
	}
	if len(logger.entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(logger.entries))
	}
	if logger.entries[0].Operation != OperationRefund || logger.entries[0].Balance != 13 {
		test.Fatalf("unexpected refund log entry: %+v", logger.entries[0])
	}
	if logger.entries[1].Operation != OperationAdd || logger.entries[1].Balance != 18 {
		test.Fatalf("unexpected add log entry: %+v", logger.entries[1])
	}
}
