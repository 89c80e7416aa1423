package ledger

import (
	"context"
	"fmt"
	"math"
)

// Service contains the credit operations over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Deduct debits amount under an exclusive account lock and returns the new balance.
func (service *Service) Deduct(ctx context.Context, userID UserID, amount int64, reason Reason, referenceID ReferenceID) (Credits, error) {
	var newBalance Credits
	positiveAmount, operationError := NewPositiveCredits(amount)
	if operationError == nil {
		newBalance, operationError = service.applyDelta(ctx, userID, positiveAmount.ToDelta().Negated(), reason, referenceID)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationDeduct,
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		Balance:     newBalance,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// Add credits amount under an exclusive account lock and returns the new balance.
func (service *Service) Add(ctx context.Context, userID UserID, amount int64, reason Reason, referenceID ReferenceID) (Credits, error) {
	var newBalance Credits
	positiveAmount, operationError := NewPositiveCredits(amount)
	if operationError == nil {
		newBalance, operationError = service.applyDelta(ctx, userID, positiveAmount.ToDelta(), reason, referenceID)
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationAdd,
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		Balance:     newBalance,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// Refund compensates a prior Deduct whose paid action failed. It never returns
// an error: non-positive amounts are a no-op, and missing accounts or store
// failures are reported to the operation logger and yield a zero balance.
func (service *Service) Refund(ctx context.Context, userID UserID, amount int64, reason Reason, referenceID ReferenceID) Credits {
	positiveAmount, err := NewPositiveCredits(amount)
	if err != nil {
		return 0
	}
	newBalance, operationError := service.applyDelta(ctx, userID, positiveAmount.ToDelta(), reason, referenceID)
	service.logOperation(ctx, OperationLog{
		Operation:   OperationRefund,
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		Balance:     newBalance,
		Error:       operationError,
	})
	if operationError != nil {
		return 0
	}
	return newBalance
}

// Balance returns the current balance of the account.
func (service *Service) Balance(ctx context.Context, userID UserID) (Credits, error) {
	account, err := service.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance(), nil
}

// EnsureAccount creates the account with the initial grant on first sight and
// returns the stored account otherwise.
func (service *Service) EnsureAccount(ctx context.Context, userID UserID, email string, name string) (Account, error) {
	initialBalance, err := NewCredits(InitialGrantCredits)
	if err != nil {
		return Account{}, err
	}
	candidate, err := NewAccount(userID, email, name, initialBalance, service.nowFn())
	if err != nil {
		return Account{}, err
	}
	account, operationError := service.store.EnsureAccount(ctx, candidate)
	if operationError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: OperationEnsureAccount,
			UserID:    userID,
			Error:     operationError,
		})
		return Account{}, operationError
	}
	return account, nil
}

// ListEntries returns one newest-first page of the user's ledger together with
// the total number of entries.
func (service *Service) ListEntries(ctx context.Context, userID UserID, page int, limit int) (EntryPage, error) {
	pageRequest, err := NewPageRequest(page, limit)
	if err != nil {
		return EntryPage{}, err
	}
	if _, err := service.store.GetAccount(ctx, userID); err != nil {
		return EntryPage{}, err
	}
	items, err := service.store.ListEntries(ctx, userID, pageRequest)
	if err != nil {
		return EntryPage{}, err
	}
	total, err := service.store.CountEntries(ctx, userID)
	if err != nil {
		return EntryPage{}, err
	}
	return EntryPage{
		Items: items,
		Total: total,
		Page:  pageRequest.Page(),
		Limit: pageRequest.Limit(),
	}, nil
}

// applyDelta runs lock, check, write and append as one transaction.
func (service *Service) applyDelta(ctx context.Context, userID UserID, delta Delta, reason Reason, referenceID ReferenceID) (Credits, error) {
	var newBalance Credits
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		current := account.Balance().Int64()
		if delta > 0 && current > math.MaxInt64-delta.Int64() {
			return fmt.Errorf("%w: balance would overflow", ErrInvalidAmount)
		}
		updatedBalance, err := NewCredits(current + delta.Int64())
		if err != nil {
			return ErrInsufficientBalance
		}
		entryInput, err := NewEntryInput(userID, delta, reason, referenceID, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateBalance(ctx, userID, updatedBalance); err != nil {
			return err
		}
		if _, err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		newBalance = updatedBalance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

