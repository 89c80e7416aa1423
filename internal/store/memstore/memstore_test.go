package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/usage"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

func TestConcurrentDeductsNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := New()
	service := mustNewService(test, store)
	userID := mustSeedAccount(test, store, "u1", 60)

	reason := mustReason(test, "ai_image_generation")
	const workers = 2
	results := make(chan error, workers)
	var start sync.WaitGroup
	start.Add(1)
	for index := 0; index < workers; index++ {
		go func() {
			start.Wait()
			_, err := service.Deduct(context.Background(), userID, 50, reason, ledger.ReferenceID{})
			results <- err
		}()
	}
	start.Done()

	var succeeded, insufficient int
	for index := 0; index < workers; index++ {
		err := <-results
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			insufficient++
		default:
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || insufficient != 1 {
		test.Fatalf("expected one success and one insufficient balance, got %d and %d", succeeded, insufficient)
	}
	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		test.Fatalf("expected balance 10, got %d", balance)
	}
	total, err := store.CountEntries(context.Background(), userID)
	if err != nil {
		test.Fatalf("count: %v", err)
	}
	if total != 1 {
		test.Fatalf("expected exactly one ledger entry, got %d", total)
	}
}

func TestManyConcurrentOperationsKeepBalanceEqualToLedgerSum(test *testing.T) {
	test.Parallel()
	store := New()
	service := mustNewService(test, store)
	userID := mustSeedAccount(test, store, "u1", ledger.InitialGrantCredits)

	deductReason := mustReason(test, "ai_text_generation")
	addReason := mustReason(test, "top_up")
	refundReason := mustReason(test, "refund:ai_text_generation_failed")
	var group sync.WaitGroup
	for index := 0; index < 40; index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			switch index % 3 {
			case 0:
				_, _ = service.Deduct(context.Background(), userID, 7, deductReason, ledger.ReferenceID{})
			case 1:
				_, _ = service.Add(context.Background(), userID, 3, addReason, ledger.ReferenceID{})
			default:
				service.Refund(context.Background(), userID, 2, refundReason, ledger.ReferenceID{})
			}
		}(index)
	}
	group.Wait()

	balance, err := service.Balance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	page, err := service.ListEntries(context.Background(), userID, 1, ledger.MaxPageLimit)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	sum := ledger.InitialGrantCredits
	for _, entry := range page.Items {
		sum += entry.Delta().Int64()
	}
	if balance.Int64() != sum {
		test.Fatalf("expected balance %d to equal grant plus ledger sum %d", balance, sum)
	}
	if balance < 0 {
		test.Fatalf("balance went negative: %d", balance)
	}
}

func TestLockWaitHonoursContextCancellation(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustSeedAccount(test, store, "u1", 10)

	locked := make(chan struct{})
	releaseHolder := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
			if _, err := txStore.LockAccount(ctx, userID); err != nil {
				return err
			}
			close(locked)
			<-releaseHolder
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		_, err := txStore.LockAccount(ctx, userID)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		test.Fatalf("expected deadline exceeded while waiting for the row lock, got %v", err)
	}
	close(releaseHolder)
	if err := <-holderDone; err != nil {
		test.Fatalf("holder transaction: %v", err)
	}
}

func TestRowLocksAreDroppedWhenIdle(test *testing.T) {
	test.Parallel()
	store := New()
	service := mustNewService(test, store)
	userID := mustSeedAccount(test, store, "u1", 100)
	reason := mustReason(test, "ai_text_generation")

	var group sync.WaitGroup
	for index := 0; index < 20; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_, _ = service.Deduct(context.Background(), userID, 1, reason, ledger.ReferenceID{})
		}()
	}
	group.Wait()
	for index := 0; index < 50; index++ {
		ghost, err := ledger.NewUserID(fmt.Sprintf("ghost-%d", index))
		if err != nil {
			test.Fatalf("user id: %v", err)
		}
		if _, err := service.Deduct(context.Background(), ghost, 1, reason, ledger.ReferenceID{}); !errors.Is(err, ledger.ErrAccountNotFound) {
			test.Fatalf("expected account not found, got %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	holder := make(chan struct{})
	releaseHolder := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
			if _, err := txStore.LockAccount(ctx, userID); err != nil {
				return err
			}
			close(holder)
			<-releaseHolder
			return nil
		})
	}()
	<-holder
	if err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		_, err := txStore.LockAccount(ctx, userID)
		return err
	}); !errors.Is(err, context.Canceled) {
		test.Fatalf("expected cancelled lock wait, got %v", err)
	}
	close(releaseHolder)
	if err := <-holderDone; err != nil {
		test.Fatalf("holder transaction: %v", err)
	}

	store.mu.Lock()
	remaining := len(store.rowLocks)
	store.mu.Unlock()
	if remaining != 0 {
		test.Fatalf("expected no idle row locks, got %d", remaining)
	}
}

func TestDifferentAccountsDoNotContend(test *testing.T) {
	test.Parallel()
	store := New()
	first := mustSeedAccount(test, store, "u1", 10)
	second := mustSeedAccount(test, store, "u2", 10)

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.LockAccount(ctx, first); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return store.WithTx(ctx, func(ctx context.Context, nested ledger.Store) error {
			_, err := nested.LockAccount(ctx, second)
			return err
		})
	})
	if err != nil {
		test.Fatalf("expected independent locks, got %v", err)
	}
}

func TestRollbackDiscardsStagedWrites(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustSeedAccount(test, store, "u1", 10)
	rollbackError := errors.New("rollback")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		if err := txStore.UpdateBalance(ctx, userID, 99); err != nil {
			return err
		}
		entryInput, err := ledger.NewEntryInput(userID, 89, mustReason(test, "top_up"), ledger.ReferenceID{}, 1)
		if err != nil {
			return err
		}
		if _, err := txStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		return rollbackError
	})
	if !errors.Is(err, rollbackError) {
		test.Fatalf("expected rollback error, got %v", err)
	}
	account, err := store.GetAccount(context.Background(), userID)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	if account.Balance() != 10 {
		test.Fatalf("expected balance 10, got %d", account.Balance())
	}
	if total, _ := store.CountEntries(context.Background(), userID); total != 0 {
		test.Fatalf("expected no entries, got %d", total)
	}
}

func TestEnsureAccountKeepsExistingBalance(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustSeedAccount(test, store, "u1", 5)
	candidate, err := ledger.NewAccount(userID, "u1@example.com", "u1", 100, 2)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	stored, err := store.EnsureAccount(context.Background(), candidate)
	if err != nil {
		test.Fatalf("ensure: %v", err)
	}
	if stored.Balance() != 5 {
		test.Fatalf("expected existing balance 5, got %d", stored.Balance())
	}
}

func TestListEntriesNewestFirst(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustSeedAccount(test, store, "u1", 0)
	for index, createdAt := range []int64{10, 30, 20, 30} {
		entryInput, err := ledger.NewEntryInput(userID, ledger.Delta(index+1), mustReason(test, "top_up"), ledger.ReferenceID{}, createdAt)
		if err != nil {
			test.Fatalf("entry input: %v", err)
		}
		if _, err := store.InsertEntry(context.Background(), entryInput); err != nil {
			test.Fatalf("insert: %v", err)
		}
	}
	page, err := ledger.NewPageRequest(1, 3)
	if err != nil {
		test.Fatalf("page: %v", err)
	}
	entries, err := store.ListEntries(context.Background(), userID, page)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	got := []int64{entries[0].Delta().Int64(), entries[1].Delta().Int64(), entries[2].Delta().Int64()}
	want := []int64{4, 2, 3}
	for index := range want {
		if got[index] != want[index] {
			test.Fatalf("expected deltas %v, got %v", want, got)
		}
	}
}

func TestRecordUsageRequiresAccount(test *testing.T) {
	test.Parallel()
	store := New()
	userID := mustSeedAccount(test, store, "u1", 0)
	if err := store.RecordUsage(context.Background(), usage.Event{UserID: userID, Service: "ai", Endpoint: "generate-text"}); err != nil {
		test.Fatalf("record usage: %v", err)
	}
	ghost, err := ledger.NewUserID("ghost")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	err = store.RecordUsage(context.Background(), usage.Event{UserID: ghost, Service: "ai", Endpoint: "generate-text"})
	if !errors.Is(err, ledger.ErrAccountNotFound) {
		test.Fatalf("expected account not found, got %v", err)
	}
	if len(store.UsageEvents()) != 1 {
		test.Fatalf("expected one usage event, got %d", len(store.UsageEvents()))
	}
}

func mustNewService(test *testing.T, store ledger.Store) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustSeedAccount(test *testing.T, store *Store, raw string, balance int64) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	account, err := ledger.NewAccount(userID, raw+"@example.com", raw, ledger.Credits(balance), 1)
	if err != nil {
		test.Fatalf("account: %v", err)
	}
	if _, err := store.EnsureAccount(context.Background(), account); err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	return userID
}

func mustReason(test *testing.T, raw string) ledger.Reason {
	test.Helper()
	reason, err := ledger.NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return reason
}
