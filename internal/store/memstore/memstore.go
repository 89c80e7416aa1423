// Package memstore implements ledger.Store in process memory. Each account has
// its own lock that a transaction holds from LockAccount until it commits or
// rolls back, and writes are staged and applied at commit.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/credits/internal/usage"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorSubjectEntry   = "entry"
	errorSubjectUsage   = "usage"
	errorCodeGet        = "get"
	errorCodeLock       = "lock"
	errorCodeUpdate     = "update"
	errorCodeInsert     = "insert"
)

// Store keeps accounts, ledger entries and usage events in memory.
type Store struct {
	mu          sync.Mutex
	accounts    map[ledger.UserID]ledger.Account
	entries     []ledger.Entry
	usageEvents []usage.Event
	nextEntryID int64
	rowLocks    map[ledger.UserID]*rowLock
}

// rowLock serializes transactions on one account. It lives only while some
// transaction holds or waits for it.
type rowLock struct {
	slot chan struct{}
	refs int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[ledger.UserID]ledger.Account),
		rowLocks: make(map[ledger.UserID]*rowLock),
	}
}

// WithTx runs fn against a transaction view. Staged writes are applied only
// when fn returns nil; held row locks are released on every exit path.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	transaction := &txStore{
		parent:   store,
		held:     make(map[ledger.UserID]*rowLock),
		created:  make(map[ledger.UserID]ledger.Account),
		balances: make(map[ledger.UserID]ledger.Credits),
	}
	defer transaction.release()
	if err := fn(ctx, transaction); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	transaction.commit()
	return nil
}

func (store *Store) EnsureAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	var stored ledger.Account
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		var err error
		stored, err = txStore.EnsureAccount(ctx, account)
		return err
	})
	return stored, err
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	if !ok {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	return account, nil
}

func (store *Store) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var account ledger.Account
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		var err error
		account, err = txStore.LockAccount(ctx, userID)
		return err
	})
	return account, err
}

func (store *Store) UpdateBalance(ctx context.Context, userID ledger.UserID, balance ledger.Credits) error {
	return store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		return txStore.UpdateBalance(ctx, userID, balance)
	})
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	var entry ledger.Entry
	err := store.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		var err error
		entry, err = txStore.InsertEntry(ctx, entryInput)
		return err
	})
	return entry, err
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, page ledger.PageRequest) ([]ledger.Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return paginate(filterEntries(store.entries, userID), page), nil
}

func (store *Store) CountEntries(ctx context.Context, userID ledger.UserID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return int64(len(filterEntries(store.entries, userID))), nil
}

// RecordUsage appends a usage event.
func (store *Store) RecordUsage(ctx context.Context, event usage.Event) error {
	if err := event.Validate(); err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.accounts[event.UserID]; !ok {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, ledger.ErrAccountNotFound)
	}
	store.usageEvents = append(store.usageEvents, event)
	return nil
}

// UsageEvents returns a copy of the recorded usage events.
func (store *Store) UsageEvents() []usage.Event {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]usage.Event(nil), store.usageEvents...)
}

func (store *Store) acquireRowLock(userID ledger.UserID) *rowLock {
	store.mu.Lock()
	defer store.mu.Unlock()
	lock, ok := store.rowLocks[userID]
	if !ok {
		lock = &rowLock{slot: make(chan struct{}, 1)}
		store.rowLocks[userID] = lock
	}
	lock.refs++
	return lock
}

func (store *Store) dropRowLock(userID ledger.UserID, lock *rowLock) {
	store.mu.Lock()
	defer store.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(store.rowLocks, userID)
	}
}

type txStore struct {
	parent   *Store
	held     map[ledger.UserID]*rowLock
	created  map[ledger.UserID]ledger.Account
	balances map[ledger.UserID]ledger.Credits
	entries  []ledger.Entry
	done     bool
}

func (transaction *txStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, transaction)
}

func (transaction *txStore) EnsureAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	if existing, err := transaction.GetAccount(ctx, account.UserID()); err == nil {
		return existing, nil
	}
	transaction.created[account.UserID()] = account
	return account, nil
}

func (transaction *txStore) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	account, ok := transaction.created[userID]
	if !ok {
		transaction.parent.mu.Lock()
		account, ok = transaction.parent.accounts[userID]
		transaction.parent.mu.Unlock()
	}
	if !ok {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
	}
	if balance, staged := transaction.balances[userID]; staged {
		return withBalance(account, balance)
	}
	return account, nil
}

func (transaction *txStore) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	if _, ok := transaction.held[userID]; !ok {
		lock := transaction.parent.acquireRowLock(userID)
		select {
		case lock.slot <- struct{}{}:
			transaction.held[userID] = lock
		case <-ctx.Done():
			transaction.parent.dropRowLock(userID, lock)
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, ctx.Err())
		}
	}
	return transaction.GetAccount(ctx, userID)
}

func (transaction *txStore) UpdateBalance(ctx context.Context, userID ledger.UserID, balance ledger.Credits) error {
	if _, err := transaction.GetAccount(ctx, userID); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	transaction.balances[userID] = balance
	return nil
}

func (transaction *txStore) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	if _, err := transaction.GetAccount(ctx, entryInput.UserID()); err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.ErrAccountNotFound)
	}
	transaction.parent.mu.Lock()
	transaction.parent.nextEntryID++
	entryID := transaction.parent.nextEntryID
	transaction.parent.mu.Unlock()

	entry, err := ledger.NewEntry(
		ledger.EntryID(entryID),
		entryInput.UserID(),
		entryInput.Delta(),
		entryInput.Reason(),
		entryInput.ReferenceID(),
		entryInput.CreatedUnixUTC(),
	)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	transaction.entries = append(transaction.entries, entry)
	return entry, nil
}

func (transaction *txStore) ListEntries(ctx context.Context, userID ledger.UserID, page ledger.PageRequest) ([]ledger.Entry, error) {
	transaction.parent.mu.Lock()
	combined := append(filterEntries(transaction.parent.entries, userID), filterEntries(transaction.entries, userID)...)
	transaction.parent.mu.Unlock()
	return paginate(combined, page), nil
}

func (transaction *txStore) CountEntries(ctx context.Context, userID ledger.UserID) (int64, error) {
	transaction.parent.mu.Lock()
	defer transaction.parent.mu.Unlock()
	return int64(len(filterEntries(transaction.parent.entries, userID)) + len(filterEntries(transaction.entries, userID))), nil
}

func (transaction *txStore) commit() {
	parent := transaction.parent
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for userID, account := range transaction.created {
		if _, exists := parent.accounts[userID]; !exists {
			parent.accounts[userID] = account
		}
	}
	for userID, balance := range transaction.balances {
		account, ok := parent.accounts[userID]
		if !ok {
			continue
		}
		updated, err := withBalance(account, balance)
		if err == nil {
			parent.accounts[userID] = updated
		}
	}
	parent.entries = append(parent.entries, transaction.entries...)
}

func (transaction *txStore) release() {
	if transaction.done {
		return
	}
	transaction.done = true
	for userID, lock := range transaction.held {
		<-lock.slot
		transaction.parent.dropRowLock(userID, lock)
		delete(transaction.held, userID)
	}
}

func withBalance(account ledger.Account, balance ledger.Credits) (ledger.Account, error) {
	return ledger.NewAccount(account.UserID(), account.Email(), account.Name(), balance, account.CreatedUnixUTC())
}

func filterEntries(entries []ledger.Entry, userID ledger.UserID) []ledger.Entry {
	filtered := make([]ledger.Entry, 0)
	for _, entry := range entries {
		if entry.UserID() == userID {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// paginate orders newest first by (created_at, id) and slices one page.
func paginate(entries []ledger.Entry, page ledger.PageRequest) []ledger.Entry {
	sort.SliceStable(entries, func(left, right int) bool {
		if entries[left].CreatedUnixUTC() != entries[right].CreatedUnixUTC() {
			return entries[left].CreatedUnixUTC() > entries[right].CreatedUnixUTC()
		}
		return entries[left].EntryID() > entries[right].EntryID()
	})
	start := page.Offset()
	if start >= len(entries) {
		return []ledger.Entry{}
	}
	end := start + page.Limit()
	if end > len(entries) {
		end = len(entries)
	}
	return entries[start:end]
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
