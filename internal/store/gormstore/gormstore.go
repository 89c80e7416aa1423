package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/usage"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	errorOperationStore = "store"
	errorSubjectAccount = "account"
	errorSubjectEntry   = "entry"
	errorSubjectUsage   = "usage"
	errorCodeCreate     = "create"
	errorCodeCount      = "count"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeLock       = "lock"
	errorCodeUpdate     = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// EnsureAccount inserts the account unless a row with the same id exists and
// returns the stored row either way.
func (store *Store) EnsureAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	createdAt := time.Unix(account.CreatedUnixUTC(), 0).UTC()
	model := User{
		ID:             account.UserID().String(),
		Email:          account.Email(),
		Name:           account.Name(),
		CreditsBalance: account.Balance().Int64(),
		IsActive:       true,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.GetAccount(ctx, account.UserID())
}

func (store *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.takeAccount(store.db.WithContext(ctx), userID, errorCodeGet)
}

// LockAccount selects the user row FOR UPDATE. SQLite has no row locks and
// serialises writers at the database level instead.
func (store *Store) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return store.takeAccount(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID, errorCodeLock)
}

func (store *Store) UpdateBalance(ctx context.Context, userID ledger.UserID, balance ledger.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID.String()).
		Updates(map[string]interface{}{
			"credits_balance": balance.Int64(),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	row := CreditLedgerEntry{
		UserID:      entryInput.UserID().String(),
		Delta:       entryInput.Delta().Int64(),
		Reason:      entryInput.Reason().String(),
		ReferenceID: entryInput.ReferenceID().String(),
		CreatedAt:   time.Unix(entryInput.CreatedUnixUTC(), 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) ListEntries(ctx context.Context, userID ledger.UserID, page ledger.PageRequest) ([]ledger.Entry, error) {
	var rows []CreditLedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Offset(page.Offset()).
		Limit(page.Limit()).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CountEntries(ctx context.Context, userID ledger.UserID) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).
		Model(&CreditLedgerEntry{}).
		Where("user_id = ?", userID.String()).
		Count(&total).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return total, nil
}

// RecordUsage appends a usage event.
func (store *Store) RecordUsage(ctx context.Context, event usage.Event) error {
	if err := event.Validate(); err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	row := UsageEvent{
		UserID:        event.UserID.String(),
		Service:       event.Service,
		Endpoint:      event.Endpoint,
		LatencyMillis: event.LatencyMillis,
		Success:       event.Success,
		CostUSD:       event.CostUSD,
		Metadata:      datatypes.JSON([]byte(event.MetadataJSON)),
		CreatedAt:     time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) takeAccount(query *gorm.DB, userID ledger.UserID, code string) (ledger.Account, error) {
	var model User
	err := query.Where("id = ?", userID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	account, err := mapUser(model)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapUser(model User) (ledger.Account, error) {
	userID, err := ledger.NewUserID(model.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	balance, err := ledger.NewCredits(model.CreditsBalance)
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.NewAccount(userID, model.Email, model.Name, balance, model.CreatedAt.Unix())
}

func mapLedgerEntry(row CreditLedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.ID)
	if err != nil {
		return ledger.Entry{}, err
	}
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Entry{}, err
	}
	delta, err := ledger.NewDelta(row.Delta)
	if err != nil {
		return ledger.Entry{}, err
	}
	reason, err := ledger.NewReason(row.Reason)
	if err != nil {
		return ledger.Entry{}, err
	}
	referenceID, err := ledger.NewReferenceID(row.ReferenceID)
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(entryID, userID, delta, reason, referenceID, row.CreatedAt.Unix())
}
