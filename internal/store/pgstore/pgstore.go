package pgstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/MarkoPoloResearchLab/credits/internal/usage"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgForeignKeyViolationCode = "23503"
	errorOperationStore       = "store"
	errorSubjectAccount       = "account"
	errorSubjectEntry         = "entry"
	errorSubjectTransaction   = "transaction"
	errorSubjectUsage         = "usage"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeCount            = "count"
	errorCodeCreate           = "create"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeUpdate           = "update"

	sqlInsertAccount = `
		insert into users(id, email, name, credits_balance, is_active, created_at, updated_at)
		values ($1, $2, $3, $4, true, to_timestamp($5), to_timestamp($5))
		on conflict (id) do nothing
	`

	sqlSelectAccount = `
		select id, email, name, credits_balance, extract(epoch from created_at)::bigint
		from users
		where id = $1
	`

	sqlSelectAccountForUpdate = `
		select id, email, name, credits_balance, extract(epoch from created_at)::bigint
		from users
		where id = $1
		for update
	`

	sqlUpdateBalance = `
		update users
		set credits_balance = $2, updated_at = now()
		where id = $1
	`

	sqlInsertEntry = `
		insert into credit_ledger(user_id, delta, reason, reference_id, created_at)
		values ($1, $2, $3, $4, to_timestamp($5))
		returning id
	`

	sqlListEntries = `
		select id, user_id, delta, reason, reference_id, extract(epoch from created_at)::bigint
		from credit_ledger
		where user_id = $1
		order by created_at desc, id desc
		limit $2 offset $3
	`

	sqlCountEntries = `
		select count(*) from credit_ledger where user_id = $1
	`

	sqlInsertUsage = `
		insert into usage_events(user_id, service, endpoint, latency_ms, success, cost_usd, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, $7::jsonb, to_timestamp($8))
	`
)

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.Store over database/sql with the pgx driver (autocommit).
type Store struct {
	queries
	sqlDB *sql.DB
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db DBTX
}

// New returns a Store backed by db.
func New(db *sql.DB) *Store {
	return &Store{queries: queries{db: db}, sqlDB: db}
}

// WithTx begins a transaction, runs fn and commits on success. It rolls back
// on error or panic; panics are rethrown.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) (err error) {
	tx, err := store.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			_ = tx.Rollback()
			panic(recovered)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = wrapStoreError(errorSubjectTransaction, errorCodeCommit, commitErr)
		}
	}()

	err = fn(ctx, &TxStore{queries: queries{db: tx}})
	return err
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (q queries) EnsureAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	_, err := q.db.ExecContext(ctx, sqlInsertAccount,
		account.UserID().String(),
		account.Email(),
		account.Name(),
		account.Balance().Int64(),
		account.CreatedUnixUTC(),
	)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return q.GetAccount(ctx, account.UserID())
}

func (q queries) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return q.selectAccount(ctx, sqlSelectAccount, userID, errorCodeGet)
}

func (q queries) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return q.selectAccount(ctx, sqlSelectAccountForUpdate, userID, errorCodeLock)
}

func (q queries) UpdateBalance(ctx context.Context, userID ledger.UserID, balance ledger.Credits) error {
	result, err := q.db.ExecContext(ctx, sqlUpdateBalance, userID.String(), balance.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if affected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

func (q queries) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) (ledger.Entry, error) {
	var entryIDValue int64
	err := q.db.QueryRowContext(ctx, sqlInsertEntry,
		entryInput.UserID().String(),
		entryInput.Delta().Int64(),
		entryInput.Reason().String(),
		entryInput.ReferenceID().String(),
		entryInput.CreatedUnixUTC(),
	).Scan(&entryIDValue)
	if isForeignKeyViolation(err) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	entryID, err := ledger.NewEntryID(entryIDValue)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	entry, err := ledger.NewEntry(entryID, entryInput.UserID(), entryInput.Delta(), entryInput.Reason(), entryInput.ReferenceID(), entryInput.CreatedUnixUTC())
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (q queries) ListEntries(ctx context.Context, userID ledger.UserID, page ledger.PageRequest) ([]ledger.Entry, error) {
	rows, err := q.db.QueryContext(ctx, sqlListEntries, userID.String(), page.Limit(), page.Offset())
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (q queries) CountEntries(ctx context.Context, userID ledger.UserID) (int64, error) {
	var total int64
	if err := q.db.QueryRowContext(ctx, sqlCountEntries, userID.String()).Scan(&total); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeCount, err)
	}
	return total, nil
}

// RecordUsage appends a usage event.
func (q queries) RecordUsage(ctx context.Context, event usage.Event) error {
	if err := event.Validate(); err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	_, err := q.db.ExecContext(ctx, sqlInsertUsage,
		event.UserID.String(),
		event.Service,
		event.Endpoint,
		event.LatencyMillis,
		event.Success,
		event.CostUSD,
		event.MetadataJSON,
		event.CreatedUnixUTC,
	)
	if isForeignKeyViolation(err) {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, ledger.ErrAccountNotFound)
	}
	if err != nil {
		return wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	return nil
}

func (q queries) selectAccount(ctx context.Context, query string, userID ledger.UserID, code string) (ledger.Account, error) {
	var (
		idValue      string
		emailValue   string
		nameValue    string
		balanceValue int64
		createdValue int64
	)
	err := q.db.QueryRowContext(ctx, query, userID.String()).Scan(&idValue, &emailValue, &nameValue, &balanceValue, &createdValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, err)
	}
	parsedUserID, err := ledger.NewUserID(idValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	balance, err := ledger.NewCredits(balanceValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account, err := ledger.NewAccount(parsedUserID, emailValue, nameValue, balance, createdValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			entryIDValue   int64
			userIDValue    string
			deltaValue     int64
			reasonValue    string
			referenceValue string
			createdValue   int64
		)
		if err := rows.Scan(&entryIDValue, &userIDValue, &deltaValue, &reasonValue, &referenceValue, &createdValue); err != nil {
			return nil, err
		}
		entryID, err := ledger.NewEntryID(entryIDValue)
		if err != nil {
			return nil, err
		}
		userID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, err
		}
		delta, err := ledger.NewDelta(deltaValue)
		if err != nil {
			return nil, err
		}
		reason, err := ledger.NewReason(reasonValue)
		if err != nil {
			return nil, err
		}
		referenceID, err := ledger.NewReferenceID(referenceValue)
		if err != nil {
			return nil, err
		}
		entry, err := ledger.NewEntry(entryID, userID, delta, reason, referenceID, createdValue)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolationCode
	}
	return false
}
