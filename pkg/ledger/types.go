package ledger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Credits is a non-negative credit balance.
type Credits int64

// PositiveCredits is a credit amount strictly greater than zero.
type PositiveCredits int64

// Delta is a signed, non-zero balance change recorded in the ledger.
type Delta int64

// EntryID is the store-assigned, monotonic ledger entry identifier.
type EntryID int64

// UserID identifies an account holder.
type UserID struct {
	value string
}

// Reason is the short classification stored with every ledger entry.
type Reason struct {
	value string
}

// ReferenceID is an optional correlation string stored with a ledger entry.
type ReferenceID struct {
	value string
}

// NewCredits validates a balance and ensures it is not negative.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Credits(raw), nil
}

// Int64 returns the raw balance.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// ToCredits converts the amount into a balance value.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// ToDelta converts the amount into a positive ledger delta.
func (amount PositiveCredits) ToDelta() Delta {
	return Delta(amount)
}

// NewDelta validates a ledger delta.
func NewDelta(raw int64) (Delta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidDelta)
	}
	return Delta(raw), nil
}

// Int64 returns the raw delta.
func (delta Delta) Int64() int64 {
	return int64(delta)
}

// Negated flips the sign of the delta.
func (delta Delta) Negated() Delta {
	return -delta
}

// NewEntryID validates a store-assigned entry id.
func NewEntryID(raw int64) (EntryID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidEntryID)
	}
	return EntryID(raw), nil
}

// Int64 returns the raw identifier.
func (entryID EntryID) Int64() int64 {
	return int64(entryID)
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never initialized.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewReason validates and normalizes a ledger reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if utf8.RuneCountInString(trimmed) > MaxReasonLength {
		return Reason{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidReason, MaxReasonLength)
	}
	return Reason{value: trimmed}, nil
}

// RefundReasonFor derives the compensating reason tag, refund:<operation>_failed.
func RefundReasonFor(operation Reason) (Reason, error) {
	return NewReason(refundReasonPrefix + operation.String() + refundReasonSuffix)
}

// String returns the normalized reason.
func (reason Reason) String() string {
	return reason.value
}

// NewReferenceID validates an optional correlation id. Empty input is allowed.
func NewReferenceID(raw string) (ReferenceID, error) {
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) > MaxReferenceIDLength {
		return ReferenceID{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidReferenceID, MaxReferenceIDLength)
	}
	return ReferenceID{value: trimmed}, nil
}

// String returns the normalized reference.
func (referenceID ReferenceID) String() string {
	return referenceID.value
}

// Account is the balance-carrying user record.
type Account struct {
	userID         UserID
	email          string
	name           string
	balance        Credits
	createdUnixUTC int64
}

// NewAccount validates an account snapshot.
func NewAccount(userID UserID, email string, name string, balance Credits, createdUnixUTC int64) (Account, error) {
	if userID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if balance < 0 {
		return Account{}, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Account{
		userID:         userID,
		email:          strings.TrimSpace(email),
		name:           strings.TrimSpace(name),
		balance:        balance,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the owner identifier.
func (account Account) UserID() UserID {
	return account.userID
}

// Email returns the account email.
func (account Account) Email() string {
	return account.email
}

// Name returns the display name.
func (account Account) Name() string {
	return account.name
}

// Balance returns the current balance.
func (account Account) Balance() Credits {
	return account.balance
}

// CreatedUnixUTC returns the creation time.
func (account Account) CreatedUnixUTC() int64 {
	return account.createdUnixUTC
}

// EntryInput describes a ledger line before the store assigns its id.
type EntryInput struct {
	userID         UserID
	delta          Delta
	reason         Reason
	referenceID    ReferenceID
	createdUnixUTC int64
}

// NewEntryInput validates a ledger line.
func NewEntryInput(userID UserID, delta Delta, reason Reason, referenceID ReferenceID, createdUnixUTC int64) (EntryInput, error) {
	if userID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if delta == 0 {
		return EntryInput{}, fmt.Errorf("%w: must not be zero", ErrInvalidDelta)
	}
	if reason.value == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return EntryInput{
		userID:         userID,
		delta:          delta,
		reason:         reason,
		referenceID:    referenceID,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the owner of the line.
func (entryInput EntryInput) UserID() UserID {
	return entryInput.userID
}

// Delta returns the signed change.
func (entryInput EntryInput) Delta() Delta {
	return entryInput.delta
}

// Reason returns the classification.
func (entryInput EntryInput) Reason() Reason {
	return entryInput.reason
}

// ReferenceID returns the correlation id (possibly empty).
func (entryInput EntryInput) ReferenceID() ReferenceID {
	return entryInput.referenceID
}

// CreatedUnixUTC returns the creation time.
func (entryInput EntryInput) CreatedUnixUTC() int64 {
	return entryInput.createdUnixUTC
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	entryID EntryID
	EntryInput
}

// NewEntry validates a persisted ledger line.
func NewEntry(entryID EntryID, userID UserID, delta Delta, reason Reason, referenceID ReferenceID, createdUnixUTC int64) (Entry, error) {
	if entryID <= 0 {
		return Entry{}, fmt.Errorf("%w: must be positive", ErrInvalidEntryID)
	}
	entryInput, err := NewEntryInput(userID, delta, reason, referenceID, createdUnixUTC)
	if err != nil {
		return Entry{}, err
	}
	return Entry{entryID: entryID, EntryInput: entryInput}, nil
}

// EntryID returns the store-assigned id.
func (entry Entry) EntryID() EntryID {
	return entry.entryID
}

// PageRequest is a validated ledger page selector.
type PageRequest struct {
	page  int
	limit int
}

// NewPageRequest validates page (>= 1) and limit (1..MaxPageLimit).
func NewPageRequest(page int, limit int) (PageRequest, error) {
	if page < 1 {
		return PageRequest{}, fmt.Errorf("%w: must be at least 1", ErrInvalidPage)
	}
	if limit < 1 || limit > MaxPageLimit {
		return PageRequest{}, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidLimit, MaxPageLimit)
	}
	return PageRequest{page: page, limit: limit}, nil
}

// Page returns the 1-based page number.
func (request PageRequest) Page() int {
	return request.page
}

// Limit returns the page size.
func (request PageRequest) Limit() int {
	return request.limit
}

// Offset returns the number of rows to skip.
func (request PageRequest) Offset() int {
	return (request.page - 1) * request.limit
}

// EntryPage is a newest-first slice of a user's ledger.
type EntryPage struct {
	Items []Entry
	Total int64
	Page  int
	Limit int
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, userID UserID) (Account, error)
	// LockAccount reads the account and holds an exclusive row lock until the
	// surrounding transaction ends.
	LockAccount(ctx context.Context, userID UserID) (Account, error)
	UpdateBalance(ctx context.Context, userID UserID, balance Credits) error
	InsertEntry(ctx context.Context, entryInput EntryInput) (Entry, error)
	ListEntries(ctx context.Context, userID UserID, page PageRequest) ([]Entry, error)
	CountEntries(ctx context.Context, userID UserID) (int64, error)
}
