package ledger

// Operation names and statuses reported through OperationLog.
const (
	OperationDeduct        = "deduct"
	OperationRefund        = "refund"
	OperationAdd           = "add"
	OperationEnsureAccount = "ensure_account"

	OperationStatusOK    = "ok"
	OperationStatusError = "error"

	// InitialGrantCredits is the balance every account starts with.
	InitialGrantCredits int64 = 100

	// MaxReasonLength bounds the ledger reason classification.
	MaxReasonLength = 120
	// MaxReferenceIDLength bounds the optional correlation id.
	MaxReferenceIDLength = 120

	// DefaultPageLimit is used when a caller does not specify a page size.
	DefaultPageLimit = 20
	// MaxPageLimit caps ledger page sizes.
	MaxPageLimit = 100

	refundReasonPrefix = "refund:"
	refundReasonSuffix = "_failed"
)
