// Package billing runs costly actions behind the rate limiter and the credit
// ledger: debit first, run, refund when the action fails.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/credits/internal/usage"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRunnerConfig reports missing runner dependencies.
	ErrInvalidRunnerConfig = errors.New("invalid runner config")
	// ErrActionPanicked reports an action that panicked after the debit.
	ErrActionPanicked = errors.New("action panicked")
)

// Enforcer gates requests per key.
type Enforcer interface {
	Enforce(ctx context.Context, key string) error
}

// CreditLedger is the subset of ledger.Service used by the runner.
type CreditLedger interface {
	Deduct(ctx context.Context, userID ledger.UserID, amount int64, reason ledger.Reason, referenceID ledger.ReferenceID) (ledger.Credits, error)
	Refund(ctx context.Context, userID ledger.UserID, amount int64, reason ledger.Reason, referenceID ledger.ReferenceID) ledger.Credits
}

// Receipt describes the charge made for one Run.
type Receipt struct {
	ReferenceID string
	Charged     int64
	Refunded    bool
	// Balance after the debit, or after the refund when Refunded is set.
	// Zero for free operations.
	Balance ledger.Credits
}

// Option configures a Runner.
type Option func(*Runner)

// WithUsageRecorder records one usage event per attempted action.
func WithUsageRecorder(recorder usage.Recorder) Option {
	return func(runner *Runner) {
		runner.recorder = recorder
	}
}

// WithLogger sets the logger for refund and usage anomalies.
func WithLogger(logger *zap.Logger) Option {
	return func(runner *Runner) {
		if logger != nil {
			runner.logger = logger
		}
	}
}

// WithClock overrides the clock used for latency and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(runner *Runner) {
		if now != nil {
			runner.nowFn = now
		}
	}
}

// WithReferenceGenerator overrides the reference id source.
func WithReferenceGenerator(generate func() string) Option {
	return func(runner *Runner) {
		if generate != nil {
			runner.newReference = generate
		}
	}
}

// Runner composes limiter, ledger and usage recording around an action.
type Runner struct {
	limiter      Enforcer
	ledger       CreditLedger
	recorder     usage.Recorder
	logger       *zap.Logger
	nowFn        func() time.Time
	newReference func() string
}

// NewRunner validates dependencies and applies options.
func NewRunner(limiter Enforcer, creditLedger CreditLedger, options ...Option) (*Runner, error) {
	if limiter == nil {
		return nil, fmt.Errorf("%w: limiter is nil", ErrInvalidRunnerConfig)
	}
	if creditLedger == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidRunnerConfig)
	}
	runner := &Runner{
		limiter:      limiter,
		ledger:       creditLedger,
		logger:       zap.NewNop(),
		nowFn:        time.Now,
		newReference: uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(runner)
		}
	}
	return runner, nil
}

// Run enforces the rate limit, debits operation.Cost, runs action and refunds
// the debit when action fails. The action error is returned unchanged; a
// panicking action is refunded and reported as ErrActionPanicked. The refund
// and the usage event are written even when ctx is cancelled.
func (runner *Runner) Run(ctx context.Context, userID ledger.UserID, operation Operation, action func(ctx context.Context) error) (Receipt, error) {
	key, err := ratelimit.Key(operation.Class, userID.String())
	if err != nil {
		return Receipt{}, err
	}
	if err := runner.limiter.Enforce(ctx, key); err != nil {
		return Receipt{}, err
	}
	reason, err := ledger.NewReason(operation.Reason)
	if err != nil {
		return Receipt{}, err
	}
	referenceID, err := ledger.NewReferenceID(runner.newReference())
	if err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{ReferenceID: referenceID.String()}
	if operation.Cost > 0 {
		balance, err := runner.ledger.Deduct(ctx, userID, operation.Cost, reason, referenceID)
		if err != nil {
			return Receipt{}, err
		}
		receipt.Charged = operation.Cost
		receipt.Balance = balance
	}

	started := runner.nowFn()
	actionErr := runner.invoke(ctx, userID, operation, action)
	latency := runner.nowFn().Sub(started)

	detached := context.WithoutCancel(ctx)
	if actionErr != nil && receipt.Charged > 0 {
		receipt.Balance = runner.refund(detached, userID, operation, reason, referenceID)
		receipt.Refunded = true
	}
	runner.recordUsage(detached, userID, operation, latency, actionErr == nil, referenceID)
	if actionErr != nil {
		return receipt, actionErr
	}
	return receipt, nil
}

func (runner *Runner) invoke(ctx context.Context, userID ledger.UserID, operation Operation, action func(ctx context.Context) error) (actionErr error) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		runner.logger.Error("action panicked",
			zap.String("user_id", userID.String()),
			zap.String("endpoint", operation.Endpoint),
			zap.Any("panic", recovered),
			zap.Stack("stack"),
		)
		actionErr = fmt.Errorf("%w: %v", ErrActionPanicked, recovered)
	}()
	return action(ctx)
}

func (runner *Runner) refund(ctx context.Context, userID ledger.UserID, operation Operation, reason ledger.Reason, referenceID ledger.ReferenceID) ledger.Credits {
	refundReason, err := ledger.RefundReasonFor(reason)
	if err != nil {
		runner.logger.Error("refund reason rejected",
			zap.String("user_id", userID.String()),
			zap.String("reason", reason.String()),
			zap.Error(err),
		)
		refundReason = reason
	}
	return runner.ledger.Refund(ctx, userID, operation.Cost, refundReason, referenceID)
}

func (runner *Runner) recordUsage(ctx context.Context, userID ledger.UserID, operation Operation, latency time.Duration, success bool, referenceID ledger.ReferenceID) {
	if runner.recorder == nil {
		return
	}
	costUSD := decimal.Zero
	if success {
		costUSD = operation.CostUSD
	}
	metadata, err := json.Marshal(map[string]interface{}{
		"reference_id": referenceID.String(),
		"credits":      operation.Cost,
	})
	if err != nil {
		metadata = []byte("{}")
	}
	event := usage.Event{
		UserID:         userID,
		Service:        operation.Service,
		Endpoint:       operation.Endpoint,
		LatencyMillis:  latency.Milliseconds(),
		Success:        success,
		CostUSD:        costUSD,
		MetadataJSON:   string(metadata),
		CreatedUnixUTC: runner.nowFn().UTC().Unix(),
	}
	if err := runner.recorder.RecordUsage(ctx, event); err != nil {
		runner.logger.Warn("usage event not recorded",
			zap.String("user_id", userID.String()),
			zap.String("endpoint", operation.Endpoint),
			zap.Error(err),
		)
	}
}
