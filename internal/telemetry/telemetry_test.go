package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMetricsCountOperations(test *testing.T) {
	test.Parallel()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		test.Fatalf("new metrics: %v", err)
	}
	metrics.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationDeduct, Amount: 8, Status: ledger.OperationStatusOK})
	metrics.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationDeduct, Amount: 2, Status: ledger.OperationStatusOK})
	metrics.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationDeduct, Amount: 500, Status: ledger.OperationStatusError, Error: ledger.ErrInsufficientBalance})
	metrics.RecordDecision(ratelimit.DecisionFailOpen)

	if got := testutil.ToFloat64(metrics.Operations.WithLabelValues(ledger.OperationDeduct, ledger.OperationStatusOK)); got != 2 {
		test.Fatalf("expected 2 ok deducts, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Operations.WithLabelValues(ledger.OperationDeduct, ledger.OperationStatusError)); got != 1 {
		test.Fatalf("expected 1 failed deduct, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.OperationAmounts.WithLabelValues(ledger.OperationDeduct)); got != 10 {
		test.Fatalf("expected 10 credits deducted, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.RateDecisions.WithLabelValues(ratelimit.DecisionFailOpen)); got != 1 {
		test.Fatalf("expected 1 fail-open decision, got %v", got)
	}
}

func TestNewMetricsRejectsDuplicateRegistration(test *testing.T) {
	test.Parallel()
	registry := prometheus.NewRegistry()
	if _, err := NewMetrics(registry); err != nil {
		test.Fatalf("new metrics: %v", err)
	}
	if _, err := NewMetrics(registry); err == nil {
		test.Fatalf("expected duplicate registration error")
	}
}

func TestZapOperationLoggerLevels(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapOperationLogger(zap.New(core))

	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationAdd, Amount: 20, Status: ledger.OperationStatusOK})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationDeduct, Status: ledger.OperationStatusError, Error: ledger.ErrInsufficientBalance})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationRefund, Status: ledger.OperationStatusError, Error: ledger.ErrAccountNotFound})
	logger.LogOperation(context.Background(), ledger.OperationLog{Operation: ledger.OperationDeduct, Status: ledger.OperationStatusError, Error: errors.New("connection reset")})

	entries := logs.AllUntimed()
	if len(entries) != 4 {
		test.Fatalf("expected 4 log entries, got %d", len(entries))
	}
	wantLevels := []zapcore.Level{zapcore.InfoLevel, zapcore.InfoLevel, zapcore.ErrorLevel, zapcore.ErrorLevel}
	for index, entry := range entries {
		if entry.Level != wantLevels[index] {
			test.Fatalf("entry %d: expected level %s, got %s", index, wantLevels[index], entry.Level)
		}
	}
	if entries[0].ContextMap()["amount"] != int64(20) {
		test.Fatalf("expected amount field, got %v", entries[0].ContextMap())
	}
}

type countingLogger struct {
	calls int
}

func (logger *countingLogger) LogOperation(context.Context, ledger.OperationLog) {
	logger.calls++
}

func TestFanOut(test *testing.T) {
	test.Parallel()
	first := &countingLogger{}
	second := &countingLogger{}
	FanOut{first, nil, second}.LogOperation(context.Background(), ledger.OperationLog{})
	if first.calls != 1 || second.calls != 1 {
		test.Fatalf("expected both loggers to be called once, got %d and %d", first.calls, second.calls)
	}
}
