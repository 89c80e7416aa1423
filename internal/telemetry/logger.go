package telemetry

import (
	"context"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapOperationLogger writes ledger operations to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger returns an OperationLogger backed by logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation logs successes and rejected requests at info. Failed refunds
// and infrastructure failures log at error.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", entry.Reason.String()),
		zap.String("reference_id", entry.ReferenceID.String()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("status", entry.Status),
	}
	level := zapcore.InfoLevel
	message := "credit operation"
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		message = "credit operation failed"
		if entry.Operation == ledger.OperationRefund || !ledger.IsClientError(entry.Error) {
			level = zapcore.ErrorLevel
		}
	}
	if checked := operationLogger.logger.Check(level, message); checked != nil {
		checked.Write(fields...)
	}
}

// FanOut forwards each operation to every non-nil logger.
type FanOut []ledger.OperationLogger

// LogOperation implements ledger.OperationLogger.
func (loggers FanOut) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
