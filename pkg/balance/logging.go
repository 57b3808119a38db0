package balance

import (
	"context"

	"go.uber.org/zap"
)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing balance operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	Delta     AmountMinor
	Reason    Reason
	ActorID   *ActorID
	Status    string
	Error     error
}

// ZapOperationLogger emits operation logs through a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires a zap-backed OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger}
}

// LogOperation writes one structured record per operation.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	if operationLogger.logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("delta_minor", entry.Delta.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Reason.String() != "" {
		fields = append(fields, zap.String("reason", entry.Reason.String()))
	}
	if entry.ActorID != nil {
		fields = append(fields, zap.String("actor_id", entry.ActorID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Error("balance operation failed", fields...)
		return
	}
	operationLogger.logger.Info("balance operation", fields...)
}
