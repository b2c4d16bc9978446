package telemetry

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/envpool/pkg/cleanup"
	"github.com/MarkoPoloResearchLab/envpool/pkg/pool"
)

// OperationLogger writes pool and cleanup records as structured log lines and counts them.
type OperationLogger struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewOperationLogger returns a logger; metrics may be nil.
func NewOperationLogger(logger *zap.Logger, metrics *Metrics) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger, metrics: metrics}
}

// LogOperation implements pool.OperationLogger.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry pool.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.String("account_id", entry.AccountID.String()))
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.Message != "" {
		fields = append(fields, zap.String("message", entry.Message))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Log(levelFor(entry.Status), "pool operation", fields...)
	operationLogger.metrics.countPool(entry.Operation, entry.Status)
}

// LogCleanup implements cleanup.OperationLogger.
func (operationLogger *OperationLogger) LogCleanup(_ context.Context, entry cleanup.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("account_id", entry.AccountID.String()),
	}
	if entry.ResourceType != "" {
		fields = append(fields, zap.String("resource_type", entry.ResourceType))
	}
	if entry.Region != "" {
		fields = append(fields, zap.String("region", entry.Region))
	}
	if entry.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", entry.ResourceID))
	}
	if entry.Message != "" {
		fields = append(fields, zap.String("message", entry.Message))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	operationLogger.logger.Log(levelFor(entry.Status), "cleanup operation", fields...)
	operationLogger.metrics.countCleanup(entry.Operation, entry.ResourceType, entry.Status)
}

func levelFor(status string) zapcore.Level {
	switch status {
	case pool.OperationStatusError:
		return zapcore.ErrorLevel
	case pool.OperationStatusConflict, pool.OperationStatusRequeued:
		return zapcore.DebugLevel
	case pool.OperationStatusDiscarded:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
