package audit

import (
	"context"

	"log/slog"
)

const (
	ActionAssetBlocked   = "ASSET_BLOCKED"
	ActionAssetReleased  = "ASSET_RELEASED"
	ActionBalanceUpdated = "BALANCE_UPDATED"
	ActionOrderPlaced    = "ORDER_PLACED"
	ActionOrderMatched   = "ORDER_MATCHED"
	ActionOrderCanceled  = "ORDER_CANCELED"
)

// Sink records audit entries best-effort. Implementations must never
// propagate failures to the caller; a lost audit entry does not roll back
// the economic effect it describes.
type Sink interface {
	Record(ctx context.Context, action, entity, entityID, oldValue, newValue string)
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, action, entity, entityID, oldValue, newValue string) {
	s.logger.InfoContext(ctx, "audit",
		"action", action,
		"entity", entity,
		"entity_id", entityID,
		"old_value", oldValue,
		"new_value", newValue,
	)
}

// NopSink discards entries. Used by tests that do not assert on auditing.
type NopSink struct{}

func (NopSink) Record(context.Context, string, string, string, string, string) {}
