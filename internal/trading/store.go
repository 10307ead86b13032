package trading

import (
	"context"
	"time"
)

// Store is the slice of the persistence client the trading layer writes
// through. Satisfied by *db.Client; tests substitute a fake.
type Store interface {
	InsertPositionOpen(ctx context.Context, botID string, payload map[string]any) (string, error)
	ClosePosition(ctx context.Context, botID, positionID string, exitPrice float64, exitTime time.Time, realizedPnL float64, extra map[string]any) error
	UpsertTrade(ctx context.Context, botID, exchangeOrderID string, payload map[string]any) error
	UpsertState(ctx context.Context, botID, userID string, state map[string]any) error
	WriteEvent(ctx context.Context, botID, userID, eventType, message string)
	Notify(ctx context.Context, botID, typ, title, body, severity string, metadata map[string]any)
	QueueEmail(ctx context.Context, userID, botID, eventKey, template string, payload map[string]any, throttleSeconds, delaySeconds int, dedupID string)
}
