package database

import (
	"context"

	"stbbot/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	// Migrate creates the three relations if they do not exist yet.
	Migrate(ctx context.Context) error

	// ActiveBots returns every settings row with active=true.
	ActiveBots(ctx context.Context) ([]model.BotConfig, error)
	// BotConfig re-reads one settings row; the cycle engine calls this at
	// the start of every cycle so operator edits apply without a restart.
	BotConfig(ctx context.Context, id int64) (model.BotConfig, error)

	// InsertOrder records a freshly accepted exchange order.
	InsertOrder(ctx context.Context, order model.Order) error
	// MarkOrderExecuted advances an order to executed with its realized
	// average price and filled size.
	MarkOrderExecuted(ctx context.Context, orderID string, price, filledSize float64) error
	// TouchOrder re-stamps a still-unfilled order as pending, refreshing
	// last_updated so the sweep's oldest-first ordering rotates.
	TouchOrder(ctx context.Context, orderID string) error
	// OldestUnresolvedOrders returns up to limit orders with status
	// pending or open for a symbol+strategy, oldest last_updated first.
	OldestUnresolvedOrders(ctx context.Context, symbol, strategy string, limit int) ([]model.Order, error)
	// CycleOrders returns all orders sharing a cycle id.
	CycleOrders(ctx context.Context, cycleID string) ([]model.Order, error)

	// UpsertProfit writes the profit record for a completed cycle, keyed
	// by cycle id. Re-running it with the same record is a no-op.
	UpsertProfit(ctx context.Context, rec model.ProfitRecord) error
}
