package database

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"stbbot/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository implements Repository over a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const botColumns = `id, symbol, amount, buy_discount, check_delay, cycle_delay, strategy, api_key, api_secret, api_passphrase, active`

func (r *PostgresRepository) ActiveBots(ctx context.Context) ([]model.BotConfig, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+botColumns+` FROM settings WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active bots: %w", err)
	}
	defer rows.Close()

	var bots []model.BotConfig
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

func (r *PostgresRepository) BotConfig(ctx context.Context, id int64) (model.BotConfig, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT `+botColumns+` FROM settings WHERE id = $1`, id)
	bot, err := scanBot(row)
	if err != nil {
		return model.BotConfig{}, fmt.Errorf("read bot %d: %w", id, err)
	}
	return bot, nil
}

func scanBot(row pgx.Row) (model.BotConfig, error) {
	var b model.BotConfig
	err := row.Scan(&b.ID, &b.Symbol, &b.Amount, &b.Discount, &b.CheckDelayS, &b.CycleDelayS,
		&b.Strategy, &b.Credentials.Key, &b.Credentials.Secret, &b.Credentials.Passphrase, &b.Active)
	if err != nil {
		return model.BotConfig{}, fmt.Errorf("scan settings row: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) InsertOrder(ctx context.Context, order model.Order) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO orders (order_id, cycle_id, symbol, side, price, filled_size, status, strategy, created_at, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (order_id) DO NOTHING`,
		order.OrderID, order.CycleID, order.Symbol, order.Side, order.Price,
		order.FilledSize, order.Status, order.Strategy, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.OrderID, err)
	}
	return nil
}

func (r *PostgresRepository) MarkOrderExecuted(ctx context.Context, orderID string, price, filledSize float64) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE orders SET status = $2, price = $3, filled_size = $4, last_updated = NOW()
		 WHERE order_id = $1`,
		orderID, model.StatusExecuted, price, filledSize)
	if err != nil {
		return fmt.Errorf("mark order %s executed: %w", orderID, err)
	}
	return nil
}

func (r *PostgresRepository) TouchOrder(ctx context.Context, orderID string) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE orders SET status = $2, last_updated = NOW() WHERE order_id = $1`,
		orderID, model.StatusPending)
	if err != nil {
		return fmt.Errorf("touch order %s: %w", orderID, err)
	}
	return nil
}

const orderColumns = `order_id, cycle_id, symbol, side, price, filled_size, status, strategy, created_at, last_updated`

func (r *PostgresRepository) OldestUnresolvedOrders(ctx context.Context, symbol, strategy string, limit int) ([]model.Order, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = $1 AND strategy = $2 AND status IN ($3, $4)
		 ORDER BY last_updated ASC
		 LIMIT $5`,
		symbol, strategy, model.StatusPending, model.StatusOpen, limit)
	if err != nil {
		return nil, fmt.Errorf("query unresolved orders for %s: %w", symbol, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (r *PostgresRepository) CycleOrders(ctx context.Context, cycleID string) ([]model.Order, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE cycle_id = $1 ORDER BY created_at ASC`,
		cycleID)
	if err != nil {
		return nil, fmt.Errorf("query cycle %s: %w", cycleID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		err := rows.Scan(&o.OrderID, &o.CycleID, &o.Symbol, &o.Side, &o.Price,
			&o.FilledSize, &o.Status, &o.Strategy, &o.CreatedAt, &o.LastUpdated)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (r *PostgresRepository) UpsertProfit(ctx context.Context, rec model.ProfitRecord) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO profit_per_cycle (cycle_id, symbol, sell_price, buy_price, profit_percent, profit_absolute, execution_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (cycle_id) DO UPDATE SET
		   symbol = EXCLUDED.symbol,
		   sell_price = EXCLUDED.sell_price,
		   buy_price = EXCLUDED.buy_price,
		   profit_percent = EXCLUDED.profit_percent,
		   profit_absolute = EXCLUDED.profit_absolute,
		   execution_seconds = EXCLUDED.execution_seconds`,
		rec.CycleID, rec.Symbol, rec.SellPrice, rec.BuyPrice,
		rec.ProfitPercent, rec.ProfitAbsolute, int64(rec.Duration/time.Second))
	if err != nil {
		return fmt.Errorf("upsert profit for cycle %s: %w", rec.CycleID, err)
	}
	return nil
}
