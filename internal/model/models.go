package model

import "time"

// Side is the direction of a single order.
type Side string

const (
	SideSell Side = "SELL"
	SideBuy  Side = "BUY"
)

// OrderStatus tracks an order's lifecycle in the ledger. Status only ever
// advances pending -> executed; re-writing pending is a harmless refresh.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusOpen     OrderStatus = "open"
	StatusExecuted OrderStatus = "executed"
)

// Strategy selects which leg of the cycle is the market order.
type Strategy string

const (
	// SellThenBuy opens with a market SELL and closes with a discounted
	// limit BUY.
	SellThenBuy Strategy = "sell_buy"
	// BuyThenSell opens with a market BUY and closes with a premium
	// limit SELL.
	BuyThenSell Strategy = "buy_sell"
)

// Label is the short strategy tag stored on order rows.
func (s Strategy) Label() string {
	if s == BuyThenSell {
		return "BTS"
	}
	return "STB"
}

// OpeningSide is the side of the market leg for this strategy.
func (s Strategy) OpeningSide() Side {
	if s == BuyThenSell {
		return SideBuy
	}
	return SideSell
}

// ClosingSide is the side of the limit leg for this strategy.
func (s Strategy) ClosingSide() Side {
	if s == BuyThenSell {
		return SideSell
	}
	return SideBuy
}

// Credentials are the exchange API credentials for one bot.
type Credentials struct {
	Key        string `db:"api_key"`
	Secret     string `db:"api_secret"`
	Passphrase string `db:"api_passphrase"`
}

// BotConfig is one row of the settings table: one trading bot for one
// symbol+strategy pair. Operators edit rows while the process runs; the
// cycle engine re-reads its row at the start of every cycle.
type BotConfig struct {
	ID          int64    `db:"id"`
	Symbol      string   `db:"symbol"`
	Amount      float64  `db:"amount"`
	Discount    float64  `db:"buy_discount"`
	CheckDelayS int      `db:"check_delay"`
	CycleDelayS int      `db:"cycle_delay"`
	Strategy    Strategy `db:"strategy"`
	Credentials Credentials
	Active      bool `db:"active"`
}

// CheckDelay is the fill-poll interval.
func (b BotConfig) CheckDelay() time.Duration {
	return time.Duration(b.CheckDelayS) * time.Second
}

// CycleDelay is the cooldown between cycles.
func (b BotConfig) CycleDelay() time.Duration {
	return time.Duration(b.CycleDelayS) * time.Second
}

// Order is one row of the orders table: one exchange order, grouped with
// its sibling leg by CycleID. Rows are inserted as soon as the exchange
// accepts an order (price still 0 for market orders) and updated in place
// when a fill is observed. Rows are never deleted.
type Order struct {
	OrderID     string      `db:"order_id"`
	CycleID     string      `db:"cycle_id"`
	Symbol      string      `db:"symbol"`
	Side        Side        `db:"side"`
	Price       float64     `db:"price"`
	FilledSize  float64     `db:"filled_size"`
	Status      OrderStatus `db:"status"`
	Strategy    string      `db:"strategy"`
	CreatedAt   time.Time   `db:"created_at"`
	LastUpdated time.Time   `db:"last_updated"`
}

// ProfitRecord is one row of the profit_per_cycle table, upserted once both
// legs of a cycle are executed. Recomputing for the same cycle must yield
// the same row.
type ProfitRecord struct {
	CycleID        string        `db:"cycle_id"`
	Symbol         string        `db:"symbol"`
	SellPrice      float64       `db:"sell_price"`
	BuyPrice       float64       `db:"buy_price"`
	ProfitPercent  float64       `db:"profit_percent"`
	ProfitAbsolute float64       `db:"profit_absolute"`
	Duration       time.Duration `db:"execution_duration"`
}
