// Package cycle drives one bot's repeating sell-then-buy (or buy-then-sell)
// trading cycle: market open leg, poll to fill, discounted limit close leg,
// cooldown, repeat.
package cycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"stbbot/internal/config"
	"stbbot/internal/database"
	"stbbot/internal/exchange"
	"stbbot/internal/model"
	"stbbot/internal/pricing"
)

// Engine runs the infinite cycle loop for a single bot. The settings row is
// re-read at the top of every cycle, so discount, delays and the active flag
// can all be changed by an operator while the worker runs.
type Engine struct {
	logger *slog.Logger
	repo   database.Repository
	dial   exchange.Dialer
	botID  int64
	cfg    *config.Config

	retry       exchange.RetryPolicy
	fillTimeout time.Duration
	fallback    time.Duration
}

// NewEngine creates the cycle engine for one settings row.
func NewEngine(logger *slog.Logger, repo database.Repository, dial exchange.Dialer, botID int64, cfg *config.Config) *Engine {
	retry := exchange.DefaultRetryPolicy()
	if cfg.Exchange.RetryAttempts > 0 {
		retry = exchange.RetryPolicy{
			Attempts: cfg.Exchange.RetryAttempts,
			MinWait:  cfg.Exchange.RetryMinWait(),
			MaxWait:  cfg.Exchange.RetryMaxWait(),
		}
	}
	return &Engine{
		logger:      logger,
		repo:        repo,
		dial:        dial,
		botID:       botID,
		cfg:         cfg,
		retry:       retry,
		fillTimeout: cfg.Engine.FillTimeout(),
		fallback:    cfg.Engine.FallbackSleep(),
	}
}

// Run loops cycles until the context is cancelled or the bot is deactivated.
// No error escapes a cycle: everything is logged and the loop continues
// after a wait.
func (e *Engine) Run(ctx context.Context) {
	for ctx.Err() == nil {
		bot, err := e.repo.BotConfig(ctx, e.botID)
		if err != nil {
			e.logger.Error("failed to read bot settings", "bot_id", e.botID, "error", err)
			if !sleep(ctx, e.fallback) {
				return
			}
			continue
		}
		if !bot.Active {
			e.logger.Info("bot deactivated, stopping worker", "bot_id", e.botID, "symbol", bot.Symbol)
			return
		}

		wait := e.runCycle(ctx, bot)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// runCycle executes one full cycle and returns how long to wait before the
// next one. An aborted cycle is never resumed; the next cycle starts from
// scratch with a fresh cycle id.
func (e *Engine) runCycle(ctx context.Context, bot model.BotConfig) time.Duration {
	logger := e.logger.With("symbol", bot.Symbol, "strategy", bot.Strategy.Label())

	gw, err := e.dial(ctx, bot.Credentials)
	if err != nil {
		logger.Error("exchange connection failed", "error", err)
		return e.fallback
	}

	cycleID := uuid.NewString()
	logger = logger.With("cycle_id", cycleID)
	logger.Info("new cycle started", "amount", bot.Amount)

	discount := pricing.NormalizeDiscount(bot.Discount)
	openSide := bot.Strategy.OpeningSide()

	var openID string
	err = e.retry.Do(ctx, func() error {
		id, perr := gw.PlaceMarketOrder(ctx, bot.Symbol, openSide, bot.Amount)
		if perr == nil {
			openID = id
		}
		return perr
	})
	if err != nil {
		logger.Warn("market order placement failed, skipping cycle", "side", openSide, "error", err)
		return bot.CycleDelay()
	}

	now := time.Now().UTC()
	e.saveOrder(ctx, logger, model.Order{
		OrderID:     openID,
		CycleID:     cycleID,
		Symbol:      bot.Symbol,
		Side:        openSide,
		Price:       0,
		Status:      model.StatusPending,
		Strategy:    bot.Strategy.Label(),
		CreatedAt:   now,
		LastUpdated: now,
	})

	fill, ok := e.waitForFill(ctx, logger, gw, bot, openID)
	if !ok || fill.AvgPrice <= 0 {
		return bot.CycleDelay()
	}
	logger.Info("opening leg executed", "side", openSide, "avg_price", fill.AvgPrice)

	limitPrice := pricing.ClosingLimitPrice(bot.Strategy, fill.AvgPrice, discount, e.cfg.TickSize(bot.Symbol))
	closeSide := bot.Strategy.ClosingSide()

	var closeID string
	err = e.retry.Do(ctx, func() error {
		id, perr := gw.PlaceLimitOrder(ctx, bot.Symbol, closeSide, bot.Amount, limitPrice)
		if perr == nil {
			closeID = id
		}
		return perr
	})
	if err != nil {
		// The opening leg stays executed with no closing leg: the position
		// is left unhedged and the cycle never completes. Known gap.
		logger.Warn("limit order placement failed, skipping cycle; opening leg left unhedged",
			"side", closeSide, "price", limitPrice, "open_order_id", openID, "error", err)
		return bot.CycleDelay()
	}

	now = time.Now().UTC()
	e.saveOrder(ctx, logger, model.Order{
		OrderID:     closeID,
		CycleID:     cycleID,
		Symbol:      bot.Symbol,
		Side:        closeSide,
		Price:       limitPrice,
		Status:      model.StatusOpen,
		Strategy:    bot.Strategy.Label(),
		CreatedAt:   now,
		LastUpdated: now,
	})
	logger.Info("closing limit order placed", "side", closeSide, "price", limitPrice,
		"discount", discount, "wait", bot.CycleDelay().String())

	return bot.CycleDelay()
}

// waitForFill polls the exchange until the opening market order is fully
// executed or the fill timeout expires. On timeout the order row is left
// pending on purpose: the order may still be live on the exchange, and the
// hourly sweep will converge it.
func (e *Engine) waitForFill(ctx context.Context, logger *slog.Logger, gw exchange.Gateway, bot model.BotConfig, orderID string) (pricing.Fill, bool) {
	deadline := time.Now().Add(e.fillTimeout)
	for {
		st, err := gw.OrderStatus(ctx, orderID)
		if err != nil {
			if !exchange.Retryable(err) || ctx.Err() != nil {
				logger.Error("order status fetch failed, aborting cycle", "order_id", orderID, "error", err)
				return pricing.Fill{}, false
			}
			logger.Warn("order status fetch failed, retrying", "order_id", orderID, "error", err)
		} else {
			fill := pricing.DetectFill(st.Status, st.DealSize, st.Size, st.DealFunds)
			if fill.Done {
				if uerr := e.repo.MarkOrderExecuted(ctx, orderID, fill.AvgPrice, bot.Amount); uerr != nil {
					logger.Error("failed to record executed order", "order_id", orderID, "error", uerr)
				}
				return fill, true
			}
		}

		if time.Now().After(deadline) {
			logger.Warn("market order fill timeout, skipping cycle", "order_id", orderID,
				"timeout", e.fillTimeout.String())
			return pricing.Fill{}, false
		}
		if !sleep(ctx, bot.CheckDelay()) {
			return pricing.Fill{}, false
		}
	}
}

// saveOrder persists an order row. A ledger write failure never aborts the
// cycle: the order is already live on the exchange, so trading continues and
// the miss is only logged.
func (e *Engine) saveOrder(ctx context.Context, logger *slog.Logger, order model.Order) {
	if err := e.repo.InsertOrder(ctx, order); err != nil {
		logger.Error("failed to save order", "order_id", order.OrderID, "side", order.Side, "error", err)
		return
	}
	logger.Info("order saved", "order_id", order.OrderID, "side", order.Side,
		"status", order.Status, "price", order.Price)
}

// sleep waits d unless the context is cancelled first. It reports whether
// the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
