// Package reconcile periodically re-checks orders the cycle engines left in
// a non-terminal state and finalizes the profit record of any cycle whose
// both legs are now executed.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"stbbot/internal/config"
	"stbbot/internal/database"
	"stbbot/internal/exchange"
	"stbbot/internal/model"
	"stbbot/internal/pricing"
)

// Sweeper runs one sweep per interval over all active bots. Each sweep
// checks up to batchSize of the oldest pending/open orders per
// symbol+strategy against the exchange.
type Sweeper struct {
	logger    *slog.Logger
	repo      database.Repository
	dial      exchange.Dialer
	interval  time.Duration
	batchSize int
}

// NewSweeper creates the reconciliation sweeper.
func NewSweeper(logger *slog.Logger, repo database.Repository, dial exchange.Dialer, cfg *config.Config) *Sweeper {
	return &Sweeper{
		logger:    logger,
		repo:      repo,
		dial:      dial,
		interval:  cfg.Sweep.Interval(),
		batchSize: cfg.Sweep.BatchSize,
	}
}

// Run sweeps immediately and then once per interval until the context is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single reconciliation pass. A failure for one bot is
// logged and never aborts the pass for the others.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	bots, err := s.repo.ActiveBots(ctx)
	if err != nil {
		s.logger.Error("sweep: failed to load active bots", "error", err)
		return
	}
	if len(bots) == 0 {
		s.logger.Warn("sweep: no active bots in settings")
		return
	}

	s.logger.Info("sweep started", "bots", len(bots))
	for _, bot := range bots {
		if ctx.Err() != nil {
			return
		}
		s.sweepBot(ctx, bot)
	}
	s.logger.Info("sweep finished", "next_in", s.interval.String())
}

func (s *Sweeper) sweepBot(ctx context.Context, bot model.BotConfig) {
	logger := s.logger.With("symbol", bot.Symbol, "strategy", bot.Strategy.Label())

	gw, err := s.dial(ctx, bot.Credentials)
	if err != nil {
		logger.Error("sweep: exchange connection failed", "error", err)
		return
	}

	orders, err := s.repo.OldestUnresolvedOrders(ctx, bot.Symbol, bot.Strategy.Label(), s.batchSize)
	if err != nil {
		logger.Error("sweep: failed to load unresolved orders", "error", err)
		return
	}
	if len(orders) == 0 {
		logger.Info("sweep: no unresolved orders")
		return
	}

	for _, order := range orders {
		st, err := gw.OrderStatus(ctx, order.OrderID)
		if err != nil {
			// Leave the row untouched; the next sweep picks it up again.
			logger.Warn("sweep: status fetch failed", "order_id", order.OrderID, "error", err)
			continue
		}

		fill := pricing.DetectFill(st.Status, st.DealSize, st.Size, st.DealFunds)
		if !fill.Done {
			if err := s.repo.TouchOrder(ctx, order.OrderID); err != nil {
				logger.Error("sweep: failed to refresh order", "order_id", order.OrderID, "error", err)
			} else {
				logger.Info("sweep: order still unfilled", "order_id", order.OrderID, "side", order.Side)
			}
			continue
		}

		if err := s.repo.MarkOrderExecuted(ctx, order.OrderID, fill.AvgPrice, fill.DealSize); err != nil {
			logger.Error("sweep: failed to record executed order", "order_id", order.OrderID, "error", err)
			continue
		}
		logger.Info("sweep: order executed", "order_id", order.OrderID, "side", order.Side, "avg_price", fill.AvgPrice)

		s.finalizeCycle(ctx, logger, bot.Strategy, order.CycleID)
	}
}

// finalizeCycle upserts the profit record once both legs of a cycle are
// executed. The upsert is keyed by cycle id, so re-running it for an
// already finalized cycle rewrites the same values.
func (s *Sweeper) finalizeCycle(ctx context.Context, logger *slog.Logger, strategy model.Strategy, cycleID string) {
	orders, err := s.repo.CycleOrders(ctx, cycleID)
	if err != nil {
		logger.Error("sweep: failed to load cycle orders", "cycle_id", cycleID, "error", err)
		return
	}

	opening, closing, ok := cycleLegs(strategy, orders)
	if !ok {
		return
	}

	rec := pricing.CycleProfit(strategy, opening, closing)
	if err := s.repo.UpsertProfit(ctx, rec); err != nil {
		logger.Error("sweep: failed to upsert profit", "cycle_id", cycleID, "error", err)
		return
	}
	logger.Info("sweep: cycle completed", "cycle_id", cycleID,
		"profit_percent", rec.ProfitPercent, "profit_absolute", rec.ProfitAbsolute,
		"duration", rec.Duration.String())
}

// cycleLegs picks the earliest executed opening leg and the latest executed
// closing leg out of a cycle's orders. Orders arrive sorted by creation
// time. ok is false unless both legs exist and are executed.
func cycleLegs(strategy model.Strategy, orders []model.Order) (opening, closing model.Order, ok bool) {
	var haveOpen, haveClose bool
	for _, o := range orders {
		if o.Status != model.StatusExecuted {
			continue
		}
		switch o.Side {
		case strategy.OpeningSide():
			if !haveOpen {
				opening = o
				haveOpen = true
			}
		case strategy.ClosingSide():
			closing = o
			haveClose = true
		}
	}
	return opening, closing, haveOpen && haveClose
}
