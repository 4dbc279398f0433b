// Package supervisor fans out one cycle-engine worker per active bot plus
// the reconciliation sweep worker, and keeps them running until shutdown.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stbbot/internal/config"
	"stbbot/internal/cycle"
	"stbbot/internal/database"
	"stbbot/internal/exchange"
	"stbbot/internal/reconcile"
)

// Supervisor owns the worker fan-out. Workers share nothing in process;
// the ledger is the only shared state.
type Supervisor struct {
	logger *slog.Logger
	repo   database.Repository
	dial   exchange.Dialer
	cfg    *config.Config
}

// New creates a supervisor.
func New(logger *slog.Logger, repo database.Repository, dial exchange.Dialer, cfg *config.Config) *Supervisor {
	return &Supervisor{logger: logger, repo: repo, dial: dial, cfg: cfg}
}

// Run reads the settings table, starts one engine goroutine per active bot
// with a staggered delay between starts (so the workers don't all hit the
// exchange auth endpoint at once), starts the sweep goroutine, and blocks
// until every worker has drained after context cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	bots, err := s.repo.ActiveBots(ctx)
	if err != nil {
		return err
	}
	if len(bots) == 0 {
		s.logger.Warn("no active bots in settings, nothing to run")
		return nil
	}

	var wg sync.WaitGroup
	stagger := s.cfg.Engine.StartStagger()

	for i, bot := range bots {
		engine := cycle.NewEngine(s.logger, s.repo, s.dial, bot.ID, s.cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Run(ctx)
		}()
		s.logger.Info("bot worker started",
			"bot_id", bot.ID, "symbol", bot.Symbol, "strategy", bot.Strategy.Label(),
			"worker", i+1, "of", len(bots))

		if i < len(bots)-1 && !waitOrDone(ctx, stagger) {
			break
		}
	}

	sweeper := reconcile.NewSweeper(s.logger, s.repo, s.dial, s.cfg)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	s.logger.Info("reconciliation sweep started", "interval", s.cfg.Sweep.Interval().String())

	<-ctx.Done()
	s.logger.Info("shutting down, waiting for workers")
	wg.Wait()
	return nil
}

func waitOrDone(ctx context.Context, d time.Duration) bool {
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
