package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"stbbot/internal/config"
	"stbbot/internal/database"
	"stbbot/internal/exchange"
	"stbbot/internal/supervisor"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("cannot connect to database: %v", err)
	}
	defer pool.Close()

	repo := &database.PostgresRepository{Pool: pool}
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("cannot migrate database: %v", err)
	}

	dial := exchange.KucoinDialer(cfg.Exchange.BaseURL, cfg.Exchange.Timeout())

	logger.Info("stbbot started", "exchange", cfg.Exchange.BaseURL)
	sup := supervisor.New(logger, repo, dial, &cfg)
	if err := sup.Run(ctx); err != nil {
		logger.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stbbot stopped")
}
