package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kpiwatch/internal/admin"
	"kpiwatch/internal/bus"
	"kpiwatch/internal/config"
	"kpiwatch/internal/dispatch"
	"kpiwatch/internal/engine"
	"kpiwatch/internal/notify"
	"kpiwatch/internal/orchestrator"
	"kpiwatch/internal/probe"
	"kpiwatch/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)

	probes, err := probe.NewSQLRunner(cfg.Connections)
	if err != nil {
		logger.Error("failed to configure probe connections", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer probes.Close()

	mailer := notify.NewMailer(cfg.SMTP)
	dispatcher := dispatch.New(repo, repo, mailer, notify.NewSMSGateway(mailer), logger)
	exec := engine.New(probes, cfg.ProbeTimeout(), cfg.TrendSeverityFactor, logger)

	loop := orchestrator.New(orchestrator.Config{
		TickInterval:     cfg.TickInterval(),
		MaxParallel:      cfg.MaxParallelExecutions,
		BatchSize:        cfg.BatchSize,
		AlertRetention:   cfg.AlertRetention(),
		HistoryRetention: cfg.HistoryRetention(),
		ShutdownGrace:    cfg.ShutdownGrace(),
	}, repo, exec, dispatcher, logger)

	if cfg.NATSURL != "" {
		subscriber, err := bus.NewSubscriber(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer subscriber.Close()
		if err := subscriber.SubscribeIndicatorEvents(func(evt bus.Event) {
			logger.Info("indicator change event", slog.String("indicator_id", evt.IndicatorID))
			loop.Kick()
		}); err != nil {
			logger.Error("failed to subscribe to indicator events", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	go admin.Serve(cfg.AdminPort, admin.Handler(repo, loop, logger), logger)

	logger.Info("worker starting",
		slog.Int("tick_interval_seconds", cfg.TickIntervalSeconds),
		slog.Int("max_parallel", cfg.MaxParallelExecutions),
		slog.Int("batch_size", cfg.BatchSize))
	if err := loop.Run(ctx); err != nil {
		logger.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
