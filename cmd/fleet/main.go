package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/botfleet/config"
	"github.com/alejandrodnm/botfleet/internal/adapters/execution"
	"github.com/alejandrodnm/botfleet/internal/adapters/metrics"
	"github.com/alejandrodnm/botfleet/internal/adapters/notify"
	"github.com/alejandrodnm/botfleet/internal/adapters/pricing"
	"github.com/alejandrodnm/botfleet/internal/adapters/storage"
	"github.com/alejandrodnm/botfleet/internal/application/anomaly"
	"github.com/alejandrodnm/botfleet/internal/application/budget"
	"github.com/alejandrodnm/botfleet/internal/application/ledger"
	"github.com/alejandrodnm/botfleet/internal/application/lifecycle"
	"github.com/alejandrodnm/botfleet/internal/application/orchestrator"
	"github.com/alejandrodnm/botfleet/internal/application/risk"
	"github.com/alejandrodnm/botfleet/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	priceBase := flag.String("prices", "", "market data base URL (empty: static paper prices)")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	slog.Info("botfleet starting",
		"config", *configPath,
		"anomaly_interval", cfg.AnomalyInterval(),
		"exchanges", len(cfg.Exchanges),
		"dsn", cfg.Storage.DSN,
	)

	store, err := storage.NewSQLiteStore(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	var prices ports.PriceProvider
	if *priceBase != "" {
		prices = pricing.NewClient(*priceBase)
	} else {
		prices = pricing.NewStatic(nil)
	}

	rules := make(map[string]budget.Rule, len(cfg.Exchanges))
	for name, ex := range cfg.Exchanges {
		rules[name] = budget.Rule{
			MaxTradesPerBotPerDay: ex.MaxTradesPerBotPerDay,
			MinCooldown:           time.Duration(ex.MinCooldownMinutes) * time.Minute,
			MaxAPICallsPerMinute:  ex.MaxAPICallsPerMinute,
		}
	}

	notifier := notify.NewConsole()
	led := ledger.New(store)
	bud := budget.New(rules, rand.New(rand.NewSource(time.Now().UnixNano())))
	gate := risk.New(store, risk.Config{
		DailyLossPct:        cfg.Risk.DailyLossPct,
		AssetExposurePct:    cfg.Risk.AssetExposurePct,
		ExchangeExposurePct: cfg.Risk.ExchangeExposurePct,
		MinNotional:         cfg.Risk.MinNotional,
	})
	machine := lifecycle.New(store, notifier, lifecycle.Criteria{
		MinPaperAge:     time.Duration(cfg.Promotion.MinPaperDays) * 24 * time.Hour,
		MinTrades:       cfg.Promotion.MinTrades,
		MinWinRate:      cfg.Promotion.MinWinRate,
		MinNetProfitPct: cfg.Promotion.MinNetProfitPct,
		MaxDrawdown:     cfg.Promotion.MaxDrawdownPct,
		MinProfitFactor: cfg.Promotion.MinProfitFactor,
	})
	monitor := anomaly.New(store, notifier, anomaly.Config{
		HourlyLossPct:  cfg.Quarantine.HourlyLossPct,
		StuckAfter:     time.Duration(cfg.Quarantine.StuckHours * float64(time.Hour)),
		AbnormalTrades: cfg.Quarantine.AbnormalTrades,
		MaxDrawdownPct: cfg.Quarantine.MaxDrawdownPct,
	}, cfg.Ladder())

	var mtx orchestrator.Metrics = orchestrator.NoopMetrics{}
	if cfg.Metrics.Enabled {
		mtx = metrics.New(nil)
		go serveMetrics(cfg.Metrics.Addr)
	}

	executor := execution.NewPaper(rand.New(rand.NewSource(time.Now().UnixNano())))

	svc := orchestrator.New(store, led, bud, gate, machine, monitor,
		prices, executor, notifier, mtx, orchestrator.Config{
			CollaboratorTimeout:  cfg.CollaboratorTimeout(),
			ReallocationFraction: cfg.Fleet.ReallocationFraction,
		})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if bots, err := store.ListBots(ctx, ports.BotFilter{}); err == nil {
		notifier.PrintFleet(bots)
	}

	sched := orchestrator.NewScheduler(svc, orchestrator.SchedulerConfig{
		LifecycleCron:    cfg.Fleet.LifecycleCron,
		DailyResetCron:   cfg.Fleet.DailyResetCron,
		ReallocationCron: cfg.Fleet.ReallocationCron,
		AnomalyInterval:  cfg.AnomalyInterval(),
	})
	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	cancel()
	sched.Stop()
	slog.Info("botfleet stopped cleanly")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server error", "err", err)
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
