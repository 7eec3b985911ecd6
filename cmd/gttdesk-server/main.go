package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"gttdesk/internal/api"
	"gttdesk/internal/broker"
	"gttdesk/internal/config"
	"gttdesk/internal/desk"
	"gttdesk/internal/engine"
	"gttdesk/internal/feed"
	"gttdesk/internal/scheduler"
	"gttdesk/internal/store"
	"gttdesk/internal/util"
)

func main() {
	// Load config. A missing default file falls back to defaults plus env.
	cfgPath := "config/gttdesk.yaml"
	if p := os.Getenv("GTTDESK_CONFIG"); p != "" {
		cfgPath = p
	} else if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		cfgPath = ""
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gttdesk-server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN())
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Storage.Driver, err)
	}
	defer st.Close()

	b, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	throttle := util.NewIntervalLimiter(cfg.Broker.PlacementInterval)

	d := desk.New(desk.Config{
		Plans:      st,
		Journal:    st,
		Engine:     engine.NewEngine(b, throttle, logger),
		Risk:       engine.NewRiskManager(cfg.Trading.MaxLayers),
		Feed:       feed.New(logger),
		ArchiveDir: cfg.Storage.ArchiveDir,
		Logger:     logger,
	})
	srv := api.NewServer(d, cfg.Server, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("gttdesk-server starting",
		"broker", b.Name(),
		"storage", cfg.Storage.Driver,
		"http", cfg.Server.Addr(),
		"grpc", cfg.Server.GRPCAddr(),
	)

	var autoScan *scheduler.AutoScan
	if cfg.AutoScan.Enabled {
		var cal *util.TradingCalendar
		if cfg.AutoScan.MarketHoursOnly {
			cal = util.NSECalendar()
		}
		if autoScan, err = scheduler.New(d, cfg.AutoScan.Schedule, cal, logger); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if autoScan != nil {
		g.Go(func() error { return autoScan.Run(gctx) })
	}
	return g.Wait()
}

func newBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch strings.ToLower(cfg.Broker.Name) {
	case "definedge":
		return broker.NewDefinedgeBroker(broker.DefinedgeOptions{
			BaseURL:      cfg.Definedge.BaseURL,
			SessionKey:   cfg.Definedge.SessionKey,
			Timeout:      cfg.Definedge.Timeout,
			ListAttempts: cfg.Broker.ListRetries,
			RetryDelay:   cfg.Broker.RetryDelay,
			Limiter:      util.NewRateLimiter(cfg.Broker.RequestsPerMinute),
			Logger:       logger,
		}), nil
	case "alpaca":
		return broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL), nil
	case "simulator":
		logger.Warn("using the in-memory simulator broker; no real alerts will be placed")
		return broker.NewSimulatorBroker(), nil
	}
	return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Name)
}
