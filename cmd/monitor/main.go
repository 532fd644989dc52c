package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"paperengine/internal/application/loader"
	"paperengine/internal/application/port"
	"paperengine/internal/domain/model"
	"paperengine/internal/infrastructure/broker/alpaca"
	"paperengine/internal/infrastructure/config"
	"paperengine/internal/infrastructure/logger"
	redispub "paperengine/internal/infrastructure/pubsub/redis"
	"paperengine/internal/infrastructure/storage/postgres"
	"paperengine/internal/infrastructure/storage/sqlite"
)

func main() {
	logger.Setup(false)

	configPath := flag.String("config", "configs/monitor.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	if cfg.Loader.Debug {
		logger.Setup(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog := model.MonitorCatalog()
	store, err := openStore(cfg, "monitor", catalog)
	if err != nil {
		log.Fatal().Err(err).Msg("open store failed")
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("store unreachable")
	}

	broker := alpaca.NewClient(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.BaseURL, cfg.Broker.DataURL)

	var pub port.Publisher
	if cfg.Redis.Enabled {
		p := redispub.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ChannelPrefix)
		defer p.Close()
		pub = p
	}

	ldr := loader.NewMonitor(loader.MonitorDeps{
		Store:     store,
		Broker:    broker,
		Publisher: pub,
		Catalog:   catalog,
		Config: loader.MonitorConfig{
			StrategyID:    cfg.Portfolio.StrategyID,
			PortfolioType: cfg.Portfolio.Type,
			RebalFreq:     cfg.Portfolio.RebalFreq,
			WgtMethod:     cfg.Portfolio.WgtMethod,
			Adjust:        cfg.Portfolio.Adjust,
			DryRun:        cfg.Loader.DryRun,
			Notifications: cfg.Loader.Notifications,
			MinSleep:      cfg.Loader.MinSleepDur,
			MaxSleep:      cfg.Loader.MaxSleepDur,
		},
	})

	log.Info().
		Str("config", *configPath).
		Bool("service", cfg.Loader.Service).
		Str("target", cfg.Target.Driver).
		Msg("portfolio monitor started")

	if cfg.Loader.Service {
		err = ldr.Run(ctx)
	} else {
		err = ldr.RunOnce(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("portfolio monitor exited")
	}
}

func openStore(cfg *config.Config, loaderName string, catalog model.Catalog) (port.Store, error) {
	if cfg.Target.Driver == "sqlite" {
		return sqlite.New(cfg.Target.Path, loaderName, catalog)
	}
	return postgres.New(cfg.Target.DSN, loaderName, catalog)
}
