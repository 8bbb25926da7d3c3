package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"fxPilot/config"
	"fxPilot/internal/adapters/binanceclient"
	"fxPilot/internal/adapters/logger"
	"fxPilot/internal/adapters/sqlite"
	"fxPilot/internal/app"
	"fxPilot/internal/eventbus"
	"fxPilot/internal/executor"
	"fxPilot/internal/netting"
	"fxPilot/internal/reconciler"
	"fxPilot/internal/risk"
	"fxPilot/internal/trailing"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Order Book Store (Database Adapter)
	store, err := sqlite.NewStore(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize order book store")
		log.Fatalf("FATAL: Failed to initialize order book store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing order book store")
		}
	}()

	// 4. Initialize Broker Gateway (Binance Adapter)
	gateway, err := binanceclient.New(binanceclient.Config{
		APIKey:        cfg.APIKey,
		SecretKey:     cfg.SecretKey,
		UseTestnet:    cfg.IsTestnet,
		Logger:        appLogger,
		SubmitTimeout: cfg.SubmitTimeout,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Event Bus
	bus := eventbus.New(appLogger)

	// 6. Core Components
	exec, err := executor.New(executor.Config{
		Broker: gateway, Book: store, Bus: bus, Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize executor: %v", err)
	}

	recon, err := reconciler.New(reconciler.Config{
		Broker: gateway, Book: store, Journal: store, Bus: bus, Logger: appLogger,
		PollInterval:     cfg.ReconPollInterval,
		Lookback:         cfg.ReconLookback,
		StaleAfter:       cfg.ReconStaleAfter,
		FailureThreshold: cfg.ReconFailureThreshold,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize reconciler: %v", err)
	}

	governor, err := risk.NewGovernor(context.Background(), risk.Config{
		Store: store, Bus: bus, Logger: appLogger,
		MaxTradesPerSession: cfg.MaxTradesPerSession,
		LossThreshold:       cfg.LossThreshold,
		Cooldown:            cfg.Cooldown,
		Blackouts:           cfg.Blackouts,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk governor: %v", err)
	}

	aggregator, err := netting.New(cfg.NettingMode, cfg.ReduceRule, cfg.VolumeStep)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize netting aggregator: %v", err)
	}

	trail, err := trailing.New(trailing.Config{
		Params: trailing.Params{
			UseATR:        cfg.TrailingUseATR,
			ATRPeriod:     cfg.TrailingATRPeriod,
			ATRMultiplier: cfg.TrailingATRMultiplier,
			FixedBuffer:   cfg.TrailingFixedBuffer,
			MinStep:       cfg.TrailingMinStep,
			Hysteresis:    cfg.TrailingHysteresis,
		},
		Breakeven: trailing.BreakevenParams{
			Trigger: cfg.BreakevenTrigger,
			Buffer:  cfg.BreakevenBuffer,
		},
		Writer: &app.LotStopWriter{Gateway: gateway},
		Bus:    bus,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trailing manager: %v", err)
	}

	// 7. Application Service
	service, err := app.NewService(app.Deps{
		Cfg: cfg, Logger: appLogger, Gateway: gateway, Book: store, Bus: bus,
		Exec: exec, Recon: recon, Governor: governor, Aggregator: aggregator, Trail: trail,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize service")
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}

	// 8. Run
	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Service exited with error")
		log.Fatalf("FATAL: Service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
