package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/api"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/bot"
	"binance-grid-bot/internal/database"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/logging"
	"binance-grid-bot/internal/notification"
	"binance-grid-bot/internal/protection"
	"binance-grid-bot/internal/scheduler"
	trend "binance-grid-bot/internal/signal"
	"binance-grid-bot/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "main",
	})

	ctx := context.Background()
	symbol := cfg.GridConfig.Symbol

	// Credentials come from Vault when enabled, config/env otherwise.
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize vault client")
	}
	creds, err := vaultClient.Credentials(ctx, cfg.BinanceConfig.APIKey, cfg.BinanceConfig.SecretKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve exchange credentials")
	}

	bus := events.NewBus()

	if cfg.NotificationConfig.Enabled {
		manager := notification.NewManager()
		if cfg.NotificationConfig.Telegram.Enabled {
			manager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  true,
			}))
		}
		if cfg.NotificationConfig.Discord.Enabled {
			manager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    true,
			}))
		}
		notification.NewBridge(manager, bus, logger)
		logger.Info().Msg("alert notifications enabled")
	}

	limiter := binance.NewRateLimiter()
	client := binance.NewClient(creds.APIKey, creds.SecretKey, cfg.BinanceConfig.BaseURL, limiter, logger)

	// The trade sink and scheduled reports need the database; without it
	// the bot still trades, it just keeps no history.
	var repo *database.Repository
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		repo = database.NewRepository(db)
	}

	var sink grid.TradeSink
	if repo != nil {
		sink = repo
	}
	engine := grid.NewEngine(client, grid.Config{
		Symbol:            symbol,
		GridSpacing:       cfg.GridConfig.GridSpacing,
		InitialQuantity:   cfg.GridConfig.InitialQuantity,
		PositionThreshold: cfg.GridConfig.PositionThreshold,
		PositionLimit:     cfg.GridConfig.PositionLimit,
		OrderFirstTime:    cfg.GridConfig.OrderFirstTime,
	}, sink, bus, logger)

	store := protection.NewStore(cfg.RedisConfig, symbol, logger)
	defer store.Close()

	executor := protection.NewExecutor(client, symbol,
		cfg.ProtectionConfig.FlattenOffset, cfg.ProtectionConfig.FlattenTimeout, logger)

	machine := protection.NewMachine(protection.Config{
		Symbol:              symbol,
		ExtremeThreshold:    cfg.ProtectionConfig.ExtremeThreshold,
		NoiseThreshold:      cfg.ProtectionConfig.NoiseThreshold,
		ATRPeriod:           cfg.ProtectionConfig.ATRPeriod,
		BaselineMinSamples:  cfg.ProtectionConfig.BaselineMinSamples,
		RecoveryMultiplier:  cfg.ProtectionConfig.RecoveryMultiplier,
		HibernationDuration: time.Duration(cfg.ProtectionConfig.HibernationHours * float64(time.Hour)),
	}, store, executor, bus, logger)

	signalCfg := trend.DefaultConfig(symbol)
	if cfg.SignalConfig.KlineInterval != "" {
		signalCfg.KlineInterval = cfg.SignalConfig.KlineInterval
	}
	if cfg.SignalConfig.KlineLimit > 0 {
		signalCfg.KlineLimit = cfg.SignalConfig.KlineLimit
	}
	if cfg.SignalConfig.ADXThreshold > 0 {
		signalCfg.ADXThreshold = cfg.SignalConfig.ADXThreshold
	}
	adapter := trend.NewAdapter(client, signalCfg, bus, logger)

	marketStream := binance.NewMarketStream(cfg.BinanceConfig.WSBaseURL, symbol, logger)
	userStream := binance.NewUserDataStream(client, cfg.BinanceConfig.WSBaseURL, logger)

	tradingBot := bot.New(cfg, client, engine, machine, adapter, marketStream, userStream, bus, logger)

	sched := scheduler.New(logger)
	if repo != nil {
		sched.Register("daily-summary", scheduler.Daily(0, 0), func(ctx context.Context) error {
			yesterday := time.Now().AddDate(0, 0, -1)
			longPos, shortPos := engine.Positions()
			summary, err := repo.BuildDailySummary(ctx, symbol, yesterday, longPos, shortPos)
			if err != nil {
				return err
			}
			return repo.SaveDailySummary(ctx, summary)
		})
		sched.Register("weekly-cleanup", scheduler.Weekly(time.Sunday, 2, 0), func(ctx context.Context) error {
			if _, err := repo.DeleteFillsBefore(ctx, time.Now().AddDate(0, 0, -90)); err != nil {
				return err
			}
			_, err := repo.DeleteBackupsBefore(ctx, time.Now().AddDate(0, 0, -30))
			return err
		})
		sched.Register("state-backup", scheduler.Every(time.Hour), func(ctx context.Context) error {
			snapshot, err := json.Marshal(tradingBot.Status())
			if err != nil {
				return err
			}
			return repo.SaveStateBackup(ctx, symbol, snapshot)
		})
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: true,
		}, tradingBot, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("status server stopped")
			}
		}()
	}

	if err := tradingBot.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start bot")
	}
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	logger.Info().
		Str("symbol", symbol).
		Bool("testnet", cfg.BinanceConfig.TestNet).
		Msg("grid bot running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("status server shutdown error")
		}
	}
	if err := sched.Stop(); err != nil {
		logger.Warn().Err(err).Msg("scheduler shutdown error")
	}
	tradingBot.Stop()

	if err := machine.Persist(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to persist protection state")
	}
}
