package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"RsiVwapBot/config"
	"RsiVwapBot/internal/handlers"
	"RsiVwapBot/internal/operations/backtest"
	"RsiVwapBot/internal/operations/binance"
	"RsiVwapBot/internal/operations/position"
	"RsiVwapBot/internal/repositories"
	"RsiVwapBot/internal/services/strategy"
	"RsiVwapBot/internal/services/trading"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// backtestBars is the number of recent bars replayed by -backtest.
const backtestBars = 1000

func main() {
	envFile := flag.String("env", ".env", "path to the optional env file")
	runBacktest := flag.Bool("backtest", false, "replay the most recent bars and exit")
	initialBalance := flag.Float64("balance", backtest.DefaultInitialBalance, "initial quote balance of the backtest")
	flag.Parse()

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*envFile)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	logger := log.With().Str("service", "tradebot").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientLogger := logger.With().Str("component", "binance").Logger()
	client, err := binance.NewBinanceClient(&binance.ClientConfig{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		QuoteAsset: cfg.Exchange.QuoteAsset,
		Logger:     &clientLogger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create exchange client")
	}

	if *runBacktest {
		if err := backtestRecent(ctx, client, cfg.Strategy, *initialBalance, &logger); err != nil {
			logger.Fatal().Err(err).Msg("backtest failed")
		}
		return
	}

	if err := run(ctx, cfg, client, &logger); err != nil {
		logger.Fatal().Err(err).Send()
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, client *binance.BinanceClient, logger *zerolog.Logger) error {
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	tradeRepo := repositories.NewTradeRepository(db)
	capitalRepo := repositories.NewCapitalRepository(db)
	settingsRepo := repositories.NewSettingsRepository(db)

	settings, err := restoreSettings(ctx, settingsRepo, cfg.Strategy, logger)
	if err != nil {
		return err
	}

	machineLogger := logger.With().Str("component", "position").Logger()
	machine, err := position.NewMachine(&position.MachineConfig{
		Venue:  client,
		Ledger: tradeRepo,
		Logger: &machineLogger,
	})
	if err != nil {
		return fmt.Errorf("creating position machine: %w", err)
	}

	// The telegram handler is built after the trader it controls.
	var telegram *handlers.TelegramHandler
	notify := func(msg string) {
		if telegram != nil {
			telegram.Notify(msg)
			return
		}
		logger.Info().Msg(msg)
	}

	traderLogger := logger.With().Str("component", "trader").Logger()
	trader, err := trading.NewTrader(&trading.TraderConfig{
		Settings:     settings,
		Machine:      machine,
		Exchange:     client,
		Capital:      capitalRepo,
		PollInterval: cfg.PollInterval,
		Notify:       notify,
		Logger:       &traderLogger,
	})
	if err != nil {
		return fmt.Errorf("creating trader: %w", err)
	}
	defer trader.Stop()

	if cfg.Telegram.Token == "" {
		if !cfg.Exchange.HasCredentials() {
			return errors.New("neither a telegram token nor exchange credentials are configured")
		}
		logger.Warn().Msg("no telegram token configured, trading without a control surface")
		if err := trader.Start(ctx); err != nil {
			return fmt.Errorf("starting trader: %w", err)
		}
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	}

	commandLogger := logger.With().Str("component", "commands").Logger()
	commands, err := handlers.NewCommandHandler(&handlers.CommandHandlerConfig{
		Settings:       settings,
		Trader:         trader,
		Exchange:       client,
		Trades:         tradeRepo,
		Capital:        capitalRepo,
		Store:          settingsRepo,
		SettingsKey:    repositories.StrategySettingsKey,
		HasCredentials: cfg.Exchange.HasCredentials(),
		Logger:         &commandLogger,
	})
	if err != nil {
		return fmt.Errorf("creating command handler: %w", err)
	}

	telegramLogger := logger.With().Str("component", "telegram").Logger()
	telegram, err = handlers.NewTelegramHandler(&handlers.TelegramConfig{
		Token:           cfg.Telegram.Token,
		AuthorizedUsers: cfg.Telegram.AuthorizedUsers,
		Commands:        commands,
		Logger:          &telegramLogger,
	})
	if err != nil {
		return err
	}

	logger.Info().Msg("waiting for telegram commands")
	if err := telegram.Run(ctx); err != nil {
		return fmt.Errorf("telegram handler stopped: %w", err)
	}
	logger.Info().Msg("shutting down")
	return nil
}

// restoreSettings overlays the persisted strategy settings onto the
// environment defaults. Unusable persisted settings are ignored.
func restoreSettings(ctx context.Context, repo *repositories.SettingsRepository, base strategy.Config, logger *zerolog.Logger) (*strategy.Settings, error) {
	raw, found, err := repo.Load(ctx, repositories.StrategySettingsKey)
	if err != nil {
		return nil, fmt.Errorf("loading strategy settings: %w", err)
	}

	if found {
		restored, err := strategy.DecodeConfig(base, raw)
		if err == nil {
			err = restored.Validate()
		}
		if err == nil {
			logger.Info().Msg("restored persisted strategy settings")
			return strategy.NewSettings(restored)
		}
		logger.Warn().Err(err).Msg("ignoring persisted strategy settings")
	}

	return strategy.NewSettings(base)
}

func backtestRecent(ctx context.Context, client *binance.BinanceClient, cfg strategy.Config, balance float64, logger *zerolog.Logger) error {
	series, err := client.FetchSeries(ctx, cfg.Symbol, cfg.Timeframe, backtestBars)
	if err != nil {
		return fmt.Errorf("fetching %s history: %w", cfg.Symbol, err)
	}

	btConfig := backtest.NewConfig(cfg)
	btConfig.InitialBalance = balance

	engineLogger := logger.With().Str("component", "backtest").Logger()
	engine, err := backtest.NewEngine(btConfig, &engineLogger)
	if err != nil {
		return err
	}

	results, err := engine.Run(ctx, series)
	if err != nil {
		return err
	}

	fmt.Printf("\n=== Backtest Results: %s %s, %d bars ===\n", cfg.Symbol, cfg.Timeframe, len(series))
	fmt.Printf("Total Trades: %d\n", results.TotalTrades)
	fmt.Printf("Winning Trades: %d (%.2f%%)\n", results.WinningTrades, results.WinRate*100)
	fmt.Printf("Average PnL: $%.2f\n", results.AveragePnL)
	fmt.Printf("Total PnL: $%.2f\n", results.TotalPnL)
	fmt.Printf("Max Drawdown: %.2f%%\n", results.MaxDrawdown*100)
	fmt.Printf("Final Balance: $%.2f\n", results.FinalBalance)
	fmt.Printf("Sharpe Ratio: %.2f\n", results.SharpeRatio)
	if results.OpenPosition {
		fmt.Println("A position was still open on the last bar.")
	}

	return nil
}
