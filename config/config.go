package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"RsiVwapBot/internal/services/strategy"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	defaultQuoteAsset   = "USDT"
	defaultDBPath       = "tradebot.db"
	defaultDBPort       = 5432
	defaultLogLevel     = "info"
	defaultPollInterval = time.Minute
)

// Load reads the optional env file at path, then the process environment.
// Variables already present in the environment take precedence over the file.
func Load(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", path, err)
		}
	}

	var errs error
	collect := func(err error) {
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}

	cfg := &Config{
		Exchange: ExchangeConfig{
			APIKey:     os.Getenv("BINANCE_API_KEY"),
			SecretKey:  os.Getenv("BINANCE_SECRET_KEY"),
			QuoteAsset: envString("QUOTE_ASSET", defaultQuoteAsset),
		},
		Database: DatabaseConfig{
			Driver:   envString("DB_DRIVER", DriverSQLite),
			Host:     os.Getenv("DB_HOST"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   os.Getenv("DB_NAME"),
			Path:     envString("DB_PATH", defaultDBPath),
		},
		Telegram: TelegramConfig{
			Token: os.Getenv("TELEGRAM_BOT_TOKEN"),
		},
		Strategy: strategy.DefaultConfig(),
		LogLevel: envString("LOG_LEVEL", defaultLogLevel),
	}

	var err error
	cfg.Database.Port, err = envInt("DB_PORT", defaultDBPort)
	collect(err)
	cfg.PollInterval, err = envDuration("POLL_INTERVAL", defaultPollInterval)
	collect(err)
	cfg.Telegram.AuthorizedUsers, err = envIDs("TELEGRAM_AUTHORIZED_USERS")
	collect(err)

	s := &cfg.Strategy
	s.Symbol = strings.ToUpper(envString("TRADING_SYMBOL", s.Symbol))
	s.Timeframe = envString("TRADING_TIMEFRAME", s.Timeframe)
	s.RSILength, err = envInt("RSI_LENGTH", s.RSILength)
	collect(err)
	s.EntryThreshold, err = envFloat("RSI_ENTRY", s.EntryThreshold)
	collect(err)
	s.ExitThreshold, err = envFloat("RSI_EXIT", s.ExitThreshold)
	collect(err)
	s.RiskPerTrade, err = envFloat("RISK_PER_TRADE", s.RiskPerTrade)
	collect(err)
	s.StopLossPct, err = envFloat("STOP_LOSS_PCT", s.StopLossPct)
	collect(err)
	s.Demo, err = envBool("BINANCE_DEMO", true)
	collect(err)

	if errs != nil {
		return nil, errs
	}

	return cfg, nil
}

// Validate asserts the config sane inputs.
func (c *Config) Validate() error {
	var errs error

	if c.Exchange.QuoteAsset == "" {
		errs = errors.Join(errs, errors.New("quote asset cannot be an empty string"))
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			errs = errors.Join(errs, errors.New("postgres requires DB_HOST"))
		}
		if c.Database.DBName == "" {
			errs = errors.Join(errs, errors.New("postgres requires DB_NAME"))
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = errors.Join(errs, errors.New("sqlite requires DB_PATH"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}

	if c.PollInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = errors.Join(errs, fmt.Errorf("invalid log level: %w", err))
	}

	if err := c.Strategy.Validate(); err != nil {
		errs = errors.Join(errs, err)
	}

	return errs
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// envIDs parses a comma separated list of chat user ids.
func envIDs(key string) ([]int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}

	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
