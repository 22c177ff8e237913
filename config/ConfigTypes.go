package config

import (
	"time"

	"RsiVwapBot/internal/services/strategy"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the process configuration assembled from the environment.
type Config struct {
	Exchange     ExchangeConfig
	Database     DatabaseConfig
	Telegram     TelegramConfig
	Strategy     strategy.Config
	LogLevel     string
	PollInterval time.Duration
}

type ExchangeConfig struct {
	APIKey     string
	SecretKey  string
	QuoteAsset string
}

// HasCredentials reports whether both exchange keys are set.
func (e ExchangeConfig) HasCredentials() bool {
	return e.APIKey != "" && e.SecretKey != ""
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	Path     string
}

type TelegramConfig struct {
	Token           string
	AuthorizedUsers []int64
}
