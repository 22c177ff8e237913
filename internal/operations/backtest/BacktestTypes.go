package backtest

import (
	"time"

	"RsiVwapBot/internal/services/strategy"
)

// Trade is a completed round trip.
type Trade struct {
	Symbol          string
	EntryTime       time.Time
	ExitTime        time.Time
	EntryPrice      float64
	ExitPrice       float64
	Quantity        float64
	PnL             float64
	OscillatorEntry float64
	OscillatorExit  float64
}

// For tracking equity changes
type EquityPoint struct {
	Timestamp time.Time
	Balance   float64
}

// Final backtest results
type BacktestResults struct {
	// Trade metrics
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	AveragePnL    float64
	TotalPnL      float64

	// Performance metrics
	MaxDrawdown  float64
	FinalBalance float64
	SharpeRatio  float64

	// OpenPosition is set when a position was still held on the last bar.
	OpenPosition bool

	// Detailed records
	Trades      []Trade
	EquityCurve []EquityPoint
}

// DefaultInitialBalance is the quote balance a replay starts with.
const DefaultInitialBalance = 1000.0

// Config is the replay configuration.
type Config struct {
	InitialBalance float64
	QuoteAsset     string
	Strategy       strategy.Config
}

// NewConfig creates default config
func NewConfig(cfg strategy.Config) Config {
	return Config{
		InitialBalance: DefaultInitialBalance,
		QuoteAsset:     "USDT",
		Strategy:       cfg,
	}
}
