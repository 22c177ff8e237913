package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"RsiVwapBot/internal/models"
	"RsiVwapBot/internal/services/indicators"
	"github.com/tidwall/gjson"
)

// ErrOutOfRange is returned when a configuration value leaves its allowed range.
var ErrOutOfRange = errors.New("value out of range")

const (
	MinRiskPerTrade = 0.1
	MaxRiskPerTrade = 10.0

	MinEntryThreshold = 1.0
	MaxEntryThreshold = 30.0

	MinExitThreshold = 70.0
	MaxExitThreshold = 99.0

	MinRSILength = 10
	MaxRSILength = 200

	MinStopLoss = 1.0
	MaxStopLoss = 20.0

	// MaxPositions is fixed: the bot holds at most one position.
	MaxPositions = 1
)

// Config is an immutable snapshot of the strategy parameters.
type Config struct {
	Symbol         string  `json:"symbol"`
	Timeframe      string  `json:"timeframe"`
	RSILength      int     `json:"rsi_length"`
	EntryThreshold float64 `json:"rsi_entry_threshold"`
	ExitThreshold  float64 `json:"rsi_exit_threshold"`
	RiskPerTrade   float64 `json:"risk_per_trade"`
	StopLossPct    float64 `json:"stop_loss_pct"`
	MaxPositions   int     `json:"max_positions"`
	TrendWindow    int     `json:"trend_window"`
	Demo           bool    `json:"is_demo"`
	Active         bool    `json:"-"`
}

// DefaultConfig returns the stock RSI-VWAP parameters.
func DefaultConfig() Config {
	return Config{
		Symbol:         "BTCUSDT",
		Timeframe:      models.TimeFrame15m,
		RSILength:      50,
		EntryThreshold: 10,
		ExitThreshold:  95,
		RiskPerTrade:   2,
		StopLossPct:    5,
		MaxPositions:   MaxPositions,
		TrendWindow:    indicators.DefaultTrendWindow,
	}
}

func checkRange[T int | float64](name string, v, lo, hi T) error {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || v < lo || v > hi {
		return fmt.Errorf("%w: %s must be between %v and %v, got %v", ErrOutOfRange, name, lo, hi, v)
	}
	return nil
}

// Validate asserts the config sane inputs.
func (c *Config) Validate() error {
	var errs error

	if c.Symbol == "" {
		errs = errors.Join(errs, fmt.Errorf("%w: symbol cannot be an empty string", ErrOutOfRange))
	}
	if !slices.Contains(models.TimeFrames, c.Timeframe) {
		errs = errors.Join(errs, fmt.Errorf("%w: unknown timeframe %q", ErrOutOfRange, c.Timeframe))
	}
	if err := checkRange("rsi length", c.RSILength, MinRSILength, MaxRSILength); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := checkRange("entry threshold", c.EntryThreshold, MinEntryThreshold, MaxEntryThreshold); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := checkRange("exit threshold", c.ExitThreshold, MinExitThreshold, MaxExitThreshold); err != nil {
		errs = errors.Join(errs, err)
	}
	if c.EntryThreshold >= c.ExitThreshold {
		errs = errors.Join(errs, fmt.Errorf("%w: entry threshold %v must be below exit threshold %v",
			ErrOutOfRange, c.EntryThreshold, c.ExitThreshold))
	}
	if err := checkRange("risk per trade", c.RiskPerTrade, MinRiskPerTrade, MaxRiskPerTrade); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := checkRange("stop loss", c.StopLossPct, MinStopLoss, MaxStopLoss); err != nil {
		errs = errors.Join(errs, err)
	}
	if c.MaxPositions != MaxPositions {
		errs = errors.Join(errs, fmt.Errorf("%w: max positions is fixed at %d, got %d",
			ErrOutOfRange, MaxPositions, c.MaxPositions))
	}
	if c.TrendWindow <= 0 {
		errs = errors.Join(errs, fmt.Errorf("%w: trend window must be positive, got %d",
			ErrOutOfRange, c.TrendWindow))
	}

	return errs
}

// SeriesLimit is the number of bars fetched per cycle: enough for the trend
// filter and for an oscillator window clear of warm-up bars.
func (c *Config) SeriesLimit() int {
	return max(c.TrendWindow, 2*c.RSILength)
}

// EncodeConfig serialises the persistent fields of the config.
func EncodeConfig(c Config) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding strategy config: %w", err)
	}
	return string(data), nil
}

// DecodeConfig overlays the fields present in raw onto base. Missing or
// mistyped fields keep the base value. The result is not validated.
func DecodeConfig(base Config, raw string) (Config, error) {
	if !gjson.Valid(raw) {
		return base, fmt.Errorf("decoding strategy config: invalid json")
	}

	cfg := base
	doc := gjson.Parse(raw)

	if v := doc.Get("symbol"); v.Type == gjson.String {
		cfg.Symbol = v.String()
	}
	if v := doc.Get("timeframe"); v.Type == gjson.String {
		cfg.Timeframe = v.String()
	}
	if v := doc.Get("rsi_length"); v.Type == gjson.Number {
		cfg.RSILength = int(v.Int())
	}
	if v := doc.Get("rsi_entry_threshold"); v.Type == gjson.Number {
		cfg.EntryThreshold = v.Float()
	}
	if v := doc.Get("rsi_exit_threshold"); v.Type == gjson.Number {
		cfg.ExitThreshold = v.Float()
	}
	if v := doc.Get("risk_per_trade"); v.Type == gjson.Number {
		cfg.RiskPerTrade = v.Float()
	}
	if v := doc.Get("stop_loss_pct"); v.Type == gjson.Number {
		cfg.StopLossPct = v.Float()
	}
	if v := doc.Get("trend_window"); v.Type == gjson.Number {
		cfg.TrendWindow = int(v.Int())
	}
	if v := doc.Get("is_demo"); v.Type == gjson.True || v.Type == gjson.False {
		cfg.Demo = v.Bool()
	}

	return cfg, nil
}
