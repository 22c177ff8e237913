package strategy

import (
	"fmt"

	"RsiVwapBot/internal/models"
	"RsiVwapBot/internal/services/indicators"
)

// Signal is the outcome of an entry or exit evaluation.
type Signal struct {
	Fire       bool
	Oscillator float64
	BullMarket bool
}

// latestOscillator returns the trailing RSI-VWAP value of the series.
func latestOscillator(series models.Series, cfg Config) (float64, error) {
	if len(series) < cfg.RSILength+1 {
		return 0, fmt.Errorf("%w: need %d bars, got %d", indicators.ErrInsufficientData,
			cfg.RSILength+1, len(series))
	}

	readings, err := indicators.RSIVWAP(series, cfg.RSILength)
	if err != nil {
		return 0, err
	}

	value, ok := indicators.Latest(readings)
	if !ok {
		return 0, fmt.Errorf("%w: oscillator undefined on %d bars with length %d",
			indicators.ErrInsufficientData, len(series), cfg.RSILength)
	}

	return value, nil
}

// entryFires reports whether a long entry triggers: trend filter passing and
// the oscillator strictly below the entry threshold.
func entryFires(oscillator float64, bullMarket bool, cfg Config) bool {
	return bullMarket && oscillator < cfg.EntryThreshold
}

// exitFires reports whether the oscillator is strictly above the exit threshold.
func exitFires(oscillator float64, cfg Config) bool {
	return oscillator > cfg.ExitThreshold
}

// EvaluateEntry checks the entry conditions on the series.
func EvaluateEntry(series models.Series, cfg Config) (Signal, error) {
	oscillator, err := latestOscillator(series, cfg)
	if err != nil {
		return Signal{}, err
	}

	bull := indicators.IsBullMarket(series, cfg.TrendWindow)
	return Signal{
		Fire:       entryFires(oscillator, bull, cfg),
		Oscillator: oscillator,
		BullMarket: bull,
	}, nil
}

// EvaluateExit checks the exit condition on the series. The trend filter is
// reported but not consulted.
func EvaluateExit(series models.Series, cfg Config) (Signal, error) {
	oscillator, err := latestOscillator(series, cfg)
	if err != nil {
		return Signal{}, err
	}

	return Signal{
		Fire:       exitFires(oscillator, cfg),
		Oscillator: oscillator,
		BullMarket: indicators.IsBullMarket(series, cfg.TrendWindow),
	}, nil
}
