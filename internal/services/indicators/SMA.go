package indicators

import "RsiVwapBot/internal/models"

// DefaultTrendWindow is the moving average window of the trend filter.
const DefaultTrendWindow = 200

// SMA returns the simple moving average of values over window samples.
func SMA(values []float64, window int) []Reading {
	sma := make([]Reading, len(values))
	if window <= 0 {
		return sma
	}

	sum := 0.0
	for i := range values {
		sum += values[i]
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			sma[i] = Reading{Value: sum / float64(window), Defined: true}
		}
	}

	return sma
}

// IsBullMarket reports whether the latest close is strictly above its window
// bar simple moving average. It fails closed when fewer than window bars are
// available.
func IsBullMarket(series models.Series, window int) bool {
	if window <= 0 || len(series) < window {
		return false
	}

	closes := series.Closes()
	ma, ok := Latest(SMA(closes, window))
	if !ok {
		return false
	}

	return closes[len(closes)-1] > ma
}
