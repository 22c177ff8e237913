package indicators

import (
	"fmt"

	"RsiVwapBot/internal/models"
)

// TypicalPrices returns (high + low + close) / 3 for every bar.
func TypicalPrices(series models.Series) []float64 {
	prices := make([]float64, len(series))
	for i := range series {
		prices[i] = (series[i].High + series[i].Low + series[i].Close) / 3
	}
	return prices
}

// RollingVWAP returns the volume weighted average typical price over a
// trailing window of length bars. Readings are undefined until length bars
// are available and wherever the window carries no volume.
func RollingVWAP(series models.Series, length int) ([]Reading, error) {
	if length <= 0 {
		return nil, fmt.Errorf("vwap length must be positive, got %d", length)
	}

	typical := TypicalPrices(series)
	vwap := make([]Reading, len(series))

	for i := length - 1; i < len(series); i++ {
		var priceVolume, volume float64
		for j := i - length + 1; j <= i; j++ {
			priceVolume += typical[j] * series[j].Volume
			volume += series[j].Volume
		}
		if volume == 0 {
			continue
		}
		vwap[i] = Reading{Value: priceVolume / volume, Defined: true}
	}

	return vwap, nil
}

// RSIVWAP computes the RSI of the rolling VWAP. The series must hold at
// least length+1 bars.
func RSIVWAP(series models.Series, length int) ([]Reading, error) {
	if length <= 0 {
		return nil, fmt.Errorf("rsi-vwap length must be positive, got %d", length)
	}
	if len(series) < length+1 {
		return nil, fmt.Errorf("%w: need %d bars, got %d", ErrInsufficientData, length+1, len(series))
	}

	vwap, err := RollingVWAP(series, length)
	if err != nil {
		return nil, err
	}

	return RSI(vwap, length)
}
