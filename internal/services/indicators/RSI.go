package indicators

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when a series is too short to produce a
// defined indicator value.
var ErrInsufficientData = errors.New("insufficient data")

// Reading is one indicator value aligned to a bar. Undefined readings mark the
// warm-up window.
type Reading struct {
	Value   float64
	Defined bool
}

// Latest returns the most recent reading and whether it is defined.
func Latest(readings []Reading) (float64, bool) {
	if len(readings) == 0 {
		return 0, false
	}
	last := readings[len(readings)-1]
	return last.Value, last.Defined
}

// Defined wraps plain values as defined readings.
func Defined(values []float64) []Reading {
	readings := make([]Reading, len(values))
	for i, v := range values {
		readings[i] = Reading{Value: v, Defined: true}
	}
	return readings
}

// RSI computes the relative strength index of the provided readings using
// simple rolling means of gains and losses over length samples.
//
// Undefined differences count as zero gain and zero loss, so the first reading
// is available one sample after the first defined input pair. A window with no
// defined difference stays undefined. When the average loss is exactly zero
// the value saturates at 100.
func RSI(values []Reading, length int) ([]Reading, error) {
	if length <= 0 {
		return nil, fmt.Errorf("rsi length must be positive, got %d", length)
	}

	rsi := make([]Reading, len(values))
	if len(values) < length+1 {
		return rsi, nil
	}

	gains := make([]float64, len(values))
	losses := make([]float64, len(values))
	deltaDefined := make([]bool, len(values))

	for i := 1; i < len(values); i++ {
		if !values[i].Defined || !values[i-1].Defined {
			continue
		}
		change := values[i].Value - values[i-1].Value
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
		deltaDefined[i] = true
	}

	for i := length; i < len(values); i++ {
		var gainSum, lossSum float64
		defined := false
		for j := i - length + 1; j <= i; j++ {
			defined = defined || deltaDefined[j]
			gainSum += gains[j]
			lossSum += losses[j]
		}
		if !defined {
			continue
		}

		avgGain := gainSum / float64(length)
		avgLoss := lossSum / float64(length)
		rsi[i] = Reading{Value: oscillator(avgGain, avgLoss), Defined: true}
	}

	return rsi, nil
}

// oscillator maps average gain and loss to [0, 100].
func oscillator(avgGain, avgLoss float64) float64 {
	if avgLoss <= 0 {
		return 100
	}
	rs := avgGain / avgLoss
	value := 100 - (100 / (1 + rs))
	switch {
	case value < 0:
		return 0
	case value > 100:
		return 100
	}
	return value
}
