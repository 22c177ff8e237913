package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSeries is returned when a series breaks ordering or volume rules.
var ErrInvalidSeries = errors.New("invalid series")

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Series is a time-ordered sequence of candles, oldest first.
type Series []Candle

const (
	TimeFrame1m  = "1m"
	TimeFrame5m  = "5m"
	TimeFrame15m = "15m"
	TimeFrame1h  = "1h"
	TimeFrame4h  = "4h"
	TimeFrame1d  = "1d"
)

// TimeFrames lists the candle intervals the bot can trade on.
var TimeFrames = []string{
	TimeFrame1m, "3m", TimeFrame5m, TimeFrame15m, "30m",
	TimeFrame1h, "2h", TimeFrame4h, "6h", "8h", "12h", TimeFrame1d,
}

// Validate checks that the series is non-empty, strictly increasing in time
// and carries no negative volume.
func (s Series) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidSeries)
	}
	for i := range s {
		if s[i].Volume < 0 {
			return fmt.Errorf("%w: negative volume at %s", ErrInvalidSeries,
				s[i].OpenTime.Format(time.RFC3339))
		}
		if i > 0 && !s[i].OpenTime.After(s[i-1].OpenTime) {
			return fmt.Errorf("%w: bar %d at %s does not follow %s", ErrInvalidSeries, i,
				s[i].OpenTime.Format(time.RFC3339), s[i-1].OpenTime.Format(time.RFC3339))
		}
	}
	return nil
}

// Closes returns the close prices of the series.
func (s Series) Closes() []float64 {
	closes := make([]float64, len(s))
	for i := range s {
		closes[i] = s[i].Close
	}
	return closes
}

// Last returns the most recent candle. The series must not be empty.
func (s Series) Last() Candle {
	return s[len(s)-1]
}
