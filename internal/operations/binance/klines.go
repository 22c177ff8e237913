package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"RsiVwapBot/internal/models"
	"github.com/adshao/go-binance/v2"
)

// maxKlineLimit is the largest page the klines endpoint serves.
const maxKlineLimit = 1000

// FetchSeries returns the most recent limit candles for the symbol, oldest first.
func (c *BinanceClient) FetchSeries(ctx context.Context, symbol, timeframe string, limit int) (models.Series, error) {
	if limit <= 0 || limit > maxKlineLimit {
		return nil, fmt.Errorf("kline limit must be between 1 and %d, got %d", maxKlineLimit, limit)
	}

	klines, err := withRetry(ctx, c, "fetching klines", func(ctx context.Context) ([]*binance.Kline, error) {
		return c.client.NewKlinesService().
			Symbol(symbol).
			Interval(timeframe).
			Limit(limit).
			Do(ctx)
	})
	if err != nil {
		return nil, err
	}

	series := make(models.Series, 0, len(klines))
	for _, k := range klines {
		candle, err := toCandle(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidSeries, err)
		}
		series = append(series, candle)
	}

	c.cfg.Logger.Debug().Msgf("fetched %d %s candles for %s", len(series), timeframe, symbol)

	return series, nil
}

func toCandle(k *binance.Kline) (models.Candle, error) {
	var errs error
	parse := func(field, s string) float64 {
		v, err := parseFloat(s)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("kline %d %s: %w", k.OpenTime, field, err))
		}
		return v
	}

	candle := models.Candle{
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      parse("open", k.Open),
		High:      parse("high", k.High),
		Low:       parse("low", k.Low),
		Close:     parse("close", k.Close),
		Volume:    parse("volume", k.Volume),
	}
	return candle, errs
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
