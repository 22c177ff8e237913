package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"RsiVwapBot/internal/models"
	"RsiVwapBot/internal/operations/position"
	"RsiVwapBot/internal/services/indicators"
	"github.com/rs/zerolog"
)

// Engine replays a series bar by bar through the live position machine.
type Engine struct {
	config Config
	logger *zerolog.Logger
}

func NewEngine(config Config, logger *zerolog.Logger) (*Engine, error) {
	if config.InitialBalance <= 0 {
		return nil, fmt.Errorf("initial balance must be positive, got %v", config.InitialBalance)
	}
	if logger == nil {
		return nil, errors.New("no logger provided")
	}
	if err := config.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy config: %w", err)
	}
	return &Engine{config: config, logger: logger}, nil
}

// Run replays the series. Each bar sees the same trailing window the live
// loop would fetch.
func (e *Engine) Run(ctx context.Context, series models.Series) (*BacktestResults, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}

	cfg := e.config.Strategy
	sim := NewSimulator(e.config.InitialBalance, e.config.QuoteAsset)
	machine, err := position.NewMachine(&position.MachineConfig{
		Venue:      sim,
		Ledger:     sim,
		Now:        sim.Now,
		NewOrderID: sim.NextOrderID,
		Logger:     e.logger,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().Msgf("running backtest on %d %s candles from %s to %s",
		len(series), cfg.Symbol,
		series[0].OpenTime.Format("2006-01-02 15:04:05"),
		series.Last().OpenTime.Format("2006-01-02 15:04:05"))

	window := cfg.SeriesLimit()
	equityCurve := make([]EquityPoint, 0, len(series))
	rejected := 0

	for i := cfg.RSILength; i < len(series); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		view := series[max(0, i+1-window) : i+1]
		sim.SetMarket(series[i])

		_, err := machine.Evaluate(ctx, view, cfg)
		switch {
		case err == nil:
		case errors.Is(err, indicators.ErrInsufficientData):
		case errors.Is(err, position.ErrInsufficientBalance),
			errors.Is(err, position.ErrInvalidSize),
			errors.Is(err, position.ErrExecution):
			rejected++
			e.logger.Debug().Msgf("bar %s: %v", series[i].OpenTime.Format(time.RFC3339), err)
		default:
			return nil, fmt.Errorf("bar %s: %w", series[i].OpenTime.Format(time.RFC3339), err)
		}

		equityCurve = append(equityCurve, EquityPoint{
			Timestamp: series[i].OpenTime,
			Balance:   sim.Equity(),
		})
	}

	_, open := machine.Position()
	results := calculateResults(sim.ClosedTrades(), equityCurve, e.config.InitialBalance, barsPerYear(series))
	results.FinalBalance = sim.Equity()
	results.OpenPosition = open

	e.logger.Info().Msgf("backtest complete: %d trades, %d rejected entries, final balance %.2f",
		results.TotalTrades, rejected, results.FinalBalance)

	return results, nil
}

// barsPerYear derives the annualisation factor from the bar spacing.
func barsPerYear(series models.Series) float64 {
	if len(series) < 2 {
		return 0
	}
	step := series[1].OpenTime.Sub(series[0].OpenTime)
	if step <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(step)
}

func calculateResults(trades []Trade, equityCurve []EquityPoint, initialBalance, periodsPerYear float64) *BacktestResults {
	results := &BacktestResults{
		FinalBalance: initialBalance,
		Trades:       trades,
		EquityCurve:  equityCurve,
		MaxDrawdown:  maxDrawdown(equityCurve, initialBalance),
		SharpeRatio:  sharpeRatio(equityCurve, periodsPerYear),
	}
	if len(equityCurve) > 0 {
		results.FinalBalance = equityCurve[len(equityCurve)-1].Balance
	}

	if len(trades) == 0 {
		return results
	}

	for _, trade := range trades {
		if trade.PnL > 0 {
			results.WinningTrades++
		} else {
			results.LosingTrades++
		}
		results.TotalPnL += trade.PnL
	}

	results.TotalTrades = len(trades)
	results.WinRate = float64(results.WinningTrades) / float64(results.TotalTrades)
	results.AveragePnL = results.TotalPnL / float64(results.TotalTrades)

	return results
}

// maxDrawdown is the largest peak to trough decline as a fraction of the peak.
func maxDrawdown(equityCurve []EquityPoint, initialBalance float64) float64 {
	drawdown := 0.0
	peakBalance := initialBalance

	for _, point := range equityCurve {
		if point.Balance > peakBalance {
			peakBalance = point.Balance
		}
		if peakBalance <= 0 {
			continue
		}
		if dd := (peakBalance - point.Balance) / peakBalance; dd > drawdown {
			drawdown = dd
		}
	}

	return drawdown
}

// sharpeRatio annualises the mean over the sample deviation of per-bar returns.
func sharpeRatio(equityCurve []EquityPoint, periodsPerYear float64) float64 {
	if len(equityCurve) < 3 || periodsPerYear <= 0 {
		return 0
	}

	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Balance
		if prev == 0 {
			continue
		}
		returns = append(returns, (equityCurve[i].Balance-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	avgReturn := 0.0
	for _, r := range returns {
		avgReturn += r
	}
	avgReturn /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += math.Pow(r-avgReturn, 2)
	}
	variance /= float64(len(returns) - 1)
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		return 0
	}

	return avgReturn / stdDev * math.Sqrt(periodsPerYear)
}
