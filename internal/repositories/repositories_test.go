package repositories

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"RsiVwapBot/config"
	"RsiVwapBot/internal/models"
	"github.com/peterldowns/testy/assert"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := NewDatabase(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	})
	assert.NoError(t, err)

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})

	return db
}

func openTrade(entryTime time.Time, quantity, price float64) *models.Trade {
	oscillator := 7.5
	return &models.Trade{
		Symbol:          "BTCUSDT",
		Side:            models.TradeSideBuy,
		Quantity:        quantity,
		EntryPrice:      price,
		Status:          models.TradeStatusOpen,
		EntryTime:       entryTime,
		OscillatorEntry: &oscillator,
		EntryOrderID:    "entry",
	}
}

func TestNewDatabaseUnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.DatabaseConfig{Driver: "mysql"})
	assert.Error(t, err)
}

func TestTradeRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTradeRepository(newTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := repo.AppendTrade(ctx, nil)
	assert.Error(t, err)

	// Ensure trades are appended with increasing ids.
	first, err := repo.AppendTrade(ctx, openTrade(base.Add(time.Hour), 4, 100))
	assert.NoError(t, err)
	second, err := repo.AppendTrade(ctx, openTrade(base, 2, 200))
	assert.NoError(t, err)
	assert.GreaterThan(t, second, first)

	// Ensure open trades are ordered by entry time.
	open, err := repo.ListOpenTrades(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(open), 2)
	assert.Equal(t, open[0].ID, second)
	assert.Equal(t, open[1].ID, first)
	assert.Equal(t, open[1].Quantity, float64(4))
	assert.Equal(t, open[1].EntryPrice, float64(100))
	assert.Equal(t, *open[1].OscillatorEntry, 7.5)

	exitTime := base.Add(2 * time.Hour)
	err = repo.UpdateTrade(ctx, first, models.TradeUpdate{
		ExitPrice:      110,
		ExitTime:       exitTime,
		PnL:            40,
		OscillatorExit: 96,
		ExitOrderID:    "exit",
	})
	assert.NoError(t, err)

	open, err = repo.ListOpenTrades(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(open), 1)
	assert.Equal(t, open[0].ID, second)

	recent, err := repo.ListRecentTrades(ctx, 10)
	assert.NoError(t, err)
	assert.Equal(t, len(recent), 2)
	closed := recent[0]
	assert.Equal(t, closed.ID, first)
	assert.Equal(t, closed.Status, models.TradeStatusClosed)
	assert.Equal(t, *closed.ExitPrice, float64(110))
	assert.Equal(t, *closed.PnL, float64(40))
	assert.Equal(t, *closed.OscillatorExit, float64(96))
	assert.Equal(t, closed.ExitOrderID, "exit")
	assert.True(t, closed.ExitTime.Equal(exitTime))

	// Ensure a closed trade cannot be closed again.
	err = repo.UpdateTrade(ctx, first, models.TradeUpdate{ExitPrice: 120})
	assert.True(t, errors.Is(err, ErrTradeNotFound))

	err = repo.UpdateTrade(ctx, 999, models.TradeUpdate{ExitPrice: 120})
	assert.True(t, errors.Is(err, ErrTradeNotFound))

	assert.Error(t, repo.UpdateTrade(ctx, 0, models.TradeUpdate{}))
}

func TestReconcileOpenTrades(t *testing.T) {
	ctx := context.Background()
	repo := NewTradeRepository(newTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := repo.ReconcileOpenTrades(ctx, base)
	assert.NoError(t, err)
	assert.Equal(t, n, int64(0))

	closed, err := repo.AppendTrade(ctx, openTrade(base, 1, 100))
	assert.NoError(t, err)
	assert.NoError(t, repo.UpdateTrade(ctx, closed, models.TradeUpdate{
		ExitPrice: 110,
		ExitTime:  base.Add(time.Hour),
		PnL:       10,
	}))
	stale, err := repo.AppendTrade(ctx, openTrade(base.Add(2*time.Hour), 1, 100))
	assert.NoError(t, err)

	at := base.Add(3 * time.Hour)
	n, err = repo.ReconcileOpenTrades(ctx, at)
	assert.NoError(t, err)
	assert.Equal(t, n, int64(1))

	open, err := repo.ListOpenTrades(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(open), 0)

	// Ensure a new entry is the only open trade.
	fresh, err := repo.AppendTrade(ctx, openTrade(base.Add(4*time.Hour), 1, 100))
	assert.NoError(t, err)
	open, err = repo.ListOpenTrades(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(open), 1)
	assert.Equal(t, open[0].ID, fresh)

	var reconciled models.Trade
	assert.NoError(t, repo.db.First(&reconciled, stale).Error)
	assert.Equal(t, reconciled.Status, models.TradeStatusReconciled)
	assert.True(t, reconciled.ExitTime.Equal(at))
	assert.True(t, reconciled.PnL == nil)

	// Ensure the reconciled trade cannot be closed and does not count as closed.
	err = repo.UpdateTrade(ctx, stale, models.TradeUpdate{ExitPrice: 120})
	assert.True(t, errors.Is(err, ErrTradeNotFound))

	stats, err := repo.GetTradingStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, stats.TotalTrades, int64(1))
}

func TestTradingStats(t *testing.T) {
	ctx := context.Background()
	repo := NewTradeRepository(newTestDB(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	stats, err := repo.GetTradingStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, *stats, models.TradingStats{})

	for i, pnl := range []float64{40, -10, 20, -30} {
		id, err := repo.AppendTrade(ctx, openTrade(base.Add(time.Duration(i)*time.Hour), 1, 100))
		assert.NoError(t, err)
		err = repo.UpdateTrade(ctx, id, models.TradeUpdate{
			ExitPrice: 100 + pnl,
			ExitTime:  base.Add(time.Duration(i)*time.Hour + time.Minute),
			PnL:       pnl,
		})
		assert.NoError(t, err)
	}

	// Open trades are excluded.
	_, err = repo.AppendTrade(ctx, openTrade(base.Add(10*time.Hour), 1, 100))
	assert.NoError(t, err)

	stats, err = repo.GetTradingStats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, stats.TotalTrades, int64(4))
	assert.Equal(t, stats.TotalPnL, float64(20))
	assert.Equal(t, stats.AveragePnL, float64(5))
	assert.Equal(t, stats.WinningTrades, int64(2))
	assert.Equal(t, stats.LosingTrades, int64(2))
	assert.Equal(t, stats.WinRate, float64(50))
}

func TestCapitalRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCapitalRepository(newTestDB(t))

	latest, err := repo.LatestSnapshot(ctx)
	assert.NoError(t, err)
	assert.True(t, latest == nil)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	assert.NoError(t, repo.AppendCapitalSnapshot(ctx, 1000, 1000, 0))
	now = now.Add(time.Minute)
	assert.NoError(t, repo.AppendCapitalSnapshot(ctx, 1040, 1040, 0))

	latest, err = repo.LatestSnapshot(ctx)
	assert.NoError(t, err)
	assert.True(t, latest != nil)
	assert.Equal(t, latest.Balance, float64(1040))
	assert.Equal(t, latest.Equity, float64(1040))
	assert.Equal(t, latest.UnrealizedPnL, float64(0))

	snapshots, err := repo.ListSnapshots(ctx, now.Add(-time.Hour), now)
	assert.NoError(t, err)
	assert.Equal(t, len(snapshots), 2)
	assert.Equal(t, snapshots[0].Balance, float64(1000))
}

func TestSettingsRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSettingsRepository(newTestDB(t))

	_, ok, err := repo.Load(ctx, StrategySettingsKey)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, repo.Save(ctx, StrategySettingsKey, `{"risk_per_trade":2}`))
	assert.NoError(t, repo.Save(ctx, StrategySettingsKey, `{"risk_per_trade":3}`))

	value, ok, err := repo.Load(ctx, StrategySettingsKey)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, value, `{"risk_per_trade":3}`)

	assert.Error(t, repo.Save(ctx, "", "{}"))
}
