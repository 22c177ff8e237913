package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RsiVwapBot/internal/models"
	"gorm.io/gorm"
)

// ErrTradeNotFound is returned when an update targets no open trade.
var ErrTradeNotFound = errors.New("open trade not found")

type TradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository creates a new instance of TradeRepository
func NewTradeRepository(db *gorm.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// AppendTrade inserts a trade record and returns its id.
func (r *TradeRepository) AppendTrade(ctx context.Context, trade *models.Trade) (uint, error) {
	if trade == nil {
		return 0, errors.New("trade cannot be nil")
	}
	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		return 0, fmt.Errorf("inserting trade: %w", err)
	}
	return trade.ID, nil
}

// UpdateTrade closes the open trade with the provided id.
func (r *TradeRepository) UpdateTrade(ctx context.Context, id uint, update models.TradeUpdate) error {
	if id == 0 {
		return errors.New("invalid id")
	}

	res := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND status = ?", id, models.TradeStatusOpen).
		Updates(map[string]interface{}{
			"exit_price":      update.ExitPrice,
			"exit_time":       update.ExitTime,
			"pnl":             update.PnL,
			"oscillator_exit": update.OscillatorExit,
			"exit_order_id":   update.ExitOrderID,
			"status":          models.TradeStatusClosed,
		})
	if res.Error != nil {
		return fmt.Errorf("updating trade %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: id %d", ErrTradeNotFound, id)
	}
	return nil
}

// ReconcileOpenTrades marks every open trade reconciled at the provided time
// and returns the number of trades affected.
func (r *TradeRepository) ReconcileOpenTrades(ctx context.Context, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Trade{}).
		Where("status = ?", models.TradeStatusOpen).
		Updates(map[string]interface{}{
			"exit_time": at,
			"status":    models.TradeStatusReconciled,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reconciling open trades: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListOpenTrades retrieves all open trades, oldest first.
func (r *TradeRepository) ListOpenTrades(ctx context.Context) ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Where("status = ?", models.TradeStatusOpen).
		Order("entry_time ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

// ListRecentTrades retrieves the most recent trades, newest first.
func (r *TradeRepository) ListRecentTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := r.db.WithContext(ctx).
		Order("entry_time DESC, id DESC").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// GetTradingStats aggregates the closed trades.
func (r *TradeRepository) GetTradingStats(ctx context.Context) (*models.TradingStats, error) {
	var result struct {
		Total    int64   `gorm:"column:total"`
		TotalPnL float64 `gorm:"column:total_pnl"`
		Wins     int64   `gorm:"column:wins"`
		Losses   int64   `gorm:"column:losses"`
	}

	err := r.db.WithContext(ctx).Model(&models.Trade{}).
		Select("COUNT(*) AS total, " +
			"COALESCE(SUM(pnl), 0) AS total_pnl, " +
			"COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0) AS wins, " +
			"COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0) AS losses").
		Where("status = ?", models.TradeStatusClosed).
		Scan(&result).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating trades: %w", err)
	}

	stats := &models.TradingStats{
		TotalTrades:   result.Total,
		TotalPnL:      result.TotalPnL,
		WinningTrades: result.Wins,
		LosingTrades:  result.Losses,
	}
	if result.Total > 0 {
		stats.AveragePnL = result.TotalPnL / float64(result.Total)
		stats.WinRate = float64(result.Wins) / float64(result.Total) * 100
	}
	return stats, nil
}
