package repositories

import (
	"context"
	"errors"
	"time"

	"RsiVwapBot/internal/models"
	"gorm.io/gorm"
)

type CapitalRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCapitalRepository creates a new instance of CapitalRepository
func NewCapitalRepository(db *gorm.DB) *CapitalRepository {
	return &CapitalRepository{db: db, now: time.Now}
}

// AppendCapitalSnapshot records the account value at the current time.
func (r *CapitalRepository) AppendCapitalSnapshot(ctx context.Context, balance, equity, unrealizedPnL float64) error {
	snapshot := &models.CapitalSnapshot{
		Timestamp:     r.now().UTC(),
		Balance:       balance,
		Equity:        equity,
		UnrealizedPnL: unrealizedPnL,
	}
	return r.db.WithContext(ctx).Create(snapshot).Error
}

// LatestSnapshot returns the most recent snapshot, or nil if none exist.
func (r *CapitalRepository) LatestSnapshot(ctx context.Context) (*models.CapitalSnapshot, error) {
	var snapshot models.CapitalSnapshot
	err := r.db.WithContext(ctx).Order("timestamp DESC, id DESC").First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// ListSnapshots returns snapshots recorded within the time range, oldest first.
func (r *CapitalRepository) ListSnapshots(ctx context.Context, start, end time.Time) ([]models.CapitalSnapshot, error) {
	var snapshots []models.CapitalSnapshot
	err := r.db.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", start.UTC(), end.UTC()).
		Order("timestamp ASC, id ASC").
		Find(&snapshots).Error
	return snapshots, err
}
