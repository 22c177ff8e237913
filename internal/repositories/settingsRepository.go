package repositories

import (
	"context"
	"errors"

	"RsiVwapBot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StrategySettingsKey is the key the strategy config is stored under.
const StrategySettingsKey = "strategy"

type SettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository creates a new instance of SettingsRepository
func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Save stores value under key, replacing any previous value.
func (r *SettingsRepository) Save(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("invalid key")
	}
	setting := &models.Setting{Key: key, Value: value}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(setting).Error
}

// Load returns the value stored under key and whether it exists.
func (r *SettingsRepository) Load(ctx context.Context, key string) (string, bool, error) {
	var setting models.Setting
	err := r.db.WithContext(ctx).Where(&models.Setting{Key: key}).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return setting.Value, true, nil
}
