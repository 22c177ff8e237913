package models

import "time"

// CapitalSnapshot records the account value at the end of a cycle.
type CapitalSnapshot struct {
	ID            uint      `gorm:"primaryKey"`
	Timestamp     time.Time `gorm:"index;not null"`
	Balance       float64   `gorm:"type:decimal(20,8);not null"`
	Equity        float64   `gorm:"type:decimal(20,8);not null"`
	UnrealizedPnL float64   `gorm:"column:unrealized_pnl;type:decimal(20,8);not null"`
}

// TableName sets the table name for CapitalSnapshot model
func (CapitalSnapshot) TableName() string {
	return "capital_history"
}
