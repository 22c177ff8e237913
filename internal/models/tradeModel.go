package models

import "time"

// Trade is the persisted record of a position, open or closed.
type Trade struct {
	ID         uint    `gorm:"primaryKey"`
	Symbol     string  `gorm:"index;not null"`
	Side       string  `gorm:"not null"`
	Quantity   float64 `gorm:"type:decimal(20,8);not null"`
	EntryPrice float64 `gorm:"type:decimal(20,8);not null"`

	ExitPrice *float64 `gorm:"type:decimal(20,8)"`
	PnL       *float64 `gorm:"column:pnl;type:decimal(20,8)"`

	Status    string     `gorm:"index;not null"`
	EntryTime time.Time  `gorm:"index;not null"`
	ExitTime  *time.Time `gorm:"index"`

	OscillatorEntry *float64
	OscillatorExit  *float64

	EntryOrderID string
	ExitOrderID  string

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
	// TradeStatusReconciled marks an open trade cleared by a manual position
	// reset. It carries no exit price or PnL.
	TradeStatusReconciled = "RECONCILED"

	TradeSideBuy = "BUY"
)

// TradeUpdate holds the fields written when a trade is closed.
type TradeUpdate struct {
	ExitPrice      float64
	ExitTime       time.Time
	PnL            float64
	OscillatorExit float64
	ExitOrderID    string
}

// TradingStats summarises closed trades.
type TradingStats struct {
	TotalTrades   int64
	TotalPnL      float64
	AveragePnL    float64
	WinningTrades int64
	LosingTrades  int64
	WinRate       float64
}
