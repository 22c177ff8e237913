package position

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// MinOrderBalance is the smallest free quote balance an entry is attempted with.
	MinOrderBalance = 10.0

	// QuantityPrecision is the number of decimal places order quantities are rounded to.
	QuantityPrecision = 6
)

var hundred = decimal.NewFromInt(100)

// Sizing is the result of a risk budget calculation.
type Sizing struct {
	RiskAmount    float64
	StopLossPrice float64
	RiskPerUnit   float64
	Quantity      float64
}

// SizePosition converts a risk budget into an order quantity. A zero quantity
// means the position must not be opened. Non finite inputs size to zero.
func SizePosition(entryPrice, balance, riskPct, stopLossPct float64) Sizing {
	for _, v := range []float64{entryPrice, balance, riskPct, stopLossPct} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Sizing{}
		}
	}

	price := decimal.NewFromFloat(entryPrice)
	available := decimal.NewFromFloat(balance)

	riskAmount := available.Mul(decimal.NewFromFloat(riskPct)).Div(hundred)
	stopLossPrice := price.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(stopLossPct).Div(hundred)))
	riskPerUnit := price.Sub(stopLossPrice)

	sizing := Sizing{
		RiskAmount:    riskAmount.InexactFloat64(),
		StopLossPrice: stopLossPrice.InexactFloat64(),
		RiskPerUnit:   riskPerUnit.InexactFloat64(),
	}

	if !available.IsPositive() || !riskPerUnit.IsPositive() {
		return sizing
	}

	quantity := riskAmount.Div(riskPerUnit).Round(QuantityPrecision)
	if quantity.IsPositive() {
		sizing.Quantity = quantity.InexactFloat64()
	}

	return sizing
}

// RealizedPnL is the profit of a long position closed at exitPrice.
func RealizedPnL(entryPrice, exitPrice, quantity float64) float64 {
	return decimal.NewFromFloat(exitPrice).
		Sub(decimal.NewFromFloat(entryPrice)).
		Mul(decimal.NewFromFloat(quantity)).
		InexactFloat64()
}
