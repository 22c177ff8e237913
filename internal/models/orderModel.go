package models

// OrderSide is the direction of a market order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderRequest describes an immediate-execution market order.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Quantity      float64
	ClientOrderID string
}

// OrderFill is the venue's confirmation of an executed market order.
type OrderFill struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Quantity      float64
	// AvgPrice is zero when the venue did not report fills.
	AvgPrice float64
	Status   string
}
