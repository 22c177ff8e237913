package models

// Balance is the quote-asset balance reported by the exchange.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}
