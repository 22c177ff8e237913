package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"RsiVwapBot/internal/models"
	"github.com/shopspring/decimal"
)

// ErrInsufficientFunds is returned when a simulated order cannot be covered.
var ErrInsufficientFunds = errors.New("insufficient simulated funds")

// Simulator is a paper venue and in-memory trade ledger. Orders fill in
// full at the close of the current candle without fees.
type Simulator struct {
	quoteAsset string
	balance    decimal.Decimal
	holdings   decimal.Decimal
	candle     models.Candle
	trades     []models.Trade
	orders     int64

	mu sync.Mutex
}

func NewSimulator(initialBalance float64, quoteAsset string) *Simulator {
	return &Simulator{
		quoteAsset: quoteAsset,
		balance:    decimal.NewFromFloat(initialBalance),
	}
}

// SetMarket moves the simulation to the provided candle.
func (s *Simulator) SetMarket(candle models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candle = candle
}

// Now returns the open time of the current candle.
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candle.OpenTime
}

// NextOrderID generates sequential client order ids.
func (s *Simulator) NextOrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders++
	return fmt.Sprintf("backtest-%d", s.orders)
}

// Equity is the cash balance plus holdings valued at the current close.
func (s *Simulator) Equity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	price := decimal.NewFromFloat(s.candle.Close)
	return s.balance.Add(s.holdings.Mul(price)).InexactFloat64()
}

func (s *Simulator) PlaceMarketOrder(_ context.Context, req models.OrderRequest) (*models.OrderFill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.candle.Close <= 0 {
		return nil, errors.New("no market price")
	}

	quantity := decimal.NewFromFloat(req.Quantity)
	price := decimal.NewFromFloat(s.candle.Close)
	notional := quantity.Mul(price)

	switch req.Side {
	case models.OrderSideBuy:
		if notional.GreaterThan(s.balance) {
			return nil, fmt.Errorf("%w: buy of %s costs %s, balance %s", ErrInsufficientFunds,
				quantity, notional, s.balance)
		}
		s.balance = s.balance.Sub(notional)
		s.holdings = s.holdings.Add(quantity)
	case models.OrderSideSell:
		if quantity.GreaterThan(s.holdings) {
			return nil, fmt.Errorf("%w: sell of %s exceeds holdings %s", ErrInsufficientFunds,
				quantity, s.holdings)
		}
		s.balance = s.balance.Add(notional)
		s.holdings = s.holdings.Sub(quantity)
	default:
		return nil, fmt.Errorf("unknown order side %q", req.Side)
	}

	return &models.OrderFill{
		OrderID:       s.orders,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		AvgPrice:      s.candle.Close,
		Status:        "FILLED",
	}, nil
}

func (s *Simulator) GetBalance(_ context.Context) (*models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.balance.InexactFloat64()
	return &models.Balance{Asset: s.quoteAsset, Free: free, Total: free}, nil
}

func (s *Simulator) AppendTrade(_ context.Context, trade *models.Trade) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *trade
	t.ID = uint(len(s.trades) + 1)
	s.trades = append(s.trades, t)
	return t.ID, nil
}

func (s *Simulator) UpdateTrade(_ context.Context, id uint, update models.TradeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || int(id) > len(s.trades) || s.trades[id-1].Status != models.TradeStatusOpen {
		return fmt.Errorf("no open trade with id %d", id)
	}
	t := &s.trades[id-1]
	t.Status = models.TradeStatusClosed
	t.ExitPrice = &update.ExitPrice
	t.ExitTime = &update.ExitTime
	t.PnL = &update.PnL
	t.OscillatorExit = &update.OscillatorExit
	t.ExitOrderID = update.ExitOrderID
	return nil
}

func (s *Simulator) ListOpenTrades(_ context.Context) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var open []models.Trade
	for _, t := range s.trades {
		if t.Status == models.TradeStatusOpen {
			open = append(open, t)
		}
	}
	return open, nil
}

func (s *Simulator) ReconcileOpenTrades(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.trades {
		if s.trades[i].Status == models.TradeStatusOpen {
			s.trades[i].Status = models.TradeStatusReconciled
			exitTime := at
			s.trades[i].ExitTime = &exitTime
			n++
		}
	}
	return n, nil
}

// ClosedTrades returns the completed round trips in entry order.
func (s *Simulator) ClosedTrades() []Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []Trade
	for _, t := range s.trades {
		if t.Status != models.TradeStatusClosed {
			continue
		}
		trade := Trade{
			Symbol:     t.Symbol,
			EntryTime:  t.EntryTime,
			EntryPrice: t.EntryPrice,
			Quantity:   t.Quantity,
		}
		if t.ExitTime != nil {
			trade.ExitTime = *t.ExitTime
		}
		if t.ExitPrice != nil {
			trade.ExitPrice = *t.ExitPrice
		}
		if t.PnL != nil {
			trade.PnL = *t.PnL
		}
		if t.OscillatorEntry != nil {
			trade.OscillatorEntry = *t.OscillatorEntry
		}
		if t.OscillatorExit != nil {
			trade.OscillatorExit = *t.OscillatorExit
		}
		closed = append(closed, trade)
	}
	return closed
}
