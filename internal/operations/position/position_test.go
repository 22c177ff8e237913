package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"testing"
	"time"

	"RsiVwapBot/internal/models"
	"RsiVwapBot/internal/services/indicators"
	"RsiVwapBot/internal/services/strategy"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

type fakeVenue struct {
	balance    models.Balance
	balanceErr error
	orderErr   error
	fillPrice  float64
	fillQty    float64
	orders     []models.OrderRequest
}

func (v *fakeVenue) PlaceMarketOrder(_ context.Context, req models.OrderRequest) (*models.OrderFill, error) {
	v.orders = append(v.orders, req)
	if v.orderErr != nil {
		return nil, v.orderErr
	}
	return &models.OrderFill{
		OrderID:       int64(len(v.orders)),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      v.fillQty,
		AvgPrice:      v.fillPrice,
		Status:        "FILLED",
	}, nil
}

func (v *fakeVenue) GetBalance(_ context.Context) (*models.Balance, error) {
	if v.balanceErr != nil {
		return nil, v.balanceErr
	}
	b := v.balance
	return &b, nil
}

type fakeLedger struct {
	trades    map[uint]*models.Trade
	nextID    uint
	appendErr error
	updateErr    error
	listErr      error
	reconcileErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{trades: make(map[uint]*models.Trade)}
}

func (l *fakeLedger) AppendTrade(_ context.Context, trade *models.Trade) (uint, error) {
	if l.appendErr != nil {
		return 0, l.appendErr
	}
	l.nextID++
	t := *trade
	t.ID = l.nextID
	l.trades[t.ID] = &t
	return t.ID, nil
}

func (l *fakeLedger) UpdateTrade(_ context.Context, id uint, update models.TradeUpdate) error {
	if l.updateErr != nil {
		return l.updateErr
	}
	t, ok := l.trades[id]
	if !ok {
		return fmt.Errorf("no trade with id %d", id)
	}
	t.Status = models.TradeStatusClosed
	t.ExitPrice = &update.ExitPrice
	t.ExitTime = &update.ExitTime
	t.PnL = &update.PnL
	t.OscillatorExit = &update.OscillatorExit
	t.ExitOrderID = update.ExitOrderID
	return nil
}

func (l *fakeLedger) ListOpenTrades(_ context.Context) ([]models.Trade, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	var open []models.Trade
	for _, t := range l.trades {
		if t.Status == models.TradeStatusOpen {
			open = append(open, *t)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })
	return open, nil
}

func (l *fakeLedger) ReconcileOpenTrades(_ context.Context, at time.Time) (int64, error) {
	if l.reconcileErr != nil {
		return 0, l.reconcileErr
	}
	var n int64
	for _, t := range l.trades {
		if t.Status == models.TradeStatusOpen {
			t.Status = models.TradeStatusReconciled
			exitTime := at
			t.ExitTime = &exitTime
			n++
		}
	}
	return n, nil
}

func makeSeries(closes []float64) models.Series {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	series := make(models.Series, len(closes))
	for i, c := range closes {
		series[i] = models.Candle{
			OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
		}
	}
	return series
}

// entrySeries is an uptrend followed by a shallow pullback: oversold while
// the close stays above its long moving average.
func entrySeries(scale float64) models.Series {
	closes := make([]float64, 0, 230)
	for i := 0; i < 210; i++ {
		closes = append(closes, (100+float64(i))*scale)
	}
	peak := closes[len(closes)-1]
	for i := 1; i <= 20; i++ {
		closes = append(closes, peak-2*scale*float64(i))
	}
	return makeSeries(closes)
}

// exitSeries rises on every bar, saturating the oscillator.
func exitSeries() models.Series {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	return makeSeries(closes)
}

func testConfig() strategy.Config {
	cfg := strategy.DefaultConfig()
	cfg.RSILength = 10
	return cfg
}

func newTestMachine(t *testing.T, venue *fakeVenue, ledger *fakeLedger) *Machine {
	t.Helper()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := 0
	m, err := NewMachine(&MachineConfig{
		Venue:  venue,
		Ledger: ledger,
		Now:    func() time.Time { return now },
		NewOrderID: func() string {
			ids++
			return fmt.Sprintf("order-%d", ids)
		},
		Logger: &log.Logger,
	})
	assert.NoError(t, err)
	return m
}

func TestSizePosition(t *testing.T) {
	tests := []struct {
		name        string
		entryPrice  float64
		balance     float64
		riskPct     float64
		stopLossPct float64
		want        Sizing
	}{
		{
			name:        "reference budget",
			entryPrice:  100,
			balance:     1000,
			riskPct:     2,
			stopLossPct: 5,
			want:        Sizing{RiskAmount: 20, StopLossPrice: 95, RiskPerUnit: 5, Quantity: 4},
		},
		{
			name:        "rounded to six places",
			entryPrice:  30000,
			balance:     1000,
			riskPct:     1,
			stopLossPct: 3,
			want:        Sizing{RiskAmount: 10, StopLossPrice: 29100, RiskPerUnit: 900, Quantity: 0.011111},
		},
		{
			name:        "empty balance",
			entryPrice:  100,
			balance:     0,
			riskPct:     2,
			stopLossPct: 5,
			want:        Sizing{RiskAmount: 0, StopLossPrice: 95, RiskPerUnit: 5, Quantity: 0},
		},
		{
			name:        "negative balance",
			entryPrice:  100,
			balance:     -50,
			riskPct:     2,
			stopLossPct: 5,
			want:        Sizing{RiskAmount: -1, StopLossPrice: 95, RiskPerUnit: 5, Quantity: 0},
		},
		{
			name:        "no stop distance",
			entryPrice:  100,
			balance:     1000,
			riskPct:     2,
			stopLossPct: 0,
			want:        Sizing{RiskAmount: 20, StopLossPrice: 100, RiskPerUnit: 0, Quantity: 0},
		},
		{
			name:        "risk not a number",
			entryPrice:  100,
			balance:     1000,
			riskPct:     math.NaN(),
			stopLossPct: 5,
			want:        Sizing{},
		},
		{
			name:        "infinite stop loss",
			entryPrice:  100,
			balance:     1000,
			riskPct:     2,
			stopLossPct: math.Inf(1),
			want:        Sizing{},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := SizePosition(test.entryPrice, test.balance, test.riskPct, test.stopLossPct)
			assert.Equal(t, got, test.want)
		})
	}
}

func TestRealizedPnL(t *testing.T) {
	assert.Equal(t, RealizedPnL(100, 110, 4), float64(40))
	assert.Equal(t, RealizedPnL(100, 90, 4), float64(-40))
	assert.Equal(t, RealizedPnL(0.1, 0.3, 10), float64(2))
}

func TestNewMachine(t *testing.T) {
	_, err := NewMachine(&MachineConfig{})
	assert.Error(t, err)

	m, err := NewMachine(&MachineConfig{
		Venue:  &fakeVenue{},
		Ledger: newFakeLedger(),
		Logger: &log.Logger,
	})
	assert.NoError(t, err)
	assert.Equal(t, m.State(), Flat)
}

func TestOpenCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	venue := &fakeVenue{
		balance:   models.Balance{Asset: "USDT", Free: 1000, Total: 1000},
		fillPrice: 100,
		fillQty:   4,
	}
	ledger := newFakeLedger()
	m := newTestMachine(t, venue, ledger)
	cfg := testConfig()

	outcome, err := m.Evaluate(ctx, entrySeries(1), cfg)
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, Opened)
	assert.Equal(t, m.State(), Open)
	assert.Equal(t, len(venue.orders), 1)
	assert.Equal(t, venue.orders[0].Side, models.OrderSideBuy)
	assert.Equal(t, venue.orders[0].Symbol, "BTCUSDT")

	pos, ok := m.Position()
	assert.True(t, ok)
	assert.Equal(t, pos.EntryPrice, float64(100))
	assert.Equal(t, pos.Quantity, float64(4))
	assert.Equal(t, pos.TradeID, uint(1))

	trade := ledger.trades[1]
	assert.Equal(t, trade.Status, models.TradeStatusOpen)
	assert.Equal(t, trade.EntryOrderID, "order-1")
	assert.True(t, trade.OscillatorEntry != nil)
	assert.True(t, *trade.OscillatorEntry < cfg.EntryThreshold)

	venue.fillPrice = 110
	outcome, err = m.Evaluate(ctx, exitSeries(), cfg)
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, Closed)
	assert.Equal(t, outcome.PnL, float64(40))
	assert.Equal(t, outcome.ExitPrice, float64(110))
	assert.Equal(t, m.State(), Flat)

	_, ok = m.Position()
	assert.False(t, ok)

	assert.Equal(t, len(venue.orders), 2)
	assert.Equal(t, venue.orders[1].Side, models.OrderSideSell)
	assert.Equal(t, venue.orders[1].Quantity, float64(4))

	assert.Equal(t, trade.Status, models.TradeStatusClosed)
	assert.Equal(t, *trade.ExitPrice, float64(110))
	assert.Equal(t, *trade.PnL, float64(40))
	assert.Equal(t, *trade.OscillatorExit, float64(100))
	assert.Equal(t, trade.ExitOrderID, "order-2")
	assert.True(t, trade.ExitTime != nil)
}

func TestOpenUsesSizedQuantityAndLastClose(t *testing.T) {
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	ledger := newFakeLedger()
	m := newTestMachine(t, venue, ledger)
	series := entrySeries(1)

	outcome, err := m.Evaluate(context.Background(), series, testConfig())
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, Opened)

	last := series.Last().Close
	want := SizePosition(last, 1000, 2, 5)
	assert.Equal(t, outcome.Position.EntryPrice, last)
	assert.Equal(t, outcome.Position.Quantity, want.Quantity)
	assert.Equal(t, venue.orders[0].Quantity, want.Quantity)
}

func TestSinglePosition(t *testing.T) {
	ctx := context.Background()
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	ledger := newFakeLedger()
	m := newTestMachine(t, venue, ledger)

	for i := 0; i < 5; i++ {
		_, err := m.Evaluate(ctx, entrySeries(1), testConfig())
		assert.NoError(t, err)
	}

	open, err := ledger.ListOpenTrades(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(open), 1)
	assert.Equal(t, len(venue.orders), 1)
}

func TestNoSignalNoOrder(t *testing.T) {
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	m := newTestMachine(t, venue, newFakeLedger())

	outcome, err := m.Evaluate(context.Background(), exitSeries(), testConfig())
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, None)
	assert.False(t, outcome.Signal.Fire)
	assert.Equal(t, len(venue.orders), 0)
}

func TestOpenRejections(t *testing.T) {
	tests := []struct {
		name    string
		venue   *fakeVenue
		cfg     func() strategy.Config
		series  models.Series
		wantErr error
		orders  int
	}{
		{
			name:    "balance below minimum",
			venue:   &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 5, Total: 5}},
			cfg:     testConfig,
			series:  entrySeries(1),
			wantErr: ErrInsufficientBalance,
		},
		{
			name:    "balance unavailable",
			venue:   &fakeVenue{balanceErr: errors.New("timeout")},
			cfg:     testConfig,
			series:  entrySeries(1),
			wantErr: ErrExecution,
		},
		{
			name:  "quantity rounds to zero",
			venue: &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 10, Total: 10}},
			cfg: func() strategy.Config {
				cfg := testConfig()
				cfg.RiskPerTrade = 0.1
				cfg.StopLossPct = 20
				return cfg
			},
			series:  entrySeries(10000),
			wantErr: ErrInvalidSize,
		},
		{
			name: "order rejected",
			venue: &fakeVenue{
				balance:  models.Balance{Asset: "USDT", Free: 1000, Total: 1000},
				orderErr: errors.New("market closed"),
			},
			cfg:     testConfig,
			series:  entrySeries(1),
			wantErr: ErrExecution,
			orders:  1,
		},
		{
			name:    "insufficient data",
			venue:   &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}},
			cfg:     testConfig,
			series:  entrySeries(1)[:10],
			wantErr: indicators.ErrInsufficientData,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ledger := newFakeLedger()
			m := newTestMachine(t, test.venue, ledger)

			outcome, err := m.Evaluate(context.Background(), test.series, test.cfg())
			assert.True(t, errors.Is(err, test.wantErr))
			assert.Equal(t, outcome.Transition, None)
			assert.Equal(t, m.State(), Flat)
			assert.Equal(t, len(test.venue.orders), test.orders)
			assert.Equal(t, len(ledger.trades), 0)
		})
	}
}

func TestExitExecutionFailureKeepsPosition(t *testing.T) {
	ctx := context.Background()
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	ledger := newFakeLedger()
	m := newTestMachine(t, venue, ledger)

	_, err := m.Evaluate(ctx, entrySeries(1), testConfig())
	assert.NoError(t, err)

	venue.orderErr = errors.New("venue unreachable")
	outcome, err := m.Evaluate(ctx, exitSeries(), testConfig())
	assert.True(t, errors.Is(err, ErrExecution))
	assert.Equal(t, outcome.Transition, None)
	assert.Equal(t, m.State(), Open)
	assert.Equal(t, ledger.trades[1].Status, models.TradeStatusOpen)

	// Ensure the exit is retried on the next evaluation.
	venue.orderErr = nil
	outcome, err = m.Evaluate(ctx, exitSeries(), testConfig())
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, Closed)
	assert.Equal(t, m.State(), Flat)
}

func TestOrphanedOpen(t *testing.T) {
	ctx := context.Background()
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	ledger := newFakeLedger()
	ledger.appendErr = errors.New("database is locked")
	m := newTestMachine(t, venue, ledger)

	_, err := m.Evaluate(ctx, entrySeries(1), testConfig())
	var orphan *OrphanedExecutionError
	assert.True(t, errors.As(err, &orphan))
	assert.Equal(t, orphan.Fill.Side, models.OrderSideBuy)
	assert.Equal(t, orphan.Fill.ClientOrderID, "order-1")
	assert.True(t, errors.Is(err, ledger.appendErr))
	assert.Equal(t, m.State(), Flat)

	// Ensure no further orders are placed until the operator resets.
	ledger.appendErr = nil
	_, err = m.Evaluate(ctx, entrySeries(1), testConfig())
	assert.True(t, errors.Is(err, ErrReconciliationRequired))
	assert.Equal(t, len(venue.orders), 1)

	assert.NoError(t, m.Reset(ctx))
	outcome, err := m.Evaluate(ctx, entrySeries(1), testConfig())
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, Opened)
	assert.Equal(t, len(venue.orders), 2)
}

func TestOrphanedClose(t *testing.T) {
	ctx := context.Background()
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	ledger := newFakeLedger()
	m := newTestMachine(t, venue, ledger)

	_, err := m.Evaluate(ctx, entrySeries(1), testConfig())
	assert.NoError(t, err)

	ledger.updateErr = errors.New("connection reset")
	_, err = m.Evaluate(ctx, exitSeries(), testConfig())
	var orphan *OrphanedExecutionError
	assert.True(t, errors.As(err, &orphan))
	assert.Equal(t, orphan.TradeID, uint(1))
	assert.Equal(t, orphan.Fill.Side, models.OrderSideSell)
	assert.Equal(t, m.State(), Open)

	_, err = m.Evaluate(ctx, exitSeries(), testConfig())
	assert.True(t, errors.Is(err, ErrReconciliationRequired))
	assert.Equal(t, len(venue.orders), 2)

	assert.NoError(t, m.Reset(ctx))
	assert.Equal(t, m.State(), Flat)
	assert.Equal(t, ledger.trades[1].Status, models.TradeStatusReconciled)
}

func TestResetReconcilesOpenTrade(t *testing.T) {
	ctx := context.Background()
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	ledger := newFakeLedger()
	m := newTestMachine(t, venue, ledger)

	outcome, err := m.Evaluate(ctx, entrySeries(1), testConfig())
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, Opened)

	assert.NoError(t, m.Reset(ctx))
	assert.Equal(t, m.State(), Flat)
	assert.Equal(t, ledger.trades[1].Status, models.TradeStatusReconciled)
	assert.True(t, ledger.trades[1].ExitTime != nil)
	assert.True(t, ledger.trades[1].PnL == nil)

	// Ensure re-entry leaves exactly one open record.
	outcome, err = m.Evaluate(ctx, entrySeries(1), testConfig())
	assert.NoError(t, err)
	assert.Equal(t, outcome.Transition, Opened)
	open, err := ledger.ListOpenTrades(ctx)
	assert.NoError(t, err)
	assert.Equal(t, len(open), 1)
	assert.Equal(t, open[0].ID, uint(2))

	// Ensure a restart after a reset does not restore the cleared position.
	assert.NoError(t, m.Reset(ctx))
	restarted := newTestMachine(t, venue, ledger)
	assert.NoError(t, restarted.Recover(ctx))
	assert.Equal(t, restarted.State(), Flat)
}

func TestResetLedgerFailureKeepsPosition(t *testing.T) {
	ctx := context.Background()
	venue := &fakeVenue{balance: models.Balance{Asset: "USDT", Free: 1000, Total: 1000}}
	ledger := newFakeLedger()
	m := newTestMachine(t, venue, ledger)

	_, err := m.Evaluate(ctx, entrySeries(1), testConfig())
	assert.NoError(t, err)

	ledger.reconcileErr = errors.New("database is locked")
	err = m.Reset(ctx)
	assert.True(t, errors.Is(err, ledger.reconcileErr))
	assert.Equal(t, m.State(), Open)
	assert.Equal(t, ledger.trades[1].Status, models.TradeStatusOpen)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	entryTime := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	ledger := newFakeLedger()
	_, err := ledger.AppendTrade(ctx, &models.Trade{
		Symbol:     "BTCUSDT",
		Side:       models.TradeSideBuy,
		Quantity:   0.25,
		EntryPrice: 42000,
		Status:     models.TradeStatusOpen,
		EntryTime:  entryTime,
	})
	assert.NoError(t, err)

	m := newTestMachine(t, &fakeVenue{}, ledger)
	assert.NoError(t, m.Recover(ctx))
	assert.Equal(t, m.State(), Open)

	pos, ok := m.Position()
	assert.True(t, ok)
	assert.Equal(t, pos, Position{TradeID: 1, Quantity: 0.25, EntryPrice: 42000, EntryTime: entryTime})

	// Ensure recovery on an empty ledger leaves the machine flat.
	m = newTestMachine(t, &fakeVenue{}, newFakeLedger())
	assert.NoError(t, m.Recover(ctx))
	assert.Equal(t, m.State(), Flat)

	failing := newFakeLedger()
	failing.listErr = errors.New("no such table")
	m = newTestMachine(t, &fakeVenue{}, failing)
	assert.Error(t, m.Recover(ctx))
	assert.Equal(t, m.State(), Flat)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, Flat.String(), "FLAT")
	assert.Equal(t, Open.String(), "OPEN")
}
