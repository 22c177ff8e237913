package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"RsiVwapBot/internal/models"
	"RsiVwapBot/internal/services/strategy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInsufficientBalance is returned when the free balance is below MinOrderBalance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidSize is returned when the sized quantity resolves to zero.
	ErrInvalidSize = errors.New("invalid position size")

	// ErrExecution is returned when the venue rejects or cannot be reached for an order.
	ErrExecution = errors.New("order execution failed")

	// ErrReconciliationRequired is returned while an orphaned execution is unresolved.
	ErrReconciliationRequired = errors.New("reconciliation required")
)

// OrphanedExecutionError reports an order the venue executed but the ledger
// failed to record. The machine refuses further transitions until Reset.
type OrphanedExecutionError struct {
	Fill    models.OrderFill
	TradeID uint
	Err     error
}

func (e *OrphanedExecutionError) Error() string {
	return fmt.Sprintf("orphaned %s execution of %v %s (client order %s, trade %d): %v",
		e.Fill.Side, e.Fill.Quantity, e.Fill.Symbol, e.Fill.ClientOrderID, e.TradeID, e.Err)
}

func (e *OrphanedExecutionError) Unwrap() error {
	return e.Err
}

// State is the position state of the machine.
type State int

const (
	Flat State = iota
	Open
)

func (s State) String() string {
	switch s {
	case Flat:
		return "FLAT"
	case Open:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Position is the single held trade.
type Position struct {
	TradeID    uint
	Quantity   float64
	EntryPrice float64
	EntryTime  time.Time
}

// Transition is the state change produced by an evaluation.
type Transition int

const (
	None Transition = iota
	Opened
	Closed
)

// Outcome describes the result of a single evaluation.
type Outcome struct {
	Transition Transition
	Signal     strategy.Signal
	Position   Position
	ExitPrice  float64
	PnL        float64
}

// Venue executes market orders and reports the quote balance.
type Venue interface {
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.OrderFill, error)
	GetBalance(ctx context.Context) (*models.Balance, error)
}

// TradeLedger persists trade records.
type TradeLedger interface {
	AppendTrade(ctx context.Context, trade *models.Trade) (uint, error)
	UpdateTrade(ctx context.Context, id uint, update models.TradeUpdate) error
	ListOpenTrades(ctx context.Context) ([]models.Trade, error)
	ReconcileOpenTrades(ctx context.Context, at time.Time) (int64, error)
}

// MachineConfig represents the configuration of the position state machine.
type MachineConfig struct {
	// Venue executes orders.
	Venue Venue
	// Ledger records trades.
	Ledger TradeLedger
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// NewOrderID generates client order ids. Defaults to random uuids.
	NewOrderID func() string
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Machine tracks the single long position and drives open and close orders.
type Machine struct {
	cfg      *MachineConfig
	position *Position
	orphan   *OrphanedExecutionError
	mtx      sync.Mutex
}

// NewMachine initializes a flat position state machine.
func NewMachine(cfg *MachineConfig) (*Machine, error) {
	var errs error
	if cfg.Venue == nil {
		errs = errors.Join(errs, errors.New("no venue provided"))
	}
	if cfg.Ledger == nil {
		errs = errors.Join(errs, errors.New("no trade ledger provided"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("no logger provided"))
	}
	if errs != nil {
		return nil, errs
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewOrderID == nil {
		cfg.NewOrderID = uuid.NewString
	}

	return &Machine{cfg: cfg}, nil
}

// Recover restores an open position from the ledger. A position already held
// in memory is kept.
func (m *Machine) Recover(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.position != nil {
		return nil
	}

	trades, err := m.cfg.Ledger.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("listing open trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}
	if len(trades) > 1 {
		m.cfg.Logger.Warn().Msgf("found %d open trades, recovering trade %d only",
			len(trades), trades[0].ID)
	}

	trade := trades[0]
	m.position = &Position{
		TradeID:    trade.ID,
		Quantity:   trade.Quantity,
		EntryPrice: trade.EntryPrice,
		EntryTime:  trade.EntryTime,
	}

	m.cfg.Logger.Info().Msgf("recovered open %s position of %v at %v (trade %d)",
		trade.Symbol, trade.Quantity, trade.EntryPrice, trade.ID)

	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.position != nil {
		return Open
	}
	return Flat
}

// Position returns a copy of the held position, if any.
func (m *Machine) Position() (Position, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.position == nil {
		return Position{}, false
	}
	return *m.position, true
}

// Reset clears the held position and any unresolved orphaned execution after
// manual reconciliation. Open ledger records are marked reconciled so neither
// a later entry nor Recover sees them. On a ledger error nothing is cleared.
func (m *Machine) Reset(ctx context.Context) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	reconciled, err := m.cfg.Ledger.ReconcileOpenTrades(ctx, m.cfg.Now())
	if err != nil {
		return fmt.Errorf("reconciling open trades: %w", err)
	}

	if m.position != nil {
		m.cfg.Logger.Warn().Msgf("position of trade %d cleared by manual reset", m.position.TradeID)
	}
	if reconciled > 0 {
		m.cfg.Logger.Warn().Msgf("%d open trade(s) marked reconciled", reconciled)
	}
	m.position = nil
	m.orphan = nil
	return nil
}

// Evaluate runs the entry or exit check for the current state against the
// series and acts on a firing signal.
func (m *Machine) Evaluate(ctx context.Context, series models.Series, cfg strategy.Config) (Outcome, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.orphan != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrReconciliationRequired, m.orphan)
	}

	if m.position == nil {
		return m.open(ctx, series, cfg)
	}
	return m.close(ctx, series, cfg)
}

// fillPrice prefers the venue's average fill price over the reference price.
func fillPrice(fill *models.OrderFill, reference float64) float64 {
	if fill != nil && fill.AvgPrice > 0 {
		return fill.AvgPrice
	}
	return reference
}

func (m *Machine) open(ctx context.Context, series models.Series, cfg strategy.Config) (Outcome, error) {
	signal, err := strategy.EvaluateEntry(series, cfg)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Signal: signal}
	if !signal.Fire {
		return outcome, nil
	}

	balance, err := m.cfg.Venue.GetBalance(ctx)
	if err != nil {
		return outcome, fmt.Errorf("%w: fetching balance: %v", ErrExecution, err)
	}
	if balance.Free < MinOrderBalance {
		return outcome, fmt.Errorf("%w: %v %s free, need at least %v", ErrInsufficientBalance,
			balance.Free, balance.Asset, MinOrderBalance)
	}

	reference := series.Last().Close
	sizing := SizePosition(reference, balance.Free, cfg.RiskPerTrade, cfg.StopLossPct)
	if sizing.Quantity <= 0 {
		return outcome, fmt.Errorf("%w: quantity %v for balance %v at price %v", ErrInvalidSize,
			sizing.Quantity, balance.Free, reference)
	}

	req := models.OrderRequest{
		Symbol:        cfg.Symbol,
		Side:          models.OrderSideBuy,
		Quantity:      sizing.Quantity,
		ClientOrderID: m.cfg.NewOrderID(),
	}
	fill, err := m.cfg.Venue.PlaceMarketOrder(ctx, req)
	if err != nil {
		return outcome, fmt.Errorf("%w: buy %v %s: %v", ErrExecution, req.Quantity, req.Symbol, err)
	}
	if fill == nil {
		return outcome, fmt.Errorf("%w: no fill reported for order %s", ErrExecution, req.ClientOrderID)
	}

	quantity := sizing.Quantity
	if fill.Quantity > 0 {
		quantity = fill.Quantity
	}
	position := Position{
		Quantity:   quantity,
		EntryPrice: fillPrice(fill, reference),
		EntryTime:  m.cfg.Now(),
	}

	oscillator := signal.Oscillator
	trade := &models.Trade{
		Symbol:          cfg.Symbol,
		Side:            models.TradeSideBuy,
		Quantity:        position.Quantity,
		EntryPrice:      position.EntryPrice,
		Status:          models.TradeStatusOpen,
		EntryTime:       position.EntryTime,
		OscillatorEntry: &oscillator,
		EntryOrderID:    req.ClientOrderID,
	}
	id, err := m.cfg.Ledger.AppendTrade(ctx, trade)
	if err != nil {
		m.orphan = &OrphanedExecutionError{Fill: *fill, Err: err}
		m.cfg.Logger.Error().Err(err).Msgf("buy order %s executed but not recorded", req.ClientOrderID)
		return outcome, m.orphan
	}

	position.TradeID = id
	m.position = &position

	m.cfg.Logger.Info().Msgf("opened %s position: %v at %v, oscillator %.2f (trade %d)",
		cfg.Symbol, position.Quantity, position.EntryPrice, oscillator, id)

	outcome.Transition = Opened
	outcome.Position = position
	return outcome, nil
}

func (m *Machine) close(ctx context.Context, series models.Series, cfg strategy.Config) (Outcome, error) {
	signal, err := strategy.EvaluateExit(series, cfg)
	if err != nil {
		return Outcome{}, err
	}

	held := *m.position
	outcome := Outcome{Signal: signal, Position: held}
	if !signal.Fire {
		return outcome, nil
	}

	req := models.OrderRequest{
		Symbol:        cfg.Symbol,
		Side:          models.OrderSideSell,
		Quantity:      held.Quantity,
		ClientOrderID: m.cfg.NewOrderID(),
	}
	fill, err := m.cfg.Venue.PlaceMarketOrder(ctx, req)
	if err != nil {
		return outcome, fmt.Errorf("%w: sell %v %s: %v", ErrExecution, req.Quantity, req.Symbol, err)
	}
	if fill == nil {
		return outcome, fmt.Errorf("%w: no fill reported for order %s", ErrExecution, req.ClientOrderID)
	}

	exitPrice := fillPrice(fill, series.Last().Close)
	pnl := RealizedPnL(held.EntryPrice, exitPrice, held.Quantity)

	update := models.TradeUpdate{
		ExitPrice:      exitPrice,
		ExitTime:       m.cfg.Now(),
		PnL:            pnl,
		OscillatorExit: signal.Oscillator,
		ExitOrderID:    req.ClientOrderID,
	}
	if err := m.cfg.Ledger.UpdateTrade(ctx, held.TradeID, update); err != nil {
		m.orphan = &OrphanedExecutionError{Fill: *fill, TradeID: held.TradeID, Err: err}
		m.cfg.Logger.Error().Err(err).Msgf("sell order %s executed but trade %d not closed",
			req.ClientOrderID, held.TradeID)
		return outcome, m.orphan
	}

	m.position = nil

	m.cfg.Logger.Info().Msgf("closed %s position: %v at %v, pnl %.2f, oscillator %.2f (trade %d)",
		cfg.Symbol, held.Quantity, exitPrice, pnl, signal.Oscillator, held.TradeID)

	outcome.Transition = Closed
	outcome.ExitPrice = exitPrice
	outcome.PnL = pnl
	return outcome, nil
}
