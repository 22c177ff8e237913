package trading

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"RsiVwapBot/internal/models"
	"RsiVwapBot/internal/operations/position"
	"RsiVwapBot/internal/services/indicators"
	"RsiVwapBot/internal/services/strategy"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var (
	// ErrAlreadyRunning is returned when Start is called on a running trader.
	ErrAlreadyRunning = errors.New("trading loop already running")

	// ErrInactive is returned by a cycle that finds the strategy deactivated.
	ErrInactive = errors.New("strategy inactive")
)

// Exchange is the market data source and balance provider of the loop.
type Exchange interface {
	Ping(ctx context.Context) error
	SetDemo(demo bool)
	FetchSeries(ctx context.Context, symbol, timeframe string, limit int) (models.Series, error)
	GetBalance(ctx context.Context) (*models.Balance, error)
}

// CapitalLedger persists capital snapshots.
type CapitalLedger interface {
	AppendCapitalSnapshot(ctx context.Context, balance, equity, unrealizedPnL float64) error
}

// TraderConfig represents the configuration of the trading loop.
type TraderConfig struct {
	// Settings holds the live strategy config.
	Settings *strategy.Settings
	// Machine is the position state machine driven by the loop.
	Machine *position.Machine
	// Exchange provides candles and balances.
	Exchange Exchange
	// Capital records a snapshot per cycle.
	Capital CapitalLedger
	// PollInterval is the cadence of the loop.
	PollInterval time.Duration
	// Notify receives human readable event messages. Optional.
	Notify func(msg string)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Trader drives one evaluation cycle per poll interval while the strategy is active.
type Trader struct {
	cfg       *TraderConfig
	running   atomic.Bool
	scheduler *gocron.Scheduler
	mtx       sync.Mutex
	cycleMtx  sync.Mutex
}

// NewTrader initializes a stopped trader.
func NewTrader(cfg *TraderConfig) (*Trader, error) {
	var errs error
	if cfg.Settings == nil {
		errs = errors.Join(errs, errors.New("no settings provided"))
	}
	if cfg.Machine == nil {
		errs = errors.Join(errs, errors.New("no position machine provided"))
	}
	if cfg.Exchange == nil {
		errs = errors.Join(errs, errors.New("no exchange provided"))
	}
	if cfg.Capital == nil {
		errs = errors.Join(errs, errors.New("no capital ledger provided"))
	}
	if cfg.PollInterval <= 0 {
		errs = errors.Join(errs, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("no logger provided"))
	}
	if errs != nil {
		return nil, errs
	}

	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}

	return &Trader{cfg: cfg}, nil
}

// IsRunning reports whether the loop is scheduled.
func (t *Trader) IsRunning() bool {
	return t.running.Load()
}

// Position returns the held position, if any.
func (t *Trader) Position() (position.Position, bool) {
	return t.cfg.Machine.Position()
}

// ResetPosition clears the held position and any pending reconciliation,
// marking open ledger records reconciled.
func (t *Trader) ResetPosition(ctx context.Context) error {
	return t.cfg.Machine.Reset(ctx)
}

// Start prepares the exchange endpoint, recovers any open position and
// schedules the loop. The first cycle runs immediately. ctx bounds every
// cycle's external calls.
func (t *Trader) Start(ctx context.Context) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.scheduler != nil {
		return ErrAlreadyRunning
	}

	cfg := t.cfg.Settings.Snapshot()
	t.cfg.Exchange.SetDemo(cfg.Demo)
	if err := t.cfg.Exchange.Ping(ctx); err != nil {
		return fmt.Errorf("exchange unreachable: %w", err)
	}

	if err := t.cfg.Machine.Recover(ctx); err != nil {
		return fmt.Errorf("recovering position: %w", err)
	}

	t.cfg.Settings.SetActive(true)

	scheduler := gocron.NewScheduler(time.UTC)
	_, err := scheduler.Every(t.cfg.PollInterval).SingletonMode().Do(func() {
		t.scheduledCycle(ctx, scheduler)
	})
	if err != nil {
		t.cfg.Settings.SetActive(false)
		return fmt.Errorf("scheduling trading loop: %w", err)
	}

	t.scheduler = scheduler
	t.running.Store(true)
	scheduler.StartAsync()

	mode := "live"
	if cfg.Demo {
		mode = "demo"
	}
	t.cfg.Logger.Info().Msgf("trading %s on %s every %s (%s)", cfg.Symbol, cfg.Timeframe,
		t.cfg.PollInterval, mode)
	t.cfg.Notify(fmt.Sprintf("Trading started: %s %s (%s mode)", cfg.Symbol, cfg.Timeframe, mode))

	return nil
}

// Stop clears the active flag and unschedules the loop, waiting for the
// in-flight cycle to complete. Open positions are left open. It reports
// whether the loop was running.
func (t *Trader) Stop() bool {
	return t.stop(nil)
}

// stop unschedules the loop. A non-nil only restricts it to that scheduler,
// so a stale cycle cannot stop a loop started after it.
func (t *Trader) stop(only *gocron.Scheduler) bool {
	t.mtx.Lock()
	scheduler := t.scheduler
	if scheduler == nil || (only != nil && scheduler != only) {
		if only == nil {
			t.cfg.Settings.SetActive(false)
		}
		t.mtx.Unlock()
		return false
	}
	t.scheduler = nil
	t.running.Store(false)
	t.cfg.Settings.SetActive(false)
	t.mtx.Unlock()

	scheduler.Stop()

	// Wait for the in-flight cycle.
	t.cycleMtx.Lock()
	t.cycleMtx.Unlock()

	t.cfg.Logger.Info().Msg("trading loop stopped")
	t.cfg.Notify("Trading stopped")

	return true
}

// scheduledCycle is the fault boundary of a scheduled cycle.
func (t *Trader) scheduledCycle(ctx context.Context, scheduler *gocron.Scheduler) {
	defer func() {
		if r := recover(); r != nil {
			t.cfg.Logger.Error().Msgf("trading cycle panicked: %v\n%s", r, debug.Stack())
		}
	}()

	err := t.RunCycle(ctx)
	if errors.Is(err, ErrInactive) {
		// Stop waits on the cycle, so it cannot run on this goroutine.
		go t.stop(scheduler)
	}
}

// RunCycle performs a single fetch, evaluate and record cycle. Faults are
// logged and returned; none of them leave the loop in a broken state.
func (t *Trader) RunCycle(ctx context.Context) error {
	t.cycleMtx.Lock()
	defer t.cycleMtx.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := t.cfg.Settings.Snapshot()
	if !cfg.Active {
		return ErrInactive
	}

	series, err := t.cfg.Exchange.FetchSeries(ctx, cfg.Symbol, cfg.Timeframe, cfg.SeriesLimit())
	if err == nil {
		err = series.Validate()
	}
	if err == nil && len(series) < cfg.RSILength+1 {
		err = fmt.Errorf("%w: need %d bars, got %d", indicators.ErrInsufficientData,
			cfg.RSILength+1, len(series))
	}
	if err != nil {
		t.cfg.Logger.Warn().Msgf("skipping cycle, no usable %s series: %v", cfg.Symbol, err)
		return fmt.Errorf("fetching series: %w", err)
	}

	outcome, evalErr := t.cfg.Machine.Evaluate(ctx, series, cfg)
	if evalErr != nil && isDataFault(evalErr) {
		t.cfg.Logger.Warn().Msgf("skipping cycle: %v", evalErr)
		return evalErr
	}
	t.report(cfg, outcome, evalErr)

	var snapErr error
	balance, err := t.cfg.Exchange.GetBalance(ctx)
	if err != nil {
		snapErr = fmt.Errorf("fetching balance for capital snapshot: %w", err)
	} else if err := t.cfg.Capital.AppendCapitalSnapshot(ctx, balance.Total, balance.Total, 0); err != nil {
		snapErr = fmt.Errorf("recording capital snapshot: %w", err)
	}
	if snapErr != nil {
		t.cfg.Logger.Error().Err(snapErr).Send()
	}

	return errors.Join(evalErr, snapErr)
}

func isDataFault(err error) bool {
	return errors.Is(err, indicators.ErrInsufficientData) || errors.Is(err, models.ErrInvalidSeries)
}

// report logs the evaluation result and notifies on transitions and faults
// the operator has to know about.
func (t *Trader) report(cfg strategy.Config, outcome position.Outcome, err error) {
	var orphan *position.OrphanedExecutionError
	switch {
	case err == nil:
	case errors.As(err, &orphan):
		t.cfg.Logger.Error().Err(err).Msg("orphaned execution, trading blocked until reset")
		t.cfg.Notify(fmt.Sprintf("Order %s executed on the exchange but could not be recorded: %v. "+
			"Reconcile manually, then use /reset_position.", orphan.Fill.ClientOrderID, orphan.Err))
		return
	case errors.Is(err, position.ErrReconciliationRequired):
		t.cfg.Logger.Warn().Msgf("cycle skipped: %v", err)
		return
	case errors.Is(err, position.ErrInsufficientBalance), errors.Is(err, position.ErrInvalidSize):
		t.cfg.Logger.Warn().Msgf("entry rejected: %v", err)
		return
	case errors.Is(err, position.ErrExecution):
		t.cfg.Logger.Error().Err(err).Msg("order execution failed, retrying next cycle")
		return
	default:
		t.cfg.Logger.Error().Err(err).Msg("evaluation failed")
		return
	}

	switch outcome.Transition {
	case position.Opened:
		t.cfg.Notify(fmt.Sprintf("Position opened: %v %s at %.2f (RSI-VWAP %.2f)",
			outcome.Position.Quantity, cfg.Symbol, outcome.Position.EntryPrice, outcome.Signal.Oscillator))
	case position.Closed:
		t.cfg.Notify(fmt.Sprintf("Position closed: %v %s at %.2f, PnL %.2f (RSI-VWAP %.2f)",
			outcome.Position.Quantity, cfg.Symbol, outcome.ExitPrice, outcome.PnL, outcome.Signal.Oscillator))
	default:
		t.cfg.Logger.Debug().Msgf("no signal: RSI-VWAP %.2f, bull market %v",
			outcome.Signal.Oscillator, outcome.Signal.BullMarket)
	}
}
