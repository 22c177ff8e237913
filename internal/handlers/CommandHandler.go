package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"RsiVwapBot/internal/models"
	"RsiVwapBot/internal/operations/position"
	"RsiVwapBot/internal/services/strategy"
	"RsiVwapBot/internal/services/trading"
	"github.com/rs/zerolog"
)

const recentTradesLimit = 5

// Trader is the trading loop as seen by the control surface.
type Trader interface {
	Start(ctx context.Context) error
	Stop() bool
	IsRunning() bool
	Position() (position.Position, bool)
	ResetPosition(ctx context.Context) error
}

// BalanceSource reports the quote asset balance.
type BalanceSource interface {
	GetBalance(ctx context.Context) (*models.Balance, error)
}

// TradeStore reads the trade ledger.
type TradeStore interface {
	ListRecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
	GetTradingStats(ctx context.Context) (*models.TradingStats, error)
}

// CapitalStore reads capital snapshots.
type CapitalStore interface {
	LatestSnapshot(ctx context.Context) (*models.CapitalSnapshot, error)
}

// SettingsStore persists the encoded strategy settings.
type SettingsStore interface {
	Save(ctx context.Context, key, value string) error
}

// CommandHandlerConfig represents the configuration of the command handler.
type CommandHandlerConfig struct {
	Settings *strategy.Settings
	Trader   Trader
	Exchange BalanceSource
	Trades   TradeStore
	Capital  CapitalStore
	Store    SettingsStore
	// SettingsKey is the key the strategy settings are saved under.
	SettingsKey string
	// HasCredentials reports whether exchange API keys are configured.
	HasCredentials bool
	Logger         *zerolog.Logger
}

// CommandHandler turns chat commands into replies.
type CommandHandler struct {
	cfg *CommandHandlerConfig
}

// NewCommandHandler initializes the command handler.
func NewCommandHandler(cfg *CommandHandlerConfig) (*CommandHandler, error) {
	var errs error
	if cfg.Settings == nil {
		errs = errors.Join(errs, errors.New("no settings provided"))
	}
	if cfg.Trader == nil {
		errs = errors.Join(errs, errors.New("no trader provided"))
	}
	if cfg.Exchange == nil {
		errs = errors.Join(errs, errors.New("no balance source provided"))
	}
	if cfg.Trades == nil {
		errs = errors.Join(errs, errors.New("no trade store provided"))
	}
	if cfg.Capital == nil {
		errs = errors.Join(errs, errors.New("no capital store provided"))
	}
	if cfg.Store == nil {
		errs = errors.Join(errs, errors.New("no settings store provided"))
	}
	if cfg.SettingsKey == "" {
		errs = errors.Join(errs, errors.New("settings key cannot be an empty string"))
	}
	if cfg.Logger == nil {
		errs = errors.Join(errs, errors.New("no logger provided"))
	}
	if errs != nil {
		return nil, errs
	}

	return &CommandHandler{cfg: cfg}, nil
}

// Handle executes a command, named without the leading slash, and returns the reply.
func (h *CommandHandler) Handle(ctx context.Context, command, args string) string {
	args = strings.TrimSpace(args)

	switch strings.TrimPrefix(command, "/") {
	case "start", "help":
		return helpText
	case "status":
		return h.status()
	case "dashboard":
		return h.dashboard(ctx)
	case "settings":
		return formatSettings(h.cfg.Settings.Snapshot())
	case "balance":
		return h.balance(ctx)
	case "positions":
		return h.positions(ctx)
	case "start_trading":
		return h.startTrading(ctx)
	case "stop_trading":
		if !h.cfg.Trader.Stop() {
			return "Trading is not running."
		}
		return "Trading stopped. Open positions are left open."
	case "toggle_demo":
		return h.toggleDemo(ctx)
	case "set_risk":
		return h.setFloat(ctx, args, "Risk per trade", "%", func(cfg *strategy.Config, v float64) {
			cfg.RiskPerTrade = v
		})
	case "set_rsi_entry":
		return h.setFloat(ctx, args, "RSI entry threshold", "", func(cfg *strategy.Config, v float64) {
			cfg.EntryThreshold = v
		})
	case "set_rsi_exit":
		return h.setFloat(ctx, args, "RSI exit threshold", "", func(cfg *strategy.Config, v float64) {
			cfg.ExitThreshold = v
		})
	case "set_stop_loss":
		return h.setFloat(ctx, args, "Stop loss", "%", func(cfg *strategy.Config, v float64) {
			cfg.StopLossPct = v
		})
	case "set_rsi_length":
		return h.setRSILength(ctx, args)
	case "reset_position":
		if err := h.cfg.Trader.ResetPosition(ctx); err != nil {
			h.cfg.Logger.Error().Err(err).Msg("resetting position")
			return describeError(err)
		}
		return "Position state cleared. Open trades in the ledger are marked reconciled."
	default:
		return fmt.Sprintf("Unknown command /%s. Use /help for the list of commands.", command)
	}
}

const helpText = `RSI-VWAP trading bot

/status - loop and position state
/dashboard - trading statistics
/settings - strategy parameters
/balance - quote asset balance
/positions - open position and recent trades
/start_trading - start the trading loop
/stop_trading - stop the trading loop
/toggle_demo - switch between demo and live
/set_risk <pct> - risk per trade (0.1-10)
/set_rsi_entry <value> - entry threshold (1-30)
/set_rsi_exit <value> - exit threshold (70-99)
/set_rsi_length <bars> - oscillator length (10-200)
/set_stop_loss <pct> - stop loss (1-20)
/reset_position - clear the held position after manual reconciliation`

func modeName(demo bool) string {
	if demo {
		return "demo"
	}
	return "live"
}

func (h *CommandHandler) status() string {
	cfg := h.cfg.Settings.Snapshot()

	running := "stopped"
	if h.cfg.Trader.IsRunning() {
		running = "running"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Trading: %s (%s mode)\n", running, modeName(cfg.Demo))
	fmt.Fprintf(&b, "Symbol: %s %s\n", cfg.Symbol, cfg.Timeframe)
	if pos, ok := h.cfg.Trader.Position(); ok {
		fmt.Fprintf(&b, "Position: %v at %.2f since %s", pos.Quantity, pos.EntryPrice,
			pos.EntryTime.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("Position: flat")
	}
	return b.String()
}

func (h *CommandHandler) dashboard(ctx context.Context) string {
	stats, err := h.cfg.Trades.GetTradingStats(ctx)
	if err != nil {
		h.cfg.Logger.Error().Err(err).Msg("loading trading stats")
		return describeError(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Closed trades: %d (%d won, %d lost)\n", stats.TotalTrades, stats.WinningTrades, stats.LosingTrades)
	fmt.Fprintf(&b, "Win rate: %.1f%%\n", stats.WinRate)
	fmt.Fprintf(&b, "Total PnL: %.2f\n", stats.TotalPnL)
	fmt.Fprintf(&b, "Average PnL: %.2f", stats.AveragePnL)

	snapshot, err := h.cfg.Capital.LatestSnapshot(ctx)
	if err != nil {
		h.cfg.Logger.Error().Err(err).Msg("loading capital snapshot")
		return b.String()
	}
	if snapshot != nil {
		fmt.Fprintf(&b, "\nEquity: %.2f (as of %s)", snapshot.Equity, snapshot.Timestamp.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func formatSettings(cfg strategy.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s %s\n", cfg.Symbol, cfg.Timeframe)
	fmt.Fprintf(&b, "Mode: %s\n", modeName(cfg.Demo))
	fmt.Fprintf(&b, "RSI length: %d\n", cfg.RSILength)
	fmt.Fprintf(&b, "RSI entry below: %g\n", cfg.EntryThreshold)
	fmt.Fprintf(&b, "RSI exit above: %g\n", cfg.ExitThreshold)
	fmt.Fprintf(&b, "Risk per trade: %g%%\n", cfg.RiskPerTrade)
	fmt.Fprintf(&b, "Stop loss: %g%%\n", cfg.StopLossPct)
	fmt.Fprintf(&b, "Trend window: %d", cfg.TrendWindow)
	return b.String()
}

func (h *CommandHandler) balance(ctx context.Context) string {
	if !h.cfg.HasCredentials {
		return "Exchange credentials are not configured."
	}
	balance, err := h.cfg.Exchange.GetBalance(ctx)
	if err != nil {
		h.cfg.Logger.Error().Err(err).Msg("fetching balance")
		return describeError(err)
	}
	return fmt.Sprintf("%s balance: %.2f free, %.2f locked, %.2f total",
		balance.Asset, balance.Free, balance.Locked, balance.Total)
}

func (h *CommandHandler) positions(ctx context.Context) string {
	var b strings.Builder
	if pos, ok := h.cfg.Trader.Position(); ok {
		fmt.Fprintf(&b, "Open: trade #%d, %v at %.2f\n", pos.TradeID, pos.Quantity, pos.EntryPrice)
	} else {
		b.WriteString("No open position\n")
	}

	trades, err := h.cfg.Trades.ListRecentTrades(ctx, recentTradesLimit)
	if err != nil {
		h.cfg.Logger.Error().Err(err).Msg("listing recent trades")
		return b.String() + describeError(err)
	}
	if len(trades) == 0 {
		b.WriteString("No trades recorded yet")
		return b.String()
	}

	b.WriteString("Recent trades:")
	for _, tr := range trades {
		fmt.Fprintf(&b, "\n#%d %s %v %s at %.2f", tr.ID, tr.Status, tr.Quantity, tr.Symbol, tr.EntryPrice)
		if tr.ExitPrice != nil {
			fmt.Fprintf(&b, " -> %.2f", *tr.ExitPrice)
		}
		if tr.PnL != nil {
			fmt.Fprintf(&b, " (PnL %.2f)", *tr.PnL)
		}
	}
	return b.String()
}

func (h *CommandHandler) startTrading(ctx context.Context) string {
	if !h.cfg.HasCredentials {
		return "Exchange credentials are not configured. Set BINANCE_API_KEY and BINANCE_SECRET_KEY first."
	}
	if h.cfg.Trader.IsRunning() {
		return "Trading is already running."
	}
	if err := h.cfg.Trader.Start(ctx); err != nil {
		h.cfg.Logger.Error().Err(err).Msg("starting trading")
		return describeError(err)
	}
	cfg := h.cfg.Settings.Snapshot()
	return fmt.Sprintf("Trading started on %s %s in %s mode.", cfg.Symbol, cfg.Timeframe, modeName(cfg.Demo))
}

func (h *CommandHandler) toggleDemo(ctx context.Context) string {
	if h.cfg.Trader.IsRunning() {
		return "Stop trading before switching between demo and live."
	}
	cfg, err := h.cfg.Settings.Update(func(cfg *strategy.Config) {
		cfg.Demo = !cfg.Demo
	})
	if err != nil {
		return describeError(err)
	}
	return h.persisted(ctx, cfg, fmt.Sprintf("Switched to %s mode.", modeName(cfg.Demo)))
}

func (h *CommandHandler) setFloat(ctx context.Context, args, name, unit string, apply func(*strategy.Config, float64)) string {
	v, err := strconv.ParseFloat(firstField(args), 64)
	if err != nil {
		return fmt.Sprintf("%s needs a numeric value.", name)
	}
	cfg, err := h.cfg.Settings.Update(func(cfg *strategy.Config) { apply(cfg, v) })
	if err != nil {
		return describeError(err)
	}
	return h.persisted(ctx, cfg, fmt.Sprintf("%s set to %g%s.", name, v, unit))
}

func (h *CommandHandler) setRSILength(ctx context.Context, args string) string {
	v, err := strconv.Atoi(firstField(args))
	if err != nil {
		return "RSI length needs a whole number of bars."
	}
	cfg, err := h.cfg.Settings.Update(func(cfg *strategy.Config) { cfg.RSILength = v })
	if err != nil {
		return describeError(err)
	}
	return h.persisted(ctx, cfg, fmt.Sprintf("RSI length set to %d.", v))
}

func firstField(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// persisted saves cfg and appends a warning to reply when saving fails. The
// in-memory change stays applied either way.
func (h *CommandHandler) persisted(ctx context.Context, cfg strategy.Config, reply string) string {
	raw, err := strategy.EncodeConfig(cfg)
	if err == nil {
		err = h.cfg.Store.Save(ctx, h.cfg.SettingsKey, raw)
	}
	if err != nil {
		h.cfg.Logger.Error().Err(err).Msg("persisting strategy settings")
		return reply + " Warning: the change could not be saved and will be lost on restart."
	}
	return reply
}

// describeError maps an error to a reply the operator can act on.
func describeError(err error) string {
	var orphan *position.OrphanedExecutionError
	switch {
	case errors.Is(err, strategy.ErrOutOfRange):
		return "Rejected: " + err.Error()
	case errors.Is(err, trading.ErrAlreadyRunning):
		return "Trading is already running."
	case errors.As(err, &orphan):
		return fmt.Sprintf("Order %s executed but was not recorded. Reconcile manually, then use /reset_position.",
			orphan.Fill.ClientOrderID)
	case errors.Is(err, position.ErrReconciliationRequired):
		return "Trading is blocked until the position is reconciled. Use /reset_position once done."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The request was cancelled."
	default:
		return "Error: " + err.Error()
	}
}
