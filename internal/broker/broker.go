// Package broker implements the paper position ledger mutations a
// strategy's sandboxed HP façade calls into: buy, sell, log.
// State lives in the external position ledger (internal/database); the
// broker is a thin command layer that consults the hot series cache for
// the mark price and writes through to the ledger.
package broker

import (
	"context"
	"math"
	"time"

	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/kline"
	"strategy-runner/internal/logging"
)

// closeEpsilon is the remaining-qty threshold below which a partial sell
// becomes a full close.
const closeEpsilon = 1e-12

// Ledger is the narrow persistence contract the broker depends on —
// mirrors the subset of database.Repository's methods concerned with
// positions and logs, so tests can substitute a fake ledger the way
// internal/kline tests substitute a fake Store.
type Ledger interface {
	GetOpenPosition(ctx context.Context, projectID, symbol string) (*database.Position, error)
	OpenPosition(ctx context.Context, p database.Position) (string, error)
	PartialClosePosition(ctx context.Context, positionID string, remainingQty, exitPrice float64, exitTime time.Time, realizedDelta float64) error
	ClosePosition(ctx context.Context, positionID string, exitPrice float64, exitTime time.Time, realizedDelta float64) error
	InsertLog(ctx context.Context, rec database.LogRecord) error
}

// Broker mutates the paper position ledger for one exchange, marking
// prices from the shared series cache at a fixed default timeframe.
type Broker struct {
	cache     *kline.Cache
	repo      Ledger
	exchange  string
	defaultTF kline.Interval
	bus       *events.Bus
}

// New builds a Broker bound to one exchange and mark-price timeframe.
// bus may be nil, in which case position events are simply not
// published (the ops WebSocket surface is optional ambient tooling,
// not a correctness dependency of the ledger mutations themselves).
func New(cache *kline.Cache, repo Ledger, exchange string, defaultTF kline.Interval, bus *events.Bus) *Broker {
	return &Broker{
		cache:     cache,
		repo:      repo,
		exchange:  exchange,
		defaultTF: defaultTF,
		bus:       bus,
	}
}

func (b *Broker) publishOpened(projectID, symbol string, qty, entryPrice float64) {
	if b.bus != nil {
		b.bus.PublishPositionOpened(projectID, symbol, qty, entryPrice)
	}
}

func (b *Broker) publishClosed(projectID, symbol string, remainingQty, exitPrice, realizedPnL float64) {
	if b.bus != nil {
		b.bus.PublishPositionClosed(projectID, symbol, remainingQty, exitPrice, realizedPnL)
	}
}

// Handle scopes a Broker to one (project, owner, symbol) — the capability
// object injected into a single sandboxed invocation.
type Handle struct {
	broker    *Broker
	projectID string
	userID    string
	symbol    string
}

// ForProject returns a Handle for one strategy invocation.
func (b *Broker) ForProject(projectID, userID, symbol string) *Handle {
	return &Handle{broker: b, projectID: projectID, userID: userID, symbol: kline.NormalizeSymbol(symbol)}
}

func (b *Broker) markPrice(symbol string) (float64, bool) {
	closes := b.cache.GetCloses(kline.Key{Exchange: b.exchange, Symbol: symbol, Interval: b.defaultTF})
	if len(closes) == 0 {
		return 0, false
	}
	price := closes[len(closes)-1]
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, false
	}
	return price, true
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// Buy opens a new long position sized usd/markPrice. Non-finite or
// non-positive usd, an already-open position, or an unavailable mark
// price are all no-ops logged at warn/info level rather than errors.
func (h *Handle) Buy(ctx context.Context, usd float64) error {
	if !isFinitePositive(usd) {
		return h.Log(ctx, database.LogLevelWarn, "buy: usd must be finite and positive", map[string]any{"usd": usd})
	}

	existing, err := h.broker.repo.GetOpenPosition(ctx, h.projectID, h.symbol)
	if err != nil {
		return err
	}
	if existing != nil {
		return h.Log(ctx, database.LogLevelInfo, "buy: position already open", map[string]any{"symbol": h.symbol})
	}

	price, ok := h.broker.markPrice(h.symbol)
	if !ok {
		return h.Log(ctx, database.LogLevelWarn, "buy: no mark price available", map[string]any{"symbol": h.symbol})
	}

	qty := usd / price
	_, err = h.broker.repo.OpenPosition(ctx, database.Position{
		ProjectID:  h.projectID,
		UserID:     h.userID,
		Symbol:     h.symbol,
		Qty:        qty,
		EntryPrice: price,
		EntryTime:  time.Now(),
	})
	if err == database.ErrAlreadyOpen {
		return h.Log(ctx, database.LogLevelInfo, "buy: position already open", map[string]any{"symbol": h.symbol})
	}
	if err != nil {
		return err
	}
	h.broker.publishOpened(h.projectID, h.symbol, qty, price)
	return h.Log(ctx, database.LogLevelInfo, "buy: opened long", map[string]any{
		"symbol": h.symbol, "qty": qty, "price": price, "usd": usd,
	})
}

// Sell closes pct% of the open position (clamped to 100) at the current
// mark price, accumulating realized PnL, and fully closes the position
// when the remaining quantity falls below closeEpsilon.
func (h *Handle) Sell(ctx context.Context, pct float64) error {
	if !isFinitePositive(pct) {
		return h.Log(ctx, database.LogLevelWarn, "sell: pct must be finite and positive", map[string]any{"pct": pct})
	}

	pos, err := h.broker.repo.GetOpenPosition(ctx, h.projectID, h.symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return h.Log(ctx, database.LogLevelInfo, "sell: no open position", map[string]any{"symbol": h.symbol})
	}

	price, ok := h.broker.markPrice(h.symbol)
	if !ok {
		return h.Log(ctx, database.LogLevelWarn, "sell: no mark price available", map[string]any{"symbol": h.symbol})
	}

	closeFrac := math.Min(1, pct/100)
	closeQty := pos.Qty * closeFrac
	remaining := pos.Qty - closeQty
	realized := (price - pos.EntryPrice) * closeQty
	now := time.Now()

	if remaining <= closeEpsilon {
		if err := h.broker.repo.ClosePosition(ctx, pos.ID, price, now, realized); err != nil {
			return err
		}
		h.broker.publishClosed(h.projectID, h.symbol, 0, price, realized)
		return h.Log(ctx, database.LogLevelInfo, "sell: closed position", map[string]any{
			"symbol": h.symbol, "price": price, "realized_pnl": realized,
		})
	}

	if err := h.broker.repo.PartialClosePosition(ctx, pos.ID, remaining, price, now, realized); err != nil {
		return err
	}
	h.broker.publishClosed(h.projectID, h.symbol, remaining, price, realized)
	return h.Log(ctx, database.LogLevelInfo, "sell: partial close", map[string]any{
		"symbol": h.symbol, "qty_closed": closeQty, "remaining": remaining, "price": price, "realized_pnl": realized,
	})
}

// Log appends a project_logs row and, once it is stored, publishes it on
// the event bus. Failures are swallowed with a console notice: logging
// must never abort a run.
func (h *Handle) Log(ctx context.Context, level database.LogLevel, message string, meta map[string]any) error {
	err := h.broker.repo.InsertLog(ctx, database.LogRecord{
		ProjectID: h.projectID,
		UserID:    h.userID,
		Level:     level,
		Message:   message,
		Meta:      meta,
	})
	if err != nil {
		logging.PositionContext(h.projectID, h.symbol).WithError(err).Warn("failed to persist log record")
	} else if h.broker.bus != nil {
		h.broker.bus.PublishLog(h.projectID, string(level), message)
	}
	return nil
}
