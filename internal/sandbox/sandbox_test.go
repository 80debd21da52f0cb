package sandbox_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/database"
	"strategy-runner/internal/indicator"
	"strategy-runner/internal/kline"
	"strategy-runner/internal/sandbox"
)

// fakeLedger is a minimal in-memory broker.Ledger, mirroring the one in
// internal/broker's own test file.
type fakeLedger struct {
	open map[string]*database.Position
	logs []database.LogRecord
	seq  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{open: make(map[string]*database.Position)}
}

func (f *fakeLedger) key(projectID, symbol string) string { return projectID + "|" + symbol }

func (f *fakeLedger) GetOpenPosition(ctx context.Context, projectID, symbol string) (*database.Position, error) {
	return f.open[f.key(projectID, symbol)], nil
}

func (f *fakeLedger) OpenPosition(ctx context.Context, p database.Position) (string, error) {
	k := f.key(p.ProjectID, p.Symbol)
	if f.open[k] != nil {
		return "", database.ErrAlreadyOpen
	}
	f.seq++
	p.ID = fmt.Sprintf("pos-%d", f.seq)
	p.Status = database.PositionStatusOpen
	f.open[k] = &p
	return p.ID, nil
}

func (f *fakeLedger) PartialClosePosition(ctx context.Context, positionID string, remainingQty, exitPrice float64, exitTime time.Time, realizedDelta float64) error {
	for _, p := range f.open {
		if p.ID == positionID {
			p.Qty = remainingQty
			p.ExitPrice = &exitPrice
			p.ExitTime = &exitTime
			p.RealizedPnL += realizedDelta
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeLedger) ClosePosition(ctx context.Context, positionID string, exitPrice float64, exitTime time.Time, realizedDelta float64) error {
	for k, p := range f.open {
		if p.ID == positionID {
			p.Status = database.PositionStatusClosed
			p.ExitPrice = &exitPrice
			p.ExitTime = &exitTime
			p.RealizedPnL += realizedDelta
			delete(f.open, k)
			return nil
		}
	}
	return database.ErrNotFound
}

func (f *fakeLedger) InsertLog(ctx context.Context, rec database.LogRecord) error {
	f.logs = append(f.logs, rec)
	return nil
}

type fakeStore struct{ candles []kline.Candle }

func (f *fakeStore) GetLatestOpenTime(ctx context.Context, key kline.Key) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeStore) UpsertMany(ctx context.Context, candles []kline.Candle) error { return nil }
func (f *fakeStore) RecentCandles(ctx context.Context, key kline.Key, limit int) ([]kline.Candle, error) {
	return f.candles, nil
}
func (f *fakeStore) TrimOld(ctx context.Context, key kline.Key, minOpenTime int64) error { return nil }

// newCapabilities builds a sandbox.Capabilities with a seeded 30-candle
// series (enough for every indicator's default lookback) and a fresh
// paper broker handle bound to a dedicated project/symbol.
func newCapabilities(t *testing.T, exchange, symbol string) (sandbox.Capabilities, *fakeLedger) {
	t.Helper()
	candles := make([]kline.Candle, 30)
	for i := range candles {
		price := 100 + float64(i)
		candles[i] = kline.Candle{
			Exchange: exchange, Symbol: symbol, Interval: kline.Interval1m,
			OpenTime: int64(i), CloseTime: int64(i + 1),
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 10,
		}
	}
	store := &fakeStore{candles: candles}
	cache := kline.NewCache(store, 50)
	key := kline.Key{Exchange: exchange, Symbol: symbol, Interval: kline.Interval1m}
	_, err := cache.Preload(context.Background(), key, kline.PreloadOptions{})
	require.NoError(t, err)

	ledger := newFakeLedger()
	brk := broker.New(cache, ledger, exchange, kline.Interval1m, nil)
	handle := brk.ForProject("proj-1", "owner-1", symbol)

	return sandbox.Capabilities{
		Engine:   indicator.NewEngine(cache, exchange, symbol),
		Broker:   handle,
		Exchange: exchange,
		Symbol:   symbol,
	}, ledger
}

func TestHostRunIndicatorAndBrokerBindings(t *testing.T) {
	caps, ledger := newCapabilities(t, "binance", "BTCUSDT")
	host := sandbox.NewHost(sandbox.Config{Timeout: time.Second})

	source := `
		var sma = SMA({tf: "1m", source: "close", length: 5})
		if (typeof sma !== "number") { throw new Error("sma not a number") }
		HP.buy({usd: 100})
		HP.sell({pct: 100})
		HP.log("info", "done", {sma: sma})
	`
	err := host.Run(context.Background(), source, caps)
	require.NoError(t, err)
	assert.NotEmpty(t, ledger.logs)
}

func TestHostRunAcceptsLegacyPositionalBrokerCalls(t *testing.T) {
	caps, ledger := newCapabilities(t, "binance", "ETHUSDT")
	host := sandbox.NewHost(sandbox.Config{Timeout: time.Second})

	source := `
		HP.buy(50)
		HP.sell(100)
	`
	err := host.Run(context.Background(), source, caps)
	require.NoError(t, err)
	assert.NotEmpty(t, ledger.logs)
}

func TestHostRunThrownErrorSurfaces(t *testing.T) {
	caps, _ := newCapabilities(t, "binance", "BTCUSDT")
	host := sandbox.NewHost(sandbox.Config{Timeout: time.Second})

	err := host.Run(context.Background(), `throw new Error("boom")`, caps)
	assert.Error(t, err)
}

func TestHostRunCompileErrorSurfaces(t *testing.T) {
	caps, _ := newCapabilities(t, "binance", "BTCUSDT")
	host := sandbox.NewHost(sandbox.Config{Timeout: time.Second})

	err := host.Run(context.Background(), `this is not valid javascript {{{`, caps)
	assert.Error(t, err)
}

func TestHostRunTimesOut(t *testing.T) {
	caps, _ := newCapabilities(t, "binance", "BTCUSDT")
	host := sandbox.NewHost(sandbox.Config{Timeout: 50 * time.Millisecond})

	err := host.Run(context.Background(), `while (true) {}`, caps)
	assert.ErrorIs(t, err, sandbox.ErrTimeout)
}

func TestHostRunLocksDownEvalAndFunction(t *testing.T) {
	caps, _ := newCapabilities(t, "binance", "BTCUSDT")
	host := sandbox.NewHost(sandbox.Config{Timeout: time.Second})

	err := host.Run(context.Background(), `eval("1+1")`, caps)
	assert.Error(t, err)

	err = host.Run(context.Background(), `new Function("return 1")`, caps)
	assert.Error(t, err)
}

func TestExtractTimeframesDefaultsAndDedupes(t *testing.T) {
	assert.Equal(t, []string{"1m"}, sandbox.ExtractTimeframes(`SMA({source:"close",length:5})`))

	tfs := sandbox.ExtractTimeframes(`SMA({tf:"5m"}); EMA({tf: '5m'}); RSI({tf:"1h"})`)
	assert.ElementsMatch(t, []string{"5m", "1h"}, tfs)
}
