package broker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/database"
	"strategy-runner/internal/kline"
)

// fakeLedger is an in-memory broker.Ledger used by this package's tests.
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

// fakeStore is a minimal kline.Store seeding the cache with a single
// candle so Preload can establish a mark price.
type fakeStore struct{ candles []kline.Candle }

func (f *fakeStore) GetLatestOpenTime(ctx context.Context, key kline.Key) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeStore) UpsertMany(ctx context.Context, candles []kline.Candle) error { return nil }
func (f *fakeStore) RecentCandles(ctx context.Context, key kline.Key, limit int) ([]kline.Candle, error) {
	return f.candles, nil
}
func (f *fakeStore) TrimOld(ctx context.Context, key kline.Key, minOpenTime int64) error { return nil }

// pricedCache pairs a cache with the fake store behind it, so a test can
// reprice the mark by mutating the store and re-preloading.
type pricedCache struct {
	cache *kline.Cache
	store *fakeStore
	key   kline.Key
}

// newPricedCache builds a cache whose (exchange, symbol, 1m) series has a
// single candle at the given close price, usable as the broker's mark
// price source.
func newPricedCache(t *testing.T, exchange, symbol string, price float64) *pricedCache {
	t.Helper()
	key := kline.Key{Exchange: exchange, Symbol: symbol, Interval: kline.Interval1m}
	store := &fakeStore{candles: []kline.Candle{
		{Exchange: exchange, Symbol: symbol, Interval: kline.Interval1m, OpenTime: 1, Open: price, High: price, Low: price, Close: price, Volume: 1, CloseTime: 2},
	}}
	cache := kline.NewCache(store, 50)
	_, err := cache.Preload(context.Background(), key, kline.PreloadOptions{})
	require.NoError(t, err)
	return &pricedCache{cache: cache, store: store, key: key}
}

// reprice mutates the backing store's candle and re-preloads the cache,
// simulating the next mark price tick.
func (p *pricedCache) reprice(t *testing.T, price float64) {
	t.Helper()
	p.store.candles[0].Close = price
	p.store.candles[0].Open = price
	p.store.candles[0].High = price
	p.store.candles[0].Low = price
	_, err := p.cache.Preload(context.Background(), p.key, kline.PreloadOptions{})
	require.NoError(t, err)
}

// TestBuySellFlow: buy 100usd at mark 50 -> qty 2; sell 50% at mark 60
// -> remaining qty 1, realized PnL 10; sell 100% at mark 70 -> closed,
// realized PnL accumulates to 30.
func TestBuySellFlow(t *testing.T) {
	pc := newPricedCache(t, "binance", "BTCUSDT", 50)
	ledger := newFakeLedger()
	b := broker.New(pc.cache, ledger, "binance", kline.Interval1m, nil)
	handle := b.ForProject("proj-1", "owner-1", "BTCUSDT")
	ctx := context.Background()

	require.NoError(t, handle.Buy(ctx, 100))
	pos := ledger.open["proj-1|BTCUSDT"]
	require.NotNil(t, pos)
	assert.InDelta(t, 2.0, pos.Qty, 1e-9)
	assert.InDelta(t, 50.0, pos.EntryPrice, 1e-9)

	pc.reprice(t, 60)
	require.NoError(t, handle.Sell(ctx, 50))
	pos = ledger.open["proj-1|BTCUSDT"]
	require.NotNil(t, pos)
	assert.InDelta(t, 1.0, pos.Qty, 1e-9)
	assert.InDelta(t, 10.0, pos.RealizedPnL, 1e-9)

	pc.reprice(t, 70)
	require.NoError(t, handle.Sell(ctx, 100))
	assert.Nil(t, ledger.open["proj-1|BTCUSDT"])
	assert.InDelta(t, 30.0, pos.RealizedPnL, 1e-9)
}

func TestBuyNoopWhenAlreadyOpen(t *testing.T) {
	pc := newPricedCache(t, "binance", "ETHUSDT", 10)
	ledger := newFakeLedger()
	b := broker.New(pc.cache, ledger, "binance", kline.Interval1m, nil)
	handle := b.ForProject("proj-1", "owner-1", "ETHUSDT")
	ctx := context.Background()

	require.NoError(t, handle.Buy(ctx, 50))
	require.NoError(t, handle.Buy(ctx, 50))
	assert.Len(t, ledger.open, 1)
}

func TestBuyNoopOnNonPositiveUSD(t *testing.T) {
	pc := newPricedCache(t, "binance", "BTCUSDT", 50)
	ledger := newFakeLedger()
	b := broker.New(pc.cache, ledger, "binance", kline.Interval1m, nil)
	handle := b.ForProject("proj-1", "owner-1", "BTCUSDT")

	require.NoError(t, handle.Buy(context.Background(), 0))
	require.NoError(t, handle.Buy(context.Background(), -5))
	assert.Empty(t, ledger.open)
}

func TestSellNoopWhenNoOpenPosition(t *testing.T) {
	pc := newPricedCache(t, "binance", "BTCUSDT", 50)
	ledger := newFakeLedger()
	b := broker.New(pc.cache, ledger, "binance", kline.Interval1m, nil)
	handle := b.ForProject("proj-1", "owner-1", "BTCUSDT")

	require.NoError(t, handle.Sell(context.Background(), 50))
	require.Len(t, ledger.logs, 1)
	assert.Equal(t, database.LogLevelInfo, ledger.logs[0].Level)
}

func TestBuyNoopWithoutMarkPrice(t *testing.T) {
	cache := kline.NewCache(&fakeStore{}, 50)
	ledger := newFakeLedger()
	b := broker.New(cache, ledger, "binance", kline.Interval1m, nil)
	handle := b.ForProject("proj-1", "owner-1", "NOPRICE")

	require.NoError(t, handle.Buy(context.Background(), 100))
	assert.Empty(t, ledger.open)
}
