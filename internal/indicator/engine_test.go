package indicator

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"

	"strategy-runner/internal/kline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory kline.Store for preloading a cache in
// tests, independent of the kline package's own test doubles.
type fakeStore struct {
	mu   sync.Mutex
	rows map[kline.Key][]kline.Candle
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[kline.Key][]kline.Candle)} }

func (f *fakeStore) GetLatestOpenTime(ctx context.Context, key kline.Key) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[key]
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[len(rows)-1].OpenTime, true, nil
}

func (f *fakeStore) UpsertMany(ctx context.Context, candles []kline.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range candles {
		key := kline.Key{Exchange: c.Exchange, Symbol: c.Symbol, Interval: c.Interval}
		f.rows[key] = append(f.rows[key], c)
	}
	for k := range f.rows {
		sort.Slice(f.rows[k], func(i, j int) bool { return f.rows[k][i].OpenTime < f.rows[k][j].OpenTime })
	}
	return nil
}

func (f *fakeStore) RecentCandles(ctx context.Context, key kline.Key, limit int) ([]kline.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.rows[key]
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]kline.Candle, len(rows))
	copy(out, rows)
	return out, nil
}

func (f *fakeStore) TrimOld(ctx context.Context, key kline.Key, minOpenTime int64) error { return nil }

func seedCache(t *testing.T, exchange, symbol string, closes []float64) *kline.Cache {
	t.Helper()
	store := newFakeStore()
	candles := make([]kline.Candle, len(closes))
	for i, c := range closes {
		candles[i] = kline.Candle{
			Exchange: exchange, Symbol: symbol, Interval: kline.Interval1m,
			OpenTime: int64(i) * 60000, CloseTime: int64(i+1) * 60000,
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
		}
	}
	require.NoError(t, store.UpsertMany(context.Background(), candles))
	cache := kline.NewCache(store, 100)
	_, err := cache.Preload(context.Background(), kline.Key{Exchange: exchange, Symbol: symbol, Interval: kline.Interval1m}, kline.PreloadOptions{})
	require.NoError(t, err)
	return cache
}

func TestEngineEMAMemoizesWithinInvocation(t *testing.T) {
	cache := seedCache(t, "binance", "BTCUSDT", []float64{1, 1, 1, 1, 1})
	eng := NewEngine(cache, "binance", "BTCUSDT")

	v1 := eng.EMA(MAParams{Length: 3})
	v2 := eng.EMA(MAParams{Length: 3})
	assert.InDelta(t, 1.0, v1, 1e-9)
	assert.Equal(t, v1, v2)
}

func TestEngineSourceDefaultsToClose(t *testing.T) {
	cache := seedCache(t, "binance", "ETHUSDT", []float64{10, 20, 30})
	eng := NewEngine(cache, "binance", "ETHUSDT")

	v := eng.SMA(MAParams{Length: 3})
	assert.InDelta(t, 20.0, v, 1e-9)
}

func TestEngineBreakoutUpLiteral(t *testing.T) {
	cache := seedCache(t, "binance", "BTCUSDT", []float64{10, 12, 11, 13})
	eng := NewEngine(cache, "binance", "BTCUSDT")

	assert.True(t, eng.BreakoutUp(BreakoutParams{Lookback: 3, Level: math.NaN()}))
	assert.False(t, eng.BreakoutUp(BreakoutParams{Lookback: 3, Level: 14}))
}

func TestEngineVWAPIsFiniteForFiniteRows(t *testing.T) {
	cache := seedCache(t, "binance", "BTCUSDT", []float64{10, 10})
	eng := NewEngine(cache, "binance", "BTCUSDT")

	v := eng.VWAP(VWAPParams{})
	assert.False(t, math.IsNaN(v))
}

func TestEngineMissingSeriesReturnsNaN(t *testing.T) {
	cache := kline.NewCache(newFakeStore(), 100)
	eng := NewEngine(cache, "binance", "DOGEUSDT")

	assert.True(t, math.IsNaN(eng.EMA(MAParams{Length: 5})))
	assert.False(t, eng.BreakoutUp(BreakoutParams{Lookback: 3}))
}

func TestEngineUnknownSmoothingWarnsOnceAndFallsBackToWilder(t *testing.T) {
	cache := seedCache(t, "binance", "BTCUSDT", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15})
	eng := NewEngine(cache, "binance", "BTCUSDT")

	v := eng.RSI(RSIParams{Period: 14, Smoothing: "ema"})
	assert.InDelta(t, 100.0, v, 1e-9)
	assert.True(t, eng.warnedSmoothing["RSI|ema"])
}
