package kline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVenue serves pages from a fixed candle list, respecting the
// [startTime, endTime] bound and limit, so fetchPaged's loop-termination
// conditions are exercised exactly as the real venue adapter would trigger them.
type fakeVenue struct {
	all   []Candle
	calls int
}

func (v *fakeVenue) FetchCandles(ctx context.Context, p FetchParams) ([]Candle, error) {
	v.calls++
	var page []Candle
	for _, c := range v.all {
		if c.OpenTime < p.StartTime || c.OpenTime > p.EndTime {
			continue
		}
		c.Symbol = NormalizeSymbol(p.Symbol)
		page = append(page, c)
		if len(page) >= p.Limit {
			break
		}
	}
	return page, nil
}

type staticSymbols struct{ symbols []string }

func (s staticSymbols) ActiveSymbols(ctx context.Context) ([]string, error) { return s.symbols, nil }

func TestManagerTailSyncIsIdempotent(t *testing.T) {
	store := newFakeStore()
	const intervalMs = int64(60_000)
	base := int64(1_000_000_000_000) // arbitrary ms epoch, interval-aligned enough for the test

	// t0, t1, t2 already ingested.
	existing := []Candle{
		mkCandle(base, intervalMs),
		mkCandle(base+intervalMs, intervalMs),
		mkCandle(base+2*intervalMs, intervalMs),
	}
	require.NoError(t, store.UpsertMany(context.Background(), existing))

	// Venue has t3, t4 available beyond what's stored.
	venue := &fakeVenue{all: []Candle{
		mkCandle(base+3*intervalMs, intervalMs),
		mkCandle(base+4*intervalMs, intervalMs),
	}}

	cache := NewCache(store, 50)
	cfg := ManagerConfig{Exchange: "binance", Interval: Interval1m, MaxConcurrency: 1}
	mgr := NewManager(cfg, store, venue, cache, staticSymbols{symbols: []string{"BTCUSDT"}}, NewRedisPacer(nil))
	mgr.now = func() time.Time { return time.UnixMilli(base + 5*intervalMs) }

	key := Key{Exchange: "binance", Symbol: "BTCUSDT", Interval: Interval1m}
	require.NoError(t, mgr.syncOne(context.Background(), "BTCUSDT"))
	assert.Equal(t, 5, store.count(key))

	// A second immediate sync makes zero new upserts worth observing: the
	// store already has everything through "now - interval".
	callsBefore := venue.calls
	require.NoError(t, mgr.syncOne(context.Background(), "BTCUSDT"))
	assert.Equal(t, 5, store.count(key))
	assert.Equal(t, callsBefore, venue.calls, "second tick should no-op without calling the venue")
}

func TestManagerBootstrapWhenNoExistingData(t *testing.T) {
	store := newFakeStore()
	const intervalMs = int64(60_000)
	base := int64(2_000_000_000_000)

	venue := &fakeVenue{all: []Candle{
		mkCandle(base-2*intervalMs, intervalMs),
		mkCandle(base-intervalMs, intervalMs),
	}}
	cache := NewCache(store, 50)
	cfg := ManagerConfig{Exchange: "binance", Interval: Interval1m, MaxConcurrency: 1, HistoryDays: 1}
	mgr := NewManager(cfg, store, venue, cache, staticSymbols{symbols: []string{"ETHUSDT"}}, NewRedisPacer(nil))
	mgr.now = func() time.Time { return time.UnixMilli(base) }

	require.NoError(t, mgr.syncOne(context.Background(), "ETHUSDT"))
	key := Key{Exchange: "binance", Symbol: "ETHUSDT", Interval: Interval1m}
	assert.Equal(t, 2, store.count(key))
}

func TestDedupeUpper(t *testing.T) {
	out := dedupeUpper([]string{"btcusdt", "BTCUSDT", "", " ethusdt "})
	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, out)
}

func mkCandle(openTime, intervalMs int64) Candle {
	return Candle{
		Exchange: "binance", Symbol: "BTCUSDT", Interval: Interval1m,
		OpenTime: openTime, CloseTime: openTime + intervalMs,
		Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1,
	}
}
