package kline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachePreloadAscendingAndReplace(t *testing.T) {
	store := newFakeStore()
	key := Key{Exchange: "binance", Symbol: "BTCUSDT", Interval: Interval1m}
	require.NoError(t, store.UpsertMany(context.Background(), []Candle{
		{Exchange: "binance", Symbol: "BTCUSDT", Interval: Interval1m, OpenTime: 1, CloseTime: 2, Close: 1},
		{Exchange: "binance", Symbol: "BTCUSDT", Interval: Interval1m, OpenTime: 2, CloseTime: 3, Close: 2},
	}))

	cache := NewCache(store, 10)
	series, err := cache.Preload(context.Background(), key, PreloadOptions{})
	require.NoError(t, err)
	assert.True(t, series.StrictlyAscending())
	assert.Equal(t, 2, series.Len())

	assert.Same(t, series, cache.GetSeries(key))

	require.NoError(t, store.UpsertMany(context.Background(), []Candle{
		{Exchange: "binance", Symbol: "BTCUSDT", Interval: Interval1m, OpenTime: 3, CloseTime: 4, Close: 3},
	}))
	series2, err := cache.Preload(context.Background(), key, PreloadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, series2.Len())

	cache.Clear()
	assert.Nil(t, cache.GetSeries(key))
}

func TestCacheCapFloor(t *testing.T) {
	cache := NewCache(newFakeStore(), 1)
	assert.Equal(t, minCacheCap, cache.cacheCap)
}

func TestCacheGetClosesEmptyWhenAbsent(t *testing.T) {
	cache := NewCache(newFakeStore(), 100)
	assert.Empty(t, cache.GetCloses(Key{Symbol: "ETHUSDT"}))
}
