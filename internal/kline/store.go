package kline

import "context"

// Store is the narrow durable-persistence contract the kline manager and
// the series cache rely on. Implementations may fail with a transport or
// constraint error; callers treat any error as retryable at the next tick.
type Store interface {
	// GetLatestOpenTime returns the maximum open_time stored for key, and
	// false if the series has no rows yet.
	GetLatestOpenTime(ctx context.Context, key Key) (openTime int64, found bool, err error)

	// UpsertMany idempotently bulk-upserts candles keyed on
	// (exchange, symbol, interval, open_time), chunking internally to bound
	// per-request payload size.
	UpsertMany(ctx context.Context, candles []Candle) error

	// RecentCandles returns up to limit candles for key, ordered oldest
	// first, ending at the most recent stored candle.
	RecentCandles(ctx context.Context, key Key, limit int) ([]Candle, error)

	// TrimOld deletes rows with open_time < minOpenTime for key.
	TrimOld(ctx context.Context, key Key, minOpenTime int64) error
}
