package kline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// chunkSize bounds the per-request upsert payload.
const chunkSize = 500

// PGStore implements Store against the market_klines table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps a connection pool. The pool's lifecycle (and migrations)
// are owned by internal/database.DB.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) GetLatestOpenTime(ctx context.Context, key Key) (int64, bool, error) {
	const q = `
		SELECT MAX(open_time) FROM market_klines
		WHERE exchange = $1 AND symbol = $2 AND interval = $3
	`
	var openTime *int64
	if err := s.pool.QueryRow(ctx, q, key.Exchange, key.Symbol, string(key.Interval)).Scan(&openTime); err != nil {
		return 0, false, fmt.Errorf("kline: get latest open time: %w", err)
	}
	if openTime == nil {
		return 0, false, nil
	}
	return *openTime, true, nil
}

func (s *PGStore) UpsertMany(ctx context.Context, candles []Candle) error {
	for start := 0; start < len(candles); start += chunkSize {
		end := start + chunkSize
		if end > len(candles) {
			end = len(candles)
		}
		if err := s.upsertChunk(ctx, candles[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) upsertChunk(ctx context.Context, chunk []Candle) error {
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO market_klines (exchange, symbol, interval, open_time, open, high, low, close, volume, close_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (exchange, symbol, interval, open_time) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
			close = EXCLUDED.close, volume = EXCLUDED.volume, close_time = EXCLUDED.close_time
	`
	for _, c := range chunk {
		batch.Queue(q, c.Exchange, c.Symbol, string(c.Interval), c.OpenTime,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTime)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range chunk {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("kline: upsert chunk: %w", err)
		}
	}
	return nil
}

func (s *PGStore) RecentCandles(ctx context.Context, key Key, limit int) ([]Candle, error) {
	const q = `
		SELECT open_time, open, high, low, close, volume, close_time FROM (
			SELECT open_time, open, high, low, close, volume, close_time
			FROM market_klines
			WHERE exchange = $1 AND symbol = $2 AND interval = $3
			ORDER BY open_time DESC
			LIMIT $4
		) recent
		ORDER BY open_time ASC
	`
	rows, err := s.pool.Query(ctx, q, key.Exchange, key.Symbol, string(key.Interval), limit)
	if err != nil {
		return nil, fmt.Errorf("kline: recent candles: %w", err)
	}
	defer rows.Close()

	var out []Candle
	for rows.Next() {
		var c Candle
		c.Exchange, c.Symbol, c.Interval = key.Exchange, key.Symbol, key.Interval
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.CloseTime); err != nil {
			return nil, fmt.Errorf("kline: scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PGStore) TrimOld(ctx context.Context, key Key, minOpenTime int64) error {
	const q = `
		DELETE FROM market_klines
		WHERE exchange = $1 AND symbol = $2 AND interval = $3 AND open_time < $4
	`
	_, err := s.pool.Exec(ctx, q, key.Exchange, key.Symbol, string(key.Interval), minOpenTime)
	if err != nil {
		return fmt.Errorf("kline: trim old: %w", err)
	}
	return nil
}
