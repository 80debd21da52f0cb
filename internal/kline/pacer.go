package kline

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pacer enforces a minimum spacing between successive calls identified by a
// shared key. A Redis-backed pacer shares pacing across ingestion workers,
// and across processes if the manager is sharded; when Redis is
// unavailable it degrades to an in-process limiter instead of failing the
// tick.
type Pacer interface {
	// Wait blocks until it is this caller's turn to proceed for key, or ctx
	// is cancelled.
	Wait(ctx context.Context, key string, minInterval time.Duration) error
}

// localPacer is the in-process fallback: a mutex-guarded map of last-fire
// timestamps, one per key.
type localPacer struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newLocalPacer() *localPacer {
	return &localPacer{last: make(map[string]time.Time)}
}

// NewLocalPacer builds an in-process pacer, used when no shared Redis
// pacer is configured.
func NewLocalPacer() Pacer {
	return newLocalPacer()
}

func (p *localPacer) Wait(ctx context.Context, key string, minInterval time.Duration) error {
	p.mu.Lock()
	last, ok := p.last[key]
	now := time.Now()
	var wait time.Duration
	if ok {
		elapsed := now.Sub(last)
		if elapsed < minInterval {
			wait = minInterval - elapsed
		}
	}
	p.last[key] = now.Add(wait)
	p.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RedisPacer paces using a Redis key holding the last-fire RFC3339Nano
// timestamp: Wait reads it with GET, sleeps out any remaining interval,
// and records the new fire time with SET. GET and SET are separate
// commands, not an atomic compare-and-set, so two callers that read the
// same timestamp can both proceed. It falls back to an in-process pacer
// for any call that errors against Redis.
type RedisPacer struct {
	client   *redis.Client
	fallback *localPacer
}

// NewRedisPacer builds a pacer backed by client. A nil client makes every
// Wait call degrade straight to the in-process pacer.
func NewRedisPacer(client *redis.Client) *RedisPacer {
	return &RedisPacer{client: client, fallback: newLocalPacer()}
}

const pacerKeyPrefix = "kline:pace:"

func (p *RedisPacer) Wait(ctx context.Context, key string, minInterval time.Duration) error {
	if p.client == nil {
		return p.fallback.Wait(ctx, key, minInterval)
	}

	rk := pacerKeyPrefix + key
	for {
		now := time.Now()
		lastStr, err := p.client.Get(ctx, rk).Result()
		if err != nil && err != redis.Nil {
			return p.fallback.Wait(ctx, key, minInterval)
		}

		var wait time.Duration
		if err == nil {
			last, perr := time.Parse(time.RFC3339Nano, lastStr)
			if perr == nil {
				if elapsed := now.Sub(last); elapsed < minInterval {
					wait = minInterval - elapsed
				}
			}
		}

		if wait <= 0 {
			next := now.Add(0)
			if err := p.client.Set(ctx, rk, next.Format(time.RFC3339Nano), minInterval*4).Err(); err != nil {
				return p.fallback.Wait(ctx, key, minInterval)
			}
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
			t.Stop()
			continue
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
