package kline

import (
	"context"
	"sync"
	"time"

	"strategy-runner/internal/logging"
	"strategy-runner/internal/metrics"
)

// ActiveSymbolProvider discovers the dynamically-active symbol set the
// ingestion loop must track — typically the symbols of projects currently
// live or running. The core only consumes it through this narrow
// interface; what backs it (a projects-table query) is out of scope here.
type ActiveSymbolProvider interface {
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// ManagerConfig configures the ingestion loop.
type ManagerConfig struct {
	Exchange         string
	Interval         Interval
	PollEvery        time.Duration // default clamped to >= 10s
	HistoryDays      int           // default 30
	MaxConcurrency   int           // default 3
	InterSymbolDelay time.Duration // default 150ms
	InterPageDelay   time.Duration // default 120ms
	TrimEvery        time.Duration // default 1h
}

func (c *ManagerConfig) setDefaults() {
	if c.PollEvery < 10*time.Second {
		c.PollEvery = 10 * time.Second
	}
	if c.HistoryDays <= 0 {
		c.HistoryDays = 30
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.InterSymbolDelay <= 0 {
		c.InterSymbolDelay = 150 * time.Millisecond
	}
	if c.InterPageDelay <= 0 {
		c.InterPageDelay = 120 * time.Millisecond
	}
	if c.TrimEvery <= 0 {
		c.TrimEvery = time.Hour
	}
}

// Manager runs the single cooperative ingestion loop: discover active
// symbols, fan them out across a bounded worker pool, sync each one
// incrementally, and periodically trim.
type Manager struct {
	cfg      ManagerConfig
	store    Store
	venue    VenueAdapter
	cache    *Cache
	symbols  ActiveSymbolProvider
	pacer    Pacer
	log      *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}

	lastTrim time.Time
}

// NewManager builds a kline ingestion manager.
func NewManager(cfg ManagerConfig, store Store, venue VenueAdapter, cache *Cache, symbols ActiveSymbolProvider, pacer Pacer) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		store:    store,
		venue:    venue,
		cache:    cache,
		symbols:  symbols,
		pacer:    pacer,
		log:      logging.WithComponent("kline"),
		now:      time.Now,
		inFlight: make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, executing one tick every cfg.PollEvery, until Stop is called
// or ctx is cancelled. Per-tick errors are logged and the loop continues.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.PollEvery)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop cooperatively halts the loop; it takes effect between ticks or
// between queue pops, never mid-fetch.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Manager) tick(ctx context.Context) {
	symbols, err := m.symbols.ActiveSymbols(ctx)
	if err != nil {
		m.log.Error("discover active symbols failed", "error", err)
		return
	}
	symbols = dedupeUpper(symbols)
	if len(symbols) == 0 {
		return
	}

	m.fanOut(ctx, symbols)
	metrics.KlineIngestTicks.Inc()

	if m.now().Sub(m.lastTrim) >= m.cfg.TrimEvery {
		m.trimFleet(ctx, symbols)
		m.lastTrim = m.now()
	}
}

func (m *Manager) fanOut(ctx context.Context, symbols []string) {
	queue := make(chan string, len(symbols))
	for _, s := range symbols {
		queue <- s
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < m.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range queue {
				if m.stopped() || ctx.Err() != nil {
					return
				}
				if !m.claim(symbol) {
					continue
				}
				func() {
					defer m.release(symbol)
					if err := m.syncOne(ctx, symbol); err != nil {
						logging.SyncContext(m.cfg.Exchange, symbol, string(m.cfg.Interval)).WithError(err).Warn("sync failed")
					}
				}()
				if err := m.pacer.Wait(ctx, "symbol", m.cfg.InterSymbolDelay); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
}

func (m *Manager) claim(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[symbol] {
		return false
	}
	m.inFlight[symbol] = true
	return true
}

func (m *Manager) release(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, symbol)
}

func (m *Manager) key(symbol string) Key {
	return Key{Exchange: m.cfg.Exchange, Symbol: symbol, Interval: m.cfg.Interval}
}

// syncOne brings one symbol's series up to date: bootstrap from
// now-historyDays if nothing is stored yet, otherwise tail-sync from the
// latest stored open time, or no-op if already current.
func (m *Manager) syncOne(ctx context.Context, symbol string) error {
	key := m.key(symbol)
	nowMs := m.now().UnixMilli()
	intervalMs := m.cfg.Interval.Millis()

	latest, found, err := m.store.GetLatestOpenTime(ctx, key)
	if err != nil {
		return err
	}

	var startTime int64
	if !found {
		startTime = nowMs - m.historyMs()
	} else {
		startTime = latest + intervalMs
		if startTime > nowMs-intervalMs {
			return nil // up to date
		}
	}

	candles, err := m.fetchPaged(ctx, symbol, startTime, nowMs)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	if err := m.store.UpsertMany(ctx, candles); err != nil {
		return err
	}
	metrics.KlineUpserts.WithLabelValues(m.cfg.Exchange, symbol, string(m.cfg.Interval)).Add(float64(len(candles)))

	if _, err := m.cache.Preload(ctx, key, PreloadOptions{}); err != nil {
		logging.SyncContext(m.cfg.Exchange, symbol, string(m.cfg.Interval)).WithError(err).Warn("cache preload after sync failed")
	}
	return nil
}

// fetchPaged walks [startTime, endTime] forward in venue-limited pages,
// advancing the cursor past the last candle returned each iteration, and
// stops on an empty page, a non-advancing cursor, a short page, or after
// 1000 iterations as a runaway backstop.
func (m *Manager) fetchPaged(ctx context.Context, symbol string, startTime, endTime int64) ([]Candle, error) {
	var all []Candle
	cursor := startTime
	intervalMs := m.cfg.Interval.Millis()

	for i := 0; i < 1000; i++ {
		if m.stopped() || ctx.Err() != nil {
			return all, ctx.Err()
		}

		page, err := m.venue.FetchCandles(ctx, FetchParams{
			Symbol:    symbol,
			Interval:  m.cfg.Interval,
			StartTime: cursor,
			EndTime:   endTime,
			Limit:     1000,
		})
		if err != nil {
			return all, err
		}
		all = append(all, page...)

		if len(page) == 0 {
			break
		}
		last := page[len(page)-1]
		nextCursor := last.OpenTime + intervalMs
		if nextCursor <= cursor {
			break
		}
		cursor = nextCursor
		if len(page) < 1000 {
			break
		}
		if cursor > endTime {
			break
		}

		if err := m.pacer.Wait(ctx, "page", m.cfg.InterPageDelay); err != nil {
			return all, err
		}
	}
	return all, nil
}

func (m *Manager) historyMs() int64 {
	return (time.Duration(m.cfg.HistoryDays) * 24 * time.Hour).Milliseconds()
}

func (m *Manager) trimFleet(ctx context.Context, symbols []string) {
	minOpenTime := m.now().UnixMilli() - m.historyMs()
	for _, symbol := range symbols {
		if m.stopped() {
			return
		}
		if err := m.store.TrimOld(ctx, m.key(symbol), minOpenTime); err != nil {
			m.log.Warn("trim failed", "symbol", symbol, "error", err)
			continue
		}
		metrics.KlineTrims.Inc()
	}
}

func dedupeUpper(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
