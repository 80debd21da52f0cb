// Package scheduler runs the claim-based loop: select due projects,
// preload the series cache per symbol/timeframe, and execute each
// project's strategy source inside the sandbox. Claimed projects are
// processed sequentially within a tick; per-project failures are
// isolated.
package scheduler

import (
	"context"
	"time"

	"strategy-runner/internal/broker"
	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/indicator"
	"strategy-runner/internal/kline"
	"strategy-runner/internal/logging"
	"strategy-runner/internal/metrics"
	"strategy-runner/internal/sandbox"
)

// Repo is the narrow persistence contract the scheduler depends on —
// the same interface-over-concrete-struct pattern as broker.Ledger, so
// tests can substitute a fake claim/run store instead of a live
// Postgres-backed Repository.
type Repo interface {
	ClaimDueProjects(ctx context.Context, limit int) ([]database.ClaimedProject, error)
	GetProjectForTrigger(ctx context.Context, projectID string) (database.ClaimedProject, error)
	GetProjectSymbols(ctx context.Context, projectID string) ([]string, error)
	CreateRun(ctx context.Context, projectID, userID, mode string) (string, error)
	FinishRun(ctx context.Context, runID string, status database.RunStatus, summary, errMsg string) error
	SetProjectLastRunStatus(ctx context.Context, projectID string, status database.RunStatus, lastErr string) error
}

// Config governs the scheduler loop.
type Config struct {
	TickEvery  time.Duration // default 2s
	ClaimLimit int           // default 10
	Exchange   string
}

func (c *Config) setDefaults() {
	if c.TickEvery <= 0 {
		c.TickEvery = 2 * time.Second
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 10
	}
}

// Scheduler is the main claim loop.
type Scheduler struct {
	cfg    Config
	repo   Repo
	cache  *kline.Cache
	broker *broker.Broker
	host   *sandbox.Host
	bus    *events.Bus
	log    *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. bus may be nil to disable run lifecycle
// event publication.
func New(cfg Config, repo Repo, cache *kline.Cache, brk *broker.Broker, host *sandbox.Host, bus *events.Bus) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:    cfg,
		repo:   repo,
		cache:  cache,
		broker: brk,
		host:   host,
		bus:    bus,
		log:    logging.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run blocks, ticking every cfg.TickEvery, until Stop is called or ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.TickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop cooperatively halts the loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// RunNow executes one project immediately, bypassing the due-time
// claim check — used by the ops API's operator-triggered run override.
func (s *Scheduler) RunNow(ctx context.Context, projectID string) error {
	cp, err := s.repo.GetProjectForTrigger(ctx, projectID)
	if err != nil {
		return err
	}
	s.runProject(ctx, cp)
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	claimed, err := s.repo.ClaimDueProjects(ctx, s.cfg.ClaimLimit)
	if err != nil {
		s.log.Error("claim due projects failed", "error", err)
		return
	}

	for _, cp := range claimed {
		if ctx.Err() != nil {
			return
		}
		s.runProject(ctx, cp)
	}
}

// runProject executes one claimed project's strategy against each of its
// target symbols, isolating failures per project: a thrown error or
// timeout in one symbol's execution does not prevent the others from
// running, but is captured into the project's single run record so the
// operator sees it.
func (s *Scheduler) runProject(ctx context.Context, cp database.ClaimedProject) {
	runID, err := s.repo.CreateRun(ctx, cp.ID, cp.OwnerID, "paper")
	if err != nil {
		s.log.Error("create run failed", "project", cp.ID, "error", err)
		return
	}
	if s.bus != nil {
		s.bus.PublishRunStarted(cp.ID, runID)
	}

	runLog := logging.RunContext(cp.ID, runID)

	if cp.GeneratedSource == "" {
		s.finish(ctx, cp, runID, database.RunStatusSkipped, "", "generated_source is empty")
		return
	}

	symbols, err := s.repo.GetProjectSymbols(ctx, cp.ID)
	if err != nil {
		s.finish(ctx, cp, runID, database.RunStatusError, "", err.Error())
		return
	}

	timeframes := sandbox.ExtractTimeframes(cp.GeneratedSource)

	var firstErr error
	ranAny := false
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		symbol = kline.NormalizeSymbol(symbol)
		if symbol == "" {
			continue
		}

		if !s.preloadSymbol(ctx, symbol, timeframes) {
			continue
		}

		eng := indicator.NewEngine(s.cache, s.cfg.Exchange, symbol)
		handle := s.broker.ForProject(cp.ID, cp.OwnerID, symbol)

		ranAny = true
		runErr := s.host.Run(ctx, cp.GeneratedSource, sandbox.Capabilities{
			Engine:   eng,
			Broker:   handle,
			Exchange: s.cfg.Exchange,
			Symbol:   symbol,
		})
		if runErr != nil {
			if runErr == sandbox.ErrTimeout {
				metrics.SandboxTimeouts.Inc()
			}
			runLog.WithError(runErr).Warn("strategy execution failed", "symbol", symbol)
			if firstErr == nil {
				firstErr = runErr
			}
		}
	}

	if !ranAny && firstErr == nil {
		s.finish(ctx, cp, runID, database.RunStatusSkipped, "", "no symbols preloaded successfully")
		return
	}
	if firstErr != nil {
		s.finish(ctx, cp, runID, database.RunStatusError, "", firstErr.Error())
		return
	}
	s.finish(ctx, cp, runID, database.RunStatusOK, "ok", "")
}

// finish records a run's terminal status, updates the project's last
// run status, publishes a run finished event, and counts the outcome.
func (s *Scheduler) finish(ctx context.Context, cp database.ClaimedProject, runID string, status database.RunStatus, summary, errMsg string) {
	_ = s.repo.FinishRun(ctx, runID, status, summary, errMsg)
	_ = s.repo.SetProjectLastRunStatus(ctx, cp.ID, status, errMsg)
	metrics.SchedulerRuns.WithLabelValues(string(status)).Inc()
	if s.bus != nil {
		s.bus.PublishRunFinished(cp.ID, runID, string(status), errMsg)
	}
}

// preloadSymbol loads the series cache for every required timeframe;
// a per-timeframe preload failure produces a warn log and skips the
// symbol entirely.
func (s *Scheduler) preloadSymbol(ctx context.Context, symbol string, timeframes []string) bool {
	for _, tf := range timeframes {
		iv, err := kline.ParseInterval(tf)
		if err != nil {
			s.log.Warn("unsupported timeframe in strategy source", "symbol", symbol, "tf", tf)
			return false
		}
		key := kline.Key{Exchange: s.cfg.Exchange, Symbol: symbol, Interval: iv}
		if _, err := s.cache.Preload(ctx, key, kline.PreloadOptions{}); err != nil {
			s.log.Warn("preload failed, skipping symbol", "symbol", symbol, "tf", tf, "error", err)
			return false
		}
	}
	return true
}
