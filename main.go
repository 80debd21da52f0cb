// Command strategy-runner runs the paper strategy runner: the kline
// ingestion manager, the scheduler/sandbox host, and the ops HTTP/WS
// surface, wired together from config.Load.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"strategy-runner/config"
	"strategy-runner/internal/api"
	"strategy-runner/internal/auth"
	"strategy-runner/internal/broker"
	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/kline"
	"strategy-runner/internal/logging"
	"strategy-runner/internal/sandbox"
	"strategy-runner/internal/scheduler"
	"strategy-runner/internal/vault"
)

// projectSymbols adapts database.Repository's ActiveSymbols (which takes
// a status filter) to kline.ActiveSymbolProvider's fixed zero-arg shape,
// binding the configured ACTIVE_PROJECT_STATUSES once at startup.
type projectSymbols struct {
	repo     *database.Repository
	statuses []string
}

func (p projectSymbols) ActiveSymbols(ctx context.Context) ([]string, error) {
	return p.repo.ActiveSymbols(ctx, p.statuses)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("structured logging initialized")

	bus := events.NewBus()
	logger.Info("event bus initialized")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	dsn := cfg.DatabaseConfig.DSN
	if cfg.VaultConfig.Enabled {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			log.Fatalf("failed to init vault client: %v", err)
		}
		fetched, err := vaultClient.FetchDatabaseDSN(rootCtx)
		if err != nil {
			log.Fatalf("failed to fetch database DSN from vault: %v", err)
		}
		dsn = fetched
		logger.Info("database DSN fetched from vault")
	}
	if dsn == "" {
		log.Fatalf("no database DSN available (set DATABASE_DSN or enable vault)")
	}

	db, err := database.NewDB(rootCtx, database.Config{
		DSN:      dsn,
		MaxConns: cfg.DatabaseConfig.MaxConns,
		MinConns: cfg.DatabaseConfig.MinConns,
	})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("database connection established")

	if err := db.RunMigrations(rootCtx); err != nil {
		log.Fatalf("failed to run database migrations: %v", err)
	}
	logger.Info("database migrations applied")

	repo := database.NewRepository(db.Pool)

	var pacer kline.Pacer
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			logger.Warn("redis ping failed, pacer will degrade to in-process", "error", err)
		}
		pacer = kline.NewRedisPacer(rdb)
		logger.Info("ingestion pacer backed by redis")
	} else {
		pacer = kline.NewLocalPacer()
		logger.Info("ingestion pacer is in-process (redis disabled)")
	}

	store := kline.NewPGStore(db.Pool)
	venue := kline.NewBinanceVenue(cfg.VenueConfig.Exchange, cfg.VenueConfig.APIKey, cfg.VenueConfig.SecretKey, cfg.VenueConfig.BaseURL)
	cache := kline.NewCache(store, cfg.IndicatorConfig.MaxCandles)

	manager := kline.NewManager(kline.ManagerConfig{
		Exchange:         cfg.VenueConfig.Exchange,
		Interval:         kline.Interval1m,
		PollEvery:        cfg.KlineConfig.RefreshEvery,
		HistoryDays:      cfg.KlineConfig.RetentionDays,
		MaxConcurrency:   cfg.KlineConfig.MaxConcurrency,
		InterSymbolDelay: cfg.KlineConfig.InterSymbolPace,
		InterPageDelay:   cfg.KlineConfig.InterPagePace,
		TrimEvery:        cfg.KlineConfig.TrimEvery,
	}, store, venue, cache, projectSymbols{repo: repo, statuses: cfg.KlineConfig.ActiveStatuses}, pacer)

	brk := broker.New(cache, repo, cfg.VenueConfig.Exchange, kline.Interval1m, bus)
	host := sandbox.NewHost(sandbox.Config{Timeout: cfg.SandboxConfig.Timeout})

	sched := scheduler.New(scheduler.Config{
		TickEvery:  cfg.SchedulerConfig.TickEvery,
		ClaimLimit: cfg.SchedulerConfig.ClaimLimit,
		Exchange:   cfg.VenueConfig.Exchange,
	}, repo, cache, brk, host, bus)

	var authMgr *auth.Manager
	if cfg.AuthConfig.Enabled {
		authMgr = auth.NewManager(cfg.AuthConfig.JWTSecret, 24*time.Hour)
		logger.Info("ops API bearer auth enabled")
	}

	server := api.NewServer(api.Config{
		Addr:           cfg.ServerConfig.Host + ":" + strconv.Itoa(cfg.ServerConfig.Port),
		ProductionMode: cfg.ServerConfig.Production,
		CORSOrigins:    []string{cfg.ServerConfig.AllowedOrigins},
	}, repo, cache, cfg.VenueConfig.Exchange, sched, authMgr, bus)

	go manager.Run(rootCtx)
	logger.Info("kline ingestion manager started")

	go sched.Run(rootCtx)
	logger.Info("scheduler started")

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("ops API server stopped", "error", err)
		}
	}()
	logger.Info("ops API server started", "addr", cfg.ServerConfig.Host+":"+strconv.Itoa(cfg.ServerConfig.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	manager.Stop()
	sched.Stop()
	cancelRoot()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down ops API server", "error", err)
	}

	logger.Info("shutdown complete")
}

