// Package api is the ops HTTP/WS surface: health, run history, position
// snapshots, a live kline view, Prometheus metrics, and a run-event
// WebSocket for connected operator dashboards. It is an internal
// operational surface, not a user-facing CRUD API.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"strategy-runner/internal/auth"
	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/kline"
	"strategy-runner/internal/logging"
)

// Config governs the HTTP server's bind address and mode.
type Config struct {
	Addr           string // default ":8090"
	ProductionMode bool
	CORSOrigins    []string
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8090"
	}
}

// Repo is the narrow read surface this package depends on — the same
// interface-over-concrete pattern as broker.Ledger/scheduler.Repo, so
// handler tests can substitute an in-memory fake instead of a live
// Postgres-backed *database.Repository (which satisfies it
// structurally, no change needed at call sites).
type Repo interface {
	Ping(ctx context.Context) error
	ListRuns(ctx context.Context, projectID string, limit int) ([]database.Run, error)
	ListPositions(ctx context.Context, projectID string) ([]database.Position, error)
}

// RunTrigger is the narrow capability handleTriggerRun depends on.
// *scheduler.Scheduler satisfies this structurally.
type RunTrigger interface {
	RunNow(ctx context.Context, projectID string) error
}

// Server is the ops HTTP/WS surface: gin.New() with explicit
// Logger/Recovery middleware and CORS, routes registered from
// setupRoutes, and a WebSocket hub fed by the shared event bus.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	repo       Repo
	cache      *kline.Cache
	exchange   string
	scheduler  RunTrigger
	authMgr    *auth.Manager // nil disables the trigger endpoint's auth gate
	hub        *wsHub
	log        *logging.Logger
}

// NewServer builds the ops API server and wires its routes. authMgr may
// be nil, in which case POST /projects/:id/runs/trigger is left
// unauthenticated — acceptable only for local/dev use.
func NewServer(cfg Config, repo Repo, cache *kline.Cache, exchange string, sched RunTrigger, authMgr *auth.Manager, bus *events.Bus) *Server {
	cfg.setDefaults()

	gin.SetMode(gin.ReleaseMode)
	if !cfg.ProductionMode {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	s := &Server{
		cfg:       cfg,
		router:    router,
		repo:      repo,
		cache:     cache,
		exchange:  exchange,
		scheduler: sched,
		authMgr:   authMgr,
		hub:       newWSHub(),
		log:       logging.WithComponent("api"),
	}

	if bus != nil {
		bus.SubscribeAll(s.hub.broadcastEvent)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/projects/:id/runs", s.handleListRuns)
	s.router.GET("/projects/:id/positions", s.handleListPositions)
	s.router.GET("/klines/:symbol/:interval", s.handleKlines)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws/events", s.handleWS)

	trigger := s.router.Group("/projects/:id/runs")
	if s.authMgr != nil {
		trigger.Use(auth.Middleware(s.authMgr))
	}
	trigger.POST("/trigger", s.handleTriggerRun)
}

// ServeHTTP lets Server stand in as an http.Handler directly, so tests
// can exercise routes with httptest without binding a real listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the hub and the HTTP server; it blocks until the server
// stops (on Shutdown or a listen error).
func (s *Server) Start() error {
	go s.hub.run()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("api server listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
