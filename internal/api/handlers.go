package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"strategy-runner/internal/database"
	"strategy-runner/internal/kline"
)

// handleHealth backs GET /healthz: reports ok only if the database pool
// is reachable, not just "process is up".
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.repo.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListRuns backs GET /projects/:id/runs?limit=N (default 20).
func (s *Server) handleListRuns(c *gin.Context) {
	limit := atoiDefault(c.Query("limit"), 20)
	runs, err := s.repo.ListRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleListPositions backs GET /projects/:id/positions.
func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.repo.ListPositions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// handleKlines backs GET /klines/:symbol/:interval, serving the cached
// series directly (no store round trip) so operators can see exactly
// what the scheduler's strategies are reading.
func (s *Server) handleKlines(c *gin.Context) {
	interval, err := kline.ParseInterval(c.Param("interval"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	symbol := kline.NormalizeSymbol(c.Param("symbol"))
	key := kline.Key{Exchange: s.exchange, Symbol: symbol, Interval: interval}

	series := s.cache.GetSeries(key)
	if series == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cached series for this symbol/interval"})
		return
	}

	candles := make([]kline.Candle, series.Len())
	for i := 0; i < series.Len(); i++ {
		candles[i] = series.Candle(i)
	}
	c.JSON(http.StatusOK, gin.H{"candles": candles})
}

// handleTriggerRun backs POST /projects/:id/runs/trigger: an
// operator-gated out-of-band claim override for debugging a specific
// project without waiting for its next scheduled tick.
func (s *Server) handleTriggerRun(c *gin.Context) {
	err := s.scheduler.RunNow(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}
