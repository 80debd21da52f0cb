package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// uniqueViolation is Postgres's SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// ErrAlreadyOpen is returned by OpenPosition when the partial unique index
// on (project_id, symbol) WHERE status='open' rejects a second concurrent
// open; callers convert this into an "already open" info no-op.
var ErrAlreadyOpen = errors.New("database: position already open")

// ErrNotFound is returned when a lookup finds no row.
var ErrNotFound = errors.New("database: not found")

// Repository is the narrow persistence contract for projects, runs,
// positions, and logs, implemented against Postgres via pgx.
type Repository struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewRepository wraps a connection pool. Every project_logs row is
// mirrored to a structured zerolog event so operators can tail strategy
// logs without querying the table.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
		log:  zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "project_logs").Logger(),
	}
}

// Ping checks database connectivity, backing the ops API's GET
// /healthz.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ClaimDueProjects atomically marks up to limit due projects as claimed,
// returning their descriptors.
func (r *Repository) ClaimDueProjects(ctx context.Context, limit int) ([]ClaimedProject, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, owner_id, generated_source, interval_seconds FROM claim_due_projects($1)`, limit)
	if err != nil {
		return nil, fmt.Errorf("database: claim due projects: %w", err)
	}
	defer rows.Close()

	var out []ClaimedProject
	for rows.Next() {
		var p ClaimedProject
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.GeneratedSource, &p.IntervalSeconds); err != nil {
			return nil, fmt.Errorf("database: scan claimed project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProjectForTrigger loads one project's claim descriptor by ID,
// bypassing the next_run_at due-time check — backs the ops API's
// POST /projects/:id/runs/trigger operator override.
func (r *Repository) GetProjectForTrigger(ctx context.Context, projectID string) (ClaimedProject, error) {
	var p ClaimedProject
	p.ID = projectID
	err := r.pool.QueryRow(ctx,
		`SELECT owner_id, generated_source, interval_seconds FROM projects WHERE id = $1`,
		projectID).Scan(&p.OwnerID, &p.GeneratedSource, &p.IntervalSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return ClaimedProject{}, ErrNotFound
	}
	if err != nil {
		return ClaimedProject{}, fmt.Errorf("database: get project for trigger: %w", err)
	}
	return p, nil
}

// GetProjectSymbols returns the target symbols list for a project.
func (r *Repository) GetProjectSymbols(ctx context.Context, projectID string) ([]string, error) {
	var symbols []string
	err := r.pool.QueryRow(ctx, `SELECT symbols FROM projects WHERE id = $1`, projectID).Scan(&symbols)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get project symbols: %w", err)
	}
	return symbols, nil
}

// SetProjectLastRunStatus records the outcome of the most recent run
// against the project row.
func (r *Repository) SetProjectLastRunStatus(ctx context.Context, projectID string, status RunStatus, lastErr string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE projects SET last_run_status = $2, last_run_error = $3, updated_at = now() WHERE id = $1`,
		projectID, string(status), lastErr)
	if err != nil {
		return fmt.Errorf("database: set project last run status: %w", err)
	}
	return nil
}

// CreateRun inserts a new project_runs row with status "running".
func (r *Repository) CreateRun(ctx context.Context, projectID, userID, mode string) (string, error) {
	id := uuid.New().String()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO project_runs (id, project_id, user_id, mode, status, started_at) VALUES ($1, $2, $3, $4, $5, now())`,
		id, projectID, userID, mode, string(RunStatusRunning))
	if err != nil {
		return "", fmt.Errorf("database: create run: %w", err)
	}
	return id, nil
}

// FinishRun transitions a run to a terminal state (ok/error/skipped),
// recording finished_at plus an optional summary or error message.
func (r *Repository) FinishRun(ctx context.Context, runID string, status RunStatus, summary, errMsg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE project_runs SET status = $2, finished_at = now(), summary = $3, error = $4 WHERE id = $1`,
		runID, string(status), nullIfEmpty(summary), nullIfEmpty(errMsg))
	if err != nil {
		return fmt.Errorf("database: finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for a project, newest first,
// for the ops API's GET /projects/:id/runs.
func (r *Repository) ListRuns(ctx context.Context, projectID string, limit int) ([]Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, user_id, mode, status, started_at, finished_at, COALESCE(summary, ''), COALESCE(error, '')
		FROM project_runs WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("database: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var status string
		if err := rows.Scan(&run.ID, &run.ProjectID, &run.UserID, &run.Mode, &status, &run.StartedAt, &run.FinishedAt, &run.Summary, &run.Error); err != nil {
			return nil, fmt.Errorf("database: scan run: %w", err)
		}
		run.Status = RunStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListPositions returns every position (open and closed) for a
// project, newest first, for the ops API's GET
// /projects/:id/positions.
func (r *Repository) ListPositions(ctx context.Context, projectID string) ([]Position, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, user_id, symbol, side, status, qty, entry_price, entry_time, exit_price, exit_time, realized_pnl
		FROM project_positions WHERE project_id = $1 ORDER BY entry_time DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("database: list positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var status string
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.UserID, &p.Symbol, &p.Side, &status, &p.Qty, &p.EntryPrice, &p.EntryTime, &p.ExitPrice, &p.ExitTime, &p.RealizedPnL); err != nil {
			return nil, fmt.Errorf("database: scan position: %w", err)
		}
		p.Status = PositionStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetOpenPosition returns the open position for (projectID, symbol), if
// any.
func (r *Repository) GetOpenPosition(ctx context.Context, projectID, symbol string) (*Position, error) {
	const q = `
		SELECT id, project_id, user_id, symbol, side, status, qty, entry_price, entry_time, exit_price, exit_time, realized_pnl
		FROM project_positions
		WHERE project_id = $1 AND symbol = $2 AND status = 'open'
	`
	var p Position
	var status string
	err := r.pool.QueryRow(ctx, q, projectID, symbol).Scan(
		&p.ID, &p.ProjectID, &p.UserID, &p.Symbol, &p.Side, &status,
		&p.Qty, &p.EntryPrice, &p.EntryTime, &p.ExitPrice, &p.ExitTime, &p.RealizedPnL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database: get open position: %w", err)
	}
	p.Status = PositionStatus(status)
	return &p, nil
}

// OpenPosition inserts a new open long position. A unique-constraint
// violation on the partial open index is converted to ErrAlreadyOpen
// rather than propagated as a transient error.
func (r *Repository) OpenPosition(ctx context.Context, p Position) (string, error) {
	const q = `
		INSERT INTO project_positions (project_id, user_id, symbol, side, status, qty, entry_price, entry_time, realized_pnl)
		VALUES ($1, $2, $3, 'long', 'open', $4, $5, $6, 0)
		RETURNING id
	`
	var id string
	err := r.pool.QueryRow(ctx, q, p.ProjectID, p.UserID, p.Symbol, p.Qty, p.EntryPrice, p.EntryTime).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", ErrAlreadyOpen
		}
		return "", fmt.Errorf("database: open position: %w", err)
	}
	return id, nil
}

// PartialClosePosition reduces an open position's qty and accumulates
// realized PnL without closing it.
func (r *Repository) PartialClosePosition(ctx context.Context, positionID string, remainingQty, exitPrice float64, exitTime time.Time, realizedDelta float64) error {
	const q = `
		UPDATE project_positions
		SET qty = $2, exit_price = $3, exit_time = $4, realized_pnl = realized_pnl + $5
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, q, positionID, remainingQty, exitPrice, exitTime, realizedDelta)
	if err != nil {
		return fmt.Errorf("database: partial close position: %w", err)
	}
	return nil
}

// ClosePosition fully closes a position.
func (r *Repository) ClosePosition(ctx context.Context, positionID string, exitPrice float64, exitTime time.Time, realizedDelta float64) error {
	const q = `
		UPDATE project_positions
		SET status = 'closed', exit_price = $2, exit_time = $3, realized_pnl = realized_pnl + $4
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, q, positionID, exitPrice, exitTime, realizedDelta)
	if err != nil {
		return fmt.Errorf("database: close position: %w", err)
	}
	return nil
}

// InsertLog appends a project_logs row. Callers must swallow any error
// returned here rather than abort a run.
func (r *Repository) InsertLog(ctx context.Context, rec LogRecord) error {
	var metaJSON []byte
	if rec.Meta != nil {
		var err error
		metaJSON, err = json.Marshal(rec.Meta)
		if err != nil {
			return fmt.Errorf("database: marshal log meta: %w", err)
		}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO project_logs (project_id, user_id, level, message, meta) VALUES ($1, $2, $3, $4, $5)`,
		rec.ProjectID, rec.UserID, string(rec.Level), rec.Message, metaJSON)
	if err != nil {
		return fmt.Errorf("database: insert log: %w", err)
	}

	r.emit(rec)
	return nil
}

// emit mirrors a persisted project log record to a structured zerolog
// event, so an operator tailing process stderr sees strategy log output
// without querying project_logs directly.
func (r *Repository) emit(rec LogRecord) {
	ev := r.levelEvent(rec.Level).Str("project_id", rec.ProjectID).Str("user_id", rec.UserID)
	for k, v := range rec.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Msg(rec.Message)
}

func (r *Repository) levelEvent(level LogLevel) *zerolog.Event {
	switch level {
	case LogLevelWarn:
		return r.log.Warn()
	case LogLevelError:
		return r.log.Error()
	default:
		return r.log.Info()
	}
}

// ActiveSymbols returns the deduped, upper-cased, non-empty symbol set
// across all projects whose status is in statuses.
func (r *Repository) ActiveSymbols(ctx context.Context, statuses []string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT symbols FROM projects WHERE status = ANY($1)`, statuses)
	if err != nil {
		return nil, fmt.Errorf("database: active symbols: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var symbols []string
		if err := rows.Scan(&symbols); err != nil {
			return nil, fmt.Errorf("database: scan active symbols: %w", err)
		}
		for _, s := range symbols {
			s = normalizeSymbol(s)
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, rows.Err()
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
