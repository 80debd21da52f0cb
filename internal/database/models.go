package database

import "time"

// ProjectStatus enumerates the project lifecycle states the claim RPC
// reads; the core only treats {live, running} as "active" per
// ACTIVE_PROJECT_STATUSES.
type ProjectStatus string

const (
	ProjectStatusLive    ProjectStatus = "live"
	ProjectStatusRunning ProjectStatus = "running"
	ProjectStatusPaused  ProjectStatus = "paused"
	ProjectStatusStopped ProjectStatus = "stopped"
)

// Project describes a projects row as the core sees it. The core reads
// projects only through the claim RPC (see ClaimedProject, which also
// carries generated_source and interval_seconds) and the symbols lookup,
// and writes only last_run_status, last_run_error and updated_at.
type Project struct {
	ID         string
	OwnerID    string
	Symbols    []string
	Status     ProjectStatus
	LastRunErr string
}

// ClaimedProject is one row returned by claim_due_projects.
type ClaimedProject struct {
	ID              string
	OwnerID         string
	GeneratedSource string
	IntervalSeconds int
}

// RunStatus is the state machine for project_runs.status.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusOK      RunStatus = "ok"
	RunStatusError   RunStatus = "error"
	RunStatusSkipped RunStatus = "skipped"
)

// Run is one audit row in project_runs.
type Run struct {
	ID         string
	ProjectID  string
	UserID     string
	Mode       string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Summary    string
	Error      string
}

// PositionStatus enumerates project_positions.status.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position mirrors one row in project_positions. Side is always "long";
// the paper broker does not short.
type Position struct {
	ID          string
	ProjectID   string
	UserID      string
	Symbol      string
	Side        string
	Status      PositionStatus
	Qty         float64
	EntryPrice  float64
	EntryTime   time.Time
	ExitPrice   *float64
	ExitTime    *time.Time
	RealizedPnL float64
}

// LogLevel enumerates project_logs.level.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogRecord is one row appended to project_logs. Meta is serialized as
// JSONB; failures to append must never abort the caller's run.
type LogRecord struct {
	ProjectID string
	UserID    string
	Level     LogLevel
	Message   string
	Meta      map[string]any
}
