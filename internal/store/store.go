package store

import (
	"context"
	"errors"
	"time"

	"github.com/emberhost/crucible/internal/model"
)

// ErrInvalidTransition is returned when an execution state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// ExecutionRecord is the persisted view of one execution: the request fields
// the API serves back plus the result once terminal.
type ExecutionRecord struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id,omitempty"`
	Runtime  string `json:"runtime"`
	State    string `json:"state"`
	NodeID   string `json:"node_id,omitempty"`
	UnitID   string `json:"unit_id,omitempty"`

	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`

	Artifacts []model.Artifact       `json:"artifacts,omitempty"`
	TestCases []model.TestCaseResult `json:"test_cases,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LogLine is a single persisted output line from an execution.
type LogLine struct {
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total          int            `json:"total"`
	CountByState   map[string]int `json:"count_by_state"`
	CountByRuntime map[string]int `json:"count_by_runtime"`
	AvgRunMS       float64        `json:"avg_run_ms"`
}

// Store defines the persistence operations for executions.
type Store interface {
	CreateExecution(ctx context.Context, req *model.ExecutionRequest) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*ExecutionRecord, int, error)
	UpdateExecutionState(ctx context.Context, id, state string) error
	SaveResult(ctx context.Context, res *model.ExecutionResult) error
	InsertMetrics(ctx context.Context, m model.ExecutionMetrics) error
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]LogLine, error)
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	Close() error
}
