package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/emberhost/crucible/internal/model"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT,
    runtime     TEXT NOT NULL,
    state       TEXT NOT NULL,
    node_id     TEXT,
    unit_id     TEXT,
    exit_code   INTEGER,
    stdout      BLOB,
    stderr      BLOB,
    error       TEXT,
    artifacts   TEXT,
    test_cases  TEXT,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createMetricsTable = `
CREATE TABLE IF NOT EXISTS execution_metrics (
    request_id        TEXT PRIMARY KEY,
    tenant_id         TEXT,
    runtime           TEXT NOT NULL,
    node_id           TEXT,
    unit_id           TEXT,
    state             TEXT NOT NULL,
    cold_start        INTEGER NOT NULL DEFAULT 0,
    queue_ms          INTEGER,
    acquire_ms        INTEGER,
    setup_ms          INTEGER,
    run_ms            INTEGER,
    cleanup_ms        INTEGER,
    cpu_time_ms       INTEGER,
    peak_memory_kb    INTEGER,
    policy_violations INTEGER NOT NULL DEFAULT 0,
    recorded_at       DATETIME NOT NULL
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    execution_id TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL,
    PRIMARY KEY (execution_id, seq)
)`

// ErrNotFound is returned when an execution is not found.
var ErrNotFound = errors.New("execution not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createExecutionsTable, createMetricsTable, createLogLinesTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new execution record in the pending state.
func (s *SQLiteStore) CreateExecution(ctx context.Context, req *model.ExecutionRequest) error {
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, tenant_id, runtime, state, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.TenantID, req.Runtime, model.StatePending, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, runtime, state, node_id, unit_id, exit_code,
			stdout, stderr, error, artifacts, test_cases,
			created_at, started_at, finished_at
		FROM executions WHERE id = ?`, id,
	)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions returns a paginated list of executions ordered by created_at
// DESC, along with the total count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*ExecutionRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, tenant_id, runtime, state, node_id, unit_id, exit_code,
			stdout, stderr, error, artifacts, test_cases,
			created_at, started_at, finished_at
		FROM executions ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}

	return records, total, nil
}

// UpdateExecutionState moves an execution to a new state, enforcing the
// state machine. Terminal states also set finished_at.
func (s *SQLiteStore) UpdateExecutionState(ctx context.Context, id, state string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM executions WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current state: %w", err)
	}

	if !model.ValidExecTransition(current, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, state)
	}

	if model.Terminal(state) {
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET state = ?, finished_at = ? WHERE id = ?",
			state, time.Now().UTC(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET state = ? WHERE id = ?",
			state, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update execution state: %w", err)
	}

	return tx.Commit()
}

// SaveResult persists the terminal result of an execution, including the
// state transition. The state machine rejects a second terminal write.
func (s *SQLiteStore) SaveResult(ctx context.Context, res *model.ExecutionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM executions WHERE id = ?", res.RequestID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current state: %w", err)
	}

	if !model.ValidExecTransition(current, res.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, res.State)
	}

	artifacts, err := marshalJSON(res.Artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	testCases, err := marshalJSON(res.TestCases)
	if err != nil {
		return fmt.Errorf("encode test cases: %w", err)
	}

	finishedAt := res.FinishedAt
	if finishedAt == nil {
		now := time.Now().UTC()
		finishedAt = &now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET
			state = ?, node_id = ?, unit_id = ?, exit_code = ?,
			stdout = ?, stderr = ?, error = ?, artifacts = ?, test_cases = ?,
			started_at = ?, finished_at = ?
		WHERE id = ?`,
		res.State, res.Metrics.NodeID, res.Metrics.UnitID, res.ExitCode,
		res.Stdout, res.Stderr, res.Error, artifacts, testCases,
		res.StartedAt, finishedAt, res.RequestID,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}

	return tx.Commit()
}

// InsertMetrics persists one telemetry record.
func (s *SQLiteStore) InsertMetrics(ctx context.Context, m model.ExecutionMetrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO execution_metrics (
			request_id, tenant_id, runtime, node_id, unit_id, state, cold_start,
			queue_ms, acquire_ms, setup_ms, run_ms, cleanup_ms,
			cpu_time_ms, peak_memory_kb, policy_violations, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RequestID, m.TenantID, m.Runtime, m.NodeID, m.UnitID, m.State, m.ColdStart,
		m.Phases.QueueMS, m.Phases.AcquireMS, m.Phases.SetupMS, m.Phases.RunMS, m.Phases.CleanupMS,
		m.Usage.CPUTimeMS, m.Usage.PeakMemoryKB, m.PolicyViolations, m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert metrics: %w", err)
	}
	return nil
}

// InsertLogLine persists one output line for an execution.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, executionID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (execution_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		executionID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all persisted output lines for an execution in order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, executionID string) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT execution_id, seq, line, created_at FROM log_lines WHERE execution_id = ? ORDER BY seq ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.ExecutionID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}

// GetExecutionStats returns aggregate counts and the average run duration of
// finished executions.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &ExecutionStats{
		CountByState:   make(map[string]int),
		CountByRuntime: make(map[string]int),
	}

	rows, err := tx.QueryContext(ctx, "SELECT state, COUNT(*) FROM executions GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, "SELECT runtime, COUNT(*) FROM executions GROUP BY runtime")
	if err != nil {
		return nil, fmt.Errorf("count by runtime: %w", err)
	}
	for rows.Next() {
		var runtime string
		var n int
		if err := rows.Scan(&runtime, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan runtime count: %w", err)
		}
		stats.CountByRuntime[runtime] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate runtime counts: %w", err)
	}
	rows.Close()

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(AVG((julianday(finished_at) - julianday(started_at)) * 86400000), 0)
		FROM executions WHERE started_at IS NOT NULL AND finished_at IS NOT NULL`,
	).Scan(&stats.AvgRunMS)
	if err != nil {
		return nil, fmt.Errorf("average run duration: %w", err)
	}

	return stats, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		tenantID  sql.NullString
		nodeID    sql.NullString
		unitID    sql.NullString
		exitCode  sql.NullInt64
		errText   sql.NullString
		artifacts sql.NullString
		testCases sql.NullString
	)
	err := row.Scan(
		&rec.ID, &tenantID, &rec.Runtime, &rec.State, &nodeID, &unitID, &exitCode,
		&rec.Stdout, &rec.Stderr, &errText, &artifacts, &testCases,
		&rec.CreatedAt, &rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.TenantID = tenantID.String
	rec.NodeID = nodeID.String
	rec.UnitID = unitID.String
	rec.ExitCode = int(exitCode.Int64)
	rec.Error = errText.String

	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &rec.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	if testCases.Valid && testCases.String != "" {
		if err := json.Unmarshal([]byte(testCases.String), &rec.TestCases); err != nil {
			return nil, fmt.Errorf("decode test cases: %w", err)
		}
	}

	return rec, nil
}

// marshalJSON encodes v, mapping empty slices to NULL so the column stays
// clean for records without the field.
func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case []model.Artifact:
		if len(t) == 0 {
			return nil, nil
		}
	case []model.TestCaseResult:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
