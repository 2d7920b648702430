package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emberhost/crucible/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRequest() *model.ExecutionRequest {
	return &model.ExecutionRequest{
		ID:        model.NewID(),
		TenantID:  "tenant-1",
		Runtime:   model.RuntimePython,
		Code:      `print("hi")`,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func makeTestResult(id string) *model.ExecutionResult {
	started := time.Now().UTC().Add(-time.Second).Truncate(time.Second)
	finished := time.Now().UTC().Truncate(time.Second)
	return &model.ExecutionResult{
		RequestID: id,
		State:     model.StateCompleted,
		ExitCode:  0,
		Stdout:    []byte("hi\n"),
		Metrics: model.ExecutionMetrics{
			NodeID: "node-local",
			UnitID: "unit-1",
		},
		StartedAt:  &started,
		FinishedAt: &finished,
	}
}

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := makeTestRequest()

	if err := s.CreateExecution(ctx, req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got, err := s.GetExecution(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}

	if got.ID != req.ID {
		t.Errorf("ID = %q, want %q", got.ID, req.ID)
	}
	if got.TenantID != req.TenantID {
		t.Errorf("TenantID = %q, want %q", got.TenantID, req.TenantID)
	}
	if got.Runtime != req.Runtime {
		t.Errorf("Runtime = %q, want %q", got.Runtime, req.Runtime)
	}
	if got.State != model.StatePending {
		t.Errorf("State = %q, want %q", got.State, model.StatePending)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetExecution error = %v, want ErrNotFound", err)
	}
}

func TestListExecutionsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		req := makeTestRequest()
		req.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateExecution(ctx, req); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}

	page, total, err := s.ListExecutions(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}

	rest, _, err := s.ListExecutions(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("rest size = %d, want 3", len(rest))
	}
}

func TestListExecutionsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	var ids []string
	for i := range 3 {
		req := makeTestRequest()
		req.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		ids = append(ids, req.ID)
		if err := s.CreateExecution(ctx, req); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	}

	got, _, err := s.ListExecutions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].ID != ids[2] || got[2].ID != ids[0] {
		t.Errorf("order = [%s %s %s], want newest first", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestUpdateExecutionState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := makeTestRequest()
	if err := s.CreateExecution(ctx, req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	if err := s.UpdateExecutionState(ctx, req.ID, model.StateRunning); err != nil {
		t.Fatalf("UpdateExecutionState: %v", err)
	}

	got, err := s.GetExecution(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.State != model.StateRunning {
		t.Errorf("State = %q, want %q", got.State, model.StateRunning)
	}
	if got.FinishedAt != nil {
		t.Error("FinishedAt set for non-terminal state")
	}
}

func TestUpdateExecutionStateTerminalSetsFinishedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := makeTestRequest()
	if err := s.CreateExecution(ctx, req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateExecutionState(ctx, req.ID, model.StateRunning); err != nil {
		t.Fatalf("UpdateExecutionState: %v", err)
	}
	if err := s.UpdateExecutionState(ctx, req.ID, model.StateKilled); err != nil {
		t.Fatalf("UpdateExecutionState: %v", err)
	}

	got, err := s.GetExecution(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set for terminal state")
	}
}

func TestUpdateExecutionStateInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := makeTestRequest()
	if err := s.CreateExecution(ctx, req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	// Pending cannot jump straight to completed.
	err := s.UpdateExecutionState(ctx, req.ID, model.StateCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateExecutionStateTerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := makeTestRequest()
	if err := s.CreateExecution(ctx, req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateExecutionState(ctx, req.ID, model.StateFailed); err != nil {
		t.Fatalf("UpdateExecutionState: %v", err)
	}

	for _, state := range []string{model.StateRunning, model.StateCompleted, model.StateKilled} {
		if err := s.UpdateExecutionState(ctx, req.ID, state); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("transition failed -> %s: error = %v, want ErrInvalidTransition", state, err)
		}
	}
}

func TestUpdateExecutionStateNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateExecutionState(context.Background(), "nonexistent", model.StateRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSaveResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := makeTestRequest()
	if err := s.CreateExecution(ctx, req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateExecutionState(ctx, req.ID, model.StateRunning); err != nil {
		t.Fatalf("UpdateExecutionState: %v", err)
	}

	res := makeTestResult(req.ID)
	res.Artifacts = []model.Artifact{{Path: "out.txt", Content: []byte("data")}}
	res.TestCases = []model.TestCaseResult{{Name: "case-1", Passed: true}}
	if err := s.SaveResult(ctx, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	got, err := s.GetExecution(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.State != model.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	if string(got.Stdout) != "hi\n" {
		t.Errorf("Stdout = %q, want %q", got.Stdout, "hi\n")
	}
	if got.NodeID != "node-local" || got.UnitID != "unit-1" {
		t.Errorf("placement = %s/%s, want node-local/unit-1", got.NodeID, got.UnitID)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].Path != "out.txt" {
		t.Errorf("Artifacts = %+v, want one out.txt", got.Artifacts)
	}
	if len(got.TestCases) != 1 || !got.TestCases[0].Passed {
		t.Errorf("TestCases = %+v, want one passed", got.TestCases)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("StartedAt/FinishedAt not persisted")
	}
}

func TestSaveResultExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := makeTestRequest()
	if err := s.CreateExecution(ctx, req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := s.UpdateExecutionState(ctx, req.ID, model.StateRunning); err != nil {
		t.Fatalf("UpdateExecutionState: %v", err)
	}

	res := makeTestResult(req.ID)
	if err := s.SaveResult(ctx, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	// A second terminal write is an invalid transition.
	if err := s.SaveResult(ctx, res); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second SaveResult error = %v, want ErrInvalidTransition", err)
	}
}

func TestSaveResultNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.SaveResult(context.Background(), makeTestResult("nonexistent"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestInsertMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := model.ExecutionMetrics{
		RequestID: model.NewID(),
		TenantID:  "tenant-1",
		Runtime:   model.RuntimeGo,
		NodeID:    "node-local",
		UnitID:    "unit-3",
		State:     model.StateCompleted,
		ColdStart: true,
		Phases: model.PhaseTimings{
			QueueMS: 2, AcquireMS: 15, SetupMS: 8, RunMS: 130, CleanupMS: 4,
		},
		Usage:      model.ResourceUsage{CPUTimeMS: 120, PeakMemoryKB: 4096},
		RecordedAt: time.Now().UTC(),
	}
	if err := s.InsertMetrics(ctx, m); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}

	var runMS, cpuMS int64
	var coldStart bool
	err := s.db.QueryRowContext(ctx,
		"SELECT run_ms, cpu_time_ms, cold_start FROM execution_metrics WHERE request_id = ?",
		m.RequestID,
	).Scan(&runMS, &cpuMS, &coldStart)
	if err != nil {
		t.Fatalf("query metrics row: %v", err)
	}
	if runMS != 130 || cpuMS != 120 || !coldStart {
		t.Errorf("row = (%d, %d, %v), want (130, 120, true)", runMS, cpuMS, coldStart)
	}
}

func TestInsertAndGetLogLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := model.NewID()

	for i, line := range []string{"first", "second", "third"} {
		if err := s.InsertLogLine(ctx, id, i, line); err != nil {
			t.Fatalf("InsertLogLine: %v", err)
		}
	}

	lines, err := s.GetLogLines(ctx, id)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len = %d, want 3", len(lines))
	}
	for i, want := range []string{"first", "second", "third"} {
		if lines[i].Line != want {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i].Line, want)
		}
		if lines[i].Seq != i {
			t.Errorf("lines[%d].Seq = %d, want %d", i, lines[i].Seq, i)
		}
	}
}

func TestGetLogLinesIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a, b := model.NewID(), model.NewID()

	if err := s.InsertLogLine(ctx, a, 0, "from a"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}
	if err := s.InsertLogLine(ctx, b, 0, "from b"); err != nil {
		t.Fatalf("InsertLogLine: %v", err)
	}

	lines, err := s.GetLogLines(ctx, a)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 1 || lines[0].Line != "from a" {
		t.Errorf("lines = %+v, want only 'from a'", lines)
	}
}

func TestGetLogLinesEmpty(t *testing.T) {
	s := newTestStore(t)

	lines, err := s.GetLogLines(context.Background(), "no-such-execution")
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("len = %d, want 0", len(lines))
	}
}

func TestGetExecutionStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	states := []string{model.StateCompleted, model.StateCompleted, model.StateTimedOut}
	for i, state := range states {
		req := makeTestRequest()
		if i == 2 {
			req.Runtime = model.RuntimeNode
		}
		if err := s.CreateExecution(ctx, req); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		if err := s.UpdateExecutionState(ctx, req.ID, model.StateRunning); err != nil {
			t.Fatalf("UpdateExecutionState: %v", err)
		}
		res := makeTestResult(req.ID)
		res.State = state
		if err := s.SaveResult(ctx, res); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	stats, err := s.GetExecutionStats(ctx)
	if err != nil {
		t.Fatalf("GetExecutionStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByState[model.StateCompleted] != 2 {
		t.Errorf("completed = %d, want 2", stats.CountByState[model.StateCompleted])
	}
	if stats.CountByState[model.StateTimedOut] != 1 {
		t.Errorf("timed_out = %d, want 1", stats.CountByState[model.StateTimedOut])
	}
	if stats.CountByRuntime[model.RuntimePython] != 2 {
		t.Errorf("python = %d, want 2", stats.CountByRuntime[model.RuntimePython])
	}
	if stats.CountByRuntime[model.RuntimeNode] != 1 {
		t.Errorf("node = %d, want 1", stats.CountByRuntime[model.RuntimeNode])
	}
	if stats.AvgRunMS < 500 || stats.AvgRunMS > 1500 {
		t.Errorf("AvgRunMS = %v, want around 1000", stats.AvgRunMS)
	}
}

func TestGetExecutionStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetExecutionStats(context.Background())
	if err != nil {
		t.Fatalf("GetExecutionStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgRunMS != 0 {
		t.Errorf("AvgRunMS = %v, want 0", stats.AvgRunMS)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	dir := t.TempDir()
	path := fmt.Sprintf("%s/crucible.db", dir)

	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	req := makeTestRequest()
	if err := s1.CreateExecution(context.Background(), req); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetExecution(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetExecution after reopen: %v", err)
	}
	if got.ID != req.ID {
		t.Errorf("ID = %q, want %q", got.ID, req.ID)
	}
}
