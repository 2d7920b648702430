package model

import "time"

// Execution states.
const (
	StatePending   = "pending"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateTimedOut  = "timed_out"
	StateKilled    = "killed"
	StateCrashed   = "crashed"
	StateFailed    = "failed"
)

// validExecTransitions maps each execution state to the states it may move to.
// Pending may fail directly when the request never reaches a sandbox.
var validExecTransitions = map[string]map[string]bool{
	StatePending: {
		StateRunning: true,
		StateFailed:  true,
		StateKilled:  true,
	},
	StateRunning: {
		StateCompleted: true,
		StateTimedOut:  true,
		StateKilled:    true,
		StateCrashed:   true,
		StateFailed:    true,
	},
}

// ValidExecTransition reports whether an execution may move between the two states.
func ValidExecTransition(from, to string) bool {
	targets, ok := validExecTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether state is a terminal execution state.
func Terminal(state string) bool {
	switch state {
	case StateCompleted, StateTimedOut, StateKilled, StateCrashed, StateFailed:
		return true
	}
	return false
}

// Artifact is one output file read back from the sandbox scratch area.
// Missing holds paths the request asked for that were not present; absence is
// reported, not fatal.
type Artifact struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Missing bool   `json:"missing,omitempty"`
}

// TestCaseResult is the outcome of evaluating one TestCase.
type TestCaseResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// PhaseTimings records wall-clock duration of each execution phase in
// milliseconds.
type PhaseTimings struct {
	QueueMS   int64 `json:"queue_ms"`
	AcquireMS int64 `json:"acquire_ms"`
	SetupMS   int64 `json:"setup_ms"`
	RunMS     int64 `json:"run_ms"`
	CleanupMS int64 `json:"cleanup_ms"`
}

// ResourceUsage holds resource deltas and process-level counters sampled
// around the guest process.
type ResourceUsage struct {
	CPUTimeMS       int64 `json:"cpu_time_ms"`
	PeakMemoryKB    int64 `json:"peak_memory_kb"`
	DiskBytes       int64 `json:"disk_bytes"`
	NetworkBytes    int64 `json:"network_bytes"`
	Syscalls        int64 `json:"syscalls"`
	ContextSwitches int64 `json:"context_switches"`
	PageFaults      int64 `json:"page_faults"`
}

// ExecutionMetrics is the telemetry record assembled for every accepted
// request, success or failure.
type ExecutionMetrics struct {
	RequestID        string        `json:"request_id"`
	TenantID         string        `json:"tenant_id,omitempty"`
	Runtime          string        `json:"runtime"`
	NodeID           string        `json:"node_id,omitempty"`
	UnitID           string        `json:"unit_id,omitempty"`
	State            string        `json:"state"`
	ColdStart        bool          `json:"cold_start"`
	Phases           PhaseTimings  `json:"phases"`
	Usage            ResourceUsage `json:"usage"`
	PolicyViolations int           `json:"policy_violations"`
	RecordedAt       time.Time     `json:"recorded_at"`
}

// ExecutionResult is produced exactly once per accepted request.
type ExecutionResult struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	ExitCode  int    `json:"exit_code"`

	// Stdout and Stderr are size-capped captures of the guest process output.
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`

	// Error carries a human-readable description for non-completed states.
	Error string `json:"error,omitempty"`

	Artifacts []Artifact       `json:"artifacts,omitempty"`
	TestCases []TestCaseResult `json:"test_cases,omitempty"`

	Metrics ExecutionMetrics `json:"metrics"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
