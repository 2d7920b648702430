package model

import "time"

// Workspace tier constants. Tiers carry increasing resource defaults and are
// resolved by the allocator when a request leaves a constraint unset.
const (
	TierEphemeral     = "ephemeral"
	TierSession       = "session"
	TierPersistent    = "persistent"
	TierCollaborative = "collaborative"
)

// Runtime constants.
const (
	RuntimeGo     = "go"
	RuntimeNode   = "node"
	RuntimePython = "python"
)

// Platform-enforced constraint maxima. A request declaring a value above any
// of these is rejected before scheduling.
const (
	MaxTimeoutMS    = 300_000
	MaxMemoryMB     = 8192
	MaxCPUMillis    = 4000
	MaxDiskMB       = 10240
	MaxProcessCount = 256
)

// ExecutionConstraints are the limits a request declares for itself. Zero
// values mean "unset" and are filled from the workspace tier defaults during
// allocation.
type ExecutionConstraints struct {
	TimeoutMS      int      `json:"timeout_ms,omitempty"`
	MemoryMB       int      `json:"memory_mb,omitempty"`
	CPUMillis      int      `json:"cpu_millis,omitempty"`
	DiskMB         int      `json:"disk_mb,omitempty"`
	MaxProcs       int      `json:"max_procs,omitempty"`
	NetworkEnabled bool     `json:"network_enabled,omitempty"`
	NetworkAllow   []string `json:"network_allow,omitempty"`
}

// TestCase is a single expectation evaluated against a completed execution.
type TestCase struct {
	Name             string `json:"name"`
	ExpectedStdout   string `json:"expected_stdout,omitempty"`
	ExpectedExitCode int    `json:"expected_exit_code"`
}

// ExecutionRequest is an accepted request to run untrusted code. It is
// immutable once accepted; the engine operates on a copy.
type ExecutionRequest struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	// WorkspaceTier selects the resource-tier defaults; empty means ephemeral.
	WorkspaceTier string `json:"workspace_tier,omitempty"`

	Runtime string `json:"runtime"`

	// Code is an inline source payload. CodeArchive is a tar.gz file set and
	// takes precedence over Code when both are present.
	Code        string `json:"code,omitempty"`
	CodeArchive []byte `json:"code_archive,omitempty"`

	Entrypoint string            `json:"entrypoint,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Stdin      []byte            `json:"stdin,omitempty"`

	// Outputs lists artifact paths (relative to the sandbox scratch area) to
	// read back after the process exits.
	Outputs []string `json:"outputs,omitempty"`

	TestCases []TestCase `json:"test_cases,omitempty"`

	Constraints ExecutionConstraints `json:"constraints"`

	// AffinityNode is an optional locality hint for the scheduler.
	AffinityNode string `json:"affinity_node,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
