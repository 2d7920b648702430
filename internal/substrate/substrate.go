package substrate

import (
	"context"

	"github.com/emberhost/crucible/internal/model"
)

// Operation classes a sandbox policy may allow. Anything outside the allowed
// set attempted by the guest process is denied and recorded as a policy
// violation.
const (
	OpIO     = "io"
	OpMemory = "memory"
	OpSignal = "signal"
	OpTime   = "time"
	OpExit   = "exit"
	OpProc   = "proc"
	OpNet    = "net"
)

// DefaultAllowedOps is the minimal operation set needed for process
// execution. Network is appended only when the grant enables it.
var DefaultAllowedOps = []string{OpIO, OpMemory, OpSignal, OpTime, OpExit, OpProc}

// Substrate is the capability interface between the pool manager and the
// underlying virtualization layer. Implementations (microVM, container,
// process sandbox) are swappable without changing scheduling or supervision
// logic.
type Substrate interface {
	// CreateUnit provisions a warm isolated execution environment. It blocks
	// until the unit is ready to accept work (cold-start latency lives here).
	CreateUnit(ctx context.Context, spec UnitSpec) error

	// DestroyUnit tears down the unit and releases all underlying resources.
	// Destroying an unknown unit is a no-op.
	DestroyUnit(ctx context.Context, unitID string) error

	// ApplyPolicy overlays a per-execution sandbox policy onto the unit:
	// scratch mount, read-only paths, resource ceilings, network and
	// operation filters. Each policy is fresh per execution.
	ApplyPolicy(ctx context.Context, unitID string, policy Policy) error

	// RemovePolicy tears down the sandbox overlay, clearing the scratch area
	// and restoring the unit's default-deny posture.
	RemovePolicy(ctx context.Context, unitID string) error

	// Exec runs the entry point inside the unit's current sandbox and blocks
	// until exit, deadline, or cancellation via ctx.
	Exec(ctx context.Context, unitID string, spec ExecSpec) (ExecResult, error)

	// Capabilities reports what this substrate supports.
	Capabilities() Capabilities
}

// UnitSpec describes the environment to provision for one pool unit.
type UnitSpec struct {
	UnitID  string `json:"unit_id"`
	Runtime string `json:"runtime"`
	VCPUs   int    `json:"vcpus"`
	MemMB   int    `json:"mem_mb"`
}

// Policy is the per-execution security boundary applied to a unit.
type Policy struct {
	ScratchSizeMB  int      `json:"scratch_size_mb"`
	ReadOnlyPaths  []string `json:"read_only_paths,omitempty"`
	MemoryMB       int      `json:"memory_mb"`
	CPUMillis      int      `json:"cpu_millis"`
	MaxProcs       int      `json:"max_procs"`
	NetworkEnabled bool     `json:"network_enabled"`
	NetworkAllow   []string `json:"network_allow,omitempty"`
	AllowedOps     []string `json:"allowed_ops"`

	// Snapshot is an optional tar.gz workspace snapshot unpacked into the
	// scratch area before execution.
	Snapshot []byte `json:"snapshot,omitempty"`
}

// ExecSpec describes one supervised process run inside a prepared sandbox.
type ExecSpec struct {
	RequestID   string            `json:"request_id"`
	Code        string            `json:"code,omitempty"`
	CodeArchive []byte            `json:"code_archive,omitempty"`
	Entrypoint  string            `json:"entrypoint,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Stdin       []byte            `json:"stdin,omitempty"`
	TimeoutMS   int               `json:"timeout_ms"`

	// OutputCapBytes bounds each of stdout and stderr; excess is truncated.
	OutputCapBytes int `json:"output_cap_bytes"`

	// Outputs lists artifact paths to read back from the scratch area.
	Outputs []string `json:"outputs,omitempty"`

	// LogWriter receives stdout/stderr lines as they are produced.
	LogWriter func(line string) `json:"-"`
}

// ExecResult is the raw outcome of one guest process run.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`

	// Signal is the name of the terminating signal for abnormal exits,
	// empty for normal exits.
	Signal string `json:"signal,omitempty"`

	// TimedOut is set when the guest killed the process at its deadline.
	TimedOut bool `json:"timed_out,omitempty"`

	Usage     model.ResourceUsage `json:"usage"`
	Artifacts []model.Artifact    `json:"artifacts,omitempty"`

	// PolicyViolations lists denied operations attempted by the guest.
	PolicyViolations []string `json:"policy_violations,omitempty"`
}

// Capabilities describes what a substrate supports.
type Capabilities struct {
	Name              string   `json:"name"`
	SupportedRuntimes []string `json:"supported_runtimes"`
	MaxUnits          int      `json:"max_units"`
}
