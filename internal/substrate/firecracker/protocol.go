package firecracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/emberhost/crucible/internal/model"
)

// MaxMessageSize is the maximum allowed vsock message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Host→guest message types.
const (
	MsgTypePing   = "ping"
	MsgTypePolicy = "policy"
	MsgTypeReset  = "reset"
	MsgTypeExec   = "exec"
)

// Guest→host message types.
const (
	MsgTypeAck    = "ack"
	MsgTypeLog    = "log"
	MsgTypeResult = "result"
)

// HostMessage is the envelope for all host→guest messages over vsock. One
// message carries exactly one command; Policy and Exec are set according to
// Type.
type HostMessage struct {
	Type   string         `json:"type"`
	Policy *PolicyRequest `json:"policy,omitempty"`
	Exec   *ExecRequest   `json:"exec,omitempty"`
}

// PolicyRequest carries the per-execution sandbox policy applied by the guest
// agent: scratch mount sizing, resource ceilings, network posture, and the
// allowed operation classes.
type PolicyRequest struct {
	ScratchSizeMB  int      `json:"scratch_size_mb"`
	ReadOnlyPaths  []string `json:"read_only_paths,omitempty"`
	MemoryMB       int      `json:"memory_mb"`
	CPUMillis      int      `json:"cpu_millis"`
	MaxProcs       int      `json:"max_procs"`
	NetworkEnabled bool     `json:"network_enabled"`
	NetworkAllow   []string `json:"network_allow,omitempty"`
	AllowedOps     []string `json:"allowed_ops"`
	Snapshot       []byte   `json:"snapshot,omitempty"`
}

// ExecRequest carries one supervised process run.
type ExecRequest struct {
	RequestID      string            `json:"request_id"`
	Runtime        string            `json:"runtime"`
	Code           string            `json:"code,omitempty"`
	CodeArchive    []byte            `json:"code_archive,omitempty"`
	Entrypoint     string            `json:"entrypoint,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Stdin          []byte            `json:"stdin,omitempty"`
	TimeoutMS      int               `json:"timeout_ms"`
	OutputCapBytes int               `json:"output_cap_bytes"`
	Outputs        []string          `json:"outputs,omitempty"`
}

// ExecResponse is the final result payload sent by the guest after a run.
type ExecResponse struct {
	ExitCode         int                 `json:"exit_code"`
	Stdout           []byte              `json:"stdout,omitempty"`
	Stderr           []byte              `json:"stderr,omitempty"`
	Signal           string              `json:"signal,omitempty"`
	TimedOut         bool                `json:"timed_out,omitempty"`
	Usage            model.ResourceUsage `json:"usage"`
	Artifacts        []model.Artifact    `json:"artifacts,omitempty"`
	PolicyViolations []string            `json:"policy_violations,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// GuestMessage is the envelope for all guest→host messages over vsock.
// During execution the guest streams log lines with Type="log"; commands are
// acknowledged with Type="ack" (Error set on failure); an exec terminates
// with one Type="result" message.
type GuestMessage struct {
	Type   string        `json:"type"`
	Error  string        `json:"error,omitempty"`
	Line   string        `json:"line,omitempty"`
	Result *ExecResponse `json:"result,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
