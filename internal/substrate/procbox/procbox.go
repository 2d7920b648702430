// Package procbox implements the substrate interface with plain host
// processes confined to per-unit scratch directories. Enforcement is
// process-environment grade (scrubbed env, capped output, wall-clock
// deadlines) rather than kernel grade, so it is intended for development and
// tests; production deployments use the firecracker substrate.
package procbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/substrate"
)

// SubstrateName is the name used when registering with the registry.
const SubstrateName = "procbox"

// SupportedRuntimes lists the runtimes procbox can execute, assuming their
// toolchains are installed on the host.
var SupportedRuntimes = []string{model.RuntimeGo, model.RuntimeNode, model.RuntimePython}

// defaultEntrypoints maps each runtime to its default entrypoint filename.
var defaultEntrypoints = map[string]string{
	model.RuntimeGo:     "main.go",
	model.RuntimeNode:   "index.js",
	model.RuntimePython: "main.py",
}

// runtimeCommands maps each runtime to the command used to execute code.
var runtimeCommands = map[string]struct {
	bin  string
	args func(entrypoint string) []string
}{
	model.RuntimeGo:     {bin: "go", args: func(ep string) []string { return []string{"run", ep} }},
	model.RuntimeNode:   {bin: "node", args: func(ep string) []string { return []string{ep} }},
	model.RuntimePython: {bin: "python3", args: func(ep string) []string { return []string{ep} }},
}

var (
	errUnknownUnit = errors.New("unknown unit")
	errNoPolicy    = errors.New("no policy applied")
)

// unitState tracks one provisioned unit: its scratch root and, between
// ApplyPolicy and RemovePolicy, the active sandbox policy.
type unitState struct {
	runtime string
	baseDir string

	mu      sync.Mutex
	policy  *substrate.Policy
	scratch string
}

// Substrate implements substrate.Substrate using host processes.
type Substrate struct {
	rootDir  string
	maxUnits int
	logger   *slog.Logger

	mu    sync.Mutex
	units map[string]*unitState
}

// New creates a procbox substrate rooted at rootDir (a temp dir when empty).
func New(rootDir string, maxUnits int, logger *slog.Logger) (*Substrate, error) {
	if rootDir == "" {
		dir, err := os.MkdirTemp("", "crucible-procbox-")
		if err != nil {
			return nil, fmt.Errorf("create procbox root: %w", err)
		}
		rootDir = dir
	}
	return &Substrate{
		rootDir:  rootDir,
		maxUnits: maxUnits,
		logger:   logger,
		units:    make(map[string]*unitState),
	}, nil
}

// CreateUnit provisions a scratch directory tree for the unit.
func (s *Substrate) CreateUnit(_ context.Context, spec substrate.UnitSpec) error {
	if _, ok := runtimeCommands[spec.Runtime]; !ok {
		return fmt.Errorf("unsupported runtime %q: must be one of %v", spec.Runtime, SupportedRuntimes)
	}

	baseDir := filepath.Join(s.rootDir, spec.UnitID)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.units) >= s.maxUnits {
		os.RemoveAll(baseDir)
		return fmt.Errorf("unit count %d at substrate maximum %d", len(s.units), s.maxUnits)
	}
	s.units[spec.UnitID] = &unitState{runtime: spec.Runtime, baseDir: baseDir}

	s.logger.Debug("unit created", "unit_id", spec.UnitID, "runtime", spec.Runtime, "dir", baseDir)
	return nil
}

// DestroyUnit removes the unit's directory tree. Unknown units are a no-op.
func (s *Substrate) DestroyUnit(_ context.Context, unitID string) error {
	s.mu.Lock()
	u, ok := s.units[unitID]
	delete(s.units, unitID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := os.RemoveAll(u.baseDir); err != nil {
		return fmt.Errorf("remove unit dir: %w", err)
	}
	s.logger.Debug("unit destroyed", "unit_id", unitID)
	return nil
}

// ApplyPolicy creates a fresh scratch area under the unit and records the
// policy for the next Exec. Any previous scratch area is discarded first.
func (s *Substrate) ApplyPolicy(_ context.Context, unitID string, policy substrate.Policy) error {
	u, err := s.unit(unitID)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	scratch := filepath.Join(u.baseDir, "scratch")
	if err := os.RemoveAll(scratch); err != nil {
		return fmt.Errorf("clear scratch: %w", err)
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch: %w", err)
	}

	if len(policy.Snapshot) > 0 {
		if err := extractArchive(policy.Snapshot, scratch); err != nil {
			return fmt.Errorf("unpack workspace snapshot: %w", err)
		}
	}

	u.policy = &policy
	u.scratch = scratch
	return nil
}

// RemovePolicy tears down the sandbox overlay, removing the scratch area.
func (s *Substrate) RemovePolicy(_ context.Context, unitID string) error {
	u, err := s.unit(unitID)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.scratch != "" {
		if err := os.RemoveAll(u.scratch); err != nil {
			return fmt.Errorf("remove scratch: %w", err)
		}
	}
	u.policy = nil
	u.scratch = ""
	return nil
}

// Exec materializes the code in the scratch area and runs the runtime command
// with capped output, scrubbed environment, and ctx-driven termination.
func (s *Substrate) Exec(ctx context.Context, unitID string, spec substrate.ExecSpec) (substrate.ExecResult, error) {
	u, err := s.unit(unitID)
	if err != nil {
		return substrate.ExecResult{}, err
	}

	u.mu.Lock()
	policy, scratch := u.policy, u.scratch
	u.mu.Unlock()
	if policy == nil {
		return substrate.ExecResult{}, errNoPolicy
	}

	entrypoint := spec.Entrypoint
	if entrypoint == "" {
		entrypoint = defaultEntrypoints[u.runtime]
	}
	if err := validatePath(scratch, entrypoint); err != nil {
		return substrate.ExecResult{}, fmt.Errorf("invalid entrypoint: %w", err)
	}

	if err := materializeCode(scratch, entrypoint, spec); err != nil {
		return substrate.ExecResult{}, err
	}

	// The request's own deadline, independent of the caller's context; at
	// expiry the process group is killed and the result marked timed out.
	execCtx := ctx
	if spec.TimeoutMS > 0 {
		var cancelExec context.CancelFunc
		execCtx, cancelExec = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancelExec()
	}

	rtCmd := runtimeCommands[u.runtime]
	args := append(rtCmd.args(filepath.Join(scratch, entrypoint)), spec.Args...)
	cmd := exec.CommandContext(execCtx, rtCmd.bin, args...)
	cmd.Dir = scratch
	cmd.Env = execEnv(scratch, policy, spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so a runaway child cannot outlive the
	// deadline.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return substrate.ExecResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return substrate.ExecResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return substrate.ExecResult{}, fmt.Errorf("start command: %w", err)
	}

	var stdout, stderr cappedBuffer
	stdout.cap = spec.OutputCapBytes
	stderr.cap = spec.OutputCapBytes

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainLines(stdoutPipe, &stdout, spec.LogWriter)
	}()
	go func() {
		defer wg.Done()
		drainLines(stderrPipe, &stderr, spec.LogWriter)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	result := substrate.ExecResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	fillUsage(cmd, &result.Usage)

	switch {
	case waitErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return substrate.ExecResult{}, fmt.Errorf("wait: %w", waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			result.Signal = ws.Signal().String()
		}
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
	}

	result.Artifacts = collectArtifacts(scratch, spec.Outputs)
	return result, nil
}

// Capabilities reports what this substrate supports.
func (s *Substrate) Capabilities() substrate.Capabilities {
	return substrate.Capabilities{
		Name:              SubstrateName,
		SupportedRuntimes: SupportedRuntimes,
		MaxUnits:          s.maxUnits,
	}
}

func (s *Substrate) unit(unitID string) (*unitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownUnit, unitID)
	}
	return u, nil
}

// materializeCode writes inline code or unpacks a code archive into scratch.
func materializeCode(scratch, entrypoint string, spec substrate.ExecSpec) error {
	if len(spec.CodeArchive) > 0 {
		if err := extractArchive(spec.CodeArchive, scratch); err != nil {
			return fmt.Errorf("extract code archive: %w", err)
		}
		return nil
	}

	path := filepath.Join(scratch, entrypoint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create entrypoint dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(spec.Code), 0o644); err != nil {
		return fmt.Errorf("write code: %w", err)
	}
	return nil
}

// execEnv builds a scrubbed environment: only PATH, HOME pointed at scratch,
// and the request's declared variables. When networking is disabled the
// request env cannot re-enable proxies.
func execEnv(scratch string, policy *substrate.Policy, reqEnv map[string]string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
	}
	for k, v := range reqEnv {
		if !policy.NetworkEnabled && isProxyVar(k) {
			continue
		}
		env = append(env, k+"="+v)
	}
	if !policy.NetworkEnabled {
		// Common cooperative deny: toolchains honoring *_PROXY skip the
		// network entirely when pointed at a closed port.
		env = append(env, "HTTP_PROXY=http://127.0.0.1:1", "HTTPS_PROXY=http://127.0.0.1:1", "NO_PROXY=")
	}
	return env
}

func isProxyVar(k string) bool {
	switch strings.ToUpper(k) {
	case "HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY":
		return true
	}
	return false
}

// validatePath ensures rel stays inside root after cleaning.
func validatePath(root, rel string) error {
	if filepath.IsAbs(rel) {
		return errors.New("absolute path not allowed")
	}
	joined := filepath.Join(root, rel)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return errors.New("path escapes scratch area")
	}
	return nil
}

// collectArtifacts reads requested output files from scratch. Missing files
// are reported with Missing set, never as errors.
func collectArtifacts(scratch string, outputs []string) []model.Artifact {
	if len(outputs) == 0 {
		return nil
	}
	artifacts := make([]model.Artifact, 0, len(outputs))
	for _, out := range outputs {
		if err := validatePath(scratch, out); err != nil {
			artifacts = append(artifacts, model.Artifact{Path: out, Missing: true})
			continue
		}
		content, err := os.ReadFile(filepath.Join(scratch, out))
		if err != nil {
			artifacts = append(artifacts, model.Artifact{Path: out, Missing: true})
			continue
		}
		artifacts = append(artifacts, model.Artifact{Path: out, Content: content})
	}
	return artifacts
}

// fillUsage copies rusage counters from the exited process when available.
func fillUsage(cmd *exec.Cmd, usage *model.ResourceUsage) {
	if cmd.ProcessState == nil {
		return
	}
	usage.CPUTimeMS = (cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()).Milliseconds()
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
		usage.PeakMemoryKB = ru.Maxrss
		usage.ContextSwitches = ru.Nvcsw + ru.Nivcsw
		usage.PageFaults = ru.Minflt + ru.Majflt
		usage.DiskBytes = ru.Oublock * 512
	}
}

// drainLines copies r into buf line by line, forwarding each line to
// logWriter when set.
func drainLines(r io.Reader, buf *cappedBuffer, logWriter func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)
		if logWriter != nil {
			logWriter(line)
		}
	}
}

// cappedBuffer accumulates lines up to cap bytes, then discards the rest.
type cappedBuffer struct {
	cap int
	buf bytes.Buffer
}

func (b *cappedBuffer) WriteLine(line string) {
	if b.cap > 0 && b.buf.Len()+len(line)+1 > b.cap {
		remaining := b.cap - b.buf.Len()
		if remaining > 0 {
			b.buf.WriteString(line[:min(len(line), remaining)])
		}
		return
	}
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *cappedBuffer) Bytes() []byte {
	return slices.Clone(b.buf.Bytes())
}
