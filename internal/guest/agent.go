// Package guest implements the microVM guest agent. It listens on vsock for
// host commands: sandbox policy application, scratch reset between
// executions, and supervised process runs with streamed log lines.
package guest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/emberhost/crucible/internal/model"
	fc "github.com/emberhost/crucible/internal/substrate/firecracker"
)

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

const defaultTimeout = 30 * time.Second

// Agent handles vsock connections from the host. The host opens one
// connection per command; policy state persists across connections until the
// next reset.
type Agent struct {
	listener   net.Listener
	scratchDir string

	mu     sync.Mutex
	policy *fc.PolicyRequest
}

// New creates a guest agent serving on listener, with scratchDir as the
// sandbox scratch mount point.
func New(listener net.Listener, scratchDir string) *Agent {
	return &Agent{
		listener:   listener,
		scratchDir: scratchDir,
	}
}

// Serve accepts connections and dispatches commands. It blocks until the
// listener is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// handleConnection processes a single host command on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var msg fc.HostMessage
	if err := fc.ReadMessage(conn, &msg); err != nil {
		log.Printf("read host message: %v", err)
		return
	}

	switch msg.Type {
	case fc.MsgTypePing:
		sendAck(conn, nil)
	case fc.MsgTypePolicy:
		if msg.Policy == nil {
			sendAck(conn, fmt.Errorf("policy message without policy payload"))
			return
		}
		sendAck(conn, a.applyPolicy(msg.Policy))
	case fc.MsgTypeReset:
		sendAck(conn, a.reset())
	case fc.MsgTypeExec:
		if msg.Exec == nil {
			sendResult(conn, fc.ExecResponse{Error: "exec message without exec payload"})
			return
		}
		sendResult(conn, a.runExec(conn, msg.Exec))
	default:
		log.Printf("unknown host message type %q", msg.Type)
	}
}

// applyPolicy mounts a fresh tmpfs scratch area sized per the policy, unpacks
// the optional workspace snapshot, and sets the network posture. Any previous
// policy is torn down first.
func (a *Agent) applyPolicy(policy *fc.PolicyRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.policy != nil {
		if err := a.teardownScratch(); err != nil {
			return fmt.Errorf("teardown previous scratch: %w", err)
		}
	}

	if err := os.MkdirAll(a.scratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	sizeMB := policy.ScratchSizeMB
	if sizeMB <= 0 {
		sizeMB = 64
	}
	data := fmt.Sprintf("size=%dm", sizeMB)
	if err := syscall.Mount("tmpfs", a.scratchDir, "tmpfs", 0, data); err != nil {
		return fmt.Errorf("mount scratch tmpfs: %w", err)
	}

	if len(policy.Snapshot) > 0 {
		if err := extractArchive(policy.Snapshot, a.scratchDir); err != nil {
			a.teardownScratch()
			return fmt.Errorf("unpack workspace snapshot: %w", err)
		}
	}

	setNetworkPosture(policy.NetworkEnabled)

	a.policy = policy
	return nil
}

// reset unmounts the scratch area, clears the stored policy, and restores
// the default-deny network posture.
func (a *Agent) reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.policy == nil {
		return nil
	}
	if err := a.teardownScratch(); err != nil {
		return err
	}
	setNetworkPosture(false)
	a.policy = nil
	return nil
}

// teardownScratch unmounts and removes the scratch area. Caller holds a.mu.
func (a *Agent) teardownScratch() error {
	if err := syscall.Unmount(a.scratchDir, syscall.MNT_DETACH); err != nil && !os.IsNotExist(err) {
		// EINVAL means not mounted, which happens after a failed apply.
		if err != syscall.EINVAL {
			return fmt.Errorf("unmount scratch: %w", err)
		}
	}
	if err := os.RemoveAll(a.scratchDir); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}

// runExec executes the request inside the current sandbox, streaming log
// lines to conn as they are produced.
func (a *Agent) runExec(conn net.Conn, req *fc.ExecRequest) fc.ExecResponse {
	a.mu.Lock()
	policy := a.policy
	a.mu.Unlock()
	if policy == nil {
		return fc.ExecResponse{ExitCode: 1, Error: "no sandbox policy applied"}
	}

	rtCmd, ok := runtimeCommands[req.Runtime]
	if !ok {
		return fc.ExecResponse{ExitCode: 1, Error: fmt.Sprintf("unsupported runtime: %q", req.Runtime)}
	}

	entrypoint := req.Entrypoint
	if entrypoint == "" {
		entrypoint = defaultEntrypoints[req.Runtime]
	}
	if err := validatePath(a.scratchDir, entrypoint); err != nil {
		return fc.ExecResponse{ExitCode: 1, Error: fmt.Sprintf("invalid entrypoint: %v", err)}
	}

	if err := a.materializeCode(entrypoint, req); err != nil {
		return fc.ExecResponse{ExitCode: 1, Error: fmt.Sprintf("materialize code: %v", err)}
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	args := append(rtCmd.args(filepath.Join(a.scratchDir, entrypoint)), req.Args...)
	cmd := exec.CommandContext(ctx, rtCmd.bin, args...)
	cmd.Dir = a.scratchDir
	cmd.Env = execEnv(a.scratchDir, policy, req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so a runaway child cannot outlive the
	// deadline.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fc.ExecResponse{ExitCode: 1, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fc.ExecResponse{ExitCode: 1, Error: fmt.Sprintf("stderr pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return fc.ExecResponse{ExitCode: 1, Error: fmt.Sprintf("start command: %v", err)}
	}

	applyLimits(cmd.Process.Pid, policy)

	// Mutex protects concurrent writes to conn from stdout/stderr goroutines.
	var writeMu sync.Mutex

	var stdout, stderr cappedBuffer
	stdout.cap = req.OutputCapBytes
	stderr.cap = req.OutputCapBytes

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(conn, &writeMu, stdoutPipe, &stdout)
	}()
	go func() {
		defer wg.Done()
		streamLines(conn, &writeMu, stderrPipe, &stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()

	resp := fc.ExecResponse{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	fillUsage(cmd, &resp.Usage)

	switch {
	case waitErr == nil:
		resp.ExitCode = 0
	case ctx.Err() == context.DeadlineExceeded:
		resp.ExitCode = -1
		resp.Signal = syscall.SIGKILL.String()
		resp.TimedOut = true
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			resp.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				resp.Signal = ws.Signal().String()
			}
		} else {
			resp.ExitCode = 1
			resp.Error = waitErr.Error()
		}
	}

	resp.Artifacts = collectArtifacts(a.scratchDir, req.Outputs)
	return resp
}

// materializeCode writes inline code or unpacks a code archive into scratch.
func (a *Agent) materializeCode(entrypoint string, req *fc.ExecRequest) error {
	if len(req.CodeArchive) > 0 {
		return extractArchive(req.CodeArchive, a.scratchDir)
	}
	path := filepath.Join(a.scratchDir, entrypoint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create entrypoint dir: %w", err)
	}
	return os.WriteFile(path, []byte(req.Code), 0o644)
}

// applyLimits sets resource ceilings on the started process. Failures are
// logged, not fatal: the host-side supervisor still enforces the wall clock.
func applyLimits(pid int, policy *fc.PolicyRequest) {
	if policy.MemoryMB > 0 {
		limit := uint64(policy.MemoryMB) << 20
		setLimit(pid, unix.RLIMIT_AS, limit)
	}
	if policy.CPUMillis > 0 {
		// RLIMIT_CPU is whole seconds; round up so short grants still work.
		secs := uint64((policy.CPUMillis + 999) / 1000)
		setLimit(pid, unix.RLIMIT_CPU, secs)
	}
	if policy.MaxProcs > 0 {
		setLimit(pid, unix.RLIMIT_NPROC, uint64(policy.MaxProcs))
	}
}

func setLimit(pid, resource int, value uint64) {
	lim := unix.Rlimit{Cur: value, Max: value}
	if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
		log.Printf("prlimit resource %d: %v", resource, err)
	}
}

// setNetworkPosture brings the guest interface up or down. Best effort: a
// rootfs without iproute2 stays at the boot default.
func setNetworkPosture(enabled bool) {
	state := "down"
	if enabled {
		state = "up"
	}
	cmd := exec.Command("ip", "link", "set", "eth0", state)
	if output, err := cmd.CombinedOutput(); err != nil {
		log.Printf("ip link set eth0 %s: %s: %v", state, strings.TrimSpace(string(output)), err)
	}
}

// streamLines reads lines from r, sends each as a log message over conn
// (protected by mu), and appends to buf.
func streamLines(conn net.Conn, mu *sync.Mutex, r io.Reader, buf *cappedBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteLine(line)

		msg := fc.GuestMessage{Type: fc.MsgTypeLog, Line: line}
		mu.Lock()
		err := fc.WriteMessage(conn, &msg)
		mu.Unlock()
		if err != nil {
			log.Printf("write log line: %v", err)
			return
		}
	}
}

// sendAck sends an ack message, carrying the error text when err is non-nil.
func sendAck(conn net.Conn, err error) {
	msg := fc.GuestMessage{Type: fc.MsgTypeAck}
	if err != nil {
		msg.Error = err.Error()
	}
	if werr := fc.WriteMessage(conn, &msg); werr != nil {
		log.Printf("write ack: %v", werr)
	}
}

// sendResult sends the final ExecResponse wrapped in a GuestMessage.
func sendResult(conn net.Conn, resp fc.ExecResponse) {
	msg := fc.GuestMessage{Type: fc.MsgTypeResult, Result: &resp}
	if err := fc.WriteMessage(conn, &msg); err != nil {
		log.Printf("write result: %v", err)
	}
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

// execEnv builds a scrubbed environment: PATH from the rootfs, HOME pointed
// at scratch, and the request's declared variables. When networking is
// disabled the request env cannot re-enable proxies.
func execEnv(scratch string, policy *fc.PolicyRequest, reqEnv map[string]string) []string {
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
		return fmt.Errorf("absolute path not allowed")
	}
	joined := filepath.Join(root, rel)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes scratch area", rel)
	}
	return nil
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
