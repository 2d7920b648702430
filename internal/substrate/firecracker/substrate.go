// Package firecracker implements the substrate interface on Firecracker
// microVMs. A pool unit is a booted VM with the guest agent listening on
// vsock; sandbox policies and executions are driven over that channel, so a
// warm unit serves many executions without rebooting.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/emberhost/crucible/internal/substrate"
)

// SubstrateName is the name used when registering with the registry.
const SubstrateName = "firecracker"

// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

const (
	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketSuffix is appended to the unit ID for the VM socket.
	vmSocketSuffix = ".sock"

	// vsockSocketSuffix is appended for the vsock UDS path.
	vsockSocketSuffix = "_vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second

	// commandTimeout bounds policy/reset round-trips to the guest agent.
	commandTimeout = 10 * time.Second
)

// unitVM tracks the state of one booted microVM unit.
type unitVM struct {
	machine   *fcsdk.Machine
	runtime   string
	cid       uint32
	netConfig *NetworkConfig
	socketDir string // temp directory for socket files and rootfs copy
	vsockPath string
	started   bool // true after machine.Start succeeds (guards activeUnits gauge)
}

// Substrate implements substrate.Substrate using Firecracker microVMs.
type Substrate struct {
	cfg    Config
	netMgr *NetworkManager
	logger *slog.Logger

	mu    sync.Mutex
	units map[string]*unitVM // unitID → unitVM

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// New creates a new Firecracker substrate.
func New(cfg Config, logger *slog.Logger) (*Substrate, error) {
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}

	return &Substrate{
		cfg:      cfg,
		netMgr:   netMgr,
		logger:   logger,
		units:    make(map[string]*unitVM),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}, nil
}

// Verify checks that CNI plugins are available.
func (s *Substrate) Verify() error {
	return s.netMgr.Verify()
}

// CreateUnit boots a microVM for the given runtime and blocks until the
// guest agent answers a ping, so a returned unit is warm and ready.
func (s *Substrate) CreateUnit(ctx context.Context, spec substrate.UnitSpec) error {
	rootfsPath, err := RootfsPath(s.cfg.RootfsDir, spec.Runtime)
	if err != nil {
		return fmt.Errorf("select rootfs: %w", err)
	}

	cid, err := s.allocateCID()
	if err != nil {
		return fmt.Errorf("allocate CID: %w", err)
	}

	netCfg, err := s.netMgr.Setup(ctx, spec.UnitID)
	if err != nil {
		s.releaseCID(cid)
		return fmt.Errorf("network setup: %w", err)
	}

	socketDir, err := os.MkdirTemp("", "crucible-unit-"+spec.UnitID+"-")
	if err != nil {
		s.releaseCID(cid)
		s.teardownNetwork(ctx, spec.UnitID)
		return fmt.Errorf("create temp dir: %w", err)
	}

	// Copy-on-write rootfs copy per unit when the filesystem supports it.
	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		s.releaseCID(cid)
		s.teardownNetwork(ctx, spec.UnitID)
		os.RemoveAll(socketDir)
		return fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(socketDir, spec.UnitID+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, spec.UnitID+vsockSocketSuffix)

	vcpus := int64(s.cfg.DefaultVCPUs)
	if spec.VCPUs > 0 {
		vcpus = int64(spec.VCPUs)
	}
	memMB := int64(s.cfg.DefaultMemMB)
	if spec.MemMB > 0 {
		memMB = int64(spec.MemMB)
	}

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: s.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  netCfg.MACAddress,
					HostDevName: netCfg.TAPDevice,
				},
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(vcpus),
			MemSizeMib: fcsdk.Int64(memMB),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  spec.UnitID,
	}

	// The SDK requires a logrus logger; discard its output in favor of slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(s.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		s.releaseCID(cid)
		s.teardownNetwork(ctx, spec.UnitID)
		os.RemoveAll(socketDir)
		return fmt.Errorf("create machine: %w", err)
	}

	vm := &unitVM{
		machine:   machine,
		runtime:   spec.Runtime,
		cid:       cid,
		netConfig: netCfg,
		socketDir: socketDir,
		vsockPath: vsockPath,
	}

	bootStart := time.Now()
	if err := machine.Start(ctx); err != nil {
		s.stopAndCleanup(spec.UnitID, vm)
		return fmt.Errorf("start VM: %w", err)
	}
	vm.started = true
	activeUnits.Inc()

	// Confirm the guest agent is reachable before declaring the unit warm.
	if err := s.command(ctx, vm, HostMessage{Type: MsgTypePing}); err != nil {
		s.stopAndCleanup(spec.UnitID, vm)
		return fmt.Errorf("guest agent not ready: %w", err)
	}
	unitBootDuration.Observe(time.Since(bootStart).Seconds())

	s.mu.Lock()
	s.units[spec.UnitID] = vm
	s.mu.Unlock()

	s.logger.Info("unit booted",
		"unit_id", spec.UnitID,
		"runtime", spec.Runtime,
		"cid", cid,
		"vcpus", vcpus,
		"mem_mb", memMB,
	)
	return nil
}

// DestroyUnit stops the VM and releases all associated resources. Unknown
// units are a no-op.
func (s *Substrate) DestroyUnit(_ context.Context, unitID string) error {
	s.mu.Lock()
	vm, exists := s.units[unitID]
	delete(s.units, unitID)
	s.mu.Unlock()
	if !exists {
		return nil
	}

	s.stopAndCleanup(unitID, vm)
	return nil
}

// ApplyPolicy sends the sandbox policy to the guest agent, which mounts the
// scratch area and arms the resource, network, and operation filters.
func (s *Substrate) ApplyPolicy(ctx context.Context, unitID string, policy substrate.Policy) error {
	vm, err := s.unit(unitID)
	if err != nil {
		return err
	}

	req := PolicyRequest{
		ScratchSizeMB:  policy.ScratchSizeMB,
		ReadOnlyPaths:  policy.ReadOnlyPaths,
		MemoryMB:       policy.MemoryMB,
		CPUMillis:      policy.CPUMillis,
		MaxProcs:       policy.MaxProcs,
		NetworkEnabled: policy.NetworkEnabled,
		NetworkAllow:   policy.NetworkAllow,
		AllowedOps:     policy.AllowedOps,
		Snapshot:       policy.Snapshot,
	}
	if err := s.command(ctx, vm, HostMessage{Type: MsgTypePolicy, Policy: &req}); err != nil {
		policyApplications.WithLabelValues("failed").Inc()
		return fmt.Errorf("apply policy: %w", err)
	}
	policyApplications.WithLabelValues("applied").Inc()
	return nil
}

// RemovePolicy tells the guest agent to unmount the scratch area and restore
// the default-deny posture.
func (s *Substrate) RemovePolicy(ctx context.Context, unitID string) error {
	vm, err := s.unit(unitID)
	if err != nil {
		return err
	}
	if err := s.command(ctx, vm, HostMessage{Type: MsgTypeReset}); err != nil {
		return fmt.Errorf("remove policy: %w", err)
	}
	return nil
}

// Exec runs the entry point inside the unit's sandbox, streaming log lines
// through spec.LogWriter, and blocks until the guest reports a result or ctx
// is done.
func (s *Substrate) Exec(ctx context.Context, unitID string, spec substrate.ExecSpec) (substrate.ExecResult, error) {
	vm, err := s.unit(unitID)
	if err != nil {
		return substrate.ExecResult{}, err
	}

	gc, err := DialGuest(ctx, vm.vsockPath, s.cfg.VsockPort)
	if err != nil {
		return substrate.ExecResult{}, fmt.Errorf("connect to guest: %w", err)
	}
	defer gc.Close()

	// Close the connection on cancellation so the blocking read returns
	// promptly; the caller then destroys the unit.
	stop := context.AfterFunc(ctx, func() { gc.Close() })
	defer stop()

	req := ExecRequest{
		RequestID:      spec.RequestID,
		Runtime:        vm.runtime,
		Code:           spec.Code,
		CodeArchive:    spec.CodeArchive,
		Entrypoint:     spec.Entrypoint,
		Args:           spec.Args,
		Env:            spec.Env,
		Stdin:          spec.Stdin,
		TimeoutMS:      spec.TimeoutMS,
		OutputCapBytes: spec.OutputCapBytes,
		Outputs:        spec.Outputs,
	}

	execStart := time.Now()
	resp, err := gc.RunExec(req, spec.LogWriter)
	execDuration.Observe(time.Since(execStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return substrate.ExecResult{}, ctx.Err()
		}
		return substrate.ExecResult{}, fmt.Errorf("run exec: %w", err)
	}
	if resp.Error != "" {
		return substrate.ExecResult{}, fmt.Errorf("guest exec: %s", resp.Error)
	}

	return substrate.ExecResult{
		ExitCode:         resp.ExitCode,
		Stdout:           resp.Stdout,
		Stderr:           resp.Stderr,
		Signal:           resp.Signal,
		TimedOut:         resp.TimedOut,
		Usage:            resp.Usage,
		Artifacts:        resp.Artifacts,
		PolicyViolations: resp.PolicyViolations,
	}, nil
}

// Capabilities reports what this substrate supports.
func (s *Substrate) Capabilities() substrate.Capabilities {
	return substrate.Capabilities{
		Name:              SubstrateName,
		SupportedRuntimes: SupportedRuntimes,
		MaxUnits:          s.cfg.MaxUnits,
	}
}

// Shutdown destroys all active units and tears down networking.
func (s *Substrate) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.units))
	for id := range s.units {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.DestroyUnit(ctx, id); err != nil {
			s.logger.Error("shutdown cleanup failed", "unit_id", id, "error", err)
		}
	}

	s.netMgr.TeardownAll(ctx)
}

func (s *Substrate) unit(unitID string) (*unitVM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.units[unitID]
	if !ok {
		return nil, fmt.Errorf("unknown unit %q", unitID)
	}
	return vm, nil
}

// command runs one ack'd round trip to the guest agent on a fresh connection.
func (s *Substrate) command(ctx context.Context, vm *unitVM, msg HostMessage) error {
	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	gc, err := DialGuest(cmdCtx, vm.vsockPath, s.cfg.VsockPort)
	if err != nil {
		return err
	}
	defer gc.Close()

	return gc.Command(msg)
}

// stopAndCleanup stops a VM and cleans up all associated resources. It uses
// background contexts so cleanup completes even if the caller's context has
// been cancelled.
func (s *Substrate) stopAndCleanup(unitID string, vm *unitVM) {
	cleanupStart := time.Now()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := vm.machine.Shutdown(shutdownCtx); err != nil {
		s.logger.Debug("graceful shutdown failed, forcing stop", "unit_id", unitID, "error", err)
		if stopErr := vm.machine.StopVMM(); stopErr != nil {
			s.logger.Debug("StopVMM failed", "unit_id", unitID, "error", stopErr)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := vm.machine.Wait(waitCtx); err != nil {
		s.logger.Debug("failed to wait for VM exit", "unit_id", unitID, "error", err)
	}

	if vm.started {
		activeUnits.Dec()
	}

	s.releaseCID(vm.cid)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cleanupCancel()
	s.teardownNetwork(cleanupCtx, unitID)

	if vm.socketDir != "" {
		os.RemoveAll(vm.socketDir)
	}

	unitTeardownDuration.Observe(time.Since(cleanupStart).Seconds())
	s.logger.Debug("unit cleanup complete", "unit_id", unitID)
}

// teardownNetwork tears down networking for a unit, logging errors but not propagating them.
func (s *Substrate) teardownNetwork(ctx context.Context, unitID string) {
	if err := s.netMgr.Teardown(ctx, unitID); err != nil {
		s.logger.Warn("network teardown failed", "unit_id", unitID, "error", err)
	}
}

// allocateCID returns the next available vsock CID.
func (s *Substrate) allocateCID() (uint32, error) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()

	// Try the next CID and scan forward if in use.
	scanRange := uint32(s.cfg.MaxUnits + 10)
	for i := range scanRange {
		candidate := max(s.cidNext+i, MinCID)
		if !s.cidInUse[candidate] {
			s.cidInUse[candidate] = true
			s.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(s.cidInUse))
}

// releaseCID returns a CID to the pool.
func (s *Substrate) releaseCID(cid uint32) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()
	delete(s.cidInUse, cid)
}

// copyRootfs creates a copy of the rootfs image for a unit.
// Uses cp --reflink=auto for copy-on-write when the filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
