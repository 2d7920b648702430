// Package sandbox composes and applies the per-execution isolation policy on
// an acquired pool unit. A Sandbox never outlives one request: Build applies
// the policy, Teardown removes it, and any layer failure marks the setup as
// failed so the engine can retry on a different unit.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberhost/crucible/internal/alloc"
	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/substrate"
)

// ReadOnlyPaths are the system paths the guest process may read but never
// write, regardless of grant.
var ReadOnlyPaths = []string{"/usr", "/lib", "/lib64", "/bin", "/sbin", "/etc", "/opt"}

// Builder turns resource grants into applied sandbox policies.
type Builder struct {
	sub    substrate.Substrate
	logger *slog.Logger
}

// NewBuilder creates a Builder over the given substrate.
func NewBuilder(sub substrate.Substrate, logger *slog.Logger) *Builder {
	return &Builder{sub: sub, logger: logger}
}

// Sandbox is one applied policy on one unit.
type Sandbox struct {
	builder *Builder
	unitID  string
	policy  substrate.Policy

	// violations accumulates denied operations reported by the substrate
	// during execution.
	violations []string

	tornDown bool
}

// compose maps a resolved grant onto a substrate policy. Network defaults to
// deny; the operation filter gets the network class only when the grant
// enables it.
func compose(grant alloc.ResourceGrant, snapshot []byte) substrate.Policy {
	ops := make([]string, len(substrate.DefaultAllowedOps))
	copy(ops, substrate.DefaultAllowedOps)
	if grant.NetworkEnabled {
		ops = append(ops, substrate.OpNet)
	}

	return substrate.Policy{
		ScratchSizeMB:  grant.DiskMB,
		ReadOnlyPaths:  ReadOnlyPaths,
		MemoryMB:       grant.MemoryMB,
		CPUMillis:      grant.CPUMillis,
		MaxProcs:       grant.MaxProcs,
		NetworkEnabled: grant.NetworkEnabled,
		NetworkAllow:   grant.NetworkAllow,
		AllowedOps:     ops,
		Snapshot:       snapshot,
	}
}

// Build applies a fresh policy for one execution onto the unit. On failure
// the unit must be treated as dirty by the caller; the error wraps the setup
// failure sentinel so the engine can retry the request on another unit.
func (b *Builder) Build(ctx context.Context, unitID string, grant alloc.ResourceGrant, snapshot []byte) (*Sandbox, error) {
	policy := compose(grant, snapshot)

	start := time.Now()
	if err := b.sub.ApplyPolicy(ctx, unitID, policy); err != nil {
		setupOutcomes.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: unit %s: %v", model.ErrSandboxSetupFailed, unitID, err)
	}
	setupOutcomes.WithLabelValues("applied").Inc()
	setupDuration.Observe(time.Since(start).Seconds())

	b.logger.Debug("sandbox built",
		"unit_id", unitID,
		"scratch_mb", policy.ScratchSizeMB,
		"memory_mb", policy.MemoryMB,
		"network", policy.NetworkEnabled,
		"snapshot_bytes", len(snapshot))

	return &Sandbox{builder: b, unitID: unitID, policy: policy}, nil
}

// UnitID returns the unit this sandbox is applied to.
func (s *Sandbox) UnitID() string { return s.unitID }

// Policy returns the applied policy.
func (s *Sandbox) Policy() substrate.Policy { return s.policy }

// RecordViolations appends denied operations reported during execution.
func (s *Sandbox) RecordViolations(ops []string) {
	s.violations = append(s.violations, ops...)
	for range ops {
		policyViolations.Inc()
	}
}

// Violations returns the denied operations recorded so far.
func (s *Sandbox) Violations() []string { return s.violations }

// Teardown removes the policy overlay, clearing the scratch area and
// restoring default-deny. A teardown failure means the unit cannot be
// trusted for reuse; the caller must release it dirty.
func (s *Sandbox) Teardown(ctx context.Context) error {
	if s.tornDown {
		return nil
	}
	s.tornDown = true

	if err := s.builder.sub.RemovePolicy(ctx, s.unitID); err != nil {
		s.builder.logger.Warn("sandbox teardown failed", "unit_id", s.unitID, "error", err)
		return fmt.Errorf("remove policy from unit %s: %w", s.unitID, err)
	}
	return nil
}
