// Package alloc resolves a request's declared constraints against workspace
// tier defaults and platform maxima, producing the fully-resolved resource
// grant enforced by the sandbox and supervisor.
package alloc

import (
	"github.com/emberhost/crucible/internal/model"
)

// TierProfile holds the default resource limits for one workspace tier.
type TierProfile struct {
	TimeoutMS int `json:"timeout_ms"`
	MemoryMB  int `json:"memory_mb"`
	CPUMillis int `json:"cpu_millis"`
	DiskMB    int `json:"disk_mb"`
	MaxProcs  int `json:"max_procs"`
}

// DefaultTiers are the built-in workspace tier profiles, used when the
// workspace service is unreachable or unconfigured. Ceilings rise with tier.
var DefaultTiers = map[string]TierProfile{
	model.TierEphemeral: {
		TimeoutMS: 30_000,
		MemoryMB:  256,
		CPUMillis: 500,
		DiskMB:    512,
		MaxProcs:  16,
	},
	model.TierSession: {
		TimeoutMS: 60_000,
		MemoryMB:  1024,
		CPUMillis: 1000,
		DiskMB:    2048,
		MaxProcs:  32,
	},
	model.TierPersistent: {
		TimeoutMS: 120_000,
		MemoryMB:  2048,
		CPUMillis: 2000,
		DiskMB:    4096,
		MaxProcs:  64,
	},
	model.TierCollaborative: {
		TimeoutMS: 180_000,
		MemoryMB:  4096,
		CPUMillis: 4000,
		DiskMB:    8192,
		MaxProcs:  128,
	},
}

// ResourceGrant is a fully-resolved set of limits: every field is concrete
// and within the platform maxima.
type ResourceGrant struct {
	TimeoutMS      int      `json:"timeout_ms"`
	MemoryMB       int      `json:"memory_mb"`
	CPUMillis      int      `json:"cpu_millis"`
	DiskMB         int      `json:"disk_mb"`
	MaxProcs       int      `json:"max_procs"`
	NetworkEnabled bool     `json:"network_enabled"`
	NetworkAllow   []string `json:"network_allow,omitempty"`
}

// platform ceiling per field, for violation reporting.
var ceilings = []struct {
	field string
	limit int
	get   func(model.ExecutionConstraints) int
}{
	{"timeout_ms", model.MaxTimeoutMS, func(c model.ExecutionConstraints) int { return c.TimeoutMS }},
	{"memory_mb", model.MaxMemoryMB, func(c model.ExecutionConstraints) int { return c.MemoryMB }},
	{"cpu_millis", model.MaxCPUMillis, func(c model.ExecutionConstraints) int { return c.CPUMillis }},
	{"disk_mb", model.MaxDiskMB, func(c model.ExecutionConstraints) int { return c.DiskMB }},
	{"max_procs", model.MaxProcessCount, func(c model.ExecutionConstraints) int { return c.MaxProcs }},
}

// Resolve validates the declared constraints against the platform maxima and
// fills unset fields from the tier profile. It is a pure function of its
// inputs; a nil tiers map falls back to DefaultTiers, and an unknown tier
// name resolves to the ephemeral profile.
func Resolve(c model.ExecutionConstraints, tier string, tiers map[string]TierProfile) (ResourceGrant, error) {
	for _, ceil := range ceilings {
		if v := ceil.get(c); v > ceil.limit {
			return ResourceGrant{}, &model.ConstraintViolation{
				Field:     ceil.field,
				Requested: v,
				Limit:     ceil.limit,
			}
		}
	}

	if tiers == nil {
		tiers = DefaultTiers
	}
	profile, ok := tiers[tier]
	if !ok {
		profile = tiers[model.TierEphemeral]
	}

	grant := ResourceGrant{
		TimeoutMS:      c.TimeoutMS,
		MemoryMB:       c.MemoryMB,
		CPUMillis:      c.CPUMillis,
		DiskMB:         c.DiskMB,
		MaxProcs:       c.MaxProcs,
		NetworkEnabled: c.NetworkEnabled,
		NetworkAllow:   c.NetworkAllow,
	}
	if grant.TimeoutMS <= 0 {
		grant.TimeoutMS = profile.TimeoutMS
	}
	if grant.MemoryMB <= 0 {
		grant.MemoryMB = profile.MemoryMB
	}
	if grant.CPUMillis <= 0 {
		grant.CPUMillis = profile.CPUMillis
	}
	if grant.DiskMB <= 0 {
		grant.DiskMB = profile.DiskMB
	}
	if grant.MaxProcs <= 0 {
		grant.MaxProcs = profile.MaxProcs
	}

	return grant, nil
}
