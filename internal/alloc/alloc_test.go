package alloc

import (
	"errors"
	"testing"

	"github.com/emberhost/crucible/internal/model"
)

func TestResolveFillsDefaultsFromTier(t *testing.T) {
	grant, err := Resolve(model.ExecutionConstraints{}, model.TierSession, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	profile := DefaultTiers[model.TierSession]
	if grant.TimeoutMS != profile.TimeoutMS {
		t.Errorf("TimeoutMS = %d, want %d", grant.TimeoutMS, profile.TimeoutMS)
	}
	if grant.MemoryMB != profile.MemoryMB {
		t.Errorf("MemoryMB = %d, want %d", grant.MemoryMB, profile.MemoryMB)
	}
	if grant.CPUMillis != profile.CPUMillis {
		t.Errorf("CPUMillis = %d, want %d", grant.CPUMillis, profile.CPUMillis)
	}
	if grant.NetworkEnabled {
		t.Error("NetworkEnabled = true, want false by default")
	}
}

func TestResolveKeepsDeclaredValues(t *testing.T) {
	c := model.ExecutionConstraints{
		TimeoutMS:      5000,
		MemoryMB:       512,
		CPUMillis:      250,
		NetworkEnabled: true,
		NetworkAllow:   []string{"api.example.com:443"},
	}
	grant, err := Resolve(c, model.TierEphemeral, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if grant.TimeoutMS != 5000 || grant.MemoryMB != 512 || grant.CPUMillis != 250 {
		t.Errorf("declared values not preserved: %+v", grant)
	}
	// Unset fields still come from the tier.
	if grant.DiskMB != DefaultTiers[model.TierEphemeral].DiskMB {
		t.Errorf("DiskMB = %d, want tier default", grant.DiskMB)
	}
	if !grant.NetworkEnabled || len(grant.NetworkAllow) != 1 {
		t.Errorf("network policy not preserved: %+v", grant)
	}
}

func TestResolveRejectsOverCeiling(t *testing.T) {
	tests := []struct {
		name  string
		c     model.ExecutionConstraints
		field string
	}{
		{"timeout", model.ExecutionConstraints{TimeoutMS: model.MaxTimeoutMS + 1}, "timeout_ms"},
		{"memory", model.ExecutionConstraints{MemoryMB: model.MaxMemoryMB + 1}, "memory_mb"},
		{"cpu", model.ExecutionConstraints{CPUMillis: model.MaxCPUMillis + 1}, "cpu_millis"},
		{"disk", model.ExecutionConstraints{DiskMB: model.MaxDiskMB + 1}, "disk_mb"},
		{"procs", model.ExecutionConstraints{MaxProcs: model.MaxProcessCount + 1}, "max_procs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.c, model.TierEphemeral, nil)
			if !errors.Is(err, model.ErrConstraintViolation) {
				t.Fatalf("err = %v, want ErrConstraintViolation", err)
			}
			var cv *model.ConstraintViolation
			if !errors.As(err, &cv) {
				t.Fatal("error is not a *ConstraintViolation")
			}
			if cv.Field != tt.field {
				t.Errorf("Field = %q, want %q", cv.Field, tt.field)
			}
		})
	}
}

func TestResolveUnknownTierFallsBackToEphemeral(t *testing.T) {
	grant, err := Resolve(model.ExecutionConstraints{}, "mystery", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if grant.MemoryMB != DefaultTiers[model.TierEphemeral].MemoryMB {
		t.Errorf("MemoryMB = %d, want ephemeral default", grant.MemoryMB)
	}
}

func TestResolveCustomTiers(t *testing.T) {
	tiers := map[string]TierProfile{
		model.TierEphemeral: {TimeoutMS: 1000, MemoryMB: 64, CPUMillis: 100, DiskMB: 32, MaxProcs: 4},
	}
	grant, err := Resolve(model.ExecutionConstraints{}, model.TierEphemeral, tiers)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if grant.MemoryMB != 64 || grant.MaxProcs != 4 {
		t.Errorf("custom tier not applied: %+v", grant)
	}
}

func TestTiersAreOrdered(t *testing.T) {
	// Ceilings must rise with tier so that a higher tier never grants less.
	order := []string{model.TierEphemeral, model.TierSession, model.TierPersistent, model.TierCollaborative}
	for i := 1; i < len(order); i++ {
		prev, cur := DefaultTiers[order[i-1]], DefaultTiers[order[i]]
		if cur.MemoryMB < prev.MemoryMB || cur.CPUMillis < prev.CPUMillis || cur.DiskMB < prev.DiskMB {
			t.Errorf("tier %q grants less than %q", order[i], order[i-1])
		}
	}
}
