package model

import (
	"errors"
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestUnitTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{UnitCold, UnitWarm, true},
		{UnitCold, UnitAcquired, true},
		{UnitWarm, UnitAcquired, true},
		{UnitWarm, UnitDestroying, true},
		{UnitAcquired, UnitWarm, true},
		{UnitAcquired, UnitDirty, true},
		{UnitDirty, UnitDestroying, true},

		// A dirty unit may only be destroyed, never rewarmed.
		{UnitDirty, UnitWarm, false},
		{UnitDirty, UnitAcquired, false},
		{UnitWarm, UnitCold, false},
		{UnitDestroying, UnitWarm, false},
		{UnitDestroying, UnitAcquired, false},
	}
	for _, tt := range tests {
		if got := ValidUnitTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidUnitTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestExecTransitions(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateFailed, true},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateTimedOut, true},
		{StateRunning, StateKilled, true},
		{StateRunning, StateCrashed, true},

		{StateCompleted, StateRunning, false},
		{StateTimedOut, StateRunning, false},
		{StatePending, StateCompleted, false},
	}
	for _, tt := range tests {
		if got := ValidExecTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidExecTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, state := range []string{StateCompleted, StateTimedOut, StateKilled, StateCrashed, StateFailed} {
		if !Terminal(state) {
			t.Errorf("Terminal(%q) = false, want true", state)
		}
	}
	for _, state := range []string{StatePending, StateRunning} {
		if Terminal(state) {
			t.Errorf("Terminal(%q) = true, want false", state)
		}
	}
}

func TestConstraintViolationUnwrap(t *testing.T) {
	v := &ConstraintViolation{Field: "memory_mb", Requested: 16384, Limit: MaxMemoryMB}
	if !errors.Is(v, ErrConstraintViolation) {
		t.Error("ConstraintViolation does not unwrap to ErrConstraintViolation")
	}
	want := "constraint violation: memory_mb 16384 exceeds platform maximum 8192"
	if v.Error() != want {
		t.Errorf("Error() = %q, want %q", v.Error(), want)
	}
}
