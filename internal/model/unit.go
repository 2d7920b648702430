package model

import "time"

// Pool unit states.
const (
	UnitCold       = "cold"
	UnitWarm       = "warm"
	UnitAcquired   = "acquired"
	UnitDirty      = "dirty"
	UnitDestroying = "destroying"
)

// validUnitTransitions maps each unit state to the set of states it may move
// to. Dirty never transitions back to warm: a dirty unit is destroyed and, if
// capacity requires, replaced by a fresh one.
var validUnitTransitions = map[string]map[string]bool{
	UnitCold: {
		UnitWarm:       true,
		UnitAcquired:   true,
		UnitDestroying: true,
	},
	UnitWarm: {
		UnitAcquired:   true,
		UnitDestroying: true,
	},
	UnitAcquired: {
		UnitWarm:       true,
		UnitDirty:      true,
		UnitDestroying: true,
	},
	UnitDirty: {
		UnitDestroying: true,
	},
}

// ValidUnitTransition reports whether a pool unit may move between the two states.
func ValidUnitTransition(from, to string) bool {
	targets, ok := validUnitTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// PoolUnit is a provisioned isolated execution environment owned by the pool
// manager. It is handed out as a borrowed handle during execution and must be
// returned or destroyed, never silently dropped.
type PoolUnit struct {
	ID        string    `json:"id"`
	Runtime   string    `json:"runtime"`
	State     string    `json:"state"`
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}
