// Package pool owns the per-node set of pre-provisioned execution units.
// Units move Cold→Warm→Acquired and back to Warm on clean release; anything
// dirty is destroyed, never reused. All pool state sits behind one mutex per
// node, with acquisition as the only cooperative blocking point.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/substrate"
)

// Release outcomes.
const (
	OutcomeClean = "clean"
	OutcomeDirty = "dirty"
)

// ErrHandleReleased is returned by Release after the handle has already been
// consumed. A handle transfers ownership exactly once.
var ErrHandleReleased = errors.New("handle already released")

// Config bounds the pool's size and unit lifetimes.
type Config struct {
	NodeID   string
	MaxUnits int

	// MaxAge destroys a unit regardless of use; MaxIdle destroys warm units
	// that have not served a request recently. Zero disables the bound.
	MaxAge  time.Duration
	MaxIdle time.Duration

	// ReapInterval is the reaper tick period.
	ReapInterval time.Duration
}

// unit is the pool's internal record for one PoolUnit.
type unit struct {
	model.PoolUnit
}

func (u *unit) transition(to string) error {
	if !model.ValidUnitTransition(u.State, to) {
		return fmt.Errorf("invalid unit transition %s → %s for %s", u.State, to, u.ID)
	}
	u.State = to
	return nil
}

// Pool manages the units of one node on top of a substrate.
type Pool struct {
	cfg       Config
	sub       substrate.Substrate
	logger    *slog.Logger
	predictor *Predictor

	mu    sync.Mutex
	units map[string]*unit   // all live units by ID
	free  map[string][]*unit // runtime → FIFO warm list
	// waiters are closed (one each) when a unit is released or destroyed,
	// waking one blocked Acquire to retry.
	waiters []chan struct{}
	closed  bool
}

// New creates a pool backed by sub. The predictor records demand on every
// acquire; pass nil to disable prediction.
func New(cfg Config, sub substrate.Substrate, predictor *Predictor, logger *slog.Logger) *Pool {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		sub:       sub,
		logger:    logger,
		predictor: predictor,
		units:     make(map[string]*unit),
		free:      make(map[string][]*unit),
	}
}

// Handle is the borrowed reference to an acquired unit. It must be passed to
// exactly one Release call; the zero value is invalid.
type Handle struct {
	pool *Pool
	unit *unit
	cold bool

	mu       sync.Mutex
	released bool
}

// UnitID returns the underlying unit's identifier.
func (h *Handle) UnitID() string { return h.unit.ID }

// Runtime returns the unit's runtime profile.
func (h *Handle) Runtime() string { return h.unit.Runtime }

// Cold reports whether this acquisition paid the cold-start cost rather than
// reusing a warm unit.
func (h *Handle) Cold() bool { return h.cold }

// Acquire returns a warm unit for runtime, creating one cold when none is
// free. It blocks cooperatively while the node is at capacity, until a unit
// frees up or ctx is done (reported as pool exhaustion).
func (p *Pool) Acquire(ctx context.Context, runtime string) (*Handle, error) {
	if p.predictor != nil {
		p.predictor.Observe(runtime)
	}

	start := time.Now()
	defer func() {
		acquireWait.Observe(time.Since(start).Seconds())
	}()

	for {
		h, wait, err := p.tryAcquire(ctx, runtime)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: node %s at %d units waiting for %s", model.ErrPoolExhausted, p.cfg.NodeID, p.cfg.MaxUnits, runtime)
		}
	}
}

// tryAcquire attempts one non-blocking acquisition pass. It returns a handle,
// or a channel to wait on before retrying.
func (p *Pool) tryAcquire(ctx context.Context, runtime string) (*Handle, chan struct{}, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, nil, errors.New("pool closed")
	}

	// Warm FIFO pop bounds idle age: the longest-idle unit goes first.
	if list := p.free[runtime]; len(list) > 0 {
		u := list[0]
		p.free[runtime] = list[1:]
		if err := u.transition(model.UnitAcquired); err != nil {
			p.mu.Unlock()
			return nil, nil, err
		}
		u.LastUsed = time.Now()
		warmUnits.WithLabelValues(runtime).Dec()
		acquiredUnits.Inc()
		p.mu.Unlock()
		return &Handle{pool: p, unit: u}, nil, nil
	}

	// Room for a cold create.
	if len(p.units) < p.cfg.MaxUnits {
		u := &unit{PoolUnit: model.PoolUnit{
			ID:        model.NewID(),
			Runtime:   runtime,
			State:     model.UnitCold,
			NodeID:    p.cfg.NodeID,
			CreatedAt: time.Now(),
			LastUsed:  time.Now(),
		}}
		p.units[u.ID] = u
		p.mu.Unlock()

		if err := p.coldCreate(ctx, u); err != nil {
			return nil, nil, err
		}
		return &Handle{pool: p, unit: u, cold: true}, nil, nil
	}

	// At capacity: evict the longest-idle warm unit of another runtime if
	// one exists, then retry immediately.
	if victim := p.oldestWarmLocked(runtime); victim != nil {
		p.removeFromFreeLocked(victim)
		victim.transition(model.UnitDestroying)
		warmUnits.WithLabelValues(victim.Runtime).Dec()
		p.mu.Unlock()

		p.destroyUnit(victim, "evicted")
		done := make(chan struct{})
		close(done)
		return nil, done, nil
	}

	// Everything is busy: wait for a release.
	wait := make(chan struct{})
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()
	return nil, wait, nil
}

// coldCreate boots the substrate unit recorded as Cold and hands it straight
// to the caller as Acquired.
func (p *Pool) coldCreate(ctx context.Context, u *unit) error {
	err := p.sub.CreateUnit(ctx, substrate.UnitSpec{UnitID: u.ID, Runtime: u.Runtime})
	if err != nil {
		p.mu.Lock()
		delete(p.units, u.ID)
		p.mu.Unlock()
		p.notifyOne()
		unitCreations.WithLabelValues("cold", "failed").Inc()
		return fmt.Errorf("cold create %s: %w", u.Runtime, err)
	}

	p.mu.Lock()
	u.transition(model.UnitAcquired)
	u.LastUsed = time.Now()
	p.mu.Unlock()

	unitCreations.WithLabelValues("cold", "created").Inc()
	acquiredUnits.Inc()
	p.logger.Info("cold unit created", "unit_id", u.ID, "runtime", u.Runtime)
	return nil
}

// Release returns the unit to the pool. A clean outcome re-warms it for
// reuse unless its age exceeds the configured TTL; anything else destroys it.
// The second and later calls on the same handle return ErrHandleReleased.
func (h *Handle) Release(ctx context.Context, outcome string) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrHandleReleased
	}
	h.released = true
	h.mu.Unlock()

	return h.pool.release(ctx, h.unit, outcome)
}

func (p *Pool) release(ctx context.Context, u *unit, outcome string) error {
	acquiredUnits.Dec()

	p.mu.Lock()
	expired := p.cfg.MaxAge > 0 && time.Since(u.CreatedAt) > p.cfg.MaxAge
	if outcome == OutcomeClean && !expired && !p.closed {
		if err := u.transition(model.UnitWarm); err != nil {
			p.mu.Unlock()
			return err
		}
		u.LastUsed = time.Now()
		p.free[u.Runtime] = append(p.free[u.Runtime], u)
		warmUnits.WithLabelValues(u.Runtime).Inc()
		p.mu.Unlock()

		p.notifyOne()
		return nil
	}

	if u.State == model.UnitAcquired && outcome != OutcomeClean {
		u.transition(model.UnitDirty)
	}
	u.transition(model.UnitDestroying)
	p.mu.Unlock()

	reason := "dirty"
	if outcome == OutcomeClean {
		reason = "expired"
	}
	p.destroyUnit(u, reason)
	return nil
}

// destroyUnit tears down the substrate resource and drops the unit from the
// table. Wakes one waiter since capacity was freed.
func (p *Pool) destroyUnit(u *unit, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.sub.DestroyUnit(ctx, u.ID); err != nil {
		p.logger.Error("destroy unit failed", "unit_id", u.ID, "error", err)
	}

	p.mu.Lock()
	delete(p.units, u.ID)
	p.mu.Unlock()

	unitDestructions.WithLabelValues(reason).Inc()
	p.logger.Debug("unit destroyed", "unit_id", u.ID, "runtime", u.Runtime, "reason", reason)
	p.notifyOne()
}

// notifyOne wakes a single blocked Acquire, if any.
func (p *Pool) notifyOne() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiters) == 0 {
		return
	}
	close(p.waiters[0])
	p.waiters = p.waiters[1:]
}

// Prewarm converges the warm count for runtime toward target, bounded by the
// node's maximum unit count. Excess warm units are destroyed oldest first.
func (p *Pool) Prewarm(ctx context.Context, runtime string, target int) error {
	for {
		p.mu.Lock()
		warm := len(p.free[runtime])
		total := len(p.units)

		switch {
		case warm < target && total < p.cfg.MaxUnits:
			u := &unit{PoolUnit: model.PoolUnit{
				ID:        model.NewID(),
				Runtime:   runtime,
				State:     model.UnitCold,
				NodeID:    p.cfg.NodeID,
				CreatedAt: time.Now(),
				LastUsed:  time.Now(),
			}}
			p.units[u.ID] = u
			p.mu.Unlock()

			err := p.sub.CreateUnit(ctx, substrate.UnitSpec{UnitID: u.ID, Runtime: runtime})
			if err != nil {
				p.mu.Lock()
				delete(p.units, u.ID)
				p.mu.Unlock()
				unitCreations.WithLabelValues("prewarm", "failed").Inc()
				return fmt.Errorf("prewarm %s: %w", runtime, err)
			}

			p.mu.Lock()
			u.transition(model.UnitWarm)
			p.free[runtime] = append(p.free[runtime], u)
			p.mu.Unlock()
			warmUnits.WithLabelValues(runtime).Inc()
			unitCreations.WithLabelValues("prewarm", "created").Inc()
			p.notifyOne()

		case warm > target:
			list := p.free[runtime]
			u := list[0]
			p.free[runtime] = list[1:]
			u.transition(model.UnitDestroying)
			warmUnits.WithLabelValues(runtime).Dec()
			p.mu.Unlock()

			p.destroyUnit(u, "prewarm_excess")

		default:
			p.mu.Unlock()
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// RunReaper enforces unit TTLs until ctx is done. Warm units past their max
// age, or idle beyond the idle TTL, are destroyed.
func (p *Pool) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	now := time.Now()

	p.mu.Lock()
	var victims []*unit
	for _, u := range p.units {
		if u.State != model.UnitWarm {
			continue
		}
		tooOld := p.cfg.MaxAge > 0 && now.Sub(u.CreatedAt) > p.cfg.MaxAge
		tooIdle := p.cfg.MaxIdle > 0 && now.Sub(u.LastUsed) > p.cfg.MaxIdle
		if tooOld || tooIdle {
			victims = append(victims, u)
		}
	}
	for _, u := range victims {
		p.removeFromFreeLocked(u)
		u.transition(model.UnitDestroying)
		warmUnits.WithLabelValues(u.Runtime).Dec()
	}
	p.mu.Unlock()

	for _, u := range victims {
		p.destroyUnit(u, "ttl")
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	NodeID   string         `json:"node_id"`
	MaxUnits int            `json:"max_units"`
	Total    int            `json:"total"`
	Warm     map[string]int `json:"warm"`
	Acquired int            `json:"acquired"`
}

// Stats reports current occupancy per runtime.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		NodeID:   p.cfg.NodeID,
		MaxUnits: p.cfg.MaxUnits,
		Total:    len(p.units),
		Warm:     make(map[string]int),
	}
	for rt, list := range p.free {
		if len(list) > 0 {
			s.Warm[rt] = len(list)
		}
	}
	for _, u := range p.units {
		if u.State == model.UnitAcquired {
			s.Acquired++
		}
	}
	return s
}

// WarmCount returns the number of warm units for runtime.
func (p *Pool) WarmCount(runtime string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[runtime])
}

// Close destroys every warm unit and rejects further acquisitions. Acquired
// units are destroyed as their handles are released.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	var victims []*unit
	for _, list := range p.free {
		victims = append(victims, list...)
	}
	p.free = make(map[string][]*unit)
	for _, u := range victims {
		u.transition(model.UnitDestroying)
		warmUnits.WithLabelValues(u.Runtime).Dec()
	}
	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil
	p.mu.Unlock()

	for _, u := range victims {
		p.destroyUnit(u, "shutdown")
	}
}

// oldestWarmLocked returns the longest-idle warm unit not serving runtime.
// Caller holds p.mu.
func (p *Pool) oldestWarmLocked(excludeRuntime string) *unit {
	var oldest *unit
	for rt, list := range p.free {
		if rt == excludeRuntime || len(list) == 0 {
			continue
		}
		if oldest == nil || list[0].LastUsed.Before(oldest.LastUsed) {
			oldest = list[0]
		}
	}
	return oldest
}

// removeFromFreeLocked drops u from its runtime's free list. Caller holds p.mu.
func (p *Pool) removeFromFreeLocked(u *unit) {
	list := p.free[u.Runtime]
	for i, cand := range list {
		if cand == u {
			p.free[u.Runtime] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
