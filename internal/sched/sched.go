// Package sched chooses a placement for each request: it scores candidate
// nodes on warm availability, headroom, recent failures, and affinity, then
// acquires a unit from the winner's pool. A single-host deployment registers
// one node but the scoring path is written against the multi-node view.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/pool"
)

// failureAlpha smooths the per-node failure rate.
const failureAlpha = 0.2

// Weights control the node scoring function. All contributions are
// normalized to [0,1] before weighting.
type Weights struct {
	Warm     float64
	Headroom float64
	Failure  float64
	Affinity float64
}

// Config holds scheduler tuning.
type Config struct {
	Weights Weights

	// Timeout bounds one Schedule call end to end.
	Timeout time.Duration

	// RetryBackoff is the pause before the single rescheduling attempt.
	RetryBackoff time.Duration

	// DegradeThreshold is the number of consecutive sandbox setup failures
	// after which a node is excluded from scheduling.
	DegradeThreshold int
}

// node is the scheduler's live view of one node.
type node struct {
	id   string
	pool *pool.Pool

	mu               sync.Mutex
	failureRate      float64 // EWMA of setup failures per placement
	consecutiveFails int
	degraded         bool
}

// Placement binds a request to a node and an acquired unit. Consumed once.
type Placement struct {
	NodeID string
	Handle *pool.Handle
}

// Scheduler places requests onto registered nodes.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	nodes map[string]*node
}

// New creates a scheduler with the given tuning.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.DegradeThreshold <= 0 {
		cfg.DegradeThreshold = 3
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger,
		nodes:  make(map[string]*node),
	}
}

// RegisterNode adds a node and its pool to the scheduling view.
func (s *Scheduler) RegisterNode(id string, p *pool.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[id] = &node{id: id, pool: p}
}

// Schedule picks the best node for runtime and acquires a unit from its
// pool. An acquisition race loss triggers exactly one retry over the
// remaining candidates; exhaustion of candidates is NoAvailableCapacity. A
// node that was at capacity for the entire wait surfaces PoolExhausted;
// running out the clock for any other reason is SchedulingTimeout.
func (s *Scheduler) Schedule(ctx context.Context, runtime, affinityHint string) (Placement, error) {
	deadline := time.Now().Add(s.cfg.Timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	candidates := s.rank(runtime, affinityHint)
	if len(candidates) == 0 {
		return Placement{}, fmt.Errorf("%w: no healthy nodes", model.ErrNoAvailableCapacity)
	}

	// One placement attempt plus one rescheduling attempt.
	for attempt := 0; attempt < 2 && len(candidates) > 0; attempt++ {
		n := candidates[0]
		candidates = candidates[1:]

		// When a fallback candidate exists, the first attempt only gets half
		// the remaining budget so losing the acquisition race leaves time to
		// reschedule.
		attemptCtx := ctx
		var attemptCancel context.CancelFunc
		if len(candidates) > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(ctx, time.Until(deadline)/2)
		}

		start := time.Now()
		h, err := n.pool.Acquire(attemptCtx, runtime)
		if attemptCancel != nil {
			attemptCancel()
		}
		if err == nil {
			placements.WithLabelValues(n.id, "ok").Inc()
			s.logger.Debug("placed", "node", n.id, "runtime", runtime, "unit_id", h.UnitID(), "wait", time.Since(start))
			return Placement{NodeID: n.id, Handle: h}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// A node that stayed at capacity for the whole deadline with no
			// fallback left is backpressure, not a transient timeout.
			if errors.Is(ctxErr, context.DeadlineExceeded) && errors.Is(err, model.ErrPoolExhausted) && len(candidates) == 0 {
				placements.WithLabelValues(n.id, "exhausted").Inc()
				return Placement{}, err
			}
			placements.WithLabelValues(n.id, "timeout").Inc()
			return Placement{}, fmt.Errorf("%w: waited %s for %s on %s", model.ErrSchedulingTimeout, time.Since(start).Round(time.Millisecond), runtime, n.id)
		}
		if !errors.Is(err, model.ErrPoolExhausted) {
			placements.WithLabelValues(n.id, "error").Inc()
			return Placement{}, err
		}

		placements.WithLabelValues(n.id, "exhausted").Inc()
		s.logger.Debug("placement lost race, rescheduling", "node", n.id, "runtime", runtime)

		if s.cfg.RetryBackoff > 0 && len(candidates) > 0 {
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
				return Placement{}, fmt.Errorf("%w: during reschedule backoff", model.ErrSchedulingTimeout)
			}
		}
	}

	return Placement{}, fmt.Errorf("%w: %s after reschedule", model.ErrNoAvailableCapacity, runtime)
}

// rank returns healthy nodes ordered best first.
func (s *Scheduler) rank(runtime, affinityHint string) []*node {
	s.mu.Lock()
	nodes := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if !n.isDegraded() {
			nodes = append(nodes, n)
		}
	}
	s.mu.Unlock()

	type scored struct {
		n     *node
		score float64
		load  float64
	}
	ranked := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		sc, load := s.score(n, runtime, affinityHint)
		ranked = append(ranked, scored{n: n, score: sc, load: load})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		// Tie-break by lowest current load.
		return ranked[i].load < ranked[j].load
	})

	out := make([]*node, len(ranked))
	for i, r := range ranked {
		out[i] = r.n
	}
	return out
}

// score computes the weighted node score and the node's load fraction.
func (s *Scheduler) score(n *node, runtime, affinityHint string) (float64, float64) {
	stats := n.pool.Stats()

	warm := float64(stats.Warm[runtime])
	warmNorm := warm / float64(max(stats.MaxUnits, 1))

	headroom := float64(stats.MaxUnits-stats.Total) / float64(max(stats.MaxUnits, 1))

	n.mu.Lock()
	failure := n.failureRate
	n.mu.Unlock()

	affinity := 0.0
	if affinityHint != "" && affinityHint == n.id {
		affinity = 1.0
	}

	w := s.cfg.Weights
	score := w.Warm*warmNorm + w.Headroom*headroom + w.Failure*(1-failure) + w.Affinity*affinity

	load := float64(stats.Acquired) / float64(max(stats.MaxUnits, 1))
	return score, load
}

// RecordSetupResult feeds sandbox setup outcomes back into the node view.
// Consecutive failures past the threshold mark the node degraded.
func (s *Scheduler) RecordSetupResult(nodeID string, failed bool) {
	s.mu.Lock()
	n, ok := s.nodes[nodeID]
	s.mu.Unlock()
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	sample := 0.0
	if failed {
		sample = 1.0
		n.consecutiveFails++
	} else {
		n.consecutiveFails = 0
	}
	n.failureRate = failureAlpha*sample + (1-failureAlpha)*n.failureRate

	if failed && n.consecutiveFails >= s.cfg.DegradeThreshold && !n.degraded {
		n.degraded = true
		degradedNodes.Inc()
		s.logger.Warn("node degraded", "node", nodeID, "consecutive_setup_failures", n.consecutiveFails)
	}
}

// Degraded reports whether the node is currently excluded from scheduling.
func (s *Scheduler) Degraded(nodeID string) bool {
	s.mu.Lock()
	n, ok := s.nodes[nodeID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return n.isDegraded()
}

func (n *node) isDegraded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.degraded
}

// RunHealthProbes re-admits degraded nodes: every interval, each degraded
// node must serve one probe acquisition cleanly to rejoin scheduling.
func (s *Scheduler) RunHealthProbes(ctx context.Context, interval time.Duration, runtime string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeDegraded(ctx, runtime)
		}
	}
}

func (s *Scheduler) probeDegraded(ctx context.Context, runtime string) {
	s.mu.Lock()
	var degraded []*node
	for _, n := range s.nodes {
		if n.isDegraded() {
			degraded = append(degraded, n)
		}
	}
	s.mu.Unlock()

	for _, n := range degraded {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		h, err := n.pool.Acquire(probeCtx, runtime)
		cancel()
		if err != nil {
			s.logger.Debug("health probe failed", "node", n.id, "error", err)
			continue
		}
		h.Release(ctx, pool.OutcomeClean)

		n.mu.Lock()
		n.degraded = false
		n.consecutiveFails = 0
		n.mu.Unlock()
		degradedNodes.Dec()
		s.logger.Info("node recovered", "node", n.id)
	}
}
