// Package telemetry assembles the per-execution metrics record. A Span marks
// phase boundaries as the request moves through the engine and folds into one
// model.ExecutionMetrics on Finish; emitters move finished records off the
// result path without ever blocking it.
package telemetry

import (
	"time"

	"github.com/emberhost/crucible/internal/model"
)

// Phase marks recorded on a span, in pipeline order.
const (
	PhaseQueued      = "queued"
	PhaseDequeued    = "dequeued"
	PhaseAcquired    = "acquired"
	PhaseSetupDone   = "setup_done"
	PhaseRunDone     = "run_done"
	PhaseCleanupDone = "cleanup_done"
)

// Span tracks one execution through the pipeline. Not safe for concurrent
// use; each request owns its span.
type Span struct {
	metrics model.ExecutionMetrics
	marks   map[string]time.Time
	started time.Time
}

// NewSpan opens a span at the moment the request is accepted.
func NewSpan(requestID, tenantID, runtime string) *Span {
	now := time.Now()
	return &Span{
		metrics: model.ExecutionMetrics{
			RequestID: requestID,
			TenantID:  tenantID,
			Runtime:   runtime,
		},
		marks:   map[string]time.Time{PhaseQueued: now},
		started: now,
	}
}

// Mark records the completion instant of a phase. Re-marking a phase keeps
// the first mark.
func (s *Span) Mark(phase string) {
	if _, ok := s.marks[phase]; ok {
		return
	}
	now := time.Now()
	s.marks[phase] = now

	if prev, ok := s.marks[before(phase)]; ok {
		phaseDuration.WithLabelValues(phase).Observe(now.Sub(prev).Seconds())
	}
}

// before returns the phase whose mark starts the given phase's interval.
func before(phase string) string {
	switch phase {
	case PhaseDequeued:
		return PhaseQueued
	case PhaseAcquired:
		return PhaseDequeued
	case PhaseSetupDone:
		return PhaseAcquired
	case PhaseRunDone:
		return PhaseSetupDone
	case PhaseCleanupDone:
		return PhaseRunDone
	}
	return ""
}

// SetPlacement records where the execution landed.
func (s *Span) SetPlacement(nodeID, unitID string, coldStart bool) {
	s.metrics.NodeID = nodeID
	s.metrics.UnitID = unitID
	s.metrics.ColdStart = coldStart
}

// SetUsage records the resource sample from the finished run.
func (s *Span) SetUsage(u model.ResourceUsage) {
	s.metrics.Usage = u
}

// SetViolations records the count of denied operations.
func (s *Span) SetViolations(n int) {
	s.metrics.PolicyViolations = n
}

// Finish closes the span into the single metrics record for this request.
// Unmarked phases contribute zero durations; the record is always complete.
func (s *Span) Finish(state string) model.ExecutionMetrics {
	m := s.metrics
	m.State = state
	m.RecordedAt = time.Now()
	m.Phases = model.PhaseTimings{
		QueueMS:   intervalMS(s.marks, PhaseQueued, PhaseDequeued),
		AcquireMS: intervalMS(s.marks, PhaseDequeued, PhaseAcquired),
		SetupMS:   intervalMS(s.marks, PhaseAcquired, PhaseSetupDone),
		RunMS:     intervalMS(s.marks, PhaseSetupDone, PhaseRunDone),
		CleanupMS: intervalMS(s.marks, PhaseRunDone, PhaseCleanupDone),
	}
	return m
}

func intervalMS(marks map[string]time.Time, from, to string) int64 {
	a, okA := marks[from]
	b, okB := marks[to]
	if !okA || !okB || b.Before(a) {
		return 0
	}
	return b.Sub(a).Milliseconds()
}
