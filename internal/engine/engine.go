package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberhost/crucible/internal/alloc"
	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/pool"
	"github.com/emberhost/crucible/internal/sandbox"
	"github.com/emberhost/crucible/internal/sched"
	"github.com/emberhost/crucible/internal/store"
	"github.com/emberhost/crucible/internal/supervise"
	"github.com/emberhost/crucible/internal/telemetry"
	"github.com/emberhost/crucible/internal/workspace"
)

// Engine runs accepted execution requests through the pipeline.
type Engine struct {
	store      store.Store
	scheduler  *sched.Scheduler
	builder    *sandbox.Builder
	supervisor *supervise.Supervisor
	workspaces *workspace.Client
	collector  *telemetry.Collector
	logger     *slog.Logger
	broker     *LogBroker

	wg sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an engine over the given pipeline components.
func New(s store.Store, scheduler *sched.Scheduler, builder *sandbox.Builder, supervisor *supervise.Supervisor, workspaces *workspace.Client, collector *telemetry.Collector, logger *slog.Logger) *Engine {
	return &Engine{
		store:      s,
		scheduler:  scheduler,
		builder:    builder,
		supervisor: supervisor,
		workspaces: workspaces,
		collector:  collector,
		logger:     logger,
		broker:     NewLogBroker(),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Submit accepts the request and launches asynchronous execution. The record
// is persisted as pending before returning; constraint violations reject the
// request without persisting anything. The goroutine operates on a copy of
// the request to avoid data races with the caller.
func (e *Engine) Submit(ctx context.Context, req *model.ExecutionRequest) error {
	grant, err := e.resolveGrant(ctx, req)
	if err != nil {
		return err
	}

	if err := e.store.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("create execution: %w", err)
	}

	reqCopy := *req
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(context.Background(), &reqCopy, grant)
	}()

	return nil
}

// ExecuteSync accepts the request and blocks until a terminal state. The
// returned error is the failure-taxonomy classification for requests that
// never reached a sandbox; the result is persisted either way.
func (e *Engine) ExecuteSync(ctx context.Context, req *model.ExecutionRequest) (*model.ExecutionResult, error) {
	grant, err := e.resolveGrant(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateExecution(ctx, req); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	e.wg.Add(1)
	defer e.wg.Done()
	return e.execute(ctx, req, grant)
}

// Cancel terminates the in-flight execution with the given id. Unknown or
// already-finished executions report not found.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if !ok {
		return model.ErrExecutionNotFound
	}
	cancel()
	return nil
}

// Wait blocks until all in-flight executions complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// resolveGrant validates constraints against the platform ceilings and fills
// unset fields from the workspace tier profile.
func (e *Engine) resolveGrant(ctx context.Context, req *model.ExecutionRequest) (alloc.ResourceGrant, error) {
	tiers := e.workspaces.TierDefaults(ctx)
	tier := req.WorkspaceTier
	if tier == "" {
		tier = model.TierEphemeral
	}
	return alloc.Resolve(req.Constraints, tier, tiers)
}

// execute drives one request to a terminal state and persists exactly one
// result. The returned error classifies pre-sandbox failures for sync
// callers; the asynchronous path only logs it.
func (e *Engine) execute(parent context.Context, req *model.ExecutionRequest, grant alloc.ResourceGrant) (*model.ExecutionResult, error) {
	span := telemetry.NewSpan(req.ID, req.TenantID, req.Runtime)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	e.mu.Lock()
	e.cancels[req.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, req.ID)
		e.mu.Unlock()
	}()

	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(req.ID)

	span.Mark(telemetry.PhaseDequeued)
	res, err := e.run(ctx, span, req, grant)

	res.Metrics = span.Finish(res.State)
	if serr := e.store.SaveResult(context.Background(), res); serr != nil {
		e.logger.Error("persist result failed", "request_id", req.ID, "state", res.State, "error", serr)
	}
	e.collector.Emit(res.Metrics)

	if err != nil {
		e.logger.Warn("execution failed before sandbox", "request_id", req.ID, "error", err)
	}
	return res, err
}

// run is the pipeline body: schedule, sandbox, supervise, release.
func (e *Engine) run(ctx context.Context, span *telemetry.Span, req *model.ExecutionRequest, grant alloc.ResourceGrant) (*model.ExecutionResult, error) {
	snapshot, err := e.workspaces.Snapshot(ctx, req.WorkspaceID)
	if err != nil {
		// Run without the snapshot rather than failing the request.
		e.logger.Warn("workspace snapshot unavailable", "request_id", req.ID, "workspace_id", req.WorkspaceID, "error", err)
		snapshot = nil
	}

	// One placement plus one retry on a different unit when sandbox setup
	// fails; the failed unit is released dirty and destroyed.
	var (
		placement sched.Placement
		sb        *sandbox.Sandbox
	)
	for attempt := 0; ; attempt++ {
		placement, err = e.scheduler.Schedule(ctx, req.Runtime, req.AffinityNode)
		if err != nil {
			state := model.StateFailed
			if ctx.Err() != nil && parentCancelled(ctx) {
				state = model.StateKilled
			}
			return failedResult(req.ID, state, err), err
		}
		span.Mark(telemetry.PhaseAcquired)

		sb, err = e.builder.Build(ctx, placement.Handle.UnitID(), grant, snapshot)
		if err == nil {
			e.scheduler.RecordSetupResult(placement.NodeID, false)
			break
		}

		e.scheduler.RecordSetupResult(placement.NodeID, true)
		if rerr := placement.Handle.Release(context.Background(), pool.OutcomeDirty); rerr != nil {
			e.logger.Error("release after setup failure", "request_id", req.ID, "unit_id", placement.Handle.UnitID(), "error", rerr)
		}
		if attempt > 0 {
			return failedResult(req.ID, model.StateFailed, err), err
		}
		e.logger.Warn("sandbox setup failed, retrying on another unit",
			"request_id", req.ID, "node", placement.NodeID, "error", err)
	}

	span.SetPlacement(placement.NodeID, placement.Handle.UnitID(), placement.Handle.Cold())
	span.Mark(telemetry.PhaseSetupDone)

	if serr := e.store.UpdateExecutionState(ctx, req.ID, model.StateRunning); serr != nil {
		e.logger.Error("transition to running failed", "request_id", req.ID, "error", serr)
	}

	// Output lines dual-write: persisted for history, published for live SSE.
	var seq atomic.Int32
	logLine := func(line string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(context.Background(), req.ID, n, line); err != nil {
			e.logger.Error("persist log line failed", "request_id", req.ID, "seq", n, "error", err)
		}
		e.broker.Publish(req.ID, line)
	}

	res := e.supervisor.Run(ctx, sb, *req, grant, logLine)
	span.Mark(telemetry.PhaseRunDone)
	span.SetUsage(res.Metrics.Usage)

	// Cleanup: remove the policy overlay and hand the unit back. Only a unit
	// whose process exited normally, with no recorded policy violations and a
	// successful teardown, returns to the warm set; anything else is dirty
	// and destroyed.
	outcome := pool.OutcomeClean
	if res.State != model.StateCompleted || len(sb.Violations()) > 0 {
		outcome = pool.OutcomeDirty
	}
	if terr := sb.Teardown(context.Background()); terr != nil {
		outcome = pool.OutcomeDirty
	}
	if rerr := placement.Handle.Release(context.Background(), outcome); rerr != nil {
		e.logger.Error("release unit failed", "request_id", req.ID, "unit_id", placement.Handle.UnitID(), "error", rerr)
	}
	span.Mark(telemetry.PhaseCleanupDone)
	span.SetViolations(len(sb.Violations()))

	return res, nil
}

// parentCancelled distinguishes an explicit cancel from a deadline.
func parentCancelled(ctx context.Context) bool {
	return ctx.Err() == context.Canceled
}

func failedResult(requestID, state string, err error) *model.ExecutionResult {
	now := time.Now()
	return &model.ExecutionResult{
		RequestID:  requestID,
		State:      state,
		ExitCode:   -1,
		Error:      err.Error(),
		FinishedAt: &now,
	}
}
