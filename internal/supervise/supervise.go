// Package supervise runs one guest process to completion inside a prepared
// sandbox and classifies the outcome. The guest enforces the execution
// deadline; the supervisor carries a grace margin on top so a wedged guest
// still terminates, and maps cancellation, timeout, signal exits, and clean
// exits onto the execution state machine.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emberhost/crucible/internal/alloc"
	"github.com/emberhost/crucible/internal/model"
	"github.com/emberhost/crucible/internal/sandbox"
	"github.com/emberhost/crucible/internal/substrate"
)

const (
	// killGrace is how long past the guest deadline the supervisor waits
	// before giving up on the connection.
	killGrace = 5 * time.Second

	// DefaultOutputCap bounds each of stdout and stderr per execution.
	DefaultOutputCap = 1 << 20
)

// Supervisor executes requests on sandboxed units.
type Supervisor struct {
	sub    substrate.Substrate
	logger *slog.Logger
}

// New creates a Supervisor over the given substrate.
func New(sub substrate.Substrate, logger *slog.Logger) *Supervisor {
	return &Supervisor{sub: sub, logger: logger}
}

// Run executes the request inside the sandbox and blocks until a terminal
// state. It always returns a result; infrastructure failures surface as
// StateFailed with the error recorded. The passed ctx is the cancellation
// channel: an external cancel terminates the process and yields StateKilled.
func (s *Supervisor) Run(ctx context.Context, sb *sandbox.Sandbox, req model.ExecutionRequest, grant alloc.ResourceGrant, logLine func(string)) *model.ExecutionResult {
	started := time.Now()
	res := &model.ExecutionResult{
		RequestID: req.ID,
		State:     model.StateRunning,
		StartedAt: &started,
	}

	spec := substrate.ExecSpec{
		RequestID:      req.ID,
		Code:           req.Code,
		CodeArchive:    req.CodeArchive,
		Entrypoint:     req.Entrypoint,
		Args:           req.Args,
		Env:            req.Env,
		Stdin:          req.Stdin,
		TimeoutMS:      grant.TimeoutMS,
		OutputCapBytes: DefaultOutputCap,
		Outputs:        req.Outputs,
		LogWriter:      logLine,
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(grant.TimeoutMS)*time.Millisecond+killGrace)
	defer cancel()

	raw, err := s.sub.Exec(execCtx, sb.UnitID(), spec)

	finished := time.Now()
	res.FinishedAt = &finished
	res.Stdout = raw.Stdout
	res.Stderr = raw.Stderr
	res.Artifacts = raw.Artifacts
	res.Metrics.Usage = raw.Usage
	sb.RecordViolations(raw.PolicyViolations)

	s.classify(res, raw, err, ctx)

	if res.State == model.StateCompleted {
		res.TestCases = evaluateTestCases(req.TestCases, raw)
	}

	terminalStates.WithLabelValues(res.State).Inc()
	runDuration.Observe(finished.Sub(started).Seconds())
	s.logger.Info("execution finished",
		"request_id", req.ID,
		"unit_id", sb.UnitID(),
		"state", res.State,
		"exit_code", res.ExitCode,
		"duration", finished.Sub(started).Round(time.Millisecond))

	return res
}

// classify maps the raw exec outcome onto a terminal execution state.
func (s *Supervisor) classify(res *model.ExecutionResult, raw substrate.ExecResult, err error, ctx context.Context) {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		res.State = model.StateKilled
		res.ExitCode = -1
		res.Error = "cancelled"

	case err != nil && errors.Is(err, context.DeadlineExceeded):
		// The guest missed its own deadline and the grace margin too.
		res.State = model.StateTimedOut
		res.ExitCode = -1
		res.Error = "deadline exceeded, guest unresponsive"

	case err != nil:
		res.State = model.StateFailed
		res.ExitCode = -1
		res.Error = err.Error()

	case raw.TimedOut:
		res.State = model.StateTimedOut
		res.ExitCode = raw.ExitCode
		res.Error = "execution deadline exceeded"

	case raw.Signal != "":
		res.State = model.StateCrashed
		res.ExitCode = raw.ExitCode
		res.Error = fmt.Sprintf("terminated by signal %s", raw.Signal)

	default:
		res.State = model.StateCompleted
		res.ExitCode = raw.ExitCode
	}
}

// evaluateTestCases checks each expectation against the completed run.
// Stdout comparison trims a single trailing newline, matching how runtimes
// print.
func evaluateTestCases(cases []model.TestCase, raw substrate.ExecResult) []model.TestCaseResult {
	if len(cases) == 0 {
		return nil
	}

	stdout := strings.TrimSuffix(string(raw.Stdout), "\n")
	out := make([]model.TestCaseResult, 0, len(cases))
	for _, tc := range cases {
		r := model.TestCaseResult{Name: tc.Name, Passed: true}
		if raw.ExitCode != tc.ExpectedExitCode {
			r.Passed = false
			r.Detail = fmt.Sprintf("exit code %d, want %d", raw.ExitCode, tc.ExpectedExitCode)
		} else if tc.ExpectedStdout != "" && stdout != strings.TrimSuffix(tc.ExpectedStdout, "\n") {
			r.Passed = false
			r.Detail = fmt.Sprintf("stdout %q, want %q", truncate(stdout, 200), truncate(tc.ExpectedStdout, 200))
		}
		out = append(out, r)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
