package model

import (
	"errors"
	"fmt"
)

// Failure taxonomy. These sentinels classify how an accepted request fails
// before or during execution; handlers map them to responses and retry
// guidance.
var (
	// ErrConstraintViolation marks a request whose declared constraints exceed
	// a platform ceiling. Rejected before scheduling, never retried.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrSchedulingTimeout fires when no unit became ready within the
	// scheduling deadline. Transient; callers may retry with backoff.
	ErrSchedulingTimeout = errors.New("scheduling timeout")

	// ErrNoAvailableCapacity is returned after placement retries are
	// exhausted. Transient.
	ErrNoAvailableCapacity = errors.New("no available capacity")

	// ErrSandboxSetupFailed marks a failure to apply an isolation layer. The
	// unit involved is destroyed and the request retried once elsewhere.
	ErrSandboxSetupFailed = errors.New("sandbox setup failed")

	// ErrPoolExhausted is backpressure, not a hard failure: the node is at its
	// maximum unit count and nothing can be freed.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrExecutionNotFound is returned when a request id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")
)

// ConstraintViolation wraps ErrConstraintViolation with the offending field
// and values for the rejection response.
type ConstraintViolation struct {
	Field     string
	Requested int
	Limit     int
}

func (v *ConstraintViolation) Error() string {
	return fmt.Sprintf("constraint violation: %s %d exceeds platform maximum %d", v.Field, v.Requested, v.Limit)
}

func (v *ConstraintViolation) Unwrap() error { return ErrConstraintViolation }
