// Package engine orchestrates the execution pipeline: resolve the resource
// grant, schedule onto a pooled unit, apply the sandbox, supervise the run,
// release the unit, and persist exactly one result per accepted request.
// Submission is asynchronous by default with a synchronous path for callers
// that block on the result.
package engine
