// Package substrate defines the capability interface between the pool
// manager and the underlying virtualization layer (Firecracker microVMs,
// containers, process sandboxes), along with the domain types exchanged
// across that boundary: unit provisioning specs, per-execution sandbox
// policies, and raw execution results.
package substrate
