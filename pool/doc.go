// Package pool
// Author: momentics <momentics@gmail.com>
//
// Pooled I/O contexts for hioload-aio.
// A ContextPool preallocates a fixed set of IoContext slots with their buffer
// storage; a Registry owns one pool per size class and resolves completion
// tokens back to slots. Slots move Free -> Reserved -> Submitting -> InFlight
// and return to Free only through the completion path or a failed submission.
// See context_pool.go, handle.go, registry.go for implementation details.
package pool
