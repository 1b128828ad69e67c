// File: pool/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handle is the owning reference to one acquisition of a pool slot.

package pool

import (
	"fmt"

	"github.com/momentics/hioload-aio/api"
)

// Handle identifies a slot together with the generation it was acquired at.
// Copies are cheap; only the first successful Release (or the completion
// path) returns the slot, any later one fails with api.ErrDoubleRelease.
type Handle struct {
	pool *ContextPool
	idx  uint16
	gen  uint32
}

// Valid reports whether h refers to an acquisition at all.
func (h Handle) Valid() bool { return h.pool != nil }

// Context returns the slot's IoContext.
func (h Handle) Context() *IoContext { return &h.pool.slots[h.idx] }

// Pool returns the owning pool.
func (h Handle) Pool() *ContextPool { return h.pool }

// Token returns the completion token of this acquisition.
func (h Handle) Token() api.Token { return api.NewToken(h.pool.id, h.idx, h.gen) }

// Release returns the slot to its pool.
func (h Handle) Release() error {
	if h.pool == nil {
		return fmt.Errorf("release of empty handle: %w", api.ErrInvalidArgument)
	}
	return h.pool.Release(h)
}

// Abort releases the slot if it was never submitted. It is a no-op once
// Submit has taken over, so callers defer it right after Acquire.
func (h Handle) Abort() {
	if h.pool != nil {
		h.pool.releaseIf(h, stateReserved)
	}
}

// Submit hands the prepared operation to submit. If submit returns an error
// or panics, no completion will ever arrive, so the slot is released on the
// spot and the error is returned as api.ErrSubmissionFailed. On success the
// slot belongs to the completion path, which may run before Submit returns.
func (h Handle) Submit(submit func(api.Operation) error) error {
	if h.pool == nil {
		return fmt.Errorf("submit on empty handle: %w", api.ErrInvalidArgument)
	}
	if !h.pool.transition(h, stateReserved, stateSubmitting) {
		return fmt.Errorf("submit of %s: %w", h.Token(), api.ErrContextNotPrepared)
	}
	op := h.Context().Request()
	if !op.Op.Valid() {
		h.pool.releaseIf(h, stateSubmitting)
		return api.SubmissionFailed(op.Op, fmt.Errorf("operation kind not set: %w", api.ErrInvalidArgument))
	}
	// BindBuffer only sees the kind set before it.
	if op.Op == api.OpWrite && len(op.Buf) == 0 {
		h.pool.releaseIf(h, stateSubmitting)
		return api.SubmissionFailed(op.Op, fmt.Errorf("empty write buffer: %w", api.ErrInvalidArgument))
	}

	queued := false
	defer func() {
		if !queued {
			h.pool.releaseIf(h, stateSubmitting)
		}
	}()
	if err := submit(op); err != nil {
		serr := api.SubmissionFailed(op.Op, err)
		h.pool.reject(serr)
		return serr
	}
	queued = true
	h.pool.transition(h, stateSubmitting, stateInFlight)
	return nil
}
