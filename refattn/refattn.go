// Package refattn carries reference-image attention features from the
// appearance encoder's write pass into the noise predictor's read pass.
//
// The side channel is deliberately not ambient state: the write pass yields
// a Bank, each window batch borrows an explicit Handle that is passed into
// the predictor call, and the handle is released immediately after the
// forward pass. Lifecycle violations (borrowing a reset bank, using a
// released handle, leaking a handle across window batches) return errors
// instead of silently conditioning on stale features.
package refattn

import (
	"errors"

	"github.com/vidiff/vidiff/array"
)

var (
	// ErrBankReset is returned when borrowing from a bank whose timestep has
	// ended.
	ErrBankReset = errors.New("refattn: bank has been reset")

	// ErrHandleOutstanding is returned when borrowing while a previous
	// handle has not been released.
	ErrHandleOutstanding = errors.New("refattn: previous handle not released")

	// ErrHandleReleased is returned when reading features from a released
	// handle.
	ErrHandleReleased = errors.New("refattn: handle already released")
)

// Encoder is the external appearance-encoder collaborator. Encode runs the
// reference write pass for timestep t and returns the feature bank every
// window invocation of that timestep reads from.
type Encoder interface {
	Encode(ref *array.Array, t int, cond *array.Array) (*Bank, error)
}

// Bank holds the write-pass attention features for one timestep.
type Bank struct {
	features    []*array.Array
	reset       bool
	outstanding *Handle
}

// NewBank wraps write-pass features. Encoder implementations call this.
func NewBank(features []*array.Array) *Bank {
	return &Bank{features: features}
}

// Borrow hands out the features for one window batch. The handle must be
// released before the next borrow; attention state is per forward pass and
// must not leak into later window batches.
func (b *Bank) Borrow() (*Handle, error) {
	if b.reset {
		return nil, ErrBankReset
	}
	if b.outstanding != nil {
		return nil, ErrHandleOutstanding
	}
	h := &Handle{bank: b}
	b.outstanding = h
	return h, nil
}

// Reset invalidates the bank at the end of its timestep. Any outstanding
// handle is released.
func (b *Bank) Reset() {
	if b.outstanding != nil {
		b.outstanding.Release()
	}
	b.reset = true
	b.features = nil
}

// Handle is a borrowed view of the bank's features for a single forward
// pass.
type Handle struct {
	bank     *Bank
	released bool
}

// Features returns the write-pass features for the predictor call.
func (h *Handle) Features() ([]*array.Array, error) {
	if h.released {
		return nil, ErrHandleReleased
	}
	return h.bank.features, nil
}

// Release clears the read side channel. Must be called as soon as the
// forward pass completes.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.bank.outstanding = nil
}
