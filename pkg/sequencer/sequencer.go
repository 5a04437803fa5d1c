// Package sequencer provides a cooperative admission gate that serializes
// the application's mutating ABCI requests (CheckTx, DeliverTx, Commit,
// InitChain) so at most one is in flight at a time, while leaving
// non-mutating requests (Info, Query) free to proceed without waiting on it.
package sequencer

import (
	"context"
	"fmt"
)

// Sequencer is a single-slot admission gate backed by a buffered channel.
// The zero value is not usable; construct with New.
type Sequencer struct {
	slot chan struct{}
}

// New returns a Sequencer admitting one in-flight request at a time.
func New() *Sequencer {
	s := &Sequencer{slot: make(chan struct{}, 1)}
	s.slot <- struct{}{}
	return s
}

// Execute waits for the single admission slot, runs fn while holding it, and
// releases it before returning. Only one call to Execute across a
// Sequencer's lifetime runs fn at a time; others block until their turn.
// Canceling ctx before the slot is acquired returns ctx.Err() without
// running fn.
func Execute[T any](ctx context.Context, s *Sequencer, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("sequencer: %w", ctx.Err())
	case <-s.slot:
	}
	defer func() { s.slot <- struct{}{} }()

	return fn()
}
