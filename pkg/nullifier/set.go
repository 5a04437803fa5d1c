// Package nullifier implements the three nullifier sets the block state
// machine consults to reject double-spends: a durable committed set, an
// in-memory mempool reservation set, and an in-memory per-block set.
package nullifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/certen/shielded-node/pkg/crypto"
)

// CommittedStore is the durable lookup backing the committed nullifier set,
// satisfied by a state.Store implementation.
type CommittedStore interface {
	Nullifier(ctx context.Context, n crypto.Hash) (blockHeight int64, found bool, err error)
}

// Committed answers whether a nullifier has appeared in any committed block.
// It is a thin, ctx-aware wrapper over a durable store with no cache of its
// own; CheckTx and DeliverTx consult it for each spent nullifier before the
// in-memory mempool or pending-block set.
type Committed struct {
	store CommittedStore
}

// NewCommitted wraps a durable nullifier store.
func NewCommitted(store CommittedStore) *Committed {
	return &Committed{store: store}
}

// Contains reports whether n was spent in a committed block.
func (c *Committed) Contains(ctx context.Context, n crypto.Hash) (bool, error) {
	_, found, err := c.store.Nullifier(ctx, n)
	if err != nil {
		return false, fmt.Errorf("committed nullifier lookup: %w", err)
	}
	return found, nil
}

// Mempool is the in-memory set of nullifiers reserved by transactions
// admitted to the mempool but not yet committed.
type Mempool struct {
	mu      sync.Mutex
	present map[crypto.Hash]struct{}
}

// NewMempool returns an empty mempool nullifier set.
func NewMempool() *Mempool {
	return &Mempool{present: make(map[crypto.Hash]struct{})}
}

// ErrAlreadyPresent is returned by Reserve when the nullifier is already
// reserved by another mempool transaction.
var ErrAlreadyPresent = fmt.Errorf("nullifier already present in mempool")

// Reserve inserts n if absent, or returns ErrAlreadyPresent if another
// mempool transaction already reserved it.
func (m *Mempool) Reserve(n crypto.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.present[n]; ok {
		return ErrAlreadyPresent
	}
	m.present[n] = struct{}{}
	return nil
}

// Contains reports whether n is currently reserved.
func (m *Mempool) Contains(n crypto.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.present[n]
	return ok
}

// Evict removes n, called once its transaction is committed.
func (m *Mempool) Evict(n crypto.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.present, n)
}

// PendingBlock is the in-memory set of nullifiers delivered so far in the
// block currently being assembled, used to reject intra-block double-spends.
// It is a plain set, not mutex-guarded: it is only ever touched from the
// sequencer-serialized DeliverTx stream of a single in-flight block.
type PendingBlock struct {
	present map[crypto.Hash]struct{}
}

// NewPendingBlock returns an empty pending-block nullifier set.
func NewPendingBlock() *PendingBlock {
	return &PendingBlock{present: make(map[crypto.Hash]struct{})}
}

// Contains reports whether n has already been spent earlier in this block.
func (p *PendingBlock) Contains(n crypto.Hash) bool {
	_, ok := p.present[n]
	return ok
}

// Add records n as spent in this block.
func (p *PendingBlock) Add(n crypto.Hash) {
	p.present[n] = struct{}{}
}

// All returns every nullifier spent in this block so far.
func (p *PendingBlock) All() []crypto.Hash {
	out := make([]crypto.Hash, 0, len(p.present))
	for n := range p.present {
		out = append(out, n)
	}
	return out
}
