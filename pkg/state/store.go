// Package state defines the durable storage contract the ABCI application
// depends on: the note commitment tree, recent anchors, nullifier set,
// genesis configuration, validator set, and latest committed block, plus the
// single atomic operation that advances all of them together at Commit.
package state

import (
	"context"
	"time"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/pendingblock"
)

// RecentAnchorsWindow bounds how many trailing tree roots remain valid spend
// anchors; anchors older than this are rejected as stale.
const RecentAnchorsWindow = 64

// GenesisAllocation mints an initial note at chain start, held by the given
// destination address under the given asset.
type GenesisAllocation struct {
	Dest    crypto.Hash
	AssetID crypto.Hash
	Denom   string
	Amount  uint64
}

// Validator is a genesis validator entry: consensus public key plus voting
// power.
type Validator struct {
	PubKey []byte
	Power  int64
}

// GenesisConfiguration is the decoded genesis app-state document.
type GenesisConfiguration struct {
	ChainID       string
	EpochDuration uint64
	Allocations   []GenesisAllocation
}

// BlockInfo identifies a committed block by height, application hash, and
// commit time.
type BlockInfo struct {
	Height  int64
	AppHash []byte
	Time    time.Time
}

// Store is the external state the application depends on. Both provided
// implementations, kvstore and pgstore, satisfy it; CommitBlock is atomic
// with respect to every other method's reads.
type Store interface {
	// NoteCommitmentTree returns the durable note commitment tree as of the
	// latest committed block, ready to be cloned for the next pending block.
	NoteCommitmentTree(ctx context.Context) (*merkletree.Tree, error)

	// GenesisConfiguration returns the chain's genesis app state, or nil if
	// the chain has not yet been initialized.
	GenesisConfiguration(ctx context.Context) (*GenesisConfiguration, error)

	// RecentAnchors returns up to n of the most recently committed tree
	// roots, most recent first.
	RecentAnchors(ctx context.Context, n int) ([]crypto.Hash, error)

	// Nullifier reports whether n appeared in a committed block, and if so
	// the height of that block.
	Nullifier(ctx context.Context, n crypto.Hash) (blockHeight int64, found bool, err error)

	// LatestBlockInfo returns the most recently committed block, or nil
	// before the first commit.
	LatestBlockInfo(ctx context.Context) (*BlockInfo, error)

	// AppHash returns the application hash of the latest committed block.
	AppHash(ctx context.Context) ([]byte, error)

	// SetGenesisConfiguration persists the genesis app state; called once,
	// from InitChain.
	SetGenesisConfiguration(ctx context.Context, cfg *GenesisConfiguration) error

	// SetInitialValidators persists the genesis validator set.
	SetInitialValidators(ctx context.Context, validators []Validator) error

	// CommitBlock atomically persists every effect pending accumulated: new
	// note commitments (extending the durable tree), spent nullifiers,
	// newly registered assets, and the resulting block/anchor, replacing the
	// latest committed block and app hash.
	CommitBlock(ctx context.Context, pending *pendingblock.PendingBlock, appHash []byte) error
}
