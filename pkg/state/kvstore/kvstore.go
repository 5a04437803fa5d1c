// Package kvstore implements state.Store over a cometbft-db dbm.DB, keyed
// with a prefix-byte-plus-big-endian-height convention matching the
// reference node's ledger store. It works against any dbm.DB backend,
// including MemDB, which makes it the natural store for unit tests and for
// embedded, single-process deployments.
package kvstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/pendingblock"
	"github.com/certen/shielded-node/pkg/state"
)

var (
	keyGenesis     = []byte("state:genesis")
	keyValidators  = []byte("state:validators")
	keyLatestBlock = []byte("state:latest_block")
	keyTreeSize    = []byte("tree:size")

	prefixNote      = []byte("tree:note:")
	prefixAnchor    = []byte("anchor:")
	prefixNullifier = []byte("nullifier:")
	prefixAsset     = []byte("asset:")
)

func be8(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func noteKey(position uint64) []byte {
	return append(append([]byte{}, prefixNote...), be8(position)...)
}

func anchorKey(height int64) []byte {
	return append(append([]byte{}, prefixAnchor...), be8(uint64(height))...)
}

func nullifierKey(n crypto.Hash) []byte {
	return append(append([]byte{}, prefixNullifier...), n[:]...)
}

func assetKey(id crypto.Hash) []byte {
	return append(append([]byte{}, prefixAsset...), id[:]...)
}

// Store is a state.Store backed by a cometbft-db dbm.DB.
type Store struct {
	db dbm.DB
}

// New wraps db as a state.Store.
func New(db dbm.DB) *Store {
	return &Store{db: db}
}

var _ state.Store = (*Store)(nil)

func (s *Store) NoteCommitmentTree(_ context.Context) (*merkletree.Tree, error) {
	tree := merkletree.New()

	sizeBytes, err := s.db.Get(keyTreeSize)
	if err != nil {
		return nil, fmt.Errorf("kvstore: read tree size: %w", err)
	}
	if len(sizeBytes) == 0 {
		return tree, nil
	}
	size := binary.BigEndian.Uint64(sizeBytes)

	for position := uint64(0); position < size; position++ {
		b, err := s.db.Get(noteKey(position))
		if err != nil {
			return nil, fmt.Errorf("kvstore: read note at position %d: %w", position, err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("kvstore: note at position %d missing or malformed", position)
		}
		var commitment merkletree.Hash
		copy(commitment[:], b)
		if _, _, err := tree.Append(commitment, false); err != nil {
			return nil, fmt.Errorf("kvstore: replay append at position %d: %w", position, err)
		}
	}
	return tree, nil
}

func (s *Store) GenesisConfiguration(_ context.Context) (*state.GenesisConfiguration, error) {
	b, err := s.db.Get(keyGenesis)
	if err != nil {
		return nil, fmt.Errorf("kvstore: read genesis configuration: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var cfg state.GenesisConfiguration
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("kvstore: unmarshal genesis configuration: %w", err)
	}
	return &cfg, nil
}

func (s *Store) RecentAnchors(_ context.Context, n int) ([]crypto.Hash, error) {
	if n > state.RecentAnchorsWindow {
		n = state.RecentAnchorsWindow
	}

	latestBytes, err := s.db.Get(keyLatestBlock)
	if err != nil {
		return nil, fmt.Errorf("kvstore: read latest block: %w", err)
	}
	if len(latestBytes) == 0 {
		return nil, nil
	}
	var latest state.BlockInfo
	if err := json.Unmarshal(latestBytes, &latest); err != nil {
		return nil, fmt.Errorf("kvstore: unmarshal latest block: %w", err)
	}

	var anchors []crypto.Hash
	for h := latest.Height; h >= 0 && len(anchors) < n; h-- {
		b, err := s.db.Get(anchorKey(h))
		if err != nil {
			return nil, fmt.Errorf("kvstore: read anchor at height %d: %w", h, err)
		}
		if len(b) == 0 {
			break
		}
		var a crypto.Hash
		copy(a[:], b)
		anchors = append(anchors, a)
	}
	return anchors, nil
}

func (s *Store) Nullifier(_ context.Context, n crypto.Hash) (int64, bool, error) {
	b, err := s.db.Get(nullifierKey(n))
	if err != nil {
		return 0, false, fmt.Errorf("kvstore: read nullifier: %w", err)
	}
	if len(b) == 0 {
		return 0, false, nil
	}
	return int64(binary.BigEndian.Uint64(b)), true, nil
}

func (s *Store) LatestBlockInfo(_ context.Context) (*state.BlockInfo, error) {
	b, err := s.db.Get(keyLatestBlock)
	if err != nil {
		return nil, fmt.Errorf("kvstore: read latest block: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var info state.BlockInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("kvstore: unmarshal latest block: %w", err)
	}
	return &info, nil
}

func (s *Store) AppHash(ctx context.Context) ([]byte, error) {
	info, err := s.LatestBlockInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	return info.AppHash, nil
}

func (s *Store) SetGenesisConfiguration(_ context.Context, cfg *state.GenesisConfiguration) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("kvstore: marshal genesis configuration: %w", err)
	}
	return s.db.SetSync(keyGenesis, b)
}

func (s *Store) SetInitialValidators(_ context.Context, validators []state.Validator) error {
	b, err := json.Marshal(validators)
	if err != nil {
		return fmt.Errorf("kvstore: marshal validators: %w", err)
	}
	return s.db.SetSync(keyValidators, b)
}

// CommitBlock writes every effect of pending, plus the resulting block info
// and anchor, as a single batch so readers never observe a partial commit.
func (s *Store) CommitBlock(_ context.Context, pending *pendingblock.PendingBlock, appHash []byte) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for commitment, note := range pending.Notes {
		if err := batch.Set(noteKey(note.Position), commitment[:]); err != nil {
			return fmt.Errorf("kvstore: stage note commitment: %w", err)
		}
	}
	if err := batch.Set(keyTreeSize, be8(pending.Tree.Size())); err != nil {
		return fmt.Errorf("kvstore: stage tree size: %w", err)
	}

	for _, n := range pending.SpentNullifiers.All() {
		if err := batch.Set(nullifierKey(n), be8(uint64(pending.Height))); err != nil {
			return fmt.Errorf("kvstore: stage nullifier: %w", err)
		}
	}

	for assetID, denom := range pending.NewAssets {
		if err := batch.Set(assetKey(assetID), []byte(denom)); err != nil {
			return fmt.Errorf("kvstore: stage asset registration: %w", err)
		}
	}

	anchor := crypto.Hash(pending.Tree.Root())
	if err := batch.Set(anchorKey(pending.Height), anchor[:]); err != nil {
		return fmt.Errorf("kvstore: stage anchor: %w", err)
	}

	info := state.BlockInfo{Height: pending.Height, AppHash: appHash, Time: time.Now()}
	infoBytes, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("kvstore: marshal block info: %w", err)
	}
	if err := batch.Set(keyLatestBlock, infoBytes); err != nil {
		return fmt.Errorf("kvstore: stage latest block: %w", err)
	}

	return batch.WriteSync()
}

// Asset looks up the denom registered for assetID, if any. Not part of
// state.Store; callers that need it type-assert to *Store.
func (s *Store) Asset(_ context.Context, assetID crypto.Hash) (string, bool, error) {
	b, err := s.db.Get(assetKey(assetID))
	if err != nil {
		return "", false, fmt.Errorf("kvstore: read asset: %w", err)
	}
	if len(b) == 0 {
		return "", false, nil
	}
	return string(b), true, nil
}
