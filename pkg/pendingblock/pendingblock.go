// Package pendingblock accumulates the state changes a single block's
// transactions produce between BeginBlock and Commit: newly appended note
// commitments, spent nullifiers, and newly-registered assets.
package pendingblock

import (
	"fmt"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/epoch"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/nullifier"
	"github.com/certen/shielded-node/pkg/verify"
)

// PositionedNote is a new note commitment together with its assigned tree
// position and the encrypted payload the recipient needs to scan for it.
type PositionedNote struct {
	Position        uint64
	EphemeralPublic [32]byte
	EncryptedNote   []byte
	EncryptedMemo   []byte
	OVKWrappedKey   []byte
}

// PendingBlock holds every state change queued by a block's transactions.
// It is created fresh in BeginBlock and consumed (read, then discarded) in
// Commit; nothing about it survives across blocks except what Commit writes
// through to the state store.
type PendingBlock struct {
	Tree            *merkletree.Tree
	Notes           map[crypto.Hash]PositionedNote
	SpentNullifiers *nullifier.PendingBlock
	NewAssets       map[crypto.Hash]string

	Height int64
	Epoch  epoch.Epoch

	epochDuration uint64
}

// New returns a PendingBlock staged on top of tree (ordinarily a clone of
// the application's committed note commitment tree) with the given epoch
// duration in blocks.
func New(tree *merkletree.Tree, epochDuration uint64) *PendingBlock {
	return &PendingBlock{
		Tree:            tree,
		Notes:           make(map[crypto.Hash]PositionedNote),
		SpentNullifiers: nullifier.NewPendingBlock(),
		NewAssets:       make(map[crypto.Hash]string),
		epochDuration:   epochDuration,
	}
}

// SetHeight assigns the block height - only known once EndBlock runs - and
// derives the epoch it belongs to.
func (p *PendingBlock) SetHeight(height int64) epoch.Epoch {
	p.Height = height
	p.Epoch = epoch.Of(uint64(height), p.epochDuration)
	return p.Epoch
}

// AddTransaction folds a verified transaction's effects into the pending
// block: every new note commitment is appended to the tree and recorded
// against its assigned position, and every spent nullifier is added to the
// pending-block nullifier set.
func (p *PendingBlock) AddTransaction(vt *verify.VerifiedTransaction) error {
	for _, note := range vt.NewNotes {
		position, _, err := p.Tree.Append(merkletree.Hash(note.Commitment), false)
		if err != nil {
			return fmt.Errorf("pendingblock: append note commitment: %w", err)
		}
		p.Notes[note.Commitment] = PositionedNote{
			Position:        position,
			EphemeralPublic: note.EphemeralPublic,
			EncryptedNote:   note.EncryptedNote,
			EncryptedMemo:   note.EncryptedMemo,
			OVKWrappedKey:   note.OVKWrappedKey,
		}
	}

	for _, n := range vt.SpentNullifiers {
		p.SpentNullifiers.Add(n)
	}

	return nil
}

// RegisterAsset records a newly-seen asset id under its denom, used when
// genesis allocations or future asset-introducing outputs appear.
func (p *PendingBlock) RegisterAsset(assetID crypto.Hash, denom string) {
	p.NewAssets[assetID] = denom
}
