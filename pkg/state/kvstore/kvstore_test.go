package kvstore

import (
	"context"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/stretchr/testify/require"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/pendingblock"
	"github.com/certen/shielded-node/pkg/state"
	"github.com/certen/shielded-node/pkg/verify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(dbm.NewMemDB())
}

func TestGenesisConfigurationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GenesisConfiguration(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	cfg := &state.GenesisConfiguration{
		ChainID:       "shielded-testnet",
		EpochDuration: 100,
		Allocations: []state.GenesisAllocation{
			{Dest: crypto.Hash{0x01}, AssetID: crypto.AssetIDFromDenom("upenumbra"), Denom: "upenumbra", Amount: 1000},
		},
	}
	require.NoError(t, s.SetGenesisConfiguration(ctx, cfg))

	got, err = s.GenesisConfiguration(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestCommitBlockPersistsNotesNullifiersAndAnchor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tree, err := s.NoteCommitmentTree(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tree.Size())

	pb := pendingblock.New(tree, 100)
	pb.SetHeight(1)

	var commitment, n crypto.Hash
	commitment[0] = 0xAA
	n[0] = 0xBB

	require.NoError(t, pb.AddTransaction(&verify.VerifiedTransaction{
		SpentNullifiers: []crypto.Hash{n},
		NewNotes:        []verify.NewNoteData{{Commitment: commitment, EncryptedNote: []byte("ct")}},
	}))
	pb.RegisterAsset(crypto.Hash{0xCC}, "uasset")

	appHash := []byte("app-hash-1")
	require.NoError(t, s.CommitBlock(ctx, pb, appHash))

	gotHash, err := s.AppHash(ctx)
	require.NoError(t, err)
	require.Equal(t, appHash, gotHash)

	height, found, err := s.Nullifier(ctx, n)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), height)

	denom, found, err := s.Asset(ctx, crypto.Hash{0xCC})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "uasset", denom)

	rebuilt, err := s.NoteCommitmentTree(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rebuilt.Size())
	require.Equal(t, pb.Tree.Root(), rebuilt.Root())

	anchors, err := s.RecentAnchors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	require.Equal(t, crypto.Hash(pb.Tree.Root()), anchors[0])

	info, err := s.LatestBlockInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Height)
}

func TestRecentAnchorsWindowBoundedAt64(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tree, err := s.NoteCommitmentTree(ctx)
	require.NoError(t, err)

	for h := int64(1); h <= int64(state.RecentAnchorsWindow+5); h++ {
		pb := pendingblock.New(tree, 100)
		pb.SetHeight(h)
		var c crypto.Hash
		c[0] = byte(h)
		require.NoError(t, pb.AddTransaction(&verify.VerifiedTransaction{
			NewNotes: []verify.NewNoteData{{Commitment: c}},
		}))
		require.NoError(t, s.CommitBlock(ctx, pb, []byte("hash")))
		tree = pb.Tree
	}

	anchors, err := s.RecentAnchors(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, anchors, state.RecentAnchorsWindow)
}
