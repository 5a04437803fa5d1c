package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/pendingblock"
	"github.com/certen/shielded-node/pkg/state"
	"github.com/certen/shielded-node/pkg/verify"
)

// newTestStore opens a Store against SHIELDED_TEST_DB and runs migrations, or
// skips the test if no test database is configured.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SHIELDED_TEST_DB")
	if dsn == "" {
		t.Skip("SHIELDED_TEST_DB not configured, skipping pgstore integration test")
	}
	s, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, s.MigrateUp(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGenesisConfigurationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &state.GenesisConfiguration{
		ChainID:       "shielded-testnet",
		EpochDuration: 100,
		Allocations: []state.GenesisAllocation{
			{Dest: crypto.Hash{0x01}, AssetID: crypto.AssetIDFromDenom("upenumbra"), Denom: "upenumbra", Amount: 1000},
		},
	}
	require.NoError(t, s.SetGenesisConfiguration(ctx, cfg))

	got, err := s.GenesisConfiguration(ctx)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestCommitBlockPersistsNotesNullifiersAndAnchor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tree, err := s.NoteCommitmentTree(ctx)
	require.NoError(t, err)

	pb := pendingblock.New(tree, 100)
	pb.SetHeight(1)

	var commitment, n crypto.Hash
	commitment[0] = 0xAA
	n[0] = 0xBB

	require.NoError(t, pb.AddTransaction(&verify.VerifiedTransaction{
		SpentNullifiers: []crypto.Hash{n},
		NewNotes:        []verify.NewNoteData{{Commitment: commitment, EncryptedNote: []byte("ct")}},
	}))

	appHash := []byte("app-hash-1")
	require.NoError(t, s.CommitBlock(ctx, pb, appHash))

	gotHash, err := s.AppHash(ctx)
	require.NoError(t, err)
	require.Equal(t, appHash, gotHash)

	height, found, err := s.Nullifier(ctx, n)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), height)
}
