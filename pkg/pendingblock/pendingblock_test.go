package pendingblock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/verify"
)

func TestSetHeightDerivesEpoch(t *testing.T) {
	pb := New(merkletree.New(), 100)
	e := pb.SetHeight(250)
	require.Equal(t, uint64(2), e.Index)
	require.Equal(t, int64(250), pb.Height)
}

func TestAddTransactionAppendsNotesAndNullifiers(t *testing.T) {
	pb := New(merkletree.New(), 100)

	var commitment, nullifier1 crypto.Hash
	commitment[0] = 0x01
	nullifier1[0] = 0x02

	vt := &verify.VerifiedTransaction{
		SpentNullifiers: []crypto.Hash{nullifier1},
		NewNotes: []verify.NewNoteData{
			{Commitment: commitment, EncryptedNote: []byte("payload")},
		},
	}

	require.NoError(t, pb.AddTransaction(vt))
	require.True(t, pb.SpentNullifiers.Contains(nullifier1))

	note, ok := pb.Notes[commitment]
	require.True(t, ok)
	require.Equal(t, uint64(0), note.Position)
	require.Equal(t, []byte("payload"), note.EncryptedNote)
	require.Equal(t, uint64(1), pb.Tree.Size())
}

func TestAddTransactionAssignsIncrementingPositions(t *testing.T) {
	pb := New(merkletree.New(), 100)

	var c1, c2 crypto.Hash
	c1[0] = 0x01
	c2[0] = 0x02

	require.NoError(t, pb.AddTransaction(&verify.VerifiedTransaction{
		NewNotes: []verify.NewNoteData{{Commitment: c1}},
	}))
	require.NoError(t, pb.AddTransaction(&verify.VerifiedTransaction{
		NewNotes: []verify.NewNoteData{{Commitment: c2}},
	}))

	require.Equal(t, uint64(0), pb.Notes[c1].Position)
	require.Equal(t, uint64(1), pb.Notes[c2].Position)
}
