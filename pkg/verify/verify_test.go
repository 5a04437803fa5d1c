package verify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/shielded-node/pkg/builder"
	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/txn"
)

func buildValidTransaction(t *testing.T) (txn.Transaction, merkletree.Hash) {
	t.Helper()
	asset := crypto.AssetIDFromDenom("upenumbra")

	spendAuthKey, err := crypto.RandomSigningKey()
	require.NoError(t, err)
	var nullifierKey crypto.NullifierKey
	copy(nullifierKey[:], []byte("nullifier-key-material-32-bytes"))

	note, err := crypto.NewNote(crypto.Value{Amount: 1_000, AssetID: asset}, crypto.Hash{0x01})
	require.NoError(t, err)

	tree := merkletree.New()
	position, root, err := tree.Append(merkletree.Hash(note.Commitment()), false)
	require.NoError(t, err)

	b := builder.New(root)
	require.NoError(t, b.AddSpend(spendAuthKey, nullifierKey, note, position, [32]byte(root)))

	_, err = b.AddOutput(crypto.Hash{0x02}, crypto.Value{Amount: 900, AssetID: asset}, nil)
	require.NoError(t, err)

	b.SetFee(100, asset)
	b.SetChainID("shielded-testnet")

	tx, err := b.Finalize()
	require.NoError(t, err)
	return tx, root
}

func TestVerifyStatelessAcceptsWellFormedTransaction(t *testing.T) {
	tx, _ := buildValidTransaction(t)
	v, err := VerifyStateless(tx, nil)
	require.NoError(t, err)
	require.Equal(t, tx, v.Tx)
}

func TestVerifyStatelessRejectsEmptyProof(t *testing.T) {
	tx, _ := buildValidTransaction(t)
	tx.Body.Actions[0].Spend.Body.Proof = nil
	_, err := VerifyStateless(tx, nil)
	require.ErrorIs(t, err, ErrInvalidProof)
}

func TestVerifyStatelessRejectsTamperedAuthSig(t *testing.T) {
	tx, _ := buildValidTransaction(t)
	tx.Body.Actions[0].Spend.AuthSig.S.SetUint64(1)
	_, err := VerifyStateless(tx, nil)
	require.ErrorIs(t, err, ErrInvalidAuthSig)
}

func TestVerifyStatelessRejectsTamperedFee(t *testing.T) {
	tx, _ := buildValidTransaction(t)
	tx.Body.Fee = tx.Body.Fee + 1
	// The fee is part of the sighash, so the spend's auth signature, which
	// VerifyStateless checks before the binding signature, fails first.
	_, err := VerifyStateless(tx, nil)
	require.ErrorIs(t, err, ErrInvalidAuthSig)
}

func TestVerifyStatefulAcceptsAnchorInWindow(t *testing.T) {
	tx, root := buildValidTransaction(t)
	v, err := VerifyStateless(tx, nil)
	require.NoError(t, err)

	verified, err := VerifyStateful(v, []crypto.Hash{crypto.Hash(root)})
	require.NoError(t, err)
	require.Len(t, verified.SpentNullifiers, 1)
	require.Len(t, verified.NewNotes, 1)
}

func TestVerifyStatefulRejectsStaleAnchor(t *testing.T) {
	tx, _ := buildValidTransaction(t)
	v, err := VerifyStateless(tx, nil)
	require.NoError(t, err)

	_, err = VerifyStateful(v, []crypto.Hash{{0xFF}})
	require.ErrorIs(t, err, ErrStaleAnchor)
}

type rejectAllVerifier struct{}

func (rejectAllVerifier) VerifySpendProof(txn.SpendBody) bool { return false }

func TestVerifyStatelessUsesSuppliedProofVerifier(t *testing.T) {
	tx, _ := buildValidTransaction(t)
	_, err := VerifyStateless(tx, rejectAllVerifier{})
	require.ErrorIs(t, err, ErrInvalidProof)
}
