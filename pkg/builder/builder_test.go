package builder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/txn"
)

func TestFinalizeRequiresChainID(t *testing.T) {
	b := New(merkletree.Hash{})
	b.SetFee(0, crypto.AssetIDFromDenom("upenumbra"))
	_, err := b.Finalize()
	require.ErrorIs(t, err, ErrNoChainID)
}

func TestFinalizeRequiresFee(t *testing.T) {
	b := New(merkletree.Hash{})
	b.SetChainID("shielded-testnet")
	_, err := b.Finalize()
	require.ErrorIs(t, err, ErrFeeNotSet)
}

func TestFinalizeRejectsUnbalancedValue(t *testing.T) {
	b := New(merkletree.Hash{})
	b.SetChainID("shielded-testnet")
	b.SetFee(0, crypto.AssetIDFromDenom("upenumbra"))

	dest := crypto.Hash{0xAA}
	_, err := b.AddOutput(dest, crypto.Value{Amount: 100, AssetID: crypto.AssetIDFromDenom("upenumbra")}, nil)
	require.NoError(t, err)

	_, err = b.Finalize()
	require.ErrorIs(t, err, ErrNonZeroValueBalance)
}

func TestFinalizeProducesBalancedSignedTransaction(t *testing.T) {
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

	b := New(root)
	require.NoError(t, b.AddSpend(spendAuthKey, nullifierKey, note, position, [32]byte(root)))

	_, err = b.AddOutput(crypto.Hash{0x02}, crypto.Value{Amount: 900, AssetID: asset}, []byte("memo"))
	require.NoError(t, err)

	b.SetFee(100, asset)
	b.SetChainID("shielded-testnet")
	b.SetExpiryHeight(500)

	tx, err := b.Finalize()
	require.NoError(t, err)
	require.Len(t, tx.Body.Actions, 2)
	require.Equal(t, txn.ActionSpend, tx.Body.Actions[0].Tag, "builder must emit spends before outputs")
	require.Equal(t, txn.ActionOutput, tx.Body.Actions[1].Tag)

	spends, outputs := tx.Body.ValueCommitments()
	require.Len(t, spends, 1)
	require.Len(t, outputs, 1)

	sighash := tx.Body.Sighash()
	spendAction := tx.Body.Actions[0].Spend
	require.True(t, crypto.Verify(spendAction.Body.RandomizedVK, sighash[:], spendAction.AuthSig))

	bindingVK := crypto.SigningKeyFromScalar(fr0())
	_ = bindingVK // synthetic blinding is not zero here; the binding sig's own key is internal to Finalize
}

func TestFinalizeShufflesSpendsIndependentlyOfOutputs(t *testing.T) {
	// Build a transaction with multiple spends and outputs and assert the
	// layout invariant (spends first) holds regardless of insertion order,
	// since Finalize shuffles within each group.
	asset := crypto.AssetIDFromDenom("upenumbra")
	b := New(merkletree.Hash{})

	var nk crypto.NullifierKey
	copy(nk[:], []byte("nullifier-key-material-32-bytes"))

	tree := merkletree.New()
	total := uint64(0)
	for i := 0; i < 3; i++ {
		note, err := crypto.NewNote(crypto.Value{Amount: 100, AssetID: asset}, crypto.Hash{byte(i)})
		require.NoError(t, err)
		pos, root, err := tree.Append(merkletree.Hash(note.Commitment()), false)
		require.NoError(t, err)
		b.merkleRoot = [32]byte(root)
		require.NoError(t, b.AddSpend(mustKey(t), nk, note, pos, [32]byte(root)))
		total += 100
	}
	for i := 0; i < 2; i++ {
		_, err := b.AddOutput(crypto.Hash{byte(0x10 + i)}, crypto.Value{Amount: 140, AssetID: asset}, nil)
		require.NoError(t, err)
	}
	b.SetFee(20, asset)
	b.SetChainID("shielded-testnet")

	tx, err := b.Finalize()
	require.NoError(t, err)
	require.Len(t, tx.Body.Actions, 5)
	for i, a := range tx.Body.Actions {
		if i < 3 {
			require.Equal(t, txn.ActionSpend, a.Tag)
		} else {
			require.Equal(t, txn.ActionOutput, a.Tag)
		}
	}
}

func mustKey(t *testing.T) crypto.SigningKey {
	t.Helper()
	k, err := crypto.RandomSigningKey()
	require.NoError(t, err)
	return k
}
