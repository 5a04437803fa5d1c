package txn

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"

	"github.com/certen/shielded-node/pkg/crypto"
)

func buildSampleTransaction(t *testing.T) Transaction {
	t.Helper()

	asset := crypto.AssetIDFromDenom("upenumbra")

	sk, err := crypto.RandomSigningKey()
	require.NoError(t, err)
	rho, err := crypto.RandomRandomizer()
	require.NoError(t, err)
	rsk := sk.Randomize(rho)
	rvk := rsk.VerificationKey()

	var rSpend fr.Element
	_, err = rSpend.SetRandom()
	require.NoError(t, err)
	spendCommit := crypto.NewValueCommitment(1_000, asset, rSpend)

	var nullifier crypto.Hash
	nullifier[0] = 0x11
	var anchor [32]byte
	anchor[0] = 0x22

	spend := &Spend{
		Body: SpendBody{
			Nullifier:       nullifier,
			RandomizedVK:    rvk,
			ValueCommitment: spendCommit,
			Anchor:          anchor,
			Proof:           []byte{0xDE, 0xAD, 0xBE, 0xEF},
		},
	}

	var rOut fr.Element
	_, err = rOut.SetRandom()
	require.NoError(t, err)
	outCommit := crypto.NewValueCommitment(900, asset, rOut)

	var noteCommitment crypto.Hash
	noteCommitment[0] = 0x33
	var ephemeral [32]byte
	ephemeral[0] = 0x44

	output := &Output{
		Body: OutputBody{
			NoteCommitment:  noteCommitment,
			EphemeralPublic: ephemeral,
			EncryptedNote:   []byte("encrypted-note-payload"),
			ValueCommitment: outCommit,
		},
		EncryptedMemo: []byte("memo"),
		OVKWrappedKey: []byte("wrapped-ovk"),
	}

	body := Body{
		Actions: []Action{
			{Tag: ActionSpend, Spend: spend},
			{Tag: ActionOutput, Output: output},
		},
		ExpiryHeight: 1000,
		ChainID:      "shielded-testnet",
		Fee:          100,
		FeeAssetID:   asset,
	}

	sighash := body.Sighash()
	authSig, err := rsk.Sign(sighash[:])
	require.NoError(t, err)
	spend.AuthSig = authSig

	bindingSK := crypto.SigningKeyFromBytes([32]byte{0x01})
	bindingSig, err := bindingSK.SignBinding(sighash[:])
	require.NoError(t, err)

	return Transaction{Body: body, BindingSig: bindingSig}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tx := buildSampleTransaction(t)

	encoded := Encode(tx)
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.Equal(t, tx.Body.MerkleRoot, decoded.Body.MerkleRoot)
	require.Equal(t, tx.Body.ExpiryHeight, decoded.Body.ExpiryHeight)
	require.Equal(t, tx.Body.ChainID, decoded.Body.ChainID)
	require.Equal(t, tx.Body.Fee, decoded.Body.Fee)
	require.Equal(t, tx.Body.FeeAssetID, decoded.Body.FeeAssetID)
	require.Len(t, decoded.Body.Actions, 2)

	require.Equal(t, tx.Body.SpentNullifiers(), decoded.Body.SpentNullifiers())
	require.Equal(t, tx.Body.NewNoteCommitments(), decoded.Body.NewNoteCommitments())

	gotSpend := decoded.Body.Actions[0].Spend
	wantSpend := tx.Body.Actions[0].Spend
	require.True(t, gotSpend.Body.ValueCommitment.Equal(wantSpend.Body.ValueCommitment))
	require.Equal(t, wantSpend.Body.Proof, gotSpend.Body.Proof)
	require.True(t, gotSpend.Body.RandomizedVK.Point.Equal(&wantSpend.Body.RandomizedVK.Point))
	require.Equal(t, wantSpend.AuthSig.S, gotSpend.AuthSig.S)
	require.True(t, gotSpend.AuthSig.R.Equal(&wantSpend.AuthSig.R))

	gotOutput := decoded.Body.Actions[1].Output
	wantOutput := tx.Body.Actions[1].Output
	require.True(t, gotOutput.Body.ValueCommitment.Equal(wantOutput.Body.ValueCommitment))
	require.Equal(t, wantOutput.Body.EncryptedNote, gotOutput.Body.EncryptedNote)

	require.Equal(t, tx.BindingSig.S, decoded.BindingSig.S)
	require.True(t, decoded.BindingSig.R.Equal(&tx.BindingSig.R))

	require.Equal(t, tx.Body.Sighash(), decoded.Body.Sighash())
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	tx := buildSampleTransaction(t)
	encoded := Encode(tx)

	_, err := Decode(encoded[:len(encoded)-10])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformed)
}
