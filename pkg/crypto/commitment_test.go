package crypto

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"
)

func TestValueConservationHolds(t *testing.T) {
	asset := AssetIDFromDenom("upenumbra")

	var rSpend, rOut1, rOut2 fr.Element
	_, err := rSpend.SetRandom()
	require.NoError(t, err)
	_, err = rOut1.SetRandom()
	require.NoError(t, err)
	_, err = rOut2.SetRandom()
	require.NoError(t, err)

	spendC := NewValueCommitment(1_000_000, asset, rSpend)
	out1C := NewValueCommitment(500_000, asset, rOut1)
	out2C := NewValueCommitment(499_900, asset, rOut2)

	var synthetic fr.Element
	synthetic.Sub(&rSpend, &rOut1)
	synthetic.Sub(&synthetic, &rOut2)

	ok := VerifyValueConservation(
		[]Commitment{spendC},
		[]Commitment{out1C, out2C},
		100,
		asset,
		synthetic,
	)
	require.True(t, ok, "value conservation should hold for balanced spend/output/fee set")
}

func TestValueConservationRejectsImbalance(t *testing.T) {
	asset := AssetIDFromDenom("upenumbra")

	var rSpend, rOut fr.Element
	_, err := rSpend.SetRandom()
	require.NoError(t, err)
	_, err = rOut.SetRandom()
	require.NoError(t, err)

	spendC := NewValueCommitment(100, asset, rSpend)
	outC := NewValueCommitment(99, asset, rOut)

	var synthetic fr.Element
	synthetic.Sub(&rSpend, &rOut)

	ok := VerifyValueConservation([]Commitment{spendC}, []Commitment{outC}, 0, asset, synthetic)
	require.False(t, ok, "100 in, 99 out, 0 fee must not balance")
}

func TestSpendAuthSignRoundTrip(t *testing.T) {
	sk, err := RandomSigningKey()
	require.NoError(t, err)
	vk := sk.VerificationKey()

	msg := []byte("sighash")
	sig, err := sk.Sign(msg)
	require.NoError(t, err)
	require.True(t, Verify(vk, msg, sig))

	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	require.False(t, Verify(vk, tampered, sig))
}

func TestSpendAuthKeyRandomization(t *testing.T) {
	sk, err := RandomSigningKey()
	require.NoError(t, err)
	rho, err := RandomRandomizer()
	require.NoError(t, err)

	rsk := sk.Randomize(rho)
	rvk := rsk.VerificationKey()

	msg := []byte("sighash")
	sig, err := rsk.Sign(msg)
	require.NoError(t, err)
	require.True(t, Verify(rvk, msg, sig))
	require.False(t, Verify(sk.VerificationKey(), msg, sig), "original key must not verify a randomized-key signature")
}

func TestDeriveNullifierIsDeterministicAndUnique(t *testing.T) {
	var key NullifierKey
	copy(key[:], []byte("nullifier-key-material-32-bytes"))

	note, err := NewNote(Value{Amount: 10, AssetID: AssetIDFromDenom("upenumbra")}, Hash{0xAA})
	require.NoError(t, err)
	c := note.Commitment()

	n1 := DeriveNullifier(key, c, 0)
	n2 := DeriveNullifier(key, c, 0)
	require.Equal(t, n1, n2)

	n3 := DeriveNullifier(key, c, 1)
	require.NotEqual(t, n1, n3, "nullifiers at different positions must differ")
}
