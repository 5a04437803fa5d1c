package crypto

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// SigningKey is a spend-authorization or binding signing key: a scalar in the
// bn254 scalar field. Spend-auth keys support randomization (rsk = sk*rho),
// matching the reference protocol's per-spend key randomization.
type SigningKey struct {
	scalar fr.Element
}

// VerificationKey is the public component of a SigningKey: scalar*generator.
type VerificationKey struct {
	Point bn254.G1Affine
}

// Signature is a Schnorr-style signature (R, s) over bn254.
type Signature struct {
	R bn254.G1Affine
	S fr.Element
}

// RandomSigningKey samples a fresh signing key using a CSPRNG.
func RandomSigningKey() (SigningKey, error) {
	var s fr.Element
	if _, err := s.SetRandom(); err != nil {
		return SigningKey{}, fmt.Errorf("sample signing key: %w", err)
	}
	return SigningKey{scalar: s}, nil
}

// SigningKeyFromBytes interprets 32 bytes as a scalar signing key.
func SigningKeyFromBytes(b [32]byte) SigningKey {
	var s fr.Element
	s.SetBytes(b[:])
	return SigningKey{scalar: s}
}

// SigningKeyFromScalar wraps a scalar directly as a signing key, used by the
// transaction builder to turn its accumulated synthetic blinding factor into
// the binding signing key without an intermediate byte round-trip.
func SigningKeyFromScalar(s fr.Element) SigningKey {
	return SigningKey{scalar: s}
}

// Bytes returns the canonical encoding of the signing key scalar.
func (k SigningKey) Bytes() [32]byte {
	return k.scalar.Bytes()
}

// spendAuthGenerator is the basepoint spend-authorization keys and signatures
// are defined over.
func spendAuthGenerator() bn254.G1Affine {
	_, _, g, _ := bn254.Generators()
	return g
}

// bindingGeneratorPoint exposes the commitment blinding generator H for use as
// the binding-signature basepoint, since the binding verification key must
// equal the synthetic blinding factor applied to the same generator the value
// commitments themselves are blinded with.
func bindingGeneratorPoint() bn254.G1Affine {
	return blindingGenerator()
}

// VerificationKey derives the public verification key for a spend-auth
// signing key, vk = sk * G.
func (k SigningKey) VerificationKey() VerificationKey {
	return deriveVerificationKey(k.scalar, spendAuthGenerator())
}

// BindingVerificationKey derives the public verification key for a binding
// signing key (the synthetic blinding factor), vk = sk * H.
func (k SigningKey) BindingVerificationKey() VerificationKey {
	return deriveVerificationKey(k.scalar, bindingGeneratorPoint())
}

func deriveVerificationKey(sk fr.Element, generator bn254.G1Affine) VerificationKey {
	var gJac, vkJac bn254.G1Jac
	gJac.FromAffine(&generator)
	vkJac.ScalarMultiplication(&gJac, sk.BigInt(new(big.Int)))
	var out bn254.G1Affine
	out.FromJacobian(&vkJac)
	return VerificationKey{Point: out}
}

// Randomize derives a randomized spend-auth signing key rsk = sk * rho, matching
// the reference builder's per-spend key randomization used to unlink spends of
// the same note across transactions.
func (k SigningKey) Randomize(rho fr.Element) SigningKey {
	var out fr.Element
	out.Mul(&k.scalar, &rho)
	return SigningKey{scalar: out}
}

// RandomRandomizer samples a fresh spend-auth randomizer rho.
func RandomRandomizer() (fr.Element, error) {
	var rho fr.Element
	if _, err := rho.SetRandom(); err != nil {
		return rho, fmt.Errorf("sample randomizer: %w", err)
	}
	return rho, nil
}

// Sign produces a Schnorr signature over msg using the spend-auth generator.
func (k SigningKey) Sign(msg []byte) (Signature, error) {
	return sign(k.scalar, spendAuthGenerator(), msg)
}

// SignBinding produces a Schnorr signature over msg using the binding
// generator H, used for the per-transaction binding signature.
func (k SigningKey) SignBinding(msg []byte) (Signature, error) {
	return sign(k.scalar, bindingGeneratorPoint(), msg)
}

func sign(sk fr.Element, generator bn254.G1Affine, msg []byte) (Signature, error) {
	var nonce fr.Element
	if _, err := nonce.SetRandom(); err != nil {
		return Signature{}, fmt.Errorf("sample nonce: %w", err)
	}

	var gJac, rJac bn254.G1Jac
	gJac.FromAffine(&generator)
	rJac.ScalarMultiplication(&gJac, nonce.BigInt(new(big.Int)))
	var R bn254.G1Affine
	R.FromJacobian(&rJac)

	vk := deriveVerificationKey(sk, generator)
	c := challenge(R, vk.Point, msg)

	var s fr.Element
	s.Mul(&c, &sk)
	s.Add(&s, &nonce)

	return Signature{R: R, S: s}, nil
}

// Verify checks a spend-auth signature against vk.
func Verify(vk VerificationKey, msg []byte, sig Signature) bool {
	return verify(vk, spendAuthGenerator(), msg, sig)
}

// VerifyBinding checks a binding signature against vk.
func VerifyBinding(vk VerificationKey, msg []byte, sig Signature) bool {
	return verify(vk, bindingGeneratorPoint(), msg, sig)
}

func verify(vk VerificationKey, generator bn254.G1Affine, msg []byte, sig Signature) bool {
	c := challenge(sig.R, vk.Point, msg)

	var gJac, sJac bn254.G1Jac
	gJac.FromAffine(&generator)
	sJac.ScalarMultiplication(&gJac, sig.S.BigInt(new(big.Int)))

	var vkJac bn254.G1Jac
	vkJac.FromAffine(&vk.Point)
	var cVkJac bn254.G1Jac
	cVkJac.ScalarMultiplication(&vkJac, c.BigInt(new(big.Int)))

	var rJac bn254.G1Jac
	rJac.FromAffine(&sig.R)
	rJac.AddAssign(&cVkJac)

	var lhs, rhs bn254.G1Affine
	lhs.FromJacobian(&sJac)
	rhs.FromJacobian(&rJac)
	return lhs.Equal(&rhs)
}

// challenge computes the Fiat-Shamir challenge scalar c = H(R || VK || msg).
func challenge(R, vk bn254.G1Affine, msg []byte) fr.Element {
	h := sha256.New()
	h.Write(R.Marshal())
	h.Write(vk.Marshal())
	h.Write(msg)
	digest := h.Sum(nil)

	var c fr.Element
	c.SetBytes(digest)
	return c
}

// Bytes returns the canonical encoding of the verification key point.
func (vk VerificationKey) Bytes() []byte {
	return vk.Point.Marshal()
}

// Bytes returns the canonical encoding of the signature (R || S). S is
// always a fixed 32-byte scalar encoding; R occupies every byte before it.
func (s Signature) Bytes() []byte {
	rBytes := s.R.Marshal()
	sBytes := s.S.Bytes()
	return append(rBytes, sBytes[:]...)
}

// SignatureFromBytes parses the encoding produced by Signature.Bytes. The
// trailing 32 bytes are always S; everything before that is R, whose
// marshaled length is fixed for a given gnark-crypto version but not assumed
// so by this package - callers that frame this blob on the wire must supply
// its length out of band (see pkg/txn's length-prefixed encoding).
func SignatureFromBytes(b []byte) (Signature, error) {
	const scalarLen = 32
	if len(b) < scalarLen {
		return Signature{}, fmt.Errorf("signature: too short")
	}
	rBytes := b[:len(b)-scalarLen]
	sBytes := b[len(b)-scalarLen:]

	var sig Signature
	if err := sig.R.Unmarshal(rBytes); err != nil {
		return Signature{}, fmt.Errorf("signature: bad R encoding: %w", err)
	}
	sig.S.SetBytes(sBytes)
	return sig, nil
}
