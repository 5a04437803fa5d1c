// Package crypto provides the shielded-value primitives shared by the transaction
// builder, verification pipeline, and block state machine: value commitments,
// spend-authorization and binding signatures, and note/nullifier derivation.
package crypto

import (
	"crypto/sha256"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Hash is a 32-byte digest used throughout the core for asset ids, addresses,
// note commitments, and nullifiers.
type Hash [32]byte

func (h Hash) Bytes() []byte { return h[:] }

// Value is an amount of a given asset.
type Value struct {
	Amount  uint64
	AssetID Hash
}

var (
	generatorH bn254.G1Affine
	hOnce      sync.Once

	assetGenMu    sync.Mutex
	assetGenCache = map[Hash]bn254.G1Affine{}
)

// blindingGenerator returns the fixed generator H used for commitment blinding.
// It is derived once, deterministically, by hashing a domain-separation tag to
// a curve point - the same "hash a tag to a point" approach the reference
// node's zkp package uses for its own generator, applied to bn254.
func blindingGenerator() bn254.G1Affine {
	hOnce.Do(func() {
		generatorH = hashToG1([]byte("shielded-core/value-commitment/H"))
	})
	return generatorH
}

// assetGenerator derives the per-asset generator G_asset, caching results since
// the same asset id is looked up repeatedly within a block.
func assetGenerator(assetID Hash) bn254.G1Affine {
	assetGenMu.Lock()
	defer assetGenMu.Unlock()
	if g, ok := assetGenCache[assetID]; ok {
		return g
	}
	g := hashToG1(append([]byte("shielded-core/value-commitment/G/"), assetID[:]...))
	assetGenCache[assetID] = g
	return g
}

// hashToG1 maps an arbitrary tag to a curve point by hashing it to a scalar
// and multiplying the curve's canonical generator by it. This is a simplified
// hash-to-curve suitable for fixed, public generators; it does not attempt to
// hide a discrete-log relationship between arbitrary inputs at cryptographic
// strength, matching the reference zkp package's own documented simplification
// for its generator derivation.
func hashToG1(tag []byte) bn254.G1Affine {
	_, _, g1Gen, _ := bn254.Generators()
	digest := sha256.Sum256(tag)
	var scalar fr.Element
	scalar.SetBytes(digest[:])

	var p bn254.G1Jac
	p.FromAffine(&g1Gen)
	p.ScalarMultiplication(&p, scalar.BigInt(new(big.Int)))

	var affine bn254.G1Affine
	affine.FromJacobian(&p)
	return affine
}

// Commitment is a Pedersen commitment to a signed value over a fixed generator
// pair (G_asset, H): C = v*G_asset + r*H.
type Commitment struct {
	Point bn254.G1Affine
}

// NewValueCommitment computes the commitment to amount under assetID with
// blinding factor r.
func NewValueCommitment(amount uint64, assetID Hash, r fr.Element) Commitment {
	g := assetGenerator(assetID)
	h := blindingGenerator()

	var v fr.Element
	v.SetUint64(amount)

	var gJac, hJac bn254.G1Jac
	gJac.FromAffine(&g)
	hJac.FromAffine(&h)

	var vG, rH bn254.G1Jac
	vG.ScalarMultiplication(&gJac, v.BigInt(new(big.Int)))
	rH.ScalarMultiplication(&hJac, r.BigInt(new(big.Int)))
	vG.AddAssign(&rH)

	var out bn254.G1Affine
	out.FromJacobian(&vG)
	return Commitment{Point: out}
}

// Add returns the homomorphic sum c + other.
func (c Commitment) Add(other Commitment) Commitment {
	var a, b bn254.G1Jac
	a.FromAffine(&c.Point)
	b.FromAffine(&other.Point)
	a.AddAssign(&b)
	var out bn254.G1Affine
	out.FromJacobian(&a)
	return Commitment{Point: out}
}

// Neg returns the additive inverse of c.
func (c Commitment) Neg() Commitment {
	var out bn254.G1Affine
	out.Neg(&c.Point)
	return Commitment{Point: out}
}

// Sub returns c - other.
func (c Commitment) Sub(other Commitment) Commitment {
	return c.Add(other.Neg())
}

// IsZero reports whether the commitment is the group identity.
func (c Commitment) IsZero() bool {
	return c.Point.IsInfinity()
}

// Equal reports whether two commitments are to the same curve point.
func (c Commitment) Equal(other Commitment) bool {
	return c.Point.Equal(&other.Point)
}

// Bytes returns the canonical encoding of the commitment point.
func (c Commitment) Bytes() []byte {
	return c.Point.Marshal()
}

// CommitmentFromBytes reconstructs a commitment from its canonical encoding.
func CommitmentFromBytes(data []byte) (Commitment, error) {
	var c Commitment
	if err := c.Point.Unmarshal(data); err != nil {
		return Commitment{}, err
	}
	return c, nil
}

// sumCommitments folds a list of commitments, starting from the group
// identity, applying op (Add for inputs, Sub for outputs) to each.
func sumCommitments(start Commitment, haveStart bool, cs []Commitment, op func(Commitment, Commitment) Commitment) (Commitment, bool) {
	sum := start
	have := haveStart
	for _, c := range cs {
		if !have {
			sum = c
			have = true
			continue
		}
		sum = op(sum, c)
	}
	return sum, have
}

// VerifyValueConservation checks that
//
//	Σ inputCommitments - Σ outputCommitments - fee*G_feeAsset == synthetic_blinding*H
//
// i.e. that the net value balance (excluding blinding) is exactly zero.
func VerifyValueConservation(inputs, outputs []Commitment, fee uint64, feeAsset Hash, syntheticBlinding fr.Element) bool {
	sum, have := sumCommitments(Commitment{}, false, inputs, Commitment.Add)

	for _, c := range outputs {
		if !have {
			sum = c.Neg()
			have = true
			continue
		}
		sum = sum.Sub(c)
	}

	if fee > 0 {
		var zero fr.Element
		feeCommit := NewValueCommitment(fee, feeAsset, zero)
		if !have {
			sum = feeCommit.Neg()
			have = true
		} else {
			sum = sum.Sub(feeCommit)
		}
	}

	if !have {
		// No inputs, outputs, or fee at all: balance trivially holds iff the
		// blinding factor is also zero.
		return syntheticBlinding.IsZero()
	}

	expected := NewValueCommitment(0, feeAsset, syntheticBlinding)
	return sum.Equal(Commitment{Point: expected.Point})
}

// AssetIDFromDenom derives a stable asset id from a denomination string, used
// by genesis processing and the fee-asset parameterization (SPEC_FULL.md §9).
func AssetIDFromDenom(denom string) Hash {
	return sha256.Sum256(append([]byte("shielded-core/asset/"), []byte(denom)...))
}
