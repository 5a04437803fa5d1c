// Package builder implements the transaction builder: it assembles spends
// and outputs into a well-formed, value-balanced, signed transaction,
// mirroring the reference protocol's chained Builder (add_spend,
// add_output, set_fee, set_chain_id, finalize).
package builder

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/txn"
)

// Errors returned by Finalize when a required precondition isn't met.
var (
	ErrNoChainID           = fmt.Errorf("builder: chain id not set")
	ErrFeeNotSet           = fmt.Errorf("builder: fee not set")
	ErrNonZeroValueBalance = fmt.Errorf("builder: spends and outputs do not balance")
)

// spendEntry pairs a spend body with the randomized signing key that will
// sign it once the sighash is known, deferring signing until the whole
// transaction body is fixed.
type spendEntry struct {
	rsk  crypto.SigningKey
	body txn.SpendBody
}

// Builder accumulates spends and outputs for a single shielded transaction.
// The zero value is not usable; construct with New.
type Builder struct {
	spends  []spendEntry
	outputs []*txn.Output

	fee        *uint64
	feeAssetID crypto.Hash

	// syntheticBlindingFactor is the running sum of blinding factors: +v for
	// each spend, -v for each output and the fee.
	syntheticBlindingFactor fr.Element

	// valueCommitments is the running sum of blinded value commitments,
	// used to cross-check the binding verification key at Finalize.
	valueCommitments   crypto.Commitment
	haveValueCommitment bool

	// valueBalance is the running sum of unblinded value (amount*G_asset),
	// which must be exactly zero for a balanced transaction.
	valueBalance   crypto.Commitment
	haveValueBalance bool

	merkleRoot   [32]byte
	expiryHeight uint64
	chainID      *string
}

// New returns an empty Builder citing merkleRoot as the note commitment tree
// root every spend's anchor will ultimately be checked against.
func New(merkleRoot merkletree.Hash) *Builder {
	return &Builder{merkleRoot: [32]byte(merkleRoot)}
}

// fr0 returns the zero scalar, used wherever a commitment or signing key is
// deliberately left unblinded (genesis outputs, the fee's implicit output).
func fr0() fr.Element {
	return fr.Element{}
}

func randomScalar() (fr.Element, error) {
	var s fr.Element
	if _, err := s.SetRandom(); err != nil {
		return s, fmt.Errorf("sample blinding factor: %w", err)
	}
	return s, nil
}

func (b *Builder) addToValueBalance(amount uint64, assetID crypto.Hash, negate bool) {
	var zero fr.Element
	term := crypto.NewValueCommitment(amount, assetID, zero)
	if negate {
		term = term.Neg()
	}
	if !b.haveValueBalance {
		b.valueBalance = term
		b.haveValueBalance = true
		return
	}
	b.valueBalance = b.valueBalance.Add(term)
}

func (b *Builder) addToValueCommitments(c crypto.Commitment, negate bool) {
	if negate {
		c = c.Neg()
	}
	if !b.haveValueCommitment {
		b.valueCommitments = c
		b.haveValueCommitment = true
		return
	}
	b.valueCommitments = b.valueCommitments.Add(c)
}

// AddSpend adds a spend of note at the given tree position, citing anchor
// as the root it was generated against. spendAuthKey is the note owner's (unrandomized) spend-auth
// signing key; it is randomized per spend to unlink repeated spends of the
// same note across transactions. The spend's proof is left to a
// ProofVerifier-pluggable pipeline (pkg/verify) to check; since circuit
// internals are out of scope, proof is an opaque, non-empty placeholder.
func (b *Builder) AddSpend(spendAuthKey crypto.SigningKey, nullifierKey crypto.NullifierKey, note crypto.Note, position uint64, anchor [32]byte) error {
	vBlinding, err := randomScalar()
	if err != nil {
		return err
	}
	valueCommitment := crypto.NewValueCommitment(note.Value.Amount, note.Value.AssetID, vBlinding)

	b.syntheticBlindingFactor.Add(&b.syntheticBlindingFactor, &vBlinding)
	b.addToValueBalance(note.Value.Amount, note.Value.AssetID, false)
	b.addToValueCommitments(valueCommitment, false)

	randomizer, err := crypto.RandomRandomizer()
	if err != nil {
		return fmt.Errorf("sample spend-auth randomizer: %w", err)
	}
	rsk := spendAuthKey.Randomize(randomizer)
	rvk := rsk.VerificationKey()

	nullifier := crypto.DeriveNullifier(nullifierKey, note.Commitment(), position)

	body := txn.SpendBody{
		Nullifier:       nullifier,
		RandomizedVK:    rvk,
		ValueCommitment: valueCommitment,
		Anchor:          anchor,
		Proof:           []byte{0x01}, // opaque stand-in; see pkg/verify.ProofVerifier
	}

	b.spends = append(b.spends, spendEntry{rsk: rsk, body: body})
	return nil
}

// AddOutput creates a new note paying value to dest and adds its Output
// action, returning the generated note so the caller can deliver it to the
// recipient out of band. Note encryption/key-wrapping are out of scope
// (SPEC_FULL.md §1); the encrypted fields carry opaque placeholders of the
// right shape so the wire format and pipeline are fully exercised.
func (b *Builder) AddOutput(dest crypto.Hash, value crypto.Value, memo []byte) (crypto.Note, error) {
	note, err := crypto.NewNote(value, dest)
	if err != nil {
		return crypto.Note{}, err
	}

	vBlinding, err := randomScalar()
	if err != nil {
		return crypto.Note{}, err
	}
	valueCommitment := crypto.NewValueCommitment(value.Amount, value.AssetID, vBlinding)

	b.syntheticBlindingFactor.Sub(&b.syntheticBlindingFactor, &vBlinding)
	b.addToValueBalance(value.Amount, value.AssetID, true)
	b.addToValueCommitments(valueCommitment, true)

	var ephemeralPublic [32]byte
	if _, err := rand.Read(ephemeralPublic[:]); err != nil {
		return crypto.Note{}, fmt.Errorf("sample ephemeral key: %w", err)
	}

	out := &txn.Output{
		Body: txn.OutputBody{
			NoteCommitment:  note.Commitment(),
			EphemeralPublic: ephemeralPublic,
			EncryptedNote:   encodePlaceholderNote(note),
			ValueCommitment: valueCommitment,
		},
		EncryptedMemo: append([]byte{}, memo...),
		OVKWrappedKey: []byte{0x01},
	}
	b.outputs = append(b.outputs, out)

	return note, nil
}

// encodePlaceholderNote stands in for note encryption: circuit and key
// agreement internals are out of scope, but the pipeline still needs a
// deterministic, non-empty payload to carry on the wire.
func encodePlaceholderNote(note crypto.Note) []byte {
	out := make([]byte, 0, 8+32+32)
	var amount [8]byte
	for i := 0; i < 8; i++ {
		amount[i] = byte(note.Value.Amount >> uint(8*(7-i)))
	}
	out = append(out, amount[:]...)
	out = append(out, note.Value.AssetID[:]...)
	out = append(out, note.Rseed[:]...)
	return out
}

// SetFee fixes the transaction fee, denominated in feeAssetID. The fee is
// treated as an implicit output with zero blinding.
func (b *Builder) SetFee(fee uint64, feeAssetID crypto.Hash) {
	var zero fr.Element
	feeCommitment := crypto.NewValueCommitment(fee, feeAssetID, zero)

	b.addToValueBalance(fee, feeAssetID, true)
	b.addToValueCommitments(feeCommitment, true)

	b.fee = &fee
	b.feeAssetID = feeAssetID
}

// SetExpiryHeight sets the block height after which the transaction is no
// longer valid.
func (b *Builder) SetExpiryHeight(h uint64) {
	b.expiryHeight = h
}

// SetChainID sets the chain id the transaction is bound to.
func (b *Builder) SetChainID(id string) {
	b.chainID = &id
}

// Finalize produces the signed transaction: it shuffles spends and outputs
// independently to avoid leaking action-order metadata, fixes the action
// list spends-first, computes the sighash over the body with every
// signature field zeroed, signs each spend and the transaction as a whole,
// and returns the result.
func (b *Builder) Finalize() (txn.Transaction, error) {
	if b.chainID == nil {
		return txn.Transaction{}, ErrNoChainID
	}
	if b.fee == nil {
		return txn.Transaction{}, ErrFeeNotSet
	}
	if !b.haveValueBalance || !b.valueBalance.IsZero() {
		return txn.Transaction{}, ErrNonZeroValueBalance
	}

	spends := append([]spendEntry{}, b.spends...)
	outputs := append([]*txn.Output{}, b.outputs...)
	if err := shuffleSpends(spends); err != nil {
		return txn.Transaction{}, err
	}
	if err := shuffleOutputs(outputs); err != nil {
		return txn.Transaction{}, err
	}

	actions := make([]txn.Action, 0, len(spends)+len(outputs))
	spendActions := make([]*txn.Spend, 0, len(spends))
	for _, se := range spends {
		sp := &txn.Spend{Body: se.body}
		spendActions = append(spendActions, sp)
		actions = append(actions, txn.Action{Tag: txn.ActionSpend, Spend: sp})
	}
	for _, out := range outputs {
		actions = append(actions, txn.Action{Tag: txn.ActionOutput, Output: out})
	}

	body := txn.Body{
		Actions:      actions,
		MerkleRoot:   b.merkleRoot,
		ExpiryHeight: b.expiryHeight,
		ChainID:      *b.chainID,
		Fee:          *b.fee,
		FeeAssetID:   b.feeAssetID,
	}

	sighash := body.Sighash()

	for i, se := range spends {
		sig, err := se.rsk.Sign(sighash[:])
		if err != nil {
			return txn.Transaction{}, fmt.Errorf("sign spend %d: %w", i, err)
		}
		spendActions[i].AuthSig = sig
	}

	bindingSig, err := b.computeBindingSig(sighash)
	if err != nil {
		return txn.Transaction{}, err
	}

	return txn.Transaction{Body: body, BindingSig: bindingSig}, nil
}

// computeBindingSig derives the binding signing key from the accumulated
// synthetic blinding factor, asserts that its verification key matches the
// running sum of value commitments (the value-balance invariant restated in
// the commitment group), and signs the sighash with it.
func (b *Builder) computeBindingSig(sighash [64]byte) (crypto.Signature, error) {
	bindingKey := crypto.SigningKeyFromScalar(b.syntheticBlindingFactor)
	bindingVK := bindingKey.BindingVerificationKey()

	var computed crypto.Commitment
	if b.haveValueCommitment {
		computed = b.valueCommitments
	}
	asCommitment := crypto.Commitment{Point: bindingVK.Point}
	if !asCommitment.Equal(computed) {
		panic("builder: binding verification key does not match value commitments (internal invariant violated)")
	}

	return bindingKey.SignBinding(sighash[:])
}

// shuffleSpends randomizes spend order using crypto/rand, so action ordering
// cannot be used to correlate spends within a transaction.
func shuffleSpends(s []spendEntry) error {
	for i := len(s) - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return err
		}
		s[i], s[j] = s[j], s[i]
	}
	return nil
}

// shuffleOutputs randomizes output order using crypto/rand, independently of
// spend order.
func shuffleOutputs(s []*txn.Output) error {
	for i := len(s) - 1; i > 0; i-- {
		j, err := randomIndex(i + 1)
		if err != nil {
			return err
		}
		s[i], s[j] = s[j], s[i]
	}
	return nil
}

func randomIndex(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("builder: shuffle randomness: %w", err)
	}
	return int(v.Int64()), nil
}
