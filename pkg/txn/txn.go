// Package txn defines the shielded transaction wire format: actions, the
// transaction body, and the domain-separated signing digest (sighash) every
// signature on the transaction is taken over.
package txn

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/certen/shielded-node/pkg/crypto"
)

// ActionTag distinguishes the two action kinds on the wire.
type ActionTag uint8

const (
	ActionSpend  ActionTag = 0
	ActionOutput ActionTag = 1
)

// SpendBody carries everything needed to verify a note is being spent
// without revealing which note it is.
type SpendBody struct {
	Nullifier         crypto.Hash
	RandomizedVK      crypto.VerificationKey
	ValueCommitment   crypto.Commitment
	Anchor            [32]byte
	Proof             []byte // opaque; circuit verification is out of scope
}

// Spend is a Spend action: a SpendBody plus its authorization signature.
type Spend struct {
	Body    SpendBody
	AuthSig crypto.Signature
}

// OutputBody carries a newly created note's public material.
type OutputBody struct {
	NoteCommitment  crypto.Hash
	EphemeralPublic [32]byte
	EncryptedNote   []byte
	ValueCommitment crypto.Commitment
}

// Output is an Output action.
type Output struct {
	Body          OutputBody
	EncryptedMemo []byte
	OVKWrappedKey []byte
}

// Action is a tagged Spend or Output. Exactly one of Spend/Output is set,
// selected by Tag.
type Action struct {
	Tag    ActionTag
	Spend  *Spend
	Output *Output
}

// Body is the unsigned transaction body.
type Body struct {
	Actions       []Action
	MerkleRoot    [32]byte
	ExpiryHeight  uint64
	ChainID       string
	Fee           uint64
	FeeAssetID    crypto.Hash
}

// Transaction is a finalized, signed shielded transaction.
type Transaction struct {
	Body           Body
	BindingSig     crypto.Signature
}

// Sighash computes the 64-byte domain-separated digest every signature on the
// transaction is taken over. It is computed over the canonical encoding of
// the body with every spend's authorization signature left out, so that
// signing the sighash never signs a signature.
func (b Body) Sighash() [64]byte {
	h, err := blake2b.New512([]byte("shielded-core/sighash"))
	if err != nil {
		// Only returns an error for an over-long key, which the fixed
		// personalization string above never triggers.
		panic(fmt.Sprintf("sighash: %v", err))
	}
	h.Write(b.encodeZeroedSigs())
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// encodeZeroedSigs canonically encodes the body with every action's
// signature-bearing field zeroed, so the encoding used for signing never
// includes the signatures it is used to produce.
func (b Body) encodeZeroedSigs() []byte {
	var buf bytes.Buffer

	writeUint64(&buf, uint64(len(b.Actions)))
	for _, a := range b.Actions {
		buf.WriteByte(byte(a.Tag))
		switch a.Tag {
		case ActionSpend:
			sp := a.Spend
			buf.Write(sp.Body.Nullifier[:])
			writeBytes(&buf, sp.Body.RandomizedVK.Bytes())
			writeBytes(&buf, sp.Body.ValueCommitment.Bytes())
			buf.Write(sp.Body.Anchor[:])
			writeUint64(&buf, uint64(len(sp.Body.Proof)))
			buf.Write(sp.Body.Proof)
			// AuthSig intentionally excluded: it is signed over this digest.
		case ActionOutput:
			out := a.Output
			buf.Write(out.Body.NoteCommitment[:])
			buf.Write(out.Body.EphemeralPublic[:])
			writeUint64(&buf, uint64(len(out.Body.EncryptedNote)))
			buf.Write(out.Body.EncryptedNote)
			writeBytes(&buf, out.Body.ValueCommitment.Bytes())
			writeUint64(&buf, uint64(len(out.EncryptedMemo)))
			buf.Write(out.EncryptedMemo)
			writeUint64(&buf, uint64(len(out.OVKWrappedKey)))
			buf.Write(out.OVKWrappedKey)
		}
	}

	buf.Write(b.MerkleRoot[:])
	writeUint64(&buf, b.ExpiryHeight)
	writeUint64(&buf, uint64(len(b.ChainID)))
	buf.WriteString(b.ChainID)
	writeUint64(&buf, b.Fee)
	buf.Write(b.FeeAssetID[:])

	return buf.Bytes()
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// writeBytes writes a length-prefixed blob; curve point encodings are not
// fixed-size across gnark-crypto's Marshal implementations, so every
// point/signature field on the wire is framed rather than assumed constant.
func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

// SpentNullifiers returns every nullifier revealed by this body's spends.
func (b Body) SpentNullifiers() []crypto.Hash {
	out := make([]crypto.Hash, 0, len(b.Actions))
	for _, a := range b.Actions {
		if a.Tag == ActionSpend {
			out = append(out, a.Spend.Body.Nullifier)
		}
	}
	return out
}

// NewNoteCommitments returns every note commitment this body's outputs
// introduce, in action order.
func (b Body) NewNoteCommitments() []crypto.Hash {
	out := make([]crypto.Hash, 0, len(b.Actions))
	for _, a := range b.Actions {
		if a.Tag == ActionOutput {
			out = append(out, a.Output.Body.NoteCommitment)
		}
	}
	return out
}

// ValueCommitments returns the value commitments of this body's spends and
// outputs separately, for stateless balance verification.
func (b Body) ValueCommitments() (spends, outputs []crypto.Commitment) {
	for _, a := range b.Actions {
		switch a.Tag {
		case ActionSpend:
			spends = append(spends, a.Spend.Body.ValueCommitment)
		case ActionOutput:
			outputs = append(outputs, a.Output.Body.ValueCommitment)
		}
	}
	return spends, outputs
}
