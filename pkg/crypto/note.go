package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Note is a shielded UTXO: a value, a destination address, and secret
// randomness (rseed) used to derive its commitment unlinkably.
type Note struct {
	Value   Value
	Address Hash
	Rseed   [32]byte
}

// NewNote samples fresh randomness for a note of the given value and
// destination.
func NewNote(value Value, address Hash) (Note, error) {
	var rseed [32]byte
	if _, err := rand.Read(rseed[:]); err != nil {
		return Note{}, fmt.Errorf("sample note randomness: %w", err)
	}
	return Note{Value: value, Address: address, Rseed: rseed}, nil
}

// Commitment derives the note commitment: a hiding digest of the note's
// contents. Real deployments bind this into the value-commitment group
// element via the proof circuit; since circuit internals are out of scope
// here (SPEC_FULL.md §1), the commitment is a domain-separated hash, which is
// sufficient to exercise the tree/nullifier/verification control flow this
// core specifies.
func (n Note) Commitment() Hash {
	h := sha256.New()
	h.Write([]byte("shielded-core/note-commitment"))
	h.Write(n.Address[:])
	h.Write(n.Rseed[:])
	var amountBytes [8]byte
	binary.BigEndian.PutUint64(amountBytes[:], n.Value.Amount)
	h.Write(amountBytes[:])
	h.Write(n.Value.AssetID[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// NullifierKey is the spender's secret key used to derive nullifiers for
// notes they own, kept distinct from the spend-authorization signing key so
// that revealing a nullifier does not reveal the spend-auth key.
type NullifierKey [32]byte

// DeriveNullifier derives the nullifier for a note at the given tree
// position, unique and unlinkable to the note commitment without knowledge of
// nullifierKey.
//
// Grounded on the reference zkp package's DeriveNullifier: SHA256(key ||
// commitment || position_be).
func DeriveNullifier(key NullifierKey, commitment Hash, position uint64) Hash {
	h := sha256.New()
	h.Write(key[:])
	h.Write(commitment[:])
	var posBytes [8]byte
	binary.BigEndian.PutUint64(posBytes[:], position)
	h.Write(posBytes[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
