package txn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/certen/shielded-node/pkg/crypto"
)

// ErrMalformed is wrapped by every decode error, surfaced to CheckTx/DeliverTx
// as a code-1 failure (SPEC_FULL.md §7, decode errors).
var ErrMalformed = fmt.Errorf("txn: malformed transaction bytes")

// Encode serializes a Transaction to its length-prefixed wire form.
func Encode(tx Transaction) []byte {
	var buf bytes.Buffer
	buf.Write(tx.Body.encodeZeroedSigs()) // reuses the body encoder

	// Append the real auth_sigs and binding signature after the zeroed-sig
	// body encoding, so decode can split body-shape from signatures.
	writeUint64(&buf, uint64(len(tx.Body.Actions)))
	for _, a := range tx.Body.Actions {
		if a.Tag == ActionSpend {
			writeBytes(&buf, a.Spend.AuthSig.Bytes())
		}
	}
	writeBytes(&buf, tx.BindingSig.Bytes())

	framed := make([]byte, 0, buf.Len()+8)
	lenBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBuf, uint64(buf.Len()))
	framed = append(framed, lenBuf...)
	framed = append(framed, buf.Bytes()...)
	return framed
}

// Decode parses a Transaction from its wire form produced by Encode. Because
// the zeroed-sig body encoding is not self-describing about action kinds'
// exact byte boundaries without replaying the same structural decisions as
// encodeZeroedSigs, Decode walks the same structure directly from the
// buffered reader rather than re-deriving it from the zeroed encoding.
func Decode(data []byte) (Transaction, error) {
	if len(data) < 8 {
		return Transaction{}, fmt.Errorf("%w: too short", ErrMalformed)
	}
	frameLen := binary.BigEndian.Uint64(data[:8])
	body := data[8:]
	if uint64(len(body)) < frameLen {
		return Transaction{}, fmt.Errorf("%w: truncated frame", ErrMalformed)
	}

	r := bytes.NewReader(body)
	tx := Transaction{}

	numActions, err := readUint64(r)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: action count: %v", ErrMalformed, err)
	}
	const maxActions = 1 << 16
	if numActions > maxActions {
		return Transaction{}, fmt.Errorf("%w: implausible action count %d", ErrMalformed, numActions)
	}

	tags := make([]ActionTag, 0, numActions)
	actions := make([]Action, 0, numActions)
	for i := uint64(0); i < numActions; i++ {
		tagByte, err := r.ReadByte()
		if err != nil {
			return Transaction{}, fmt.Errorf("%w: action tag: %v", ErrMalformed, err)
		}
		tag := ActionTag(tagByte)
		switch tag {
		case ActionSpend:
			sp, err := decodeSpendBody(r)
			if err != nil {
				return Transaction{}, err
			}
			actions = append(actions, Action{Tag: ActionSpend, Spend: &Spend{Body: sp}})
		case ActionOutput:
			out, err := decodeOutput(r)
			if err != nil {
				return Transaction{}, err
			}
			actions = append(actions, Action{Tag: ActionOutput, Output: out})
		default:
			return Transaction{}, fmt.Errorf("%w: unknown action tag %d", ErrMalformed, tagByte)
		}
		tags = append(tags, tag)
	}

	if _, err := io.ReadFull(r, tx.Body.MerkleRoot[:]); err != nil {
		return Transaction{}, fmt.Errorf("%w: merkle root: %v", ErrMalformed, err)
	}
	tx.Body.ExpiryHeight, err = readUint64(r)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: expiry height: %v", ErrMalformed, err)
	}
	chainIDBytes, err := readBytes(r, maxChainIDLen)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: chain id: %v", ErrMalformed, err)
	}
	tx.Body.ChainID = string(chainIDBytes)
	tx.Body.Fee, err = readUint64(r)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: fee: %v", ErrMalformed, err)
	}
	if _, err := io.ReadFull(r, tx.Body.FeeAssetID[:]); err != nil {
		return Transaction{}, fmt.Errorf("%w: fee asset id: %v", ErrMalformed, err)
	}

	// Trailing auth sigs + binding sig, re-declared action count for framing
	// symmetry with Encode.
	again, err := readUint64(r)
	if err != nil || again != numActions {
		return Transaction{}, fmt.Errorf("%w: trailing action count mismatch", ErrMalformed)
	}
	for i := range actions {
		if tags[i] != ActionSpend {
			continue
		}
		sig, err := decodeSignature(r)
		if err != nil {
			return Transaction{}, fmt.Errorf("%w: spend auth sig: %v", ErrMalformed, err)
		}
		actions[i].Spend.AuthSig = sig
	}
	bindSig, err := decodeSignature(r)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: binding sig: %v", ErrMalformed, err)
	}
	tx.BindingSig = bindSig
	tx.Body.Actions = actions

	return tx, nil
}

const (
	maxChainIDLen   = 256
	maxProofLen     = 1 << 20
	maxNoteLen      = 1 << 16
	maxPointLen     = 256
	maxSignatureLen = 256
)

func decodeSpendBody(r *bytes.Reader) (SpendBody, error) {
	var sp SpendBody
	if _, err := io.ReadFull(r, sp.Nullifier[:]); err != nil {
		return sp, fmt.Errorf("%w: nullifier: %v", ErrMalformed, err)
	}
	vkBytes, err := readBytes(r, maxPointLen)
	if err != nil {
		return sp, fmt.Errorf("%w: verification key: %v", ErrMalformed, err)
	}
	if err := sp.RandomizedVK.Point.Unmarshal(vkBytes); err != nil {
		return sp, fmt.Errorf("%w: verification key encoding: %v", ErrMalformed, err)
	}
	commit, err := decodeCommitment(r)
	if err != nil {
		return sp, err
	}
	sp.ValueCommitment = commit
	if _, err := io.ReadFull(r, sp.Anchor[:]); err != nil {
		return sp, fmt.Errorf("%w: anchor: %v", ErrMalformed, err)
	}
	proof, err := readBytes(r, maxProofLen)
	if err != nil {
		return sp, fmt.Errorf("%w: proof: %v", ErrMalformed, err)
	}
	sp.Proof = proof
	return sp, nil
}

func decodeOutput(r *bytes.Reader) (*Output, error) {
	var out OutputBody
	if _, err := io.ReadFull(r, out.NoteCommitment[:]); err != nil {
		return nil, fmt.Errorf("%w: note commitment: %v", ErrMalformed, err)
	}
	if _, err := io.ReadFull(r, out.EphemeralPublic[:]); err != nil {
		return nil, fmt.Errorf("%w: ephemeral public: %v", ErrMalformed, err)
	}
	encryptedNote, err := readBytes(r, maxNoteLen)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted note: %v", ErrMalformed, err)
	}
	out.EncryptedNote = encryptedNote
	commit, err := decodeCommitment(r)
	if err != nil {
		return nil, err
	}
	out.ValueCommitment = commit

	memo, err := readBytes(r, maxNoteLen)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted memo: %v", ErrMalformed, err)
	}
	wrappedKey, err := readBytes(r, maxNoteLen)
	if err != nil {
		return nil, fmt.Errorf("%w: ovk wrapped key: %v", ErrMalformed, err)
	}

	return &Output{Body: out, EncryptedMemo: memo, OVKWrappedKey: wrappedKey}, nil
}

func decodeCommitment(r *bytes.Reader) (crypto.Commitment, error) {
	b, err := readBytes(r, maxPointLen)
	if err != nil {
		return crypto.Commitment{}, fmt.Errorf("%w: commitment: %v", ErrMalformed, err)
	}
	var p bn254.G1Affine
	if err := p.Unmarshal(b); err != nil {
		return crypto.Commitment{}, fmt.Errorf("%w: commitment encoding: %v", ErrMalformed, err)
	}
	return crypto.Commitment{Point: p}, nil
}

func decodeSignature(r *bytes.Reader) (crypto.Signature, error) {
	b, err := readBytes(r, maxSignatureLen)
	if err != nil {
		return crypto.Signature{}, err
	}
	return crypto.SignatureFromBytes(b)
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// readBytes reads a length-prefixed blob, rejecting implausibly large
// lengths so a corrupt or hostile length field cannot force an
// out-of-memory allocation.
func readBytes(r *bytes.Reader, max uint64) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, fmt.Errorf("implausible length %d (max %d)", n, max)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
