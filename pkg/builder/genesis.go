package builder

import (
	"fmt"

	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/txn"
)

// GenesisAllocation is a single genesis-time balance: an amount of an asset,
// identified by denom, assigned to a shielded address.
type GenesisAllocation struct {
	Dest  crypto.Hash
	Value crypto.Value
	Denom string
}

// GenesisBuilder assembles the genesis transaction: one output per
// allocation, with no spends and no fee, since genesis mints value into
// existence rather than moving it between existing notes. It is a distinct
// mode from Builder because Builder's Finalize enforces a zero value
// balance, which a minting transaction must not satisfy.
type GenesisBuilder struct {
	merkleRoot [32]byte
	chainID    string
	outputs    []*txn.Output
}

// NewGenesisBuilder returns a GenesisBuilder for chainID, citing merkleRoot
// (ordinarily the empty tree's root) as the transaction's anchor.
func NewGenesisBuilder(chainID string, merkleRoot [32]byte) *GenesisBuilder {
	return &GenesisBuilder{chainID: chainID, merkleRoot: merkleRoot}
}

// AddAllocation adds one output minting alloc's value to its destination,
// records the allocation's denom in registry under its asset id, and
// returns the generated note.
func (g *GenesisBuilder) AddAllocation(alloc GenesisAllocation, registry map[crypto.Hash]string) (crypto.Note, error) {
	assetID := crypto.AssetIDFromDenom(alloc.Denom)
	value := crypto.Value{Amount: alloc.Value.Amount, AssetID: assetID}

	note, err := crypto.NewNote(value, alloc.Dest)
	if err != nil {
		return crypto.Note{}, fmt.Errorf("genesis allocation: %w", err)
	}

	var ephemeralPublic [32]byte // no key agreement needed for genesis outputs
	out := &txn.Output{
		Body: txn.OutputBody{
			NoteCommitment:  note.Commitment(),
			EphemeralPublic: ephemeralPublic,
			EncryptedNote:   encodePlaceholderNote(note),
			ValueCommitment: crypto.NewValueCommitment(value.Amount, value.AssetID, fr0()),
		},
	}
	g.outputs = append(g.outputs, out)

	if registry != nil {
		registry[assetID] = alloc.Denom
	}

	return note, nil
}

// Finalize assembles the genesis transaction. Unlike Builder.Finalize, it
// does not require a balanced value balance or a fee, and its binding
// signature is taken over a zero synthetic blinding factor since every
// output here uses zero blinding.
func (g *GenesisBuilder) Finalize() (txn.Transaction, error) {
	actions := make([]txn.Action, 0, len(g.outputs))
	for _, out := range g.outputs {
		actions = append(actions, txn.Action{Tag: txn.ActionOutput, Output: out})
	}

	body := txn.Body{
		Actions:    actions,
		MerkleRoot: g.merkleRoot,
		ChainID:    g.chainID,
	}

	sighash := body.Sighash()
	bindingKey := crypto.SigningKeyFromScalar(fr0())
	bindingSig, err := bindingKey.SignBinding(sighash[:])
	if err != nil {
		return txn.Transaction{}, fmt.Errorf("genesis: sign binding sig: %w", err)
	}

	return txn.Transaction{Body: body, BindingSig: bindingSig}, nil
}
