// Package abciapp wires the transaction builder's counterpart - the
// verification pipeline, the pending block, and the state store - into a
// single abcitypes.Application, the block state machine described by the
// node's consensus-facing contract. It owns every piece of state that
// changes within a block (the pending block, the mempool nullifier set) and
// delegates durable state to a state.Store implementation.
package abciapp

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmted25519 "github.com/cometbft/cometbft/crypto/ed25519"
	cryptoproto "github.com/cometbft/cometbft/proto/tendermint/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/certen/shielded-node/pkg/builder"
	"github.com/certen/shielded-node/pkg/crypto"
	"github.com/certen/shielded-node/pkg/epoch"
	"github.com/certen/shielded-node/pkg/merkletree"
	"github.com/certen/shielded-node/pkg/nullifier"
	"github.com/certen/shielded-node/pkg/pendingblock"
	"github.com/certen/shielded-node/pkg/sequencer"
	"github.com/certen/shielded-node/pkg/state"
	"github.com/certen/shielded-node/pkg/txn"
	"github.com/certen/shielded-node/pkg/verify"
)

// TODO: wire ValidatorUpdates into FinalizeBlockResponse once a
// validator-rotation policy exists; until then the validator set is fixed
// at genesis.

// Application implements abcitypes.Application, the consensus-facing
// surface of the block state machine.
type Application struct {
	mu sync.RWMutex

	store         state.Store
	proofVerifier verify.ProofVerifier
	logger        *log.Logger
	chainID       string
	epochDuration uint64

	tree          *merkletree.Tree
	recentAnchors []crypto.Hash
	assets        map[crypto.Hash]string

	mempoolNullifiers   *nullifier.Mempool
	committedNullifiers *nullifier.Committed

	pending *pendingblock.PendingBlock

	latestHeight int64
	lastAppHash  []byte

	sequencer *sequencer.Sequencer

	deliveredTxs  prometheus.Counter
	epochBoundary prometheus.Gauge
}

// New constructs an Application, restoring the note commitment tree, recent
// anchors and genesis-derived epoch duration from store.
func New(ctx context.Context, store state.Store, proofVerifier verify.ProofVerifier, logger *log.Logger) (*Application, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[abciapp] ", log.LstdFlags)
	}

	tree, err := store.NoteCommitmentTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("abciapp: load note commitment tree: %w", err)
	}

	anchors, err := store.RecentAnchors(ctx, state.RecentAnchorsWindow)
	if err != nil {
		return nil, fmt.Errorf("abciapp: load recent anchors: %w", err)
	}

	var chainID string
	var epochDuration uint64
	cfg, err := store.GenesisConfiguration(ctx)
	if err != nil {
		return nil, fmt.Errorf("abciapp: load genesis configuration: %w", err)
	}
	if cfg != nil {
		chainID = cfg.ChainID
		epochDuration = cfg.EpochDuration
	}

	info, err := store.LatestBlockInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("abciapp: load latest block info: %w", err)
	}
	var latestHeight int64
	var lastAppHash []byte
	if info != nil {
		latestHeight = info.Height
		lastAppHash = info.AppHash
	}

	app := &Application{
		store:               store,
		proofVerifier:       proofVerifier,
		logger:              logger,
		chainID:             chainID,
		epochDuration:       epochDuration,
		tree:                tree,
		recentAnchors:       anchors,
		assets:              make(map[crypto.Hash]string),
		mempoolNullifiers:   nullifier.NewMempool(),
		committedNullifiers: nullifier.NewCommitted(store),
		latestHeight:        latestHeight,
		lastAppHash:         lastAppHash,
		sequencer:           sequencer.New(),
		deliveredTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shielded_node_transactions_delivered_total",
			Help: "Number of transactions successfully delivered into a pending block.",
		}),
		epochBoundary: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shielded_node_epoch",
			Help: "Epoch index of the most recently finalized block.",
		}),
	}

	return app, nil
}

// Collectors returns the Prometheus collectors this application owns, for
// registration against the process's registry.
func (app *Application) Collectors() []prometheus.Collector {
	return []prometheus.Collector{app.deliveredTxs, app.epochBoundary}
}

var _ abcitypes.Application = (*Application)(nil)

// Info reports the application's current height and app hash so CometBFT
// can detect and recover from a height mismatch on restart.
func (app *Application) Info(ctx context.Context, req *abcitypes.RequestInfo) (*abcitypes.ResponseInfo, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	app.logger.Printf("info: height=%d app_hash=%x", app.latestHeight, app.lastAppHash)

	return &abcitypes.ResponseInfo{
		Data:             "shielded-node",
		Version:          "1.0.0",
		AppVersion:       1,
		LastBlockHeight:  app.latestHeight,
		LastBlockAppHash: app.lastAppHash,
	}, nil
}

// CheckTx runs the stateless and stateful verification stages against the
// currently committed state, gating mempool admission without touching the
// pending block.
func (app *Application) CheckTx(ctx context.Context, req *abcitypes.RequestCheckTx) (*abcitypes.ResponseCheckTx, error) {
	rc := newRequestContext("CheckTx").withTx(req.Tx)
	return sequencer.Execute(ctx, app.sequencer, func() (*abcitypes.ResponseCheckTx, error) {
		resp, err := app.checkTx(ctx, req)
		if err == nil && resp.Code != 0 {
			app.logger.Printf("%s: rejected code=%d log=%q", rc, resp.Code, resp.Log)
		}
		return resp, err
	})
}

func (app *Application) checkTx(ctx context.Context, req *abcitypes.RequestCheckTx) (*abcitypes.ResponseCheckTx, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	tx, err := decodeTx(req.Tx)
	if err != nil {
		return &abcitypes.ResponseCheckTx{Code: 1, Log: err.Error()}, nil
	}

	verified, err := verify.VerifyStateless(tx, app.proofVerifier)
	if err != nil {
		return &abcitypes.ResponseCheckTx{Code: 2, Log: err.Error()}, nil
	}

	for _, n := range tx.Body.SpentNullifiers() {
		committed, err := app.committedNullifiers.Contains(ctx, n)
		if err != nil {
			return &abcitypes.ResponseCheckTx{Code: 5, Log: err.Error()}, nil
		}
		if committed {
			return &abcitypes.ResponseCheckTx{Code: 3, Log: "nullifier already spent in a committed block"}, nil
		}
	}

	// Reservations land before the stateful anchor check below, not after:
	// a transaction with a stale anchor still reserves its nullifiers. Commit
	// evicts a reservation only when a committed block spends that nullifier.
	if req.Type == abcitypes.CheckTxType_New {
		for _, n := range tx.Body.SpentNullifiers() {
			if err := app.mempoolNullifiers.Reserve(n); err != nil {
				return &abcitypes.ResponseCheckTx{Code: 4, Log: err.Error()}, nil
			}
		}
	}

	if _, err := verify.VerifyStateful(verified, app.recentAnchors); err != nil {
		return &abcitypes.ResponseCheckTx{Code: 6, Log: err.Error()}, nil
	}

	return &abcitypes.ResponseCheckTx{Code: 0, GasWanted: 1}, nil
}

// FinalizeBlock runs BeginBlock, one DeliverTx per transaction, and EndBlock
// in sequence, matching the semantics cometbft v0.38's consolidated
// FinalizeBlock request replaces them with.
func (app *Application) FinalizeBlock(ctx context.Context, req *abcitypes.RequestFinalizeBlock) (*abcitypes.ResponseFinalizeBlock, error) {
	blockCtx := newRequestContext("FinalizeBlock").withBlockHash(req.Hash)
	return sequencer.Execute(ctx, app.sequencer, func() (*abcitypes.ResponseFinalizeBlock, error) {
		app.beginBlock()

		results := make([]*abcitypes.ExecTxResult, len(req.Txs))
		for i, txBytes := range req.Txs {
			txCtx := newRequestContext("DeliverTx").withTx(txBytes)
			result := app.deliverTx(ctx, txBytes, txCtx)
			results[i] = &result
		}

		ep := app.endBlock(req.Height)
		app.logger.Printf("%s: finalize_block height=%d txs=%d epoch=%d", blockCtx, req.Height, len(req.Txs), ep.Index)

		// The same hash Commit persists for this pending block.
		app.mu.RLock()
		appHash := computeAppHash(app.pending.Height, crypto.Hash(app.pending.Tree.Root()))
		app.mu.RUnlock()

		return &abcitypes.ResponseFinalizeBlock{TxResults: results, AppHash: appHash}, nil
	})
}

// beginBlock stages a fresh pending block over a clone of the committed
// tree, so in-flight appends never mutate the tree Commit will later read.
func (app *Application) beginBlock() {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.pending = pendingblock.New(app.tree.Clone(), app.epochDuration)
}

// deliverTx re-verifies tx from scratch (CheckTx's admission is advisory
// only) and, if it clears both committed and pending-block nullifier
// checks, folds its effects into the pending block.
func (app *Application) deliverTx(ctx context.Context, txBytes []byte, rc requestContext) abcitypes.ExecTxResult {
	result := app.deliverTxLocked(ctx, txBytes)
	if result.Code != 0 {
		app.logger.Printf("%s: rejected code=%d log=%q", rc, result.Code, result.Log)
	}
	return result
}

func (app *Application) deliverTxLocked(ctx context.Context, txBytes []byte) abcitypes.ExecTxResult {
	app.mu.Lock()
	defer app.mu.Unlock()

	tx, err := decodeTx(txBytes)
	if err != nil {
		return abcitypes.ExecTxResult{Code: 1, Log: err.Error()}
	}

	verified, err := verify.VerifyStateless(tx, app.proofVerifier)
	if err != nil {
		return abcitypes.ExecTxResult{Code: 2, Log: err.Error()}
	}

	for _, n := range tx.Body.SpentNullifiers() {
		committed, err := app.committedNullifiers.Contains(ctx, n)
		if err != nil {
			return abcitypes.ExecTxResult{Code: 5, Log: err.Error()}
		}
		if committed {
			return abcitypes.ExecTxResult{Code: 3, Log: "nullifier already spent in a committed block"}
		}
		if app.pending.SpentNullifiers.Contains(n) {
			return abcitypes.ExecTxResult{Code: 3, Log: "nullifier already spent earlier in this block"}
		}
	}

	vt, err := verify.VerifyStateful(verified, app.recentAnchors)
	if err != nil {
		return abcitypes.ExecTxResult{Code: 6, Log: err.Error()}
	}

	if err := app.pending.AddTransaction(vt); err != nil {
		return abcitypes.ExecTxResult{Code: 7, Log: err.Error()}
	}

	app.deliveredTxs.Inc()
	return abcitypes.ExecTxResult{Code: 0}
}

// endBlock assigns the block's height to the pending block and reports the
// epoch it belongs to.
func (app *Application) endBlock(height int64) epoch.Epoch {
	app.mu.Lock()
	defer app.mu.Unlock()
	ep := app.pending.SetHeight(height)
	if epoch.IsBoundary(uint64(height), app.epochDuration) {
		app.epochBoundary.Set(float64(ep.Index))
		app.logger.Printf("new_epoch: height=%d epoch=%d", height, ep.Index)
	}
	return ep
}

// Commit persists the pending block, advances the committed tree and
// recent-anchors window, and evicts its spent nullifiers from the mempool
// set.
func (app *Application) Commit(ctx context.Context, req *abcitypes.RequestCommit) (*abcitypes.ResponseCommit, error) {
	return sequencer.Execute(ctx, app.sequencer, func() (*abcitypes.ResponseCommit, error) {
		return app.commit(ctx)
	})
}

func (app *Application) commit(ctx context.Context) (*abcitypes.ResponseCommit, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	pending := app.pending
	if pending == nil {
		return nil, fmt.Errorf("abciapp: commit called with no pending block")
	}

	for _, n := range pending.SpentNullifiers.All() {
		app.mempoolNullifiers.Evict(n)
	}

	anchor := crypto.Hash(pending.Tree.Root())
	appHash := computeAppHash(pending.Height, anchor)

	if err := app.store.CommitBlock(ctx, pending, appHash); err != nil {
		return nil, fmt.Errorf("abciapp: commit block: %w", err)
	}

	app.tree = pending.Tree
	app.recentAnchors = pushAnchor(app.recentAnchors, anchor)
	for assetID, denom := range pending.NewAssets {
		app.assets[assetID] = denom
	}
	app.latestHeight = pending.Height
	app.lastAppHash = appHash
	app.pending = nil

	app.logger.Printf("commit: height=%d app_hash=%x", app.latestHeight, app.lastAppHash)

	return &abcitypes.ResponseCommit{}, nil
}

// pushAnchor prepends anchor to anchors, most-recent-first, truncated to
// state.RecentAnchorsWindow.
func pushAnchor(anchors []crypto.Hash, anchor crypto.Hash) []crypto.Hash {
	out := make([]crypto.Hash, 0, state.RecentAnchorsWindow)
	out = append(out, anchor)
	out = append(out, anchors...)
	if len(out) > state.RecentAnchorsWindow {
		out = out[:state.RecentAnchorsWindow]
	}
	return out
}

// computeAppHash derives a deterministic application hash from the
// resulting anchor and height. Nothing in this core's scope (no circuit, no
// validator set commitment) needs a richer state-root hash than this.
func computeAppHash(height int64, anchor crypto.Hash) []byte {
	h := sha256.New()
	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], uint64(height))
	h.Write(heightBytes[:])
	h.Write(anchor[:])
	return h.Sum(nil)
}

// genesisAppState is the YAML document shape InitChain's AppStateBytes must
// decode into.
type genesisAppState struct {
	Allocations []struct {
		Dest   string `yaml:"dest"`
		Denom  string `yaml:"denom"`
		Amount uint64 `yaml:"amount"`
	} `yaml:"allocations"`
	Validators []struct {
		PubKey string `yaml:"pubkey"`
		Power  int64  `yaml:"power"`
	} `yaml:"validators"`
	EpochDuration uint64 `yaml:"epoch_duration"`
}

// InitChain builds and commits the genesis block: one minting output per
// allocation, admitted without running the normal verification pipeline
// since genesis has no spends and deliberately mints a non-zero value
// balance. Validators come from the genesis app state, not from the
// request - the ABCI convention this chain follows, and load-bearing for
// determinism since RequestInitChain's validator list is not replicated
// identically to every node by the consensus engine itself.
func (app *Application) InitChain(ctx context.Context, req *abcitypes.RequestInitChain) (*abcitypes.ResponseInitChain, error) {
	return sequencer.Execute(ctx, app.sequencer, func() (*abcitypes.ResponseInitChain, error) {
		return app.initChain(ctx, req)
	})
}

func (app *Application) initChain(ctx context.Context, req *abcitypes.RequestInitChain) (*abcitypes.ResponseInitChain, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	var genesis genesisAppState
	if err := yaml.Unmarshal(req.AppStateBytes, &genesis); err != nil {
		return nil, fmt.Errorf("abciapp: parse genesis app state: %w", err)
	}

	app.chainID = req.ChainId
	app.epochDuration = genesis.EpochDuration

	emptyRoot := merkletree.New().Root()
	gb := builder.NewGenesisBuilder(req.ChainId, emptyRoot)

	registry := make(map[crypto.Hash]string)
	allocations := make([]state.GenesisAllocation, 0, len(genesis.Allocations))
	for _, a := range genesis.Allocations {
		dest, err := parseHash(a.Dest)
		if err != nil {
			return nil, fmt.Errorf("abciapp: genesis allocation dest: %w", err)
		}
		if _, err := gb.AddAllocation(builder.GenesisAllocation{
			Dest:  dest,
			Value: crypto.Value{Amount: a.Amount},
			Denom: a.Denom,
		}, registry); err != nil {
			return nil, fmt.Errorf("abciapp: add genesis allocation: %w", err)
		}
		allocations = append(allocations, state.GenesisAllocation{
			Dest:    dest,
			AssetID: crypto.AssetIDFromDenom(a.Denom),
			Denom:   a.Denom,
			Amount:  a.Amount,
		})
	}

	genesisTx, err := gb.Finalize()
	if err != nil {
		return nil, fmt.Errorf("abciapp: finalize genesis transaction: %w", err)
	}
	vt := verify.MarkGenesisVerified(genesisTx)

	pending := pendingblock.New(merkletree.New(), genesis.EpochDuration)
	pending.SetHeight(0)
	if err := pending.AddTransaction(vt); err != nil {
		return nil, fmt.Errorf("abciapp: add genesis transaction: %w", err)
	}
	for assetID, denom := range registry {
		pending.RegisterAsset(assetID, denom)
	}

	anchor := crypto.Hash(pending.Tree.Root())
	appHash := computeAppHash(0, anchor)
	if err := app.store.CommitBlock(ctx, pending, appHash); err != nil {
		return nil, fmt.Errorf("abciapp: commit genesis block: %w", err)
	}

	validators := make([]state.Validator, 0, len(genesis.Validators))
	validatorUpdates := make([]abcitypes.ValidatorUpdate, 0, len(genesis.Validators))
	for _, v := range genesis.Validators {
		pubKey, err := hex.DecodeString(v.PubKey)
		if err != nil {
			return nil, fmt.Errorf("abciapp: genesis validator pubkey: %w", err)
		}
		validators = append(validators, state.Validator{PubKey: pubKey, Power: v.Power})
		validatorUpdates = append(validatorUpdates, abcitypes.ValidatorUpdate{
			PubKey: cryptoproto.PublicKey{
				Sum: &cryptoproto.PublicKey_Ed25519{Ed25519: cmted25519.PubKey(pubKey)},
			},
			Power: v.Power,
		})
	}

	cfg := &state.GenesisConfiguration{
		ChainID:       req.ChainId,
		EpochDuration: genesis.EpochDuration,
		Allocations:   allocations,
	}
	if err := app.store.SetGenesisConfiguration(ctx, cfg); err != nil {
		return nil, fmt.Errorf("abciapp: persist genesis configuration: %w", err)
	}
	if err := app.store.SetInitialValidators(ctx, validators); err != nil {
		return nil, fmt.Errorf("abciapp: persist genesis validators: %w", err)
	}

	app.tree = pending.Tree
	app.recentAnchors = pushAnchor(nil, anchor)
	app.assets = registry
	app.latestHeight = 0
	app.lastAppHash = appHash

	app.logger.Printf("init_chain: chain_id=%s allocations=%d validators=%d", req.ChainId, len(allocations), len(validators))

	return &abcitypes.ResponseInitChain{
		Validators: validatorUpdates,
		AppHash:    appHash,
	}, nil
}

func parseHash(s string) (crypto.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return crypto.Hash{}, err
	}
	if len(b) != 32 {
		return crypto.Hash{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var h crypto.Hash
	copy(h[:], b)
	return h, nil
}

func decodeTx(b []byte) (txn.Transaction, error) {
	return txn.Decode(b)
}

// Query answers simple read paths against committed state: "/height",
// "/app_hash", and "/nullifier" (data is the 32-byte nullifier).
func (app *Application) Query(ctx context.Context, req *abcitypes.RequestQuery) (*abcitypes.ResponseQuery, error) {
	app.mu.RLock()
	defer app.mu.RUnlock()

	switch req.Path {
	case "/height":
		return &abcitypes.ResponseQuery{Code: 0, Value: []byte(fmt.Sprintf("%d", app.latestHeight))}, nil

	case "/app_hash":
		return &abcitypes.ResponseQuery{Code: 0, Value: app.lastAppHash}, nil

	case "/nullifier":
		if len(req.Data) != 32 {
			return &abcitypes.ResponseQuery{Code: 1, Log: "nullifier must be 32 bytes"}, nil
		}
		var n crypto.Hash
		copy(n[:], req.Data)
		height, found, err := app.store.Nullifier(ctx, n)
		if err != nil {
			return &abcitypes.ResponseQuery{Code: 2, Log: err.Error()}, nil
		}
		if !found {
			return &abcitypes.ResponseQuery{Code: 1, Log: "nullifier not found"}, nil
		}
		return &abcitypes.ResponseQuery{Code: 0, Value: []byte(fmt.Sprintf("%d", height))}, nil

	default:
		return &abcitypes.ResponseQuery{Code: 1, Log: "unknown query path: " + req.Path}, nil
	}
}

// PrepareProposal passes transactions through unchanged; ordering and
// inclusion policy are out of scope for this core.
func (app *Application) PrepareProposal(ctx context.Context, req *abcitypes.RequestPrepareProposal) (*abcitypes.ResponsePrepareProposal, error) {
	return &abcitypes.ResponsePrepareProposal{Txs: req.Txs}, nil
}

// ProcessProposal accepts any proposal whose transactions decode cleanly,
// deferring full verification to DeliverTx.
func (app *Application) ProcessProposal(ctx context.Context, req *abcitypes.RequestProcessProposal) (*abcitypes.ResponseProcessProposal, error) {
	for _, txBytes := range req.Txs {
		if _, err := decodeTx(txBytes); err != nil {
			return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_REJECT}, nil
		}
	}
	return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_ACCEPT}, nil
}

// ExtendVote and VerifyVoteExtension: vote extensions are not used by this
// core.
func (app *Application) ExtendVote(ctx context.Context, req *abcitypes.RequestExtendVote) (*abcitypes.ResponseExtendVote, error) {
	return &abcitypes.ResponseExtendVote{}, nil
}

func (app *Application) VerifyVoteExtension(ctx context.Context, req *abcitypes.RequestVerifyVoteExtension) (*abcitypes.ResponseVerifyVoteExtension, error) {
	return &abcitypes.ResponseVerifyVoteExtension{Status: abcitypes.ResponseVerifyVoteExtension_ACCEPT}, nil
}

// State sync snapshots are not implemented; a fresh node replays from
// genesis instead.
func (app *Application) ListSnapshots(ctx context.Context, req *abcitypes.RequestListSnapshots) (*abcitypes.ResponseListSnapshots, error) {
	return &abcitypes.ResponseListSnapshots{}, nil
}

func (app *Application) OfferSnapshot(ctx context.Context, req *abcitypes.RequestOfferSnapshot) (*abcitypes.ResponseOfferSnapshot, error) {
	return &abcitypes.ResponseOfferSnapshot{Result: abcitypes.ResponseOfferSnapshot_ABORT}, nil
}

func (app *Application) LoadSnapshotChunk(ctx context.Context, req *abcitypes.RequestLoadSnapshotChunk) (*abcitypes.ResponseLoadSnapshotChunk, error) {
	return &abcitypes.ResponseLoadSnapshotChunk{}, nil
}

func (app *Application) ApplySnapshotChunk(ctx context.Context, req *abcitypes.RequestApplySnapshotChunk) (*abcitypes.ResponseApplySnapshotChunk, error) {
	return &abcitypes.ResponseApplySnapshotChunk{Result: abcitypes.ResponseApplySnapshotChunk_ABORT}, nil
}
