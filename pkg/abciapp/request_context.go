package abciapp

import (
	"crypto/sha256"
	"encoding/hex"
)

// requestContext is a per-request span, mirroring the reference
// implementation's RequestExt::create_span: a request tag plus whatever
// digests are available to identify the request (the transaction hash for
// tx-carrying requests, the block hash for block-lifecycle requests), cheap
// enough to build per-call and threaded through to every log line a handler
// emits.
type requestContext struct {
	tag       string
	txID      string
	blockHash string
}

func newRequestContext(tag string) requestContext {
	return requestContext{tag: tag}
}

// withTx sets txID to hex(sha256(tx)), matching request_ext.rs's
// `txid = hex::encode(&Sha256::digest(tx))`.
func (c requestContext) withTx(tx []byte) requestContext {
	sum := sha256.Sum256(tx)
	c.txID = hex.EncodeToString(sum[:])
	return c
}

// withBlockHash sets blockHash from a hash already supplied by the
// consensus engine (FinalizeBlock's RequestFinalizeBlock.Hash) - it is not
// rehashed, since it already identifies the block.
func (c requestContext) withBlockHash(hash []byte) requestContext {
	c.blockHash = hex.EncodeToString(hash)
	return c
}

// String renders the context as a log-line prefix, e.g. "tag=CheckTx txid=...".
func (c requestContext) String() string {
	s := "tag=" + c.tag
	if c.txID != "" {
		s += " txid=" + c.txID
	}
	if c.blockHash != "" {
		s += " block_hash=" + c.blockHash
	}
	return s
}
