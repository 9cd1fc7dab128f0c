package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BroadcastTransaction submits a raw transaction via
// blockchain.transaction.broadcast and returns the server's txid. A
// server-side rejection is surfaced as an error carrying a sanitized,
// human-readable reason rather than the raw RPC message.
func (r *Router) BroadcastTransaction(ctx context.Context, rawTxHex string, timeout time.Duration) (string, error) {
	resp, err := r.SynchronousGet(ctx, "blockchain.transaction.broadcast", []interface{}{rawTxHex}, timeout)
	if err != nil {
		if resp.Error != nil {
			return "", fmt.Errorf("transaction broadcast failed: %s", sanitizeBroadcastError(resp.Error.Message))
		}
		return "", err
	}
	var txid string
	if err := json.Unmarshal(resp.Result, &txid); err != nil {
		return "", fmt.Errorf("router: bad broadcast response: %w", err)
	}
	return txid, nil
}

// GetMerkleForTransaction fetches the merkle proof tying txHash to the
// block at txHeight via blockchain.transaction.get_merkle. Unlike a
// broadcast rejection, a get_merkle failure is just "not found yet"
// (the tx may not be confirmed), so the raw server message is returned
// unsanitized.
func (r *Router) GetMerkleForTransaction(ctx context.Context, txHash string, txHeight int, timeout time.Duration) (json.RawMessage, error) {
	resp, err := r.SynchronousGet(ctx, "blockchain.transaction.get_merkle", []interface{}{txHash, txHeight}, timeout)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// sanitizeBroadcastError maps known bitcoind rejection substrings to a
// user-facing reason.
func sanitizeBroadcastError(message string) string {
	switch {
	case strings.Contains(message, "dust"):
		return `very small "dust" payments`
	case strings.Contains(message, "Missing inputs"),
		strings.Contains(message, "Inputs unavailable"),
		strings.Contains(message, "bad-txns-inputs-spent"):
		return "missing, already-spent, or otherwise invalid coins"
	case strings.Contains(message, "insufficient priority"):
		return "insufficient fees or priority"
	case strings.Contains(message, "bad-txns-premature-spend-of-coinbase"):
		return "attempt to spend an unmatured coinbase"
	case strings.Contains(message, "txn-already-in-mempool"),
		strings.Contains(message, "txn-already-known"):
		return "it already exists in the server's mempool"
	case strings.Contains(message, "txn-mempool-conflict"):
		return "it conflicts with one already in the server's mempool"
	case strings.Contains(message, "bad-txns-nonstandard-inputs"):
		return "use of non-standard input scripts"
	case strings.Contains(message, "absurdly-high-fee"):
		return "fee is absurdly high"
	case strings.Contains(message, "non-mandatory-script-verify-flag"):
		return "the script fails verification"
	case strings.Contains(message, "tx-size"):
		return "transaction is too large"
	case strings.Contains(message, "scriptsig-size"):
		return "it contains an oversized script"
	case strings.Contains(message, "scriptpubkey"):
		return "it contains a non-standard signature"
	case strings.Contains(message, "bare-multisig"):
		return "it contains a bare multisig input"
	case strings.Contains(message, "multi-op-return"):
		return "it contains more than 1 OP_RETURN input"
	case strings.Contains(message, "scriptsig-not-pushonly"):
		return "a scriptsig is not simply data"
	default:
		return "reason unknown"
	}
}
