// Package collab declares the external collaborator interfaces named in
// §6: block/transaction serialization semantics, chain-state queries, and
// compact-block reconstruction are out of scope for this module (§1) and
// are consumed only through these interfaces.
package collab

import "context"

// BlockSource reads a full block's bytes from disk by height, and
// reports the current chain tip. Implemented upstream; the core never
// parses block contents, only treats them as opaque byte slices to feed
// a FecEncoder.
type BlockSource interface {
	// ReadBlockFromDisk returns the serialized bytes of the block at
	// height, or an error if height is beyond the current tip or the
	// block is otherwise unavailable.
	ReadBlockFromDisk(ctx context.Context, height int64) ([]byte, error)
	// TipHeight returns the current chain tip height.
	TipHeight(ctx context.Context) (int64, error)
	// InitialBlockDownload reports whether the node is still catching up
	// to the network, gating BackfillWindow's start per §4.7.
	InitialBlockDownload(ctx context.Context) (bool, error)
}

// MempoolTx is one transaction as exposed by mempool iteration: its
// wire bytes plus enough metadata for ancestor-aware ordering.
type MempoolTx struct {
	TxID       [32]byte
	Bytes      []byte
	AncestorTx [][32]byte // unconfirmed ancestor txids, in no particular order
}

// Mempool iterates pending transactions in ancestor-score order (highest
// fee-per-byte including ancestors first) and looks up single
// transactions by id.
type Mempool interface {
	// IterateByAncestorScore returns up to limit transactions in
	// descending ancestor-score order, for TxnDribbler's per-tick pull.
	IterateByAncestorScore(ctx context.Context, limit int) ([]MempoolTx, error)
	// Lookup returns a single transaction by id, used to pull in a
	// dribbled tx's unseen ancestors.
	Lookup(ctx context.Context, txid [32]byte) (MempoolTx, bool)
}

// The logging sink referenced by §6 is *slog.Logger, used directly; this
// package declares no Logger type of its own.
