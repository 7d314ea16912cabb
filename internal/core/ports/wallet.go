package ports

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// Utxo is a spendable output the wallet can contribute to a payjoin.
type Utxo struct {
	Outpoint wire.OutPoint
	TxOut    *wire.TxOut
}

// WalletService is the bitcoin wallet backing the receiver pipeline
// callbacks and the sender flow.
type WalletService interface {
	// NewAddress returns a fresh receive address.
	NewAddress(ctx context.Context) (string, error)
	// NewScript returns a fresh output script, used when substituting
	// the receiver output of a proposal.
	NewScript(ctx context.Context) ([]byte, error)
	// CanBroadcast reports whether the raw transaction would be
	// accepted by the mempool.
	CanBroadcast(ctx context.Context, rawTx []byte) (bool, error)
	// IsOwned reports whether the output script belongs to the wallet.
	IsOwned(ctx context.Context, script []byte) (bool, error)
	// ListUnspent returns the spendable outputs available as payjoin
	// input candidates.
	ListUnspent(ctx context.Context) ([]Utxo, error)
	// LockOutpoints marks outputs as reserved so concurrent spends
	// cannot race a pending payjoin.
	LockOutpoints(ctx context.Context, outpoints []wire.OutPoint) error
	// ProcessPsbt signs every wallet-owned input of the psbt.
	ProcessPsbt(ctx context.Context, psbtBase64 string) (string, error)
	// BroadcastTransaction publishes the raw transaction and returns
	// its txid.
	BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error)
	Close()
}
