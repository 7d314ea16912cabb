// Package bitcoind implements the wallet port over the bitcoind
// JSON-RPC wallet API.
package bitcoind

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/payjoinlabs/payjoind/internal/core/ports"
)

type service struct {
	client *rpcclient.Client
	net    *chaincfg.Params
}

type Config struct {
	Host     string
	User     string
	Password string
	Wallet   string
}

func NewService(cfg Config, net *chaincfg.Params) (ports.WalletService, error) {
	host := cfg.Host
	if cfg.Wallet != "" {
		host = fmt.Sprintf("%s/wallet/%s", host, cfg.Wallet)
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bitcoind: %w", err)
	}
	return &service{client: client, net: net}, nil
}

func (s *service) rawRequest(method string, params ...interface{}) (json.RawMessage, error) {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		buf, err := json.Marshal(param)
		if err != nil {
			return nil, err
		}
		rawParams = append(rawParams, buf)
	}
	return s.client.RawRequest(method, rawParams)
}

func (s *service) NewAddress(ctx context.Context) (string, error) {
	resp, err := s.rawRequest("getnewaddress")
	if err != nil {
		return "", fmt.Errorf("failed to get new address: %w", err)
	}
	var address string
	if err := json.Unmarshal(resp, &address); err != nil {
		return "", err
	}
	return address, nil
}

func (s *service) NewScript(ctx context.Context) ([]byte, error) {
	address, err := s.NewAddress(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, s.net)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

func (s *service) CanBroadcast(ctx context.Context, rawTx []byte) (bool, error) {
	resp, err := s.rawRequest("testmempoolaccept", []string{hex.EncodeToString(rawTx)})
	if err != nil {
		return false, fmt.Errorf("failed to test mempool acceptance: %w", err)
	}
	var results []struct {
		Allowed      bool   `json:"allowed"`
		RejectReason string `json:"reject-reason"`
	}
	if err := json.Unmarshal(resp, &results); err != nil {
		return false, err
	}
	if len(results) != 1 {
		return false, fmt.Errorf("unexpected testmempoolaccept response")
	}
	return results[0].Allowed, nil
}

func (s *service) IsOwned(ctx context.Context, script []byte) (bool, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, s.net)
	if err != nil || len(addrs) != 1 {
		// Scripts the wallet cannot even address are not ours.
		return false, nil
	}
	resp, err := s.rawRequest("getaddressinfo", addrs[0].EncodeAddress())
	if err != nil {
		return false, fmt.Errorf("failed to get address info: %w", err)
	}
	var info struct {
		IsMine bool `json:"ismine"`
	}
	if err := json.Unmarshal(resp, &info); err != nil {
		return false, err
	}
	return info.IsMine, nil
}

func (s *service) ListUnspent(ctx context.Context) ([]ports.Utxo, error) {
	resp, err := s.rawRequest("listunspent")
	if err != nil {
		return nil, fmt.Errorf("failed to list unspent: %w", err)
	}
	var entries []struct {
		TxId          string  `json:"txid"`
		Vout          uint32  `json:"vout"`
		Amount        float64 `json:"amount"`
		ScriptPubKey  string  `json:"scriptPubKey"`
		Spendable     bool    `json:"spendable"`
		Safe          bool    `json:"safe"`
		Confirmations int64   `json:"confirmations"`
	}
	if err := json.Unmarshal(resp, &entries); err != nil {
		return nil, err
	}

	utxos := make([]ports.Utxo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Spendable || !entry.Safe {
			continue
		}
		txid, err := chainhash.NewHashFromStr(entry.TxId)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", entry.TxId, err)
		}
		script, err := hex.DecodeString(entry.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("invalid script for %s: %w", entry.TxId, err)
		}
		amount, err := btcutil.NewAmount(entry.Amount)
		if err != nil {
			return nil, err
		}
		utxos = append(utxos, ports.Utxo{
			Outpoint: wire.OutPoint{Hash: *txid, Index: entry.Vout},
			TxOut:    wire.NewTxOut(int64(amount), script),
		})
	}
	return utxos, nil
}

func (s *service) LockOutpoints(ctx context.Context, outpoints []wire.OutPoint) error {
	type rpcOutpoint struct {
		TxId string `json:"txid"`
		Vout uint32 `json:"vout"`
	}
	locks := make([]rpcOutpoint, 0, len(outpoints))
	for _, outpoint := range outpoints {
		locks = append(locks, rpcOutpoint{
			TxId: outpoint.Hash.String(),
			Vout: outpoint.Index,
		})
	}
	if _, err := s.rawRequest("lockunspent", false, locks); err != nil {
		return fmt.Errorf("failed to lock outpoints: %w", err)
	}
	return nil
}

func (s *service) ProcessPsbt(ctx context.Context, psbtBase64 string) (string, error) {
	resp, err := s.rawRequest("walletprocesspsbt", psbtBase64, true)
	if err != nil {
		return "", fmt.Errorf("failed to process psbt: %w", err)
	}
	var result struct {
		Psbt string `json:"psbt"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	return result.Psbt, nil
}

func (s *service) BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error) {
	resp, err := s.rawRequest("sendrawtransaction", hex.EncodeToString(rawTx))
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	var txid string
	if err := json.Unmarshal(resp, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

func (s *service) Close() {
	s.client.Shutdown()
}
