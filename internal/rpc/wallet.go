package rpc

import (
	"context"
	"fmt"
)

// TransferDestination is one payout line in a wallet transfer call, in
// atomic currency units.
type TransferDestination struct {
	Amount  uint64 `json:"amount"`
	Address string `json:"address"`
}

// TransferResult mirrors a wallet's transfer response. The wallet may split
// a large payout into several transactions, returning one hash and fee per
// split; downstream bookkeeping records the first hash and the summed fee.
type TransferResult struct {
	TxHashList []string `json:"tx_hash_list"`
	FeeList    []uint64 `json:"fee_list"`
}

// TxHash returns the first transaction hash of the transfer.
func (r *TransferResult) TxHash() (string, error) {
	if len(r.TxHashList) == 0 {
		return "", fmt.Errorf("rpc: transfer returned no transaction hashes")
	}
	return r.TxHashList[0], nil
}

// TotalFee sums the per-transaction network fees of the transfer.
func (r *TransferResult) TotalFee() uint64 {
	var total uint64
	for _, fee := range r.FeeList {
		total += fee
	}
	return total
}

// WalletClient is the subset of wallet RPC methods the payment batcher
// depends on.
type WalletClient interface {
	Transfer(ctx context.Context, destinations []TransferDestination, mixin int) (*TransferResult, error)
}

type walletClient struct {
	*Client
}

// NewWalletClient wraps a JSON-RPC Client with the wallet method set.
func NewWalletClient(c *Client) WalletClient {
	return &walletClient{c}
}

func (w *walletClient) Transfer(ctx context.Context, destinations []TransferDestination, mixin int) (*TransferResult, error) {
	params := map[string]interface{}{
		"destinations": destinations,
		"fee":          0,
		"mixin":        mixin,
		"unlock_time":  0,
	}
	var out TransferResult
	if err := w.Call(ctx, "transfer", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
