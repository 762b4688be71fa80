package rpc

import "context"

// BlockTemplateResult mirrors a CryptoNote daemon's get_block_template
// response.
type BlockTemplateResult struct {
	BlockhashingBlob  string `json:"blockhashing_blob"`
	BlocktemplateBlob string `json:"blocktemplate_blob"`
	Difficulty        uint64 `json:"difficulty"`
	Height            uint64 `json:"height"`
	PrevHash          string `json:"prev_hash"`
	ReservedOffset    int    `json:"reserved_offset"`
	Status            string `json:"status"`
}

// BlockHeaderResult mirrors a daemon's get_block_header_by_height response,
// used by the unlocker to detect orphaned blocks.
type BlockHeaderResult struct {
	BlockHeader struct {
		Hash   string `json:"hash"`
		Height uint64 `json:"height"`
		Depth  uint64 `json:"depth"`
		Reward uint64 `json:"reward"`
		Orphan bool   `json:"orphan_status"`
	} `json:"block_header"`
	Status string `json:"status"`
}

// DaemonClient is the subset of daemon RPC methods the pool depends on.
type DaemonClient interface {
	GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*BlockTemplateResult, error)
	SubmitBlock(ctx context.Context, blockBlobHex string) error
	GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeaderResult, error)
}

type daemonClient struct {
	*Client
}

// NewDaemonClient wraps a JSON-RPC Client with the daemon method set.
func NewDaemonClient(c *Client) DaemonClient {
	return &daemonClient{c}
}

func (d *daemonClient) GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*BlockTemplateResult, error) {
	params := map[string]interface{}{
		"wallet_address": walletAddress,
		"reserve_size":   reserveSize,
	}
	var out BlockTemplateResult
	if err := d.Call(ctx, "getblocktemplate", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *daemonClient) SubmitBlock(ctx context.Context, blockBlobHex string) error {
	return d.Call(ctx, "submitblock", []string{blockBlobHex}, nil)
}

func (d *daemonClient) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeaderResult, error) {
	params := map[string]interface{}{"height": height}
	var out BlockHeaderResult
	if err := d.Call(ctx, "getblockheaderbyheight", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
