// Package mining implements the block template lifecycle, job issuance and
// proof-of-work validation pipeline of the pool.
package mining

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/viddhana/cryptonote-pool/internal/rpc"
	"github.com/viddhana/cryptonote-pool/pkg/cryptonight"
)

// reserveSize is the number of bytes the pool asks the daemon to reserve in
// the coinbase/extra field for the pool's own extra-nonce.
const reserveSize = 8

// nonceHexOffset/nonceHexEnd mark where, in a hashing blob's hex string, the
// 4-byte block nonce lives (byte offset 39..43 of the blob).
const (
	nonceHexOffset = 78
	nonceHexEnd    = 86
)

// headerHexLen is the fixed 43-byte (86 hex digit) block header that
// precedes the miner transaction in both the template blob and the
// blockhashing blob.
const headerHexLen = 86

// zeroExtraNonce is the placeholder value used when probing a freshly
// fetched template for structural validity.
const zeroExtraNonce = "0000000000000000"

var (
	templateHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pool_template_height",
		Help: "Height of the block template currently being mined.",
	})
	templatesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_templates_fetched_total",
		Help: "Total number of block templates fetched from the daemon.",
	})
)

func init() {
	prometheus.MustRegister(templateHeight, templatesFetched)
}

// BlockTemplate is an immutable snapshot of a daemon's get_block_template
// response, plus the pool's own reserved-offset bookkeeping. The first 86
// hex digits of the blob are the block header, nonce field included.
type BlockTemplate struct {
	BlocktemplateBlob string
	Difficulty        uint64
	Height            uint64
	PrevHash          string
	ReservedOffset    int
}

// HashingBlobWithNonce derives a fresh per-job hashing blob for the given
// extra-nonce: it splices extraNonceHex onto the tail of the miner
// transaction, keccak-hashes that transaction, tree-hashes the result
// together with every other transaction hash already present in the
// template, and appends the resulting Merkle root (plus a varint
// transaction count) to the template's fixed 86-hex-digit header. The
// block (PoW) nonce field within the returned blob is left as the
// template's zeroed placeholder; CheckSubmission splices the miner's
// candidate nonce into it per submission.
func (t *BlockTemplate) HashingBlobWithNonce(extraNonceHex string) (string, error) {
	if len(extraNonceHex) != 16 {
		return "", fmt.Errorf("mining: extra-nonce must be 16 hex chars, got %d", len(extraNonceHex))
	}
	blob := t.BlocktemplateBlob
	minerTxEnd := t.ReservedOffset*2 - 2
	if minerTxEnd < headerHexLen || minerTxEnd > len(blob) {
		return "", fmt.Errorf("mining: reserved offset out of range for template blob")
	}

	minerTxHex := blob[headerHexLen:minerTxEnd] + extraNonceHex
	minerTxRaw, err := hex.DecodeString(minerTxHex)
	if err != nil {
		return "", fmt.Errorf("mining: decode miner tx: %w", err)
	}
	minerTxHash := cryptonight.Keccak256(minerTxRaw)

	hexDigitsLeft := len(blob) - len(minerTxHex) - headerHexLen
	if hexDigitsLeft < 2 || (hexDigitsLeft-2)%64 != 0 {
		return "", fmt.Errorf("mining: malformed transaction hash list in template blob")
	}

	numTx := hexDigitsLeft / 64
	txHashes := make([][]byte, 0, numTx+1)
	txHashes = append(txHashes, minerTxHash[:])
	for i := 0; i < numTx; i++ {
		start := t.ReservedOffset*2 + 16 + 64*i
		raw, err := hex.DecodeString(blob[start : start+64])
		if err != nil {
			return "", fmt.Errorf("mining: decode transaction hash %d: %w", i, err)
		}
		txHashes = append(txHashes, raw)
	}

	rootHash := cryptonight.TreeHash(txHashes)
	countVarint := cryptonight.ToVarint(uint64(len(txHashes)))

	return blob[:headerHexLen] + hex.EncodeToString(rootHash) + hex.EncodeToString(countVarint), nil
}

// SpliceNonce substitutes a miner's 8-hex-char (4-byte) candidate nonce
// into a hashing blob's fixed nonce field (byte offset 39..43).
func SpliceNonce(hashingBlob, nonceHex string) (string, error) {
	if len(nonceHex) != 8 {
		return "", fmt.Errorf("mining: nonce must be 8 hex chars, got %d", len(nonceHex))
	}
	if len(hashingBlob) < nonceHexEnd {
		return "", fmt.Errorf("mining: hashing blob too short")
	}
	return hashingBlob[:nonceHexOffset] + nonceHex + hashingBlob[nonceHexEnd:], nil
}

// CandidateBlob reassembles a full submittable block blob from the
// template's blocktemplate_blob, the miner's nonce and the pool's
// extra-nonce. The block nonce occupies hex [0:78]+nonce+[86:...]; the
// 16-hex-digit reserved extra-nonce field is overwritten starting at
// reserved_offset*2-2 (the daemon's 1-indexed offset converted to a
// 0-indexed hex start). Everything after that field, including the
// daemon's one-byte pad before the first following transaction hash, is
// kept, so the candidate is exactly as long as the template blob.
func (t *BlockTemplate) CandidateBlob(nonceHex, extraNonceHex string) (string, error) {
	if len(nonceHex) != 8 {
		return "", fmt.Errorf("mining: nonce must be 8 hex chars")
	}
	if len(extraNonceHex) != 16 {
		return "", fmt.Errorf("mining: extra-nonce must be 16 hex chars")
	}
	blob := t.BlocktemplateBlob
	middleEnd := t.ReservedOffset*2 - 2
	reservedEnd := middleEnd + len(extraNonceHex)
	if middleEnd < nonceHexEnd || reservedEnd > len(blob) {
		return "", fmt.Errorf("mining: reserved offset out of range for template blob")
	}
	return blob[:nonceHexOffset] + nonceHex + blob[nonceHexEnd:middleEnd] +
		extraNonceHex + blob[reservedEnd:], nil
}

// TemplateStore holds the most recently fetched block template and enforces
// that replacement templates strictly increase in height.
type TemplateStore struct {
	daemon     rpc.DaemonClient
	poolWallet string

	mu      sync.RWMutex
	current *BlockTemplate
}

// NewTemplateStore creates a TemplateStore backed by daemon.
func NewTemplateStore(daemon rpc.DaemonClient, poolWallet string) *TemplateStore {
	return &TemplateStore{daemon: daemon, poolWallet: poolWallet}
}

// Current returns the currently held template, or nil if none has been
// fetched yet.
func (s *TemplateStore) Current() *BlockTemplate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// FetchNewTemplate polls the daemon for a new block template. It replaces
// the stored template only if the new one's height strictly exceeds the
// current one's (or none is held yet), returning whether a replacement
// occurred.
func (s *TemplateStore) FetchNewTemplate(ctx context.Context) (bool, error) {
	result, err := s.daemon.GetBlockTemplate(ctx, s.poolWallet, reserveSize)
	if err != nil {
		return false, fmt.Errorf("mining: get_block_template: %w", err)
	}

	templatesFetched.Inc()

	next := &BlockTemplate{
		BlocktemplateBlob: result.BlocktemplateBlob,
		Difficulty:        result.Difficulty,
		Height:            result.Height,
		PrevHash:          result.PrevHash,
		ReservedOffset:    result.ReservedOffset,
	}

	// A template the pool cannot derive hashing blobs from must never
	// replace a working one; mining continues on the prior template.
	if _, err := next.HashingBlobWithNonce(zeroExtraNonce); err != nil {
		return false, fmt.Errorf("mining: malformed template at height %d: %w", next.Height, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && next.Height <= s.current.Height {
		return false, nil
	}
	s.current = next
	templateHeight.Set(float64(next.Height))
	return true, nil
}
