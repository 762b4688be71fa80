package mining

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/viddhana/cryptonote-pool/pkg/cryptonight"
)

// JobProvider issues Jobs against the current block template, assigning
// each a unique extra-nonce so multiple miners working the same template
// never collide on the pool's reserved nonce field.
type JobProvider struct {
	templates *TemplateStore
	hashType  cryptonight.HashType
	nonce     atomic.Uint64
}

// NewJobProvider creates a JobProvider drawing templates from store.
func NewJobProvider(store *TemplateStore, hashType cryptonight.HashType) *JobProvider {
	return &JobProvider{templates: store, hashType: hashType}
}

// GetJob issues a new Job at the given per-miner difficulty, capped to the
// current template's network difficulty.
func (p *JobProvider) GetJob(difficulty uint64) (*Job, error) {
	template := p.templates.Current()
	if template == nil {
		return nil, fmt.Errorf("mining: no block template available")
	}

	capped := difficulty
	if capped > template.Difficulty || capped == 0 {
		capped = template.Difficulty
	}

	extraNonce := p.nonce.Add(1)
	extraNonceHex := fmt.Sprintf("%016x", extraNonce)
	targetHex := cryptonight.GetTargetHex(capped)
	variant := cryptonight.SelectVariant(template.BlocktemplateBlob)

	hashingBlob, err := template.HashingBlobWithNonce(extraNonceHex)
	if err != nil {
		return nil, fmt.Errorf("mining: derive hashing blob: %w", err)
	}

	return NewJob(uuid.NewString(), template, hashingBlob, capped, targetHex, extraNonceHex, p.hashType, variant), nil
}
