package mining

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/viddhana/cryptonote-pool/pkg/cryptonight"
)

// SubmissionOutcome classifies the result of validating a miner's nonce
// submission against a Job.
type SubmissionOutcome int

const (
	// SubmissionAccepted means the share met the job's difficulty but not
	// the network's.
	SubmissionAccepted SubmissionOutcome = iota
	// SubmissionBlockFound means the share met the network difficulty: a
	// new block candidate was produced.
	SubmissionBlockFound
	// SubmissionDuplicate means this exact nonce was already submitted for
	// this job.
	SubmissionDuplicate
	// SubmissionLowDifficulty means the achieved difficulty fell short of
	// the job's assigned difficulty ("weak hash", grounds for an IP ban).
	SubmissionLowDifficulty
)

var sharesByOutcome = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "pool_shares_total",
	Help: "Submitted shares by validation outcome.",
}, []string{"outcome"})

var blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "pool_blocks_found_total",
	Help: "Total number of blocks found by the pool.",
})

func init() {
	prometheus.MustRegister(sharesByOutcome, blocksFound)
}

// FoundBlock is the result of a submission that met the network difficulty:
// a candidate ready to submit to the daemon.
type FoundBlock struct {
	Height       uint64
	BlockID      string
	CandidateHex string
	Difficulty   uint64
}

const submissionStripes = 16

type submissionStripe struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// Job is an immutable unit of mining work issued to a miner. A Job is safe
// for concurrent CheckSubmission calls; the submissions set that guards
// against duplicate nonces is internally striped to avoid serializing all
// validation through a single mutex under high share rates.
type Job struct {
	ID            string
	Template      *BlockTemplate
	HashingBlob   string
	Difficulty    uint64
	TargetHex     string
	ExtraNonceHex string
	HashType      cryptonight.HashType
	Variant       cryptonight.Variant

	submissions [submissionStripes]submissionStripe
}

// NewJob constructs a Job with its duplicate-submission tracking
// initialized. hashingBlob is the per-extra-nonce blob already derived by
// TemplateStore.HashingBlobWithNonce; it still carries a zeroed PoW nonce
// field awaiting CheckSubmission to splice in a candidate.
func NewJob(id string, template *BlockTemplate, hashingBlob string, difficulty uint64, targetHex, extraNonceHex string, hashType cryptonight.HashType, variant cryptonight.Variant) *Job {
	j := &Job{
		ID:            id,
		Template:      template,
		HashingBlob:   hashingBlob,
		Difficulty:    difficulty,
		TargetHex:     targetHex,
		ExtraNonceHex: extraNonceHex,
		HashType:      hashType,
		Variant:       variant,
	}
	for i := range j.submissions {
		j.submissions[i].seen = make(map[string]struct{})
	}
	return j
}

func stripeFor(nonceHex string) int {
	var h uint32
	for i := 0; i < len(nonceHex); i++ {
		h = h*31 + uint32(nonceHex[i])
	}
	return int(h % submissionStripes)
}

// markSubmitted records nonceHex as seen, returning false if it was already
// recorded (a duplicate submission).
func (j *Job) markSubmitted(nonceHex string) bool {
	stripe := &j.submissions[stripeFor(nonceHex)]
	stripe.mu.Lock()
	defer stripe.mu.Unlock()
	if _, ok := stripe.seen[nonceHex]; ok {
		return false
	}
	stripe.seen[nonceHex] = struct{}{}
	return true
}

// CheckSubmission validates a miner's nonce against this job: it checks for
// duplicate submissions, computes the CryptoNight hash of the nonce-spliced
// hashing blob, and classifies the result as accepted, a found block, a
// duplicate, or a weak (low-difficulty) share.
func (j *Job) CheckSubmission(nonceHex string) (SubmissionOutcome, *FoundBlock, error) {
	if !j.markSubmitted(nonceHex) {
		sharesByOutcome.WithLabelValues("duplicate").Inc()
		return SubmissionDuplicate, nil, nil
	}

	candidateBlob, err := SpliceNonce(j.HashingBlob, nonceHex)
	if err != nil {
		return 0, nil, err
	}

	hash, err := cryptonight.SumHex(candidateBlob, j.HashType, j.Variant)
	if err != nil {
		return 0, nil, fmt.Errorf("mining: hash submission: %w", err)
	}

	achieved := cryptonight.AchievedDifficulty(hash)
	if achieved < j.Difficulty {
		sharesByOutcome.WithLabelValues("low_difficulty").Inc()
		return SubmissionLowDifficulty, nil, nil
	}

	if achieved < j.Template.Difficulty {
		sharesByOutcome.WithLabelValues("accepted").Inc()
		return SubmissionAccepted, nil, nil
	}

	candidateHex, err := j.Template.CandidateBlob(nonceHex, j.ExtraNonceHex)
	if err != nil {
		return 0, nil, err
	}

	// The daemon identifies a block by hashing its hashing blob (header,
	// Merkle root, transaction count), not the full block serialization, so
	// the id is computed over the same nonce-spliced blob that was just
	// proof-of-work hashed.
	blockID, err := computeBlockID(candidateBlob)
	if err != nil {
		return 0, nil, err
	}

	sharesByOutcome.WithLabelValues("accepted").Inc()
	blocksFound.Inc()
	return SubmissionBlockFound, &FoundBlock{
		Height:       j.Template.Height,
		BlockID:      blockID,
		CandidateHex: candidateHex,
		Difficulty:   j.Template.Difficulty,
	}, nil
}

// computeBlockID hashes a nonce-spliced hashing blob the way CryptoNote
// computes block ids: keccak(varint(len(input)) || input)[:32]. The length
// prefix keeps block ids outside the PoW hash's input domain.
func computeBlockID(hashingBlobHex string) (string, error) {
	raw, err := hex.DecodeString(hashingBlobHex)
	if err != nil {
		return "", fmt.Errorf("mining: decode hashing blob: %w", err)
	}
	prefixed := append(cryptonight.ToVarint(uint64(len(raw))), raw...)
	digest := cryptonight.Keccak256(prefixed)
	return hex.EncodeToString(digest[:]), nil
}
