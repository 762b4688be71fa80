package server

import (
	"time"

	"github.com/viddhana/cryptonote-pool/internal/config"
)

// bufferSeconds smooths VarDiff estimates for miners that have only been
// connected briefly, so a lucky or unlucky first few shares don't send the
// difficulty wildly off target. The buffer shares are what a miner would
// earn over five minutes at exactly the hashrate the port is tuned for;
// they are never credited, only folded into the estimate.
const bufferSeconds = 300.0

// retargetThreshold is how far the ideal/actual difficulty ratio must drift
// from 1.0 before a retarget is applied.
const retargetThreshold = 0.25

// AdjustDifficulty credits newShares of accepted difficulty against the
// session, recomputes its ideal difficulty and stores it if the ratio
// between ideal and current drifts more than retargetThreshold from 1.0. It
// deliberately does not push a new job: the caller is mid-submit, and
// retargeting in-flight would race that RPC. The refresh loop issues the
// next job at the stored difficulty.
func AdjustDifficulty(session *MinerSession, newShares uint64, cfg config.PortConfig) {
	totalShares := float64(session.RecordShares(newShares))
	bufferShares := float64(cfg.StartingDifficulty) * bufferSeconds / cfg.TargetTime

	secsSinceStart := time.Since(session.SessionStart()).Seconds()

	minerHashrate := (totalShares + bufferShares) / (secsSinceStart + bufferSeconds)
	idealDifficulty := minerHashrate * cfg.TargetTime

	actual := float64(session.Difficulty())
	if actual == 0 {
		return
	}
	ratio := idealDifficulty / actual
	if ratio-1 > retargetThreshold || 1-ratio > retargetThreshold {
		session.SetDifficulty(uint64(idealDifficulty))
	}
}
