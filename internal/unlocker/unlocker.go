// Package unlocker matures the pool's found blocks and pays out the
// resulting rewards. On every refresh tick it first reconciles submitted
// blocks against the chain (orphaned, still maturing, or unlocked with the
// reward split PPLNS-style over the unpaid share window), then batches
// miner balances above the payment threshold into wallet transfers.
package unlocker

import (
	"context"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/viddhana/cryptonote-pool/internal/config"
	"github.com/viddhana/cryptonote-pool/internal/rpc"
	"github.com/viddhana/cryptonote-pool/internal/storage"
)

// atomicUnitsPerCoin converts the configured payment thresholds, given in
// whole currency units, into the atomic units all balances are kept in.
const atomicUnitsPerCoin = 1e12

var (
	blocksOrphaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_blocks_orphaned_total",
		Help: "Total number of submitted blocks that lost the chain race.",
	})
	blocksUnlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_blocks_unlocked_total",
		Help: "Total number of blocks matured past the confirmation depth.",
	})
	paymentsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_payments_total",
		Help: "Total number of wallet transfers initiated.",
	})
	paymentAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_payment_atomic_units_total",
		Help: "Total atomic units paid out to miners.",
	})
)

func init() {
	prometheus.MustRegister(blocksOrphaned, blocksUnlocked, paymentsSent, paymentAmount)
}

// Store is the slice of the durable store the unlocker drives.
type Store interface {
	PendingSubmittedBlocks(ctx context.Context) ([]storage.FoundBlock, error)
	SetBlockStatus(ctx context.Context, blockID string, status storage.BlockStatus) error
	RecordBlockProgress(ctx context.Context, blockID string, depth uint64) error
	UnpaidShares(ctx context.Context) ([]storage.ShareTotal, error)
	DistributeBalances(ctx context.Context, blockID string, reward uint64, shareCounts []storage.BlockShare, totalShares uint64) error
	MinerBalanceTotals(ctx context.Context) ([]storage.BalanceTotal, error)
	LogTransfers(ctx context.Context, transfers []rpc.TransferDestination, txHash string, fee uint64) error
	Ping(ctx context.Context) error
}

// Unlocker reconciles found blocks against the chain and batches payouts.
// It is driven single-threaded from the refresh loop, which is what keeps
// block status transitions serialized.
type Unlocker struct {
	cfg    *config.Config
	store  Store
	daemon rpc.DaemonClient
	wallet rpc.WalletClient
	logger *zap.Logger
}

// New creates an Unlocker.
func New(cfg *config.Config, store Store, daemon rpc.DaemonClient, wallet rpc.WalletClient, logger *zap.Logger) *Unlocker {
	return &Unlocker{
		cfg:    cfg,
		store:  store,
		daemon: daemon,
		wallet: wallet,
		logger: logger.Named("unlocker"),
	}
}

// Refresh runs one maturation-then-payment pass.
func (u *Unlocker) Refresh(ctx context.Context) {
	u.processBlocks(ctx)
	u.processPayments(ctx)
}

// processBlocks walks every still-submitted block and transitions it:
// a height whose chain hash no longer matches ours is orphaned; a match
// deep enough is unlocked and distributed; anything else gets a progress
// snapshot and stays submitted.
func (u *Unlocker) processBlocks(ctx context.Context) {
	blocks, err := u.store.PendingSubmittedBlocks(ctx)
	if err != nil {
		u.logger.Warn("Failed to load submitted blocks", zap.Error(err))
		return
	}

	for _, block := range blocks {
		header, err := u.daemon.GetBlockHeaderByHeight(ctx, block.Height)
		if err != nil {
			u.logger.Warn("Failed to fetch block header",
				zap.Uint64("height", block.Height),
				zap.Error(err),
			)
			continue
		}

		switch {
		case header.BlockHeader.Hash != block.BlockID:
			u.logger.Info("Block orphaned",
				zap.String("block_id", block.BlockID),
				zap.Uint64("height", block.Height),
			)
			if err := u.store.SetBlockStatus(ctx, block.BlockID, storage.BlockOrphaned); err != nil {
				u.logger.Warn("Failed to orphan block", zap.Error(err))
			} else {
				blocksOrphaned.Inc()
			}

		case header.BlockHeader.Depth >= u.cfg.Mining.UnlockDepth:
			u.assignBalances(ctx, block.BlockID, header.BlockHeader.Reward)

		default:
			if err := u.store.RecordBlockProgress(ctx, block.BlockID, header.BlockHeader.Depth); err != nil {
				u.logger.Warn("Failed saving block progress", zap.Error(err))
			}
		}
	}
}

// assignBalances splits reward over the unpaid share window, appends the
// donation recipients, and marks the block unlocked.
func (u *Unlocker) assignBalances(ctx context.Context, blockID string, reward uint64) {
	unpaid, err := u.store.UnpaidShares(ctx)
	if err != nil {
		u.logger.Warn("Failed to load unpaid shares", zap.Error(err))
		return
	}
	if len(unpaid) == 0 {
		u.logger.Warn("Unlocking a block with no unpaid shares", zap.String("block_id", blockID))
		return
	}

	shareCounts := make([]storage.BlockShare, 0, len(unpaid)+len(u.cfg.Mining.Donations))
	for _, total := range unpaid {
		shareCounts = append(shareCounts, storage.BlockShare{
			Shares:  total.Shares,
			Address: total.Address,
		})
	}
	shareCounts, totalShares := u.appendFees(shareCounts)

	if err := u.store.DistributeBalances(ctx, blockID, reward, shareCounts, totalShares); err != nil {
		u.logger.Warn("Failed recording miner balances",
			zap.String("block_id", blockID),
			zap.Error(err),
		)
		return
	}

	blocksUnlocked.Inc()
	u.logger.Info("Block unlocked",
		zap.String("block_id", blockID),
		zap.Uint64("reward", reward),
		zap.Int("recipients", len(shareCounts)),
	)
}

// appendFees appends donation fee shares and returns the new total share
// count. The pool fee is included in the returned total, but never appended
// as a recipient: no transaction is needed to move funds from the pool
// wallet to itself.
func (u *Unlocker) appendFees(shareCounts []storage.BlockShare) ([]storage.BlockShare, uint64) {
	var minerShares uint64
	for _, share := range shareCounts {
		minerShares += share.Shares
	}

	var devFeePercent float64
	for _, donation := range u.cfg.Mining.Donations {
		devFeePercent += donation.Percent
	}
	totalFeeRatio := (u.cfg.Mining.PoolFee + devFeePercent) / 100.0
	minerSharePortion := 1.0 - totalFeeRatio
	totalShares := uint64(math.Round(float64(minerShares) / minerSharePortion))

	for _, donation := range u.cfg.Mining.Donations {
		shareCounts = append(shareCounts, storage.BlockShare{
			Shares:  uint64(math.Round(float64(totalShares) * donation.Percent / 100.0)),
			Address: donation.Address,
			IsFee:   true,
		})
	}

	return shareCounts, totalShares
}

// processPayments pays every address whose net balance clears the minimum,
// rounded down to the payment denomination.
func (u *Unlocker) processPayments(ctx context.Context) {
	totals, err := u.store.MinerBalanceTotals(ctx)
	if err != nil {
		u.logger.Warn("Failed to load balance totals", zap.Error(err))
		return
	}

	minPayment := uint64(math.Round(u.cfg.Payment.MinPayment * atomicUnitsPerCoin))
	denomination := uint64(math.Round(u.cfg.Payment.Denomination * atomicUnitsPerCoin))

	var destinations []rpc.TransferDestination
	for _, total := range totals {
		if total.Amount <= 0 || uint64(total.Amount) <= minPayment {
			continue
		}
		amount := uint64(total.Amount)
		if denomination > 0 {
			amount -= amount % denomination
		}
		if amount == 0 {
			continue
		}
		destinations = append(destinations, rpc.TransferDestination{
			Amount:  amount,
			Address: total.Address,
		})
	}
	if len(destinations) == 0 {
		return
	}

	// A wallet transfer we cannot record would double-pay on the next
	// cycle, so the store must be reachable before the wallet is called.
	if err := u.store.Ping(ctx); err != nil {
		u.logger.Warn("Store unreachable, deferring payments", zap.Error(err))
		return
	}

	result, err := u.wallet.Transfer(ctx, destinations, u.cfg.Payment.Mixin)
	if err != nil {
		u.logger.Error("Wallet transfer failed", zap.Error(err))
		return
	}

	txHash, err := result.TxHash()
	if err != nil {
		u.logger.Error("Wallet transfer returned no transaction hash", zap.Error(err))
	}

	if err := u.store.LogTransfers(ctx, destinations, txHash, result.TotalFee()); err != nil {
		u.logger.Error("Payments initiated but could not be recorded",
			zap.String("payment_transaction", txHash),
			zap.Error(err),
		)
		return
	}

	var paid uint64
	for _, dest := range destinations {
		paid += dest.Amount
	}
	paymentsSent.Inc()
	paymentAmount.Add(float64(paid))
	u.logger.Info("Payments sent",
		zap.String("payment_transaction", txHash),
		zap.Int("destinations", len(destinations)),
		zap.Uint64("amount", paid),
		zap.Uint64("fee", result.TotalFee()),
	)
}
