package unlocker

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/viddhana/cryptonote-pool/internal/config"
	"github.com/viddhana/cryptonote-pool/internal/rpc"
	"github.com/viddhana/cryptonote-pool/internal/storage"
)

type fakeStore struct {
	pending  []storage.FoundBlock
	unpaid   []storage.ShareTotal
	balances []storage.BalanceTotal
	pingErr  error

	statusChanges map[string]storage.BlockStatus
	progress      map[string]uint64

	distributedBlock  string
	distributedReward uint64
	distributedShares []storage.BlockShare
	distributedTotal  uint64

	loggedTransfers []rpc.TransferDestination
	loggedTxHash    string
	loggedFee       uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statusChanges: make(map[string]storage.BlockStatus),
		progress:      make(map[string]uint64),
	}
}

func (s *fakeStore) PendingSubmittedBlocks(ctx context.Context) ([]storage.FoundBlock, error) {
	return s.pending, nil
}

func (s *fakeStore) SetBlockStatus(ctx context.Context, blockID string, status storage.BlockStatus) error {
	s.statusChanges[blockID] = status
	return nil
}

func (s *fakeStore) RecordBlockProgress(ctx context.Context, blockID string, depth uint64) error {
	s.progress[blockID] = depth
	return nil
}

func (s *fakeStore) UnpaidShares(ctx context.Context) ([]storage.ShareTotal, error) {
	return s.unpaid, nil
}

func (s *fakeStore) DistributeBalances(ctx context.Context, blockID string, reward uint64, shareCounts []storage.BlockShare, totalShares uint64) error {
	s.statusChanges[blockID] = storage.BlockUnlocked
	s.distributedBlock = blockID
	s.distributedReward = reward
	s.distributedShares = shareCounts
	s.distributedTotal = totalShares
	return nil
}

func (s *fakeStore) MinerBalanceTotals(ctx context.Context) ([]storage.BalanceTotal, error) {
	return s.balances, nil
}

func (s *fakeStore) LogTransfers(ctx context.Context, transfers []rpc.TransferDestination, txHash string, fee uint64) error {
	s.loggedTransfers = transfers
	s.loggedTxHash = txHash
	s.loggedFee = fee
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return s.pingErr }

type fakeDaemon struct {
	headers map[uint64]rpc.BlockHeaderResult
}

func (d *fakeDaemon) GetBlockTemplate(ctx context.Context, walletAddress string, reserveSize int) (*rpc.BlockTemplateResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (d *fakeDaemon) SubmitBlock(ctx context.Context, blockBlobHex string) error {
	return fmt.Errorf("not implemented")
}

func (d *fakeDaemon) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*rpc.BlockHeaderResult, error) {
	header, ok := d.headers[height]
	if !ok {
		return nil, fmt.Errorf("no header for height %d", height)
	}
	return &header, nil
}

type fakeWallet struct {
	result       *rpc.TransferResult
	err          error
	destinations []rpc.TransferDestination
	calls        int
}

func (w *fakeWallet) Transfer(ctx context.Context, destinations []rpc.TransferDestination, mixin int) (*rpc.TransferResult, error) {
	w.calls++
	w.destinations = destinations
	if w.err != nil {
		return nil, w.err
	}
	return w.result, nil
}

func testConfig(poolFee float64, donations []config.Donation) *config.Config {
	return &config.Config{
		Mining: config.MiningConfig{
			PoolFee:     poolFee,
			Donations:   donations,
			UnlockDepth: 60,
		},
		Payment: config.PaymentConfig{
			MinPayment:   0.5,
			Denomination: 0.01,
			Mixin:        4,
		},
	}
}

func header(hash string, depth, reward uint64) rpc.BlockHeaderResult {
	var h rpc.BlockHeaderResult
	h.BlockHeader.Hash = hash
	h.BlockHeader.Depth = depth
	h.BlockHeader.Reward = reward
	return h
}

func TestAppendFees(t *testing.T) {
	cfg := testConfig(10, []config.Donation{{Address: "dev", Percent: 15}})
	u := New(cfg, newFakeStore(), &fakeDaemon{}, &fakeWallet{}, zap.NewNop())

	shareCounts := []storage.BlockShare{
		{Shares: 150000, Address: "miner1"},
		{Shares: 50000, Address: "miner2"},
	}
	shareCounts, totalShares := u.appendFees(shareCounts)

	// The total fee is 25%, so miners hold 75% of the total share count.
	if totalShares*3/4 != 150000+50000 {
		t.Errorf("miner portion = %d, want 200000", totalShares*3/4)
	}

	// 90% of shares are distributed as transactions; the 10% pool fee just
	// stays in the pool wallet.
	var distributed uint64
	for _, share := range shareCounts {
		distributed += share.Shares
	}
	if totalShares*9/10 != distributed {
		t.Errorf("distributed shares = %d, want %d", distributed, totalShares*9/10)
	}

	last := shareCounts[len(shareCounts)-1]
	if last.Address != "dev" || !last.IsFee {
		t.Errorf("appended share = %+v, want the dev donation marked as fee", last)
	}
}

func TestProcessBlocksOrphansMismatchedHash(t *testing.T) {
	store := newFakeStore()
	store.pending = []storage.FoundBlock{{BlockID: "ours", Height: 100}}
	store.unpaid = []storage.ShareTotal{{Address: "miner1", Shares: 1000}}
	daemon := &fakeDaemon{headers: map[uint64]rpc.BlockHeaderResult{
		100: header("theirs", 70, 5000),
	}}
	u := New(testConfig(0, nil), store, daemon, &fakeWallet{}, zap.NewNop())

	u.processBlocks(context.Background())

	if store.statusChanges["ours"] != storage.BlockOrphaned {
		t.Errorf("status = %v, want orphaned", store.statusChanges["ours"])
	}
	if store.distributedBlock != "" {
		t.Error("orphaned block distributed balances")
	}
}

func TestProcessBlocksRecordsProgressWhileMaturing(t *testing.T) {
	store := newFakeStore()
	store.pending = []storage.FoundBlock{{BlockID: "ours", Height: 100}}
	daemon := &fakeDaemon{headers: map[uint64]rpc.BlockHeaderResult{
		100: header("ours", 10, 5000),
	}}
	u := New(testConfig(0, nil), store, daemon, &fakeWallet{}, zap.NewNop())

	u.processBlocks(context.Background())

	if depth, ok := store.progress["ours"]; !ok || depth != 10 {
		t.Errorf("progress = (%d, %v), want depth 10 recorded", depth, ok)
	}
	if _, changed := store.statusChanges["ours"]; changed {
		t.Error("maturing block changed status")
	}
}

func TestProcessBlocksUnlocksAtDepth(t *testing.T) {
	store := newFakeStore()
	store.pending = []storage.FoundBlock{{BlockID: "ours", Height: 100}}
	store.unpaid = []storage.ShareTotal{
		{Address: "miner1", Shares: 150000},
		{Address: "miner2", Shares: 50000},
	}
	daemon := &fakeDaemon{headers: map[uint64]rpc.BlockHeaderResult{
		100: header("ours", 60, 7000000000000),
	}}
	u := New(testConfig(0, nil), store, daemon, &fakeWallet{}, zap.NewNop())

	u.processBlocks(context.Background())

	if store.statusChanges["ours"] != storage.BlockUnlocked {
		t.Fatalf("status = %v, want unlocked", store.statusChanges["ours"])
	}
	if store.distributedBlock != "ours" || store.distributedReward != 7000000000000 {
		t.Errorf("distributed (%q, %d), want (ours, 7000000000000)", store.distributedBlock, store.distributedReward)
	}
	// With no fees configured the total equals the miner share sum.
	if store.distributedTotal != 200000 {
		t.Errorf("total shares = %d, want 200000", store.distributedTotal)
	}
	if len(store.distributedShares) != 2 {
		t.Errorf("recipients = %d, want 2", len(store.distributedShares))
	}
}

func TestProcessPaymentsBatchesAboveThreshold(t *testing.T) {
	store := newFakeStore()
	store.balances = []storage.BalanceTotal{
		{Address: "rich", Amount: 2_000_000_007_777},
		{Address: "poor", Amount: 400_000_000_000},
		{Address: "overdrawn", Amount: -5},
	}
	wallet := &fakeWallet{result: &rpc.TransferResult{
		TxHashList: []string{"txhash1"},
		FeeList:    []uint64{100, 200},
	}}
	u := New(testConfig(0, nil), store, &fakeDaemon{}, wallet, zap.NewNop())

	u.processPayments(context.Background())

	if wallet.calls != 1 {
		t.Fatalf("wallet called %d times, want 1", wallet.calls)
	}
	if len(wallet.destinations) != 1 {
		t.Fatalf("destinations = %d, want only the address above the minimum", len(wallet.destinations))
	}
	dest := wallet.destinations[0]
	if dest.Address != "rich" {
		t.Errorf("destination = %q, want rich", dest.Address)
	}
	// Rounded down to a whole payment denomination (0.01 coins).
	if dest.Amount != 2_000_000_000_000 {
		t.Errorf("amount = %d, want 2000000000000", dest.Amount)
	}

	if store.loggedTxHash != "txhash1" {
		t.Errorf("recorded tx hash = %q, want txhash1", store.loggedTxHash)
	}
	if store.loggedFee != 300 {
		t.Errorf("recorded fee = %d, want the summed fee list 300", store.loggedFee)
	}
	if len(store.loggedTransfers) != 1 || store.loggedTransfers[0].Amount != dest.Amount {
		t.Error("ledger debit does not match the transfer")
	}
}

func TestProcessPaymentsDeferredWhenStoreUnreachable(t *testing.T) {
	store := newFakeStore()
	store.balances = []storage.BalanceTotal{{Address: "rich", Amount: 2_000_000_000_000}}
	store.pingErr = fmt.Errorf("connection refused")
	wallet := &fakeWallet{result: &rpc.TransferResult{TxHashList: []string{"txhash1"}}}
	u := New(testConfig(0, nil), store, &fakeDaemon{}, wallet, zap.NewNop())

	u.processPayments(context.Background())

	if wallet.calls != 0 {
		t.Error("wallet called while the store was unreachable")
	}
}

func TestProcessPaymentsWalletFailureLeavesBalances(t *testing.T) {
	store := newFakeStore()
	store.balances = []storage.BalanceTotal{{Address: "rich", Amount: 2_000_000_000_000}}
	wallet := &fakeWallet{err: fmt.Errorf("wallet busy")}
	u := New(testConfig(0, nil), store, &fakeDaemon{}, wallet, zap.NewNop())

	u.processPayments(context.Background())

	if store.loggedTransfers != nil {
		t.Error("failed transfer was recorded against balances")
	}
}

func TestProcessPaymentsSkipsWhenNothingPayable(t *testing.T) {
	store := newFakeStore()
	store.balances = []storage.BalanceTotal{{Address: "poor", Amount: 100}}
	wallet := &fakeWallet{}
	u := New(testConfig(0, nil), store, &fakeDaemon{}, wallet, zap.NewNop())

	u.processPayments(context.Background())

	if wallet.calls != 0 {
		t.Error("wallet called with nothing payable")
	}
}
