// Package storage persists the pool's durable state in PostgreSQL: accepted
// shares, found blocks and their maturation status, depth snapshots, the
// signed miner balance ledger and initiated payments. Ephemeral state
// (hashrate rollups, online miners) lives in Redis, see redis.go.
package storage

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/viddhana/cryptonote-pool/internal/config"
	"github.com/viddhana/cryptonote-pool/internal/rpc"
)

// BlockStatus is a found block's maturation state. Submitted blocks either
// orphan or unlock; both are terminal.
type BlockStatus int

const (
	BlockSubmitted BlockStatus = iota
	BlockOrphaned
	BlockUnlocked
)

// FoundBlock is a block candidate the pool submitted to the daemon.
type FoundBlock struct {
	BlockID string
	Height  uint64
	Status  BlockStatus
	Created time.Time
}

// ShareTotal is a per-address aggregate of accepted share difficulty.
type ShareTotal struct {
	Address string
	Shares  uint64
}

// BlockShare is one recipient's slice of a block reward: a miner's share
// total, or a donation appended at a fixed percentage.
type BlockShare struct {
	Shares  uint64
	Address string
	IsFee   bool
}

// BalanceTotal is the net signed balance of one address across every
// miner_balance row.
type BalanceTotal struct {
	Address string
	Amount  int64
}

// MinerBalance is one signed ledger row: positive from reward distribution,
// negative from a paid transfer.
type MinerBalance struct {
	Address            string
	Change             int64
	IsFee              bool
	PaymentTransaction *string
	Created            time.Time
}

// BlockProgress is an informational depth snapshot for a maturing block.
type BlockProgress struct {
	BlockID string
	Depth   uint64
	Created time.Time
}

// MinerStat is one row of the 5-minute share aggregation backing the
// statistics read contract.
type MinerStat struct {
	Shares        uint64
	MinerAlias    string
	CreatedMinute time.Time
}

// PostgresClient is the durable Store backing shares, blocks, balances and
// payments.
type PostgresClient struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresClient connects to PostgreSQL and ensures the schema exists.
func NewPostgresClient(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresClient, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	client := &PostgresClient{
		pool:   pool,
		logger: logger.Named("postgres"),
	}

	if err := client.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return client, nil
}

// Close closes the database connection pool.
func (p *PostgresClient) Close() {
	p.pool.Close()
}

// Ping verifies the store is reachable. The payment batcher calls this
// before initiating a wallet transfer: paying out without being able to
// record the debit would double-pay on the next cycle.
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// initSchema creates the pool's tables if they don't exist.
func (p *PostgresClient) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS valid_share (
			id BIGSERIAL PRIMARY KEY,
			address VARCHAR(106) NOT NULL,
			miner_alias VARCHAR(100) NOT NULL,
			shares BIGINT NOT NULL,
			created TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_valid_share_address ON valid_share(address);
		CREATE INDEX IF NOT EXISTS idx_valid_share_created ON valid_share(created);

		CREATE TABLE IF NOT EXISTS found_block (
			block_id VARCHAR(64) PRIMARY KEY,
			height BIGINT NOT NULL,
			status SMALLINT NOT NULL DEFAULT 0,
			created TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_found_block_status ON found_block(status);

		CREATE TABLE IF NOT EXISTS block_progress (
			id BIGSERIAL PRIMARY KEY,
			block_id VARCHAR(64) NOT NULL,
			block_depth BIGINT NOT NULL,
			created TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_block_progress_block ON block_progress(block_id);

		CREATE TABLE IF NOT EXISTS miner_balance (
			id BIGSERIAL PRIMARY KEY,
			address VARCHAR(106) NOT NULL,
			change BIGINT NOT NULL,
			is_fee BOOLEAN NOT NULL DEFAULT FALSE,
			payment_transaction VARCHAR(64),
			created TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_miner_balance_address ON miner_balance(address);

		CREATE TABLE IF NOT EXISTS pool_payment (
			id BIGSERIAL PRIMARY KEY,
			payment_transaction VARCHAR(64) NOT NULL,
			fee BIGINT NOT NULL,
			created TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`

	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// SharesAccepted appends one accepted share row, credited at the job's
// difficulty.
func (p *PostgresClient) SharesAccepted(ctx context.Context, address, alias string, shares uint64) error {
	query := `INSERT INTO valid_share (address, miner_alias, shares) VALUES ($1, $2, $3)`

	_, err := p.pool.Exec(ctx, query, address, alias, int64(shares))
	if err != nil {
		return fmt.Errorf("failed to insert share: %w", err)
	}

	return nil
}

// BlockFound records a newly submitted block candidate in the Submitted
// state.
func (p *PostgresClient) BlockFound(ctx context.Context, blockID string, height uint64) error {
	query := `INSERT INTO found_block (block_id, height, status) VALUES ($1, $2, $3)`

	_, err := p.pool.Exec(ctx, query, blockID, int64(height), int(BlockSubmitted))
	if err != nil {
		return fmt.Errorf("failed to insert found block: %w", err)
	}

	return nil
}

// SetBlockStatus transitions a found block to a new maturation state.
func (p *PostgresClient) SetBlockStatus(ctx context.Context, blockID string, status BlockStatus) error {
	query := `UPDATE found_block SET status = $2 WHERE block_id = $1`

	_, err := p.pool.Exec(ctx, query, blockID, int(status))
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}

	return nil
}

// RecordBlockProgress snapshots the daemon-reported depth of a maturing
// block.
func (p *PostgresClient) RecordBlockProgress(ctx context.Context, blockID string, depth uint64) error {
	query := `INSERT INTO block_progress (block_id, block_depth) VALUES ($1, $2)`

	_, err := p.pool.Exec(ctx, query, blockID, int64(depth))
	if err != nil {
		return fmt.Errorf("failed to insert block progress: %w", err)
	}

	return nil
}

// RecentBlockProgress returns the latest depth snapshots, newest first. This
// is a read path for the statistics layer.
func (p *PostgresClient) RecentBlockProgress(ctx context.Context, limit int) ([]BlockProgress, error) {
	query := `
		SELECT block_id, block_depth, created FROM block_progress
		ORDER BY created DESC
		LIMIT $1
	`

	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get block progress: %w", err)
	}
	defer rows.Close()

	var progress []BlockProgress
	for rows.Next() {
		var bp BlockProgress
		var depth int64
		if err := rows.Scan(&bp.BlockID, &depth, &bp.Created); err != nil {
			return nil, fmt.Errorf("failed to scan block progress: %w", err)
		}
		bp.Depth = uint64(depth)
		progress = append(progress, bp)
	}

	return progress, rows.Err()
}

// PendingSubmittedBlocks returns every found block still awaiting
// maturation.
func (p *PostgresClient) PendingSubmittedBlocks(ctx context.Context) ([]FoundBlock, error) {
	query := `SELECT block_id, height, status, created FROM found_block WHERE status = $1`

	rows, err := p.pool.Query(ctx, query, int(BlockSubmitted))
	if err != nil {
		return nil, fmt.Errorf("failed to get submitted blocks: %w", err)
	}
	defer rows.Close()

	var blocks []FoundBlock
	for rows.Next() {
		var b FoundBlock
		var height int64
		var status int
		if err := rows.Scan(&b.BlockID, &height, &status, &b.Created); err != nil {
			return nil, fmt.Errorf("failed to scan found block: %w", err)
		}
		b.Height = uint64(height)
		b.Status = BlockStatus(status)
		blocks = append(blocks, b)
	}

	return blocks, rows.Err()
}

// LastUnlockTime returns when the most recently unlocked block was found, or
// false if no block has ever unlocked. Shares after this instant are the
// unpaid window the next unlock distributes over.
func (p *PostgresClient) LastUnlockTime(ctx context.Context) (time.Time, bool, error) {
	query := `SELECT max(created) FROM found_block WHERE status = $1`

	var last *time.Time
	if err := p.pool.QueryRow(ctx, query, int(BlockUnlocked)).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get last unlock time: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// UnpaidShares aggregates accepted shares by address over the window since
// the last unlocked block (all time if none has unlocked yet).
func (p *PostgresClient) UnpaidShares(ctx context.Context) ([]ShareTotal, error) {
	since, ok, err := p.LastUnlockTime(ctx)
	if err != nil {
		return nil, err
	}

	var rowsQuery string
	var args []interface{}
	if ok {
		rowsQuery = `SELECT address, CAST(SUM(shares) AS BIGINT) FROM valid_share WHERE created > $1 GROUP BY address`
		args = []interface{}{since}
	} else {
		rowsQuery = `SELECT address, CAST(SUM(shares) AS BIGINT) FROM valid_share GROUP BY address`
	}

	rows, err := p.pool.Query(ctx, rowsQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get unpaid shares: %w", err)
	}
	defer rows.Close()

	var totals []ShareTotal
	for rows.Next() {
		var t ShareTotal
		var shares int64
		if err := rows.Scan(&t.Address, &shares); err != nil {
			return nil, fmt.Errorf("failed to scan share total: %w", err)
		}
		t.Shares = uint64(shares)
		totals = append(totals, t)
	}

	return totals, rows.Err()
}

// DistributeBalances marks the block unlocked and writes one miner_balance
// row per recipient, each credited floor(shares * reward / totalShares).
// The multiplication is done at 128-bit width; share counts and atomic-unit
// rewards both approach 64 bits.
func (p *PostgresClient) DistributeBalances(ctx context.Context, blockID string, reward uint64, shareCounts []BlockShare, totalShares uint64) error {
	if err := p.SetBlockStatus(ctx, blockID, BlockUnlocked); err != nil {
		return err
	}

	total := new(big.Int).SetUint64(totalShares)
	for _, share := range shareCounts {
		change := new(big.Int).SetUint64(share.Shares)
		change.Mul(change, new(big.Int).SetUint64(reward))
		change.Div(change, total)

		query := `INSERT INTO miner_balance (address, change, is_fee) VALUES ($1, $2, $3)`
		if _, err := p.pool.Exec(ctx, query, share.Address, change.Int64(), share.IsFee); err != nil {
			return fmt.Errorf("failed to record miner balance: %w", err)
		}
	}

	return nil
}

// MinerBalanceTotals returns the net signed balance per address.
func (p *PostgresClient) MinerBalanceTotals(ctx context.Context) ([]BalanceTotal, error) {
	query := `SELECT address, CAST(SUM(change) AS BIGINT) FROM miner_balance GROUP BY address`

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance totals: %w", err)
	}
	defer rows.Close()

	var totals []BalanceTotal
	for rows.Next() {
		var t BalanceTotal
		if err := rows.Scan(&t.Address, &t.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan balance total: %w", err)
		}
		totals = append(totals, t)
	}

	return totals, rows.Err()
}

// LogTransfers records a completed wallet transfer: one negative balance row
// per destination referencing the transaction, plus the pool_payment row
// carrying the network fee.
func (p *PostgresClient) LogTransfers(ctx context.Context, transfers []rpc.TransferDestination, txHash string, fee uint64) error {
	for _, transfer := range transfers {
		query := `INSERT INTO miner_balance (address, change, is_fee, payment_transaction) VALUES ($1, $2, FALSE, $3)`
		if _, err := p.pool.Exec(ctx, query, transfer.Address, -int64(transfer.Amount), txHash); err != nil {
			return fmt.Errorf("failed to subtract payment from miner balance: %w", err)
		}
	}

	query := `INSERT INTO pool_payment (payment_transaction, fee) VALUES ($1, $2)`
	if _, err := p.pool.Exec(ctx, query, txHash, int64(fee)); err != nil {
		return fmt.Errorf("failed to insert pool payment: %w", err)
	}

	return nil
}

// TransactionsByAddress returns every ledger row for one address, a read
// path for the statistics layer.
func (p *PostgresClient) TransactionsByAddress(ctx context.Context, address string) ([]MinerBalance, error) {
	query := `
		SELECT address, change, is_fee, payment_transaction, created
		FROM miner_balance WHERE address = $1
		ORDER BY created
	`

	rows, err := p.pool.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var balances []MinerBalance
	for rows.Next() {
		var b MinerBalance
		if err := rows.Scan(&b.Address, &b.Change, &b.IsFee, &b.PaymentTransaction, &b.Created); err != nil {
			return nil, fmt.Errorf("failed to scan miner balance: %w", err)
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// HashratesByAddress returns one miner's accepted shares over the last 24
// hours, bucketed into 5-minute intervals by alias.
func (p *PostgresClient) HashratesByAddress(ctx context.Context, address string) ([]MinerStat, error) {
	query := `
		SELECT CAST(SUM(shares) AS BIGINT) AS shares, miner_alias,
		       date_trunc('hour', created) + date_part('minute', created)::int / 5 * interval '5 min' AS created_minute
		FROM valid_share
		WHERE address = $1 AND created > now() - interval '24 hours'
		GROUP BY miner_alias, created_minute
		ORDER BY created_minute
	`

	return p.queryStats(ctx, query, address)
}

// Hashrates returns the pool-wide 5-minute share aggregation over the last
// 24 hours.
func (p *PostgresClient) Hashrates(ctx context.Context) ([]MinerStat, error) {
	query := `
		SELECT CAST(SUM(shares) AS BIGINT) AS shares, miner_alias,
		       date_trunc('hour', created) + date_part('minute', created)::int / 5 * interval '5 min' AS created_minute
		FROM valid_share
		WHERE created > now() - interval '24 hours'
		GROUP BY miner_alias, created_minute
		ORDER BY created_minute
	`

	return p.queryStats(ctx, query)
}

func (p *PostgresClient) queryStats(ctx context.Context, query string, args ...interface{}) ([]MinerStat, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get miner stats: %w", err)
	}
	defer rows.Close()

	var stats []MinerStat
	for rows.Next() {
		var s MinerStat
		var shares int64
		if err := rows.Scan(&shares, &s.MinerAlias, &s.CreatedMinute); err != nil {
			return nil, fmt.Errorf("failed to scan miner stats: %w", err)
		}
		s.Shares = uint64(shares)
		stats = append(stats, s)
	}

	return stats, rows.Err()
}
