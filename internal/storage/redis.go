// Package storage: Redis client for ephemeral real-time state.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/viddhana/cryptonote-pool/internal/config"
)

// RedisClient tracks the pool's ephemeral state: which miners are online,
// rolling per-miner share windows for hashrate estimation, and a pool-wide
// hashrate rollup. Everything here is reconstructible; a Redis restart
// costs statistics, never balances.
type RedisClient struct {
	client    *redis.Client
	cfg       config.RedisConfig
	logger    *zap.Logger
	keyPrefix string
}

// NewRedisClient creates a new Redis client.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	return &RedisClient{
		client:    client,
		cfg:       cfg,
		logger:    logger.Named("redis"),
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// key generates a prefixed key.
func (r *RedisClient) key(parts ...string) string {
	key := r.keyPrefix
	for _, part := range parts {
		key += part + ":"
	}
	return key[:len(key)-1]
}

// AddOnlineMiner adds a miner address to the online set and refreshes its
// heartbeat.
func (r *RedisClient) AddOnlineMiner(ctx context.Context, address string) error {
	key := r.key("miners", "online")

	if _, err := r.client.SAdd(ctx, key, address).Result(); err != nil {
		return fmt.Errorf("failed to add online miner: %w", err)
	}

	heartbeatKey := r.key("miner", address, "heartbeat")
	_, err := r.client.Set(ctx, heartbeatKey, time.Now().Unix(), r.cfg.MinerTTL).Result()

	return err
}

// RemoveOnlineMiner removes a miner address from the online set.
func (r *RedisClient) RemoveOnlineMiner(ctx context.Context, address string) error {
	key := r.key("miners", "online")

	if _, err := r.client.SRem(ctx, key, address).Result(); err != nil {
		return fmt.Errorf("failed to remove online miner: %w", err)
	}

	heartbeatKey := r.key("miner", address, "heartbeat")
	r.client.Del(ctx, heartbeatKey)

	return nil
}

// OnlineMinerCount returns the number of distinct online miner addresses.
func (r *RedisClient) OnlineMinerCount(ctx context.Context) (int64, error) {
	key := r.key("miners", "online")

	count, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get online miner count: %w", err)
	}

	return count, nil
}

// SetMinerDifficulty publishes a miner's current VarDiff assignment for the
// statistics layer.
func (r *RedisClient) SetMinerDifficulty(ctx context.Context, address string, difficulty uint64) error {
	key := r.key("miner", address, "difficulty")

	_, err := r.client.Set(ctx, key, difficulty, r.cfg.MinerTTL).Result()
	return err
}

// RecordShareForHashrate records one accepted share's difficulty in the
// miner's rolling window.
func (r *RedisClient) RecordShareForHashrate(ctx context.Context, address string, difficulty uint64) error {
	key := r.key("miner", address, "share_times")
	now := float64(time.Now().UnixNano())

	_, err := r.client.ZAdd(ctx, key, redis.Z{
		Score:  now,
		Member: fmt.Sprintf("%d:%d", time.Now().UnixNano(), difficulty),
	}).Result()
	if err != nil {
		return err
	}

	cutoff := float64(time.Now().Add(-hashrateWindow).UnixNano())
	r.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", cutoff))
	r.client.Expire(ctx, key, time.Hour)

	return nil
}

// hashrateWindow is how far back the rolling share window reaches when
// estimating a miner's hashrate.
const hashrateWindow = 10 * time.Minute

// MinerHashrate estimates a miner's hashrate from its rolling share window.
// CryptoNote difficulty is the expected hash count per share, so the
// estimate is simply summed difficulty over elapsed time.
func (r *RedisClient) MinerHashrate(ctx context.Context, address string) (float64, error) {
	key := r.key("miner", address, "share_times")

	cutoff := float64(time.Now().Add(-hashrateWindow).UnixNano())
	now := float64(time.Now().UnixNano())

	results, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", cutoff),
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get share times: %w", err)
	}

	if len(results) < 2 {
		return 0, nil
	}

	var totalDiff float64
	for _, z := range results {
		member, _ := z.Member.(string)
		var ts int64
		var diff uint64
		if _, err := fmt.Sscanf(member, "%d:%d", &ts, &diff); err == nil {
			totalDiff += float64(diff)
		}
	}

	timeSpanSeconds := (results[len(results)-1].Score - results[0].Score) / 1e9
	if timeSpanSeconds <= 0 {
		return 0, nil
	}

	return totalDiff / timeSpanSeconds, nil
}

// UpdatePoolHashrate caches the pool-wide hashrate rollup.
func (r *RedisClient) UpdatePoolHashrate(ctx context.Context, hashrate float64) error {
	key := r.key("pool", "hashrate")

	_, err := r.client.Set(ctx, key, hashrate, time.Minute).Result()
	return err
}

// GetPoolHashrate gets the cached pool-wide hashrate.
func (r *RedisClient) GetPoolHashrate(ctx context.Context) (float64, error) {
	key := r.key("pool", "hashrate")

	result, err := r.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get pool hashrate: %w", err)
	}

	return result, nil
}
