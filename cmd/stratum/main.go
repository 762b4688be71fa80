// Package main is the entry point for the pool server. It wires the shared
// application context (config, RPC clients, stores, address pattern), spawns
// one stratum server per configured port, and drives the refresh loop that
// polls for new block templates and runs the unlocker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/viddhana/cryptonote-pool/internal/config"
	"github.com/viddhana/cryptonote-pool/internal/mining"
	"github.com/viddhana/cryptonote-pool/internal/rpc"
	"github.com/viddhana/cryptonote-pool/internal/server"
	"github.com/viddhana/cryptonote-pool/internal/storage"
	"github.com/viddhana/cryptonote-pool/internal/unlocker"
	"github.com/viddhana/cryptonote-pool/pkg/cryptonight"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

// base58Chars is the CryptoNote address alphabet (Bitcoin base58, i.e. no
// 0, O, I or l).
const base58Chars = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// refreshDeadlineTicks forces a job push to every session after this many
// template polls without a height advance, so difficulty retargets reach
// miners even on a quiet chain.
const refreshDeadlineTicks = 10

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting pool server",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("hash_type", cfg.Mining.HashType),
	)

	hashType, err := cryptonight.ParseHashType(cfg.Mining.HashType)
	if err != nil {
		logger.Fatal("Invalid hash type", zap.Error(err))
	}

	// The first character of the pool wallet determines the per-currency
	// address prefix every miner login must match.
	currencyPrefix := cfg.Mining.PoolWallet[:1]
	addressRe, err := regexp.Compile("^" + regexp.QuoteMeta(currencyPrefix) + "[a-zA-Z0-9][" + base58Chars + "]{93}$")
	if err != nil {
		logger.Fatal("Failed to build address pattern", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon := rpc.NewDaemonClient(rpc.New(cfg.Daemon.URL, cfg.Daemon.Timeout))
	wallet := rpc.NewWalletClient(rpc.New(cfg.Wallet.URL, cfg.Wallet.Timeout))

	redisStorage, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisStorage.Close()

	pgStorage, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgStorage.Close()

	templates := mining.NewTemplateStore(daemon, cfg.Mining.PoolWallet)
	provider := mining.NewJobProvider(templates, hashType)
	blockUnlocker := unlocker.New(cfg, pgStorage, daemon, wallet, logger)

	servers := make([]*server.StratumServer, 0, len(cfg.Mining.Ports))
	for _, portCfg := range cfg.Mining.Ports {
		srv := server.New(portCfg, cfg.Mining, logger, provider, daemon, pgStorage, redisStorage, addressRe)
		servers = append(servers, srv)
		go func() {
			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Stratum server error", zap.Error(err))
				cancel()
			}
		}()
	}

	go refreshLoop(ctx, cfg, logger, templates, servers, blockUnlocker, redisStorage)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Metrics, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during shutdown", zap.Error(err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	logger.Info("Server shutdown complete")
}

// refreshLoop is the pool's heartbeat: every poll interval it asks for a
// new block template, pushes fresh jobs to every session whenever the
// height advances (or the push deadline lapses), and runs one unlocker
// pass.
func refreshLoop(ctx context.Context, cfg *config.Config, logger *zap.Logger, templates *mining.TemplateStore, servers []*server.StratumServer, blockUnlocker *unlocker.Unlocker, stats *storage.RedisClient) {
	log := logger.Named("refresh")
	ticker := time.NewTicker(cfg.Mining.TemplatePoll)
	defer ticker.Stop()

	ticksSinceRefresh := 0
	for {
		replaced, err := templates.FetchNewTemplate(ctx)
		if err != nil {
			// Keep mining on the previous template through daemon flaps.
			log.Warn("Failed to fetch block template", zap.Error(err))
		}

		if replaced || ticksSinceRefresh > refreshDeadlineTicks {
			log.Debug("Refreshing jobs", zap.Int("servers", len(servers)))
			for _, srv := range servers {
				srv.RefreshAllJobs()
			}
			ticksSinceRefresh = 0
		}

		blockUnlocker.Refresh(ctx)

		var hashrate float64
		for _, srv := range servers {
			hashrate += srv.EstimatedHashrate()
		}
		if err := stats.UpdatePoolHashrate(ctx, hashrate); err != nil {
			log.Debug("Failed to update pool hashrate", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ticksSinceRefresh++
	}
}

// startMetricsServer exposes Prometheus metrics and a health probe.
func startMetricsServer(cfg config.MetricsConfig, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("Metrics server started", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return srv
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}
