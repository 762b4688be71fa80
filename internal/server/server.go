package server

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/viddhana/cryptonote-pool/internal/config"
	"github.com/viddhana/cryptonote-pool/internal/mining"
	"github.com/viddhana/cryptonote-pool/internal/rpc"
)

var (
	activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_active_connections",
		Help: "Number of active connections per stratum port.",
	}, []string{"port"})
	totalConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_connections_total",
		Help: "Total number of accepted connections per stratum port.",
	}, []string{"port"})
	bansIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pool_ip_bans_total",
		Help: "Total number of IP bans issued for invalid shares.",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, totalConnections, bansIssued)
}

// ShareStore is the slice of the durable store the stratum server writes
// to: accepted shares and found block candidates.
type ShareStore interface {
	SharesAccepted(ctx context.Context, address, alias string, shares uint64) error
	BlockFound(ctx context.Context, blockID string, height uint64) error
}

// SessionStats receives ephemeral per-miner bookkeeping. May be nil when no
// Redis is configured; the server then skips statistics entirely.
type SessionStats interface {
	AddOnlineMiner(ctx context.Context, address string) error
	RemoveOnlineMiner(ctx context.Context, address string) error
	SetMinerDifficulty(ctx context.Context, address string, difficulty uint64) error
	RecordShareForHashrate(ctx context.Context, address string, difficulty uint64) error
}

// StratumServer is one listening stratum port: it accepts TCP connections,
// speaks line-delimited JSON-RPC with miners, tracks their sessions in a
// TTL'd LRU and enforces the per-port IP ban list.
type StratumServer struct {
	cfg       config.PortConfig
	logger    *zap.Logger
	provider  *mining.JobProvider
	daemon    rpc.DaemonClient
	store     ShareStore
	stats     SessionStats
	addressRe *regexp.Regexp
	maxAlias  int

	sessionsMu sync.Mutex
	sessions   *lru.LRU[string, *MinerSession]
	bans       *ipBanList
	conns      sync.Map

	listener  net.Listener
	connCount int64
	shutdown  atomic.Bool
	wg        sync.WaitGroup
}

// New creates a StratumServer for one configured port. addressRe is the
// per-currency wallet address pattern derived from the pool wallet's
// prefix character.
func New(cfg config.PortConfig, mcfg config.MiningConfig, logger *zap.Logger, provider *mining.JobProvider, daemon rpc.DaemonClient, store ShareStore, stats SessionStats, addressRe *regexp.Regexp) *StratumServer {
	return &StratumServer{
		cfg:       cfg,
		logger:    logger.Named("stratum").With(zap.Int("port", cfg.Port)),
		provider:  provider,
		daemon:    daemon,
		store:     store,
		stats:     stats,
		addressRe: addressRe,
		maxAlias:  mcfg.MaxAliasLength,
		sessions:  lru.NewLRU[string, *MinerSession](cfg.MaxConnections, nil, mcfg.SessionTTL),
		bans:      newIPBanList(mcfg.BanDuration),
	}
}

// Start listens on the configured port and accepts connections until ctx is
// cancelled or Shutdown is called.
func (s *StratumServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("Stratum server started",
		zap.Uint64("starting_difficulty", s.cfg.StartingDifficulty),
		zap.Float64("target_time", s.cfg.TargetTime),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	return s.serve(ctx)
}

// serve accepts connections on s.listener until shutdown.
func (s *StratumServer) serve(ctx context.Context) error {
	portLabel := fmt.Sprintf("%d", s.cfg.Port)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("Max connections reached, rejecting connection",
				zap.String("remote_addr", conn.RemoteAddr().String()),
			)
			conn.Close()
			continue
		}

		totalConnections.WithLabelValues(portLabel).Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			atomic.AddInt64(&s.connCount, 1)
			activeConnections.WithLabelValues(portLabel).Inc()
			defer func() {
				atomic.AddInt64(&s.connCount, -1)
				activeConnections.WithLabelValues(portLabel).Dec()
			}()
			c := newConnection(conn, s)
			s.conns.Store(c, struct{}{})
			defer s.conns.Delete(c)
			c.handle(ctx)
		}()
	}
}

// RefreshAllJobs pushes a fresh job to every live session, each at that
// session's current difficulty. Called by the refresh loop whenever the
// block template advances or the push deadline lapses.
func (s *StratumServer) RefreshAllJobs() {
	sessions := s.snapshotSessions()
	s.logger.Debug("Refreshing jobs", zap.Int("sessions", len(sessions)))
	for _, session := range sessions {
		if err := session.RetargetJob(s.provider); err != nil {
			s.logger.Warn("Failed to push job",
				zap.String("session_id", session.ID),
				zap.Error(err),
			)
		}
	}
}

// EstimatedHashrate sums each live session's difficulty over the port's
// share target time. Difficulty is the expected hash count per share, so a
// miner holding its target cadence contributes difficulty/targetTime hashes
// per second.
func (s *StratumServer) EstimatedHashrate() float64 {
	var total float64
	for _, session := range s.snapshotSessions() {
		total += float64(session.Difficulty())
	}
	return total / s.cfg.TargetTime
}

func (s *StratumServer) snapshotSessions() []*MinerSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions.Values()
}

func (s *StratumServer) addSession(session *MinerSession) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions.Add(session.ID, session)
}

func (s *StratumServer) getSession(id string) (*MinerSession, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions.Get(id)
}

// Shutdown stops accepting connections and waits for in-flight handlers,
// bounded by ctx.
func (s *StratumServer) Shutdown(ctx context.Context) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	s.conns.Range(func(key, _ interface{}) bool {
		key.(*connection).close()
		return true
	})
	for _, session := range s.snapshotSessions() {
		session.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout, some connections may still be open")
	}
	return nil
}

// banPeer bans the peer IP that produced an invalid share.
func (s *StratumServer) banPeer(addr net.Addr) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	s.logger.Info("Banning IP due to bad share", zap.String("ip", host))
	s.bans.Ban(host)
	bansIssued.Inc()
}

func (s *StratumServer) peerBanned(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return s.bans.Banned(host)
}

// sessionTimeout bounds how long a connection may sit idle before the read
// loop gives up on it. Sessions themselves outlive connections in the LRU
// until the configured session TTL expires.
const sessionTimeout = 10 * time.Minute
