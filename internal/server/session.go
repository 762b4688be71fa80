// Package server implements the per-port Stratum-style JSON-RPC TCP server:
// miner session bookkeeping, connection handling, VarDiff and the IP ban
// list.
package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/viddhana/cryptonote-pool/internal/mining"
)

// jobCacheSize caps the jobs a miner can have outstanding: only the three
// most recently issued are accepted on submit.
const jobCacheSize = 3

// unboundedJobQueue is an unbounded, goroutine-safe FIFO of pushed jobs. A
// miner connection drains it at its own pace; the server never blocks (or
// drops pushes) waiting on a slow reader, matching this pool's explicit
// choice to let the notifier outrun a stalled writer rather than apply
// backpressure to the whole broadcast.
type unboundedJobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*mining.Job
	closed bool
}

func newUnboundedJobQueue() *unboundedJobQueue {
	q := &unboundedJobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *unboundedJobQueue) push(j *mining.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, j)
	q.cond.Signal()
}

// pop blocks until a job is available or the queue is closed.
func (q *unboundedJobQueue) pop() (*mining.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j, true
}

func (q *unboundedJobQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// MinerSession tracks one logged-in miner: its identity, current
// difficulty, VarDiff bookkeeping and the small cache of jobs it has
// outstanding.
type MinerSession struct {
	ID       string
	Login    string
	Alias    string
	PeerAddr net.Addr

	difficulty atomic.Uint64

	sessionStart time.Time
	totalShares  atomic.Uint64

	jobsMu sync.Mutex
	jobs   *lru.Cache[string, *mining.Job]

	pushQueue *unboundedJobQueue
}

// NewMinerSession creates a session starting at startingDifficulty.
func NewMinerSession(id, login, alias string, peerAddr net.Addr, startingDifficulty uint64) *MinerSession {
	jobs, _ := lru.New[string, *mining.Job](jobCacheSize)
	s := &MinerSession{
		ID:           id,
		Login:        login,
		Alias:        alias,
		PeerAddr:     peerAddr,
		sessionStart: time.Now(),
		jobs:         jobs,
		pushQueue:    newUnboundedJobQueue(),
	}
	s.difficulty.Store(startingDifficulty)
	return s
}

// Difficulty returns the session's current difficulty.
func (s *MinerSession) Difficulty() uint64 { return s.difficulty.Load() }

// SetDifficulty updates the session's difficulty (VarDiff retarget).
func (s *MinerSession) SetDifficulty(d uint64) { s.difficulty.Store(d) }

// RecordShares credits accepted share difficulty against the session. The
// running total is in difficulty units, not share counts, so VarDiff
// estimates stay comparable across retargets.
func (s *MinerSession) RecordShares(difficulty uint64) uint64 {
	return s.totalShares.Add(difficulty)
}

// TotalShares returns the session's accumulated accepted difficulty.
func (s *MinerSession) TotalShares() uint64 { return s.totalShares.Load() }

// SessionStart returns when the session was created.
func (s *MinerSession) SessionStart() time.Time { return s.sessionStart }

// CacheJob records a job as outstanding for this session so a later submit
// can look it up by id.
func (s *MinerSession) CacheJob(j *mining.Job) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs.Add(j.ID, j)
}

// LookupJob finds a previously issued job by id.
func (s *MinerSession) LookupJob(id string) (*mining.Job, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.jobs.Get(id)
}

// PushJob queues a job notification for delivery to the miner's connection.
func (s *MinerSession) PushJob(j *mining.Job) { s.pushQueue.push(j) }

// GetJob requests a new job at the session's current difficulty and caches
// it for later submission lookups.
func (s *MinerSession) GetJob(provider *mining.JobProvider) (*mining.Job, error) {
	job, err := provider.GetJob(s.Difficulty())
	if err != nil {
		return nil, err
	}
	s.CacheJob(job)
	return job, nil
}

// RetargetJob fetches a fresh job at the session's current difficulty and
// queues it for push delivery to the miner.
func (s *MinerSession) RetargetJob(provider *mining.JobProvider) error {
	job, err := s.GetJob(provider)
	if err != nil {
		return err
	}
	s.PushJob(job)
	return nil
}

// Close shuts the session's push queue, releasing the connection's push
// drain goroutine.
func (s *MinerSession) Close() { s.pushQueue.close() }
