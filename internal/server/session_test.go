package server

import (
	"testing"

	"github.com/viddhana/cryptonote-pool/internal/mining"
	"github.com/viddhana/cryptonote-pool/pkg/cryptonight"
)

func testJob(id string) *mining.Job {
	template := &mining.BlockTemplate{Difficulty: 10000, Height: 100}
	return mining.NewJob(id, template, "", 5000, "711b0d00", "0000000000000001",
		cryptonight.HashCryptonightLite, cryptonight.Variant0)
}

func TestSessionJobCacheEvictsOldest(t *testing.T) {
	session := NewMinerSession("id", "addr", "anonymous", nil, 5000)

	for _, id := range []string{"a", "b", "c", "d"} {
		session.CacheJob(testJob(id))
	}

	// Capacity is three: the oldest job falls out, a miner still finishing
	// it gets a job-not-found rejection.
	if _, ok := session.LookupJob("a"); ok {
		t.Error("oldest job survived past the cache capacity")
	}
	for _, id := range []string{"b", "c", "d"} {
		if _, ok := session.LookupJob(id); !ok {
			t.Errorf("job %q missing from cache", id)
		}
	}
}

func TestSessionPushQueue(t *testing.T) {
	session := NewMinerSession("id", "addr", "anonymous", nil, 5000)

	session.PushJob(testJob("a"))
	session.PushJob(testJob("b"))

	job, ok := session.pushQueue.pop()
	if !ok || job.ID != "a" {
		t.Fatalf("first pop = (%v, %v), want job a", job, ok)
	}
	job, ok = session.pushQueue.pop()
	if !ok || job.ID != "b" {
		t.Fatalf("second pop = (%v, %v), want job b", job, ok)
	}

	session.Close()
	if _, ok := session.pushQueue.pop(); ok {
		t.Error("pop on a closed empty queue returned a job")
	}

	// Pushes after close are dropped, not queued.
	session.PushJob(testJob("c"))
	if _, ok := session.pushQueue.pop(); ok {
		t.Error("push after close was retained")
	}
}

func TestSessionShareAccounting(t *testing.T) {
	session := NewMinerSession("id", "addr", "anonymous", nil, 5000)

	if got := session.RecordShares(5000); got != 5000 {
		t.Errorf("RecordShares = %d, want 5000", got)
	}
	if got := session.RecordShares(2500); got != 7500 {
		t.Errorf("RecordShares = %d, want 7500", got)
	}
	if got := session.TotalShares(); got != 7500 {
		t.Errorf("TotalShares = %d, want 7500", got)
	}
}
