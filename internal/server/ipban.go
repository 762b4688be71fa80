package server

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// ipBanList is an in-memory, per-port set of banned peer IPs with a fixed
// TTL. Bans are short and never persisted: their purpose is to shed a
// miner mismatched on hashing algorithm for a few minutes, not to hold a
// durable blocklist.
type ipBanList struct {
	cache *lru.LRU[string, struct{}]
}

func newIPBanList(ttl time.Duration) *ipBanList {
	return &ipBanList{cache: lru.NewLRU[string, struct{}](0, nil, ttl)}
}

// Ban marks ip as banned until the TTL expires.
func (b *ipBanList) Ban(ip string) {
	b.cache.Add(ip, struct{}{})
}

// Banned reports whether ip is currently within its ban window.
func (b *ipBanList) Banned(ip string) bool {
	_, ok := b.cache.Get(ip)
	return ok
}
