package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultDedupSize = 8192
	defaultDedupTTL  = 30 * time.Minute
)

// Deduper remembers recently processed messages so that overlapping
// ingestion paths (webhook push, scheduled polls, manual sync) agree on a
// single winner per message. Entries age out so the cache cannot grow
// unbounded.
type Deduper struct {
	mu    sync.Mutex // makes the check-then-claim in Claim atomic across workers
	cache *expirable.LRU[string, struct{}]
}

func NewDeduper(size int, ttl time.Duration) *Deduper {
	if size <= 0 {
		size = defaultDedupSize
	}
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &Deduper{
		cache: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Claim attempts to claim a message for processing. The first caller wins;
// every later call for the same message within the TTL returns false.
func (d *Deduper) Claim(userID, messageID string) bool {
	key := fmt.Sprintf("%s:%s", userID, messageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Get(key); ok {
		return false
	}
	d.cache.Add(key, struct{}{})
	return true
}

// Forget releases a claim, letting the message be retried after a transient
// failure.
func (d *Deduper) Forget(userID, messageID string) {
	d.cache.Remove(fmt.Sprintf("%s:%s", userID, messageID))
}
