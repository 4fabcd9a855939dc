// Package dedup keeps a bounded in-memory set of recently processed
// message fingerprints so a webhook replay or an overlapping poll window
// never ingests the same platform message twice within a process.
package dedup

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
)

const defaultCapacity = 1000

// Cache is a bounded fingerprint set. Safe for concurrent use. When the
// set outgrows its capacity the older half is discarded, which is cheap
// and good enough: the database unique index is the durable guard.
type Cache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

// New returns a cache holding up to capacity fingerprints; capacity <= 0
// selects the default of 1000.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Cache{seen: make(map[string]struct{}), cap: capacity}
}

// IsDuplicate reports whether this channel message id was seen recently,
// recording it when not. A message without a channel message id is never a
// duplicate: same body alone does not count.
func (c *Cache) IsDuplicate(channel, channelMessageID string) bool {
	if channelMessageID == "" {
		return false
	}
	fp := fingerprint(channel, channelMessageID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[fp]; ok {
		return true
	}
	c.seen[fp] = struct{}{}
	c.order = append(c.order, fp)
	if len(c.order) > c.cap {
		drop := c.order[:len(c.order)/2]
		for _, old := range drop {
			delete(c.seen, old)
		}
		c.order = append([]string(nil), c.order[len(drop):]...)
	}
	return false
}

// Len returns the number of tracked fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func fingerprint(channel, channelMessageID string) string {
	sum := md5.Sum([]byte(channel + ":" + channelMessageID))
	return hex.EncodeToString(sum[:])
}
