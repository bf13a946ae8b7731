package sdk

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/veilcrypt/veil-go/cryptoutils"
	"github.com/veilcrypt/veil-go/interfaces"
)

type cachedSession struct {
	key     cryptoutils.SymmetricKey
	details interfaces.RetrievalDetails
	// expires is zero when the entry never expires.
	expires time.Time
}

// sessionCache holds resolved session keys per id, with the TTL semantics of
// Config.EncryptionSessionCacheTTL.
type sessionCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[interfaces.SessionID]cachedSession

	hits   atomic.Int64
	misses atomic.Int64
}

func newSessionCache(ttl time.Duration) *sessionCache {
	return &sessionCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[interfaces.SessionID]cachedSession),
	}
}

func (c *sessionCache) enabled() bool { return c.ttl != CacheDisabled }

func (c *sessionCache) get(id interfaces.SessionID) (cachedSession, bool) {
	if !c.enabled() {
		return cachedSession{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		c.misses.Inc()
		return cachedSession{}, false
	}
	if !entry.expires.IsZero() && c.now().After(entry.expires) {
		delete(c.entries, id)
		c.misses.Inc()
		return cachedSession{}, false
	}
	c.hits.Inc()
	return entry, true
}

func (c *sessionCache) put(id interfaces.SessionID, key cryptoutils.SymmetricKey, details interfaces.RetrievalDetails) {
	if !c.enabled() {
		return
	}
	entry := cachedSession{key: key, details: details}
	if c.ttl > 0 {
		entry.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[id] = entry
	c.mu.Unlock()
}

func (c *sessionCache) drop(id interfaces.SessionID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *sessionCache) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
