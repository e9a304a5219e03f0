// Package replay implements a TTL-bounded cache of (key, nonce) pairs used
// to reject replayed Authenticator messages.
package replay

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/partymesh/partymesh/internal/metrics"
)

// Cache records nonces seen per signing key with a TTL.
type Cache struct {
	ttl  time.Duration
	data sync.Map // hex(key) -> *sync.Map (hex(nonce) -> expiryUnixNano)
	tick *time.Ticker
	stop chan struct{}
}

// New creates a replay cache that forgets entries after ttl.
func New(ttl time.Duration) *Cache {
	c := &Cache{
		ttl:  ttl,
		stop: make(chan struct{}),
		tick: time.NewTicker(time.Minute),
	}
	go c.gcLoop()
	return c
}

// Seen reports whether (key, nonce) was already recorded; if not, it
// records it and returns false.
func (c *Cache) Seen(key [32]byte, nonce []byte) bool {
	if len(nonce) == 0 {
		return false
	}
	keyID := hex.EncodeToString(key[:])
	nonceID := hex.EncodeToString(nonce)
	exp := time.Now().Add(c.ttl).UnixNano()

	v, _ := c.data.LoadOrStore(keyID, &sync.Map{})
	m := v.(*sync.Map)

	if old, ok := m.Load(nonceID); ok {
		if prevExp, _ := old.(int64); prevExp >= time.Now().UnixNano() {
			return true
		}
	}
	m.Store(nonceID, exp)
	return false
}

// Forget drops every nonce recorded for key, e.g. when a session closes.
func (c *Cache) Forget(key [32]byte) {
	c.data.Delete(hex.EncodeToString(key[:]))
}

// Close stops the background GC goroutine.
func (c *Cache) Close() {
	close(c.stop)
	if c.tick != nil {
		c.tick.Stop()
	}
}

func (c *Cache) gcLoop() {
	for {
		select {
		case <-c.tick.C:
			now := time.Now().UnixNano()
			keys := 0
			c.data.Range(func(k, v any) bool {
				m := v.(*sync.Map)
				empty := true
				m.Range(func(nk, nv any) bool {
					if exp, _ := nv.(int64); exp < now {
						m.Delete(nk)
					} else {
						empty = false
					}
					return true
				})
				if empty {
					c.data.Delete(k)
				} else {
					keys++
				}
				return true
			})
			metrics.ReplayCacheSize.Set(float64(keys))
		case <-c.stop:
			return
		}
	}
}
