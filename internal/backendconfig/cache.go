package backendconfig

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a loaded configuration is served before refetching.
const DefaultTTL = 5 * time.Second

// failureBackoff is how long a stale value is served after a failed read
// before the reader is tried again. It never exceeds the TTL.
const failureBackoff = time.Second

// Cache holds the last configuration read from a Reader.
//
// Load never fails once a value has been cached: a read error returns the
// previous value unchanged. Concurrent refreshes share one read. Invalidate
// makes the next Load go to the reader.
type Cache struct {
	reader Reader
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu        sync.Mutex
	cur       *Config
	fetchedAt time.Time
	retryAt   time.Time
	stale     bool
	gen       uint64
}

func NewCache(reader Reader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{reader: reader, ttl: ttl, now: time.Now}
}

// Load returns a copy of the current configuration.
func (c *Cache) Load(ctx context.Context) (*Config, error) {
	c.mu.Lock()
	if c.servableLocked() {
		cp := c.cur.Clone()
		c.mu.Unlock()
		return cp, nil
	}
	c.mu.Unlock()

	// The shared read must not be cut short by whichever caller started it.
	v, err, _ := c.group.Do("config", func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Config).Clone(), nil
}

// servableLocked reports whether the cached value can be returned without a
// read: it is within the TTL, or a recent read failed.
func (c *Cache) servableLocked() bool {
	if c.cur == nil {
		return false
	}
	now := c.now()
	return (!c.stale && now.Sub(c.fetchedAt) < c.ttl) || now.Before(c.retryAt)
}

func (c *Cache) refresh(ctx context.Context) (*Config, error) {
	c.mu.Lock()
	// A refresh that finished just before this one started already did the work.
	if c.servableLocked() {
		cur := c.cur
		c.mu.Unlock()
		return cur, nil
	}
	gen := c.gen
	c.mu.Unlock()

	fresh, err := c.reader.Read(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.cur == nil {
			return nil, err
		}
		log.Printf("[config-cache] read failed, serving cached config: %v", err)
		backoff := failureBackoff
		if backoff > c.ttl {
			backoff = c.ttl
		}
		c.retryAt = c.now().Add(backoff)
		return c.cur, nil
	}
	c.cur = fresh.Clone()
	c.fetchedAt = c.now()
	c.retryAt = time.Time{}
	// An Invalidate that raced with this read may have been for a write the
	// read did not see.
	c.stale = c.gen != gen
	return c.cur, nil
}

// Invalidate forces the next Load to bypass the cached value.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.retryAt = time.Time{}
	c.gen++
	c.mu.Unlock()
}
