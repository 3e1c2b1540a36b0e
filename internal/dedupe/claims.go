// ABOUTME: Size-bounded, TTL-expiring set of claimed keys
// ABOUTME: Claim is atomic; the first caller wins until the claim expires or is released

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type claim struct {
	key     string
	claimed time.Time
}

// Claims is a thread-safe set of claimed keys. Entries expire after ttl and
// the oldest entry is evicted once maxSize is reached.
type Claims struct {
	mu      sync.Mutex
	byKey   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures Claims.
type Option func(*Claims)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Claims) { c.now = now }
}

// New creates an empty claim set.
func New(ttl time.Duration, maxSize int, opts ...Option) *Claims {
	c := &Claims{
		byKey:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim marks key as taken. It returns false if key is already claimed and
// the claim has not expired.
func (c *Claims) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if _, ok := c.byKey[key]; ok {
		return false
	}
	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.byKey[key] = c.order.PushBack(&claim{key: key, claimed: now})
	return true
}

// Release drops a claim so the key can be claimed again.
func (c *Claims) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of live claims.
func (c *Claims) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	return c.order.Len()
}

// pruneLocked drops expired claims. Claims are appended in time order, so
// it stops at the first live one.
func (c *Claims) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*claim).claimed) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Claims) removeLocked(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.byKey, elem.Value.(*claim).key)
}
