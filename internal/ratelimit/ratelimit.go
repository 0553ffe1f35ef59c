// Package ratelimit bounds how fast and how often remote peers may use the
// node: token buckets per key, and concurrent connection slots per IP.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxKeys bounds the number of tracked limiter keys.
	DefaultMaxKeys = 10000
	// DefaultConnsPerIP is the concurrent connection cap per address.
	DefaultConnsPerIP = 8
)

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrTooManyConns     = errors.New("too many connections")
	ErrTooManyTrackedIP = errors.New("connection limiter full")
)

// Limiter is a threadsafe set of token buckets keyed by IP or peer key. The
// least recently used keys are evicted once maxKeys is reached, so a flood of
// distinct keys cannot grow memory without bound.
type Limiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	r        rate.Limit
	b        int
}

// New creates a Limiter allowing r events per second with bursts of b.
func New(maxKeys int, r rate.Limit, b int) *Limiter {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	cache, err := lru.New[string, *rate.Limiter](maxKeys)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Limiter{limiters: cache, r: r, b: b}
}

// getLimiter retrieves the rate limiter for the given key, creating a new one if it doesn't exist.
func (l *Limiter) getLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters.Add(key, limiter)
	}
	return limiter
}

// Allow reports whether one event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, time.Now())
}

// AllowAt is Allow at an explicit time.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	return l.getLimiter(key).AllowN(now, 1)
}

// Remaining returns the number of whole tokens left for key.
func (l *Limiter) Remaining(key string) int {
	return int(l.getLimiter(key).Tokens())
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.limiters.Len()
}

// ConnLimiter caps concurrent connections per IP. Every successful Acquire
// must be paired with exactly one Release.
type ConnLimiter struct {
	mu     sync.Mutex
	conns  map[string]int
	perIP  int
	maxIPs int
}

// NewConnLimiter allows perIP concurrent connections from each of at most
// maxIPs addresses.
func NewConnLimiter(perIP, maxIPs int) *ConnLimiter {
	if perIP <= 0 {
		perIP = DefaultConnsPerIP
	}
	if maxIPs <= 0 {
		maxIPs = DefaultMaxKeys
	}
	return &ConnLimiter{conns: make(map[string]int), perIP: perIP, maxIPs: maxIPs}
}

// Acquire takes a connection slot for ip.
func (c *ConnLimiter) Acquire(ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, tracked := c.conns[ip]
	if n >= c.perIP {
		return ErrTooManyConns
	}
	if !tracked && len(c.conns) >= c.maxIPs {
		return ErrTooManyTrackedIP
	}
	c.conns[ip] = n + 1
	return nil
}

// Release returns a slot taken by Acquire.
func (c *ConnLimiter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.conns[ip]; n > 1 {
		c.conns[ip] = n - 1
	} else {
		delete(c.conns, ip)
	}
}

// Count returns the open connections from ip.
func (c *ConnLimiter) Count(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[ip]
}

// Total returns the open connections across all addresses.
func (c *ConnLimiter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.conns {
		total += n
	}
	return total
}
