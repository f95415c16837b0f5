// Package ratelimit implements per-client token-bucket throttling for the
// intent and bid submission endpoints, grounded on the teacher's JSON-RPC
// rate limiter: a token bucket per client, refilled lazily on Allow, with
// no background goroutine.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a Limiter. WindowMs and Max describe the sustained
// rate (Max requests per WindowMs); BurstMultiplier scales the bucket
// capacity to absorb short bursts above the sustained rate.
type Config struct {
	WindowMs        int
	Max             int
	BurstMultiplier int
}

type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill int64   // unix nanoseconds
}

func newTokenBucket(ratePerSec float64, burstMult int) *tokenBucket {
	if burstMult <= 0 {
		burstMult = 1
	}
	cap := ratePerSec * float64(burstMult)
	return &tokenBucket{
		tokens:     cap,
		capacity:   cap,
		refillRate: ratePerSec,
		lastRefill: time.Now().UnixNano(),
	}
}

func (tb *tokenBucket) allow(now int64) bool {
	if now > tb.lastRefill {
		elapsed := float64(now-tb.lastRefill) / float64(time.Second)
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter enforces a per-client token bucket plus a shared global bucket,
// the way the coordinator's API boundary throttles intent/bid submission
// independent of any single client's behavior.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*tokenBucket
	global  *tokenBucket

	lastSeen map[string]int64
}

// New builds a Limiter. The global bucket is always present and refills
// at 64 times the per-client rate; both rates come from Max/WindowMs, so
// a zero-valued Config leaves no usable capacity and every request is
// rejected.
func New(cfg Config) *Limiter {
	ratePerSec := float64(cfg.Max) / (float64(cfg.WindowMs) / 1000.0)
	return &Limiter{
		cfg:      cfg,
		clients:  make(map[string]*tokenBucket),
		lastSeen: make(map[string]int64),
		global:   newTokenBucket(ratePerSec*64, cfg.BurstMultiplier),
	}
}

// Allow reports whether a request from clientKey (IP, API key, solver ID)
// is within both the global and per-client rate limit.
func (l *Limiter) Allow(clientKey string) bool {
	now := time.Now()
	nowNano := now.UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen[clientKey] = now.Unix()

	if !l.global.allow(nowNano) {
		return false
	}

	bucket := l.clients[clientKey]
	if bucket == nil {
		ratePerSec := float64(l.cfg.Max) / (float64(l.cfg.WindowMs) / 1000.0)
		bucket = newTokenBucket(ratePerSec, l.cfg.BurstMultiplier)
		l.clients[clientKey] = bucket
	}
	return bucket.allow(nowNano)
}

// PruneInactive drops per-client bucket state untouched since before, to
// bound memory for a long-running process with a churning client set.
func (l *Limiter) PruneInactive(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := before.Unix()
	removed := 0
	for key, seen := range l.lastSeen {
		if seen < cutoff {
			delete(l.lastSeen, key)
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}
