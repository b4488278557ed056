package channels

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys so rotating
	// source addresses cannot exhaust memory.
	maxTrackedKeys = 4096

	defaultWindow  = 60 * time.Second
	defaultMaxHits = 30
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter counts hits per key in a sliding window. The webhook
// HTTP server uses it to bound callback floods per source address.
// Safe for concurrent use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	maxHits int
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter creates a bounded limiter. Non-positive arguments
// select the defaults (30 hits per 60s window).
func NewWebhookRateLimiter(window time.Duration, maxHits int) *WebhookRateLimiter {
	if window <= 0 {
		window = defaultWindow
	}
	if maxHits <= 0 {
		maxHits = defaultMaxHits
	}
	return &WebhookRateLimiter{
		window:  window,
		maxHits: maxHits,
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow returns true if the key is within its window budget. Stale entries
// are pruned when the tracked-key cap is reached.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Still at cap: evict arbitrary entries until there is room.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
