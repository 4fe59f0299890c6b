// Package ratelimiter holds token buckets keyed by client identity.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 256

// Keyed applies one token bucket per key and forgets keys idle for longer
// than idleTTL.
type Keyed struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive; a nil *Keyed allows
// everything.
func New(rps float64, burst int, idleTTL time.Duration) *Keyed {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Keyed{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[string]*bucket),
	}
}

func (k *Keyed) Allow(key string, now time.Time) bool {
	if k == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	k.calls++
	if k.calls%sweepEvery == 0 {
		k.sweepLocked(now)
	}
	return allowed
}

// Len reports how many keys currently hold a bucket.
func (k *Keyed) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

func (k *Keyed) sweepLocked(now time.Time) {
	cutoff := now.Add(-k.idleTTL)
	for key, b := range k.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(k.buckets, key)
		}
	}
}
