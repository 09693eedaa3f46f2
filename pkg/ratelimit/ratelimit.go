// Package ratelimit implements a two-tier token bucket: one global bucket
// shared by every caller and one bucket per principal, both with lazy
// refill computed from elapsed wall-clock time rather than a background
// ticker.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed    bool
	RetryAfter int // seconds, minimum 1 when denied
	Global     bool // true if the global bucket caused the denial
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastActive time.Time
}

func newBucket(max float64) *bucket {
	now := time.Now()
	return &bucket{tokens: max, lastRefill: now, lastActive: now}
}

// refill recomputes tokens from elapsed wall-clock time, capped at max.
func (b *bucket) refill(max, rate float64, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(max, b.tokens+elapsed*rate)
	b.lastRefill = now
}

// take attempts to deduct cost tokens, returning whether it succeeded and,
// if not, the retry-after in seconds.
func (b *bucket) take(max, rate, cost float64, now time.Time) (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(max, rate, now)
	b.lastActive = now
	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}
	deficit := cost - b.tokens
	retryAfter := int(math.Ceil(deficit / rate))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastActive)
}

// Limiter is the two-tier limiter: one global bucket, many per-principal
// buckets.
type Limiter struct {
	maxTokens  float64
	refillRate float64

	global  *bucket
	byUser  *xsync.MapOf[string, *bucket]
	idleTTL time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs a Limiter with the given capacity and refill rate
// (tokens/second), both shared by the global bucket and every per-principal
// bucket.
func New(maxTokens, refillRate float64) *Limiter {
	return &Limiter{
		maxTokens:  maxTokens,
		refillRate: refillRate,
		global:     newBucket(maxTokens),
		byUser:     xsync.NewMapOf[string, *bucket](),
		idleTTL:    time.Hour,
		stopSweep:  make(chan struct{}),
	}
}

// Check spends cost tokens from the global bucket, then the principal's
// bucket. Global denial is reported before per-user denial.
func (l *Limiter) Check(principal string, cost float64) Result {
	now := time.Now()
	if ok, retryAfter := l.global.take(l.maxTokens, l.refillRate, cost, now); !ok {
		return Result{Allowed: false, RetryAfter: retryAfter, Global: true}
	}
	b, _ := l.byUser.LoadOrCompute(principal, func() *bucket { return newBucket(l.maxTokens) })
	if ok, retryAfter := b.take(l.maxTokens, l.refillRate, cost, now); !ok {
		return Result{Allowed: false, RetryAfter: retryAfter}
	}
	return Result{Allowed: true}
}

// StartSweeper launches the idle-bucket sweeper, evicting per-principal
// buckets that haven't been touched in idleTTL, once per minute. Call Stop
// to end it.
func (l *Limiter) StartSweeper() {
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-l.stopSweep:
				return
			case <-t.C:
				l.sweepIdle()
			}
		}
	}()
}

func (l *Limiter) sweepIdle() {
	now := time.Now()
	var stale []string
	l.byUser.Range(func(principal string, b *bucket) bool {
		if b.idleSince(now) >= l.idleTTL {
			stale = append(stale, principal)
		}
		return true
	})
	for _, p := range stale {
		l.byUser.Delete(p)
	}
}

// Stop ends the sweeper goroutine, if running.
func (l *Limiter) Stop() {
	l.sweepOnce.Do(func() { close(l.stopSweep) })
}

// Stats reports the current tracked-principal count, for the observability
// surface.
func (l *Limiter) Stats() (trackedPrincipals int) {
	l.byUser.Range(func(_ string, _ *bucket) bool {
		trackedPrincipals++
		return true
	})
	return trackedPrincipals
}
