package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	// Allow consumes one attempt for key. When refused it reports how long until the next attempt fits.
	Allow(key string) (bool, time.Duration)
}

// bucketRateLimiter keeps one token bucket per caller: limit attempts of burst, refilled evenly over
// window. Buckets idle for a full window are full again and get dropped.
type bucketRateLimiter struct {
	every     rate.Limit
	burst     int
	window    time.Duration
	clock     func() time.Time
	mu        sync.Mutex
	callers   map[string]*callerBucket
	lastSweep time.Time
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newBucketRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &bucketRateLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
		clock:   clock,
		callers: make(map[string]*callerBucket),
	}
}

func (l *bucketRateLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropIdleLocked(now)

	bucket, ok := l.callers[key]
	if !ok {
		bucket = &callerBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.callers[key] = bucket
	}
	bucket.lastSeen = now

	reservation := bucket.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *bucketRateLimiter) dropIdleLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, bucket := range l.callers {
		if now.Sub(bucket.lastSeen) >= l.window {
			delete(l.callers, key)
		}
	}
}
