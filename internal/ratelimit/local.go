package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
)

// LocalLimiter keeps one token bucket per key in process memory. Each failure
// takes a token; buckets refill MaxAttempts tokens per Window. Counters are
// per instance, so it is the fallback when no Redis is configured.
type LocalLimiter struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	buckets map[scopedKey]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ Limiter = (*LocalLimiter)(nil)

// maxIdleBuckets triggers pruning of full, idle buckets.
const maxIdleBuckets = 10000

func NewLocalLimiter(cfg Config) *LocalLimiter {
	return &LocalLimiter{config: cfg.withDefaults(), now: time.Now, buckets: map[scopedKey]*bucket{}}
}

func (l *LocalLimiter) Check(_ context.Context, login, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, k := range l.config.keys(login, ip) {
		b, ok := l.buckets[k]
		if !ok {
			continue
		}
		if b.limiter.TokensAt(now) < 1 {
			obs.RateLimited.WithLabelValues(k.scope).Inc()
			return ErrRateLimited
		}
	}
	return nil
}

func (l *LocalLimiter) Fail(_ context.Context, login, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, k := range l.config.keys(login, ip) {
		l.bucket(k, now).limiter.AllowN(now, 1)
	}
	if len(l.buckets) > maxIdleBuckets {
		l.prune(now)
	}
	return nil
}

func (l *LocalLimiter) Reset(_ context.Context, login, ip string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range l.config.keys(login, ip) {
		delete(l.buckets, k)
	}
	return nil
}

// bucket returns the bucket for k, creating a full one. Caller holds mu.
func (l *LocalLimiter) bucket(k scopedKey, now time.Time) *bucket {
	b, ok := l.buckets[k]
	if !ok {
		every := rate.Every(l.config.Window / time.Duration(l.config.MaxAttempts))
		b = &bucket{limiter: rate.NewLimiter(every, l.config.MaxAttempts)}
		l.buckets[k] = b
	}
	b.lastSeen = now
	return b
}

// prune drops buckets untouched for a whole window; they have refilled. Caller holds mu.
func (l *LocalLimiter) prune(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= l.config.Window {
			delete(l.buckets, k)
		}
	}
}
