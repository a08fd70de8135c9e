// Package ratelimit throttles login attempts per login key and per client IP.
// Only failed attempts count; a successful login resets both counters.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
)

// ErrRateLimited is returned by Check once a key has exhausted its budget.
var ErrRateLimited = errors.New("rate limited")

// Config holds rate limiter tuning parameters.
type Config struct {
	// MaxAttempts is the number of failures tolerated per window.
	MaxAttempts int
	// Window is the fixed window (Redis) or the refill period (local) for MaxAttempts.
	Window time.Duration
	// PerIP additionally throttles by client IP.
	PerIP bool
}

// Limiter tracks failed login attempts.
type Limiter interface {
	// Check fails with ErrRateLimited when login or ip is over budget. It does not consume budget.
	Check(ctx context.Context, login, ip string) error
	// Fail records a failed attempt.
	Fail(ctx context.Context, login, ip string) error
	// Reset clears the counters after a successful login.
	Reset(ctx context.Context, login, ip string) error
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	return c
}

type scopedKey struct {
	scope string
	key   string
}

func (c Config) keys(login, ip string) []scopedKey {
	keys := []scopedKey{{scope: "login", key: domain.NormalizeLogin(login)}}
	if c.PerIP && ip != "" {
		keys = append(keys, scopedKey{scope: "ip", key: ip})
	}
	return keys
}
