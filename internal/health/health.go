// Package health runs readiness checks and publishes them over HTTP and the
// standard gRPC health service.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is a dependency that can be pinged, such as the session store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PolicyChecker is implemented by the policy engine.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker holds named readiness checks.
type Checker struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]func(context.Context) error
}

// NewChecker returns a Checker that bounds each check by timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout, checks: map[string]func(context.Context) error{}}
}

// AddPinger registers p under name. Nil is ignored.
func (c *Checker) AddPinger(name string, p Pinger) {
	if p == nil {
		return
	}
	c.Add(name, p.Ping)
}

// AddPolicy registers the policy engine check. Nil is ignored.
func (c *Checker) AddPolicy(name string, p PolicyChecker) {
	if p == nil {
		return
	}
	c.Add(name, p.HealthCheck)
}

func (c *Checker) Add(name string, check func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Result is the outcome of one check; Err is nil when healthy.
type Result struct {
	Name string
	Err  error
}

// Run executes every check concurrently and returns results sorted by name.
func (c *Checker) Run(ctx context.Context) []Result {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make([]func(context.Context) error, len(names))
	sort.Strings(names)
	for i, name := range names {
		checks[i] = c.checks[name]
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	results := make([]Result, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Result{Name: names[i], Err: checks[i](ctx)}
		}(i)
	}
	wg.Wait()
	return results
}

// Healthy reports whether every result passed.
func Healthy(results []Result) bool {
	for _, r := range results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Watch runs the checks every interval and mirrors the outcome into the gRPC
// health server for the given services ("" is the overall server status).
// It returns when ctx is done.
func (c *Checker) Watch(ctx context.Context, hs *health.Server, interval time.Duration, logger *zap.Logger, services ...string) {
	if logger == nil {
		logger = zap.NewNop()
	}
	services = append([]string{""}, services...)
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		for _, r := range c.Run(ctx) {
			if r.Err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
				logger.Warn("readiness check failed", zap.String("check", r.Name), zap.Error(r.Err))
			}
		}
		if status != last {
			logger.Info("health status changed", zap.String("status", status.String()))
			last = status
		}
		for _, s := range services {
			hs.SetServingStatus(s, status)
		}
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
