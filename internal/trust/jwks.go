package trust

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
)

// JWKSSource serves keys from a remote JWKS endpoint through a jwk.Cache that
// refreshes in the background, so rotated keys appear without a restart.
type JWKSSource struct {
	url             string
	cache           *jwk.Cache
	refreshInterval time.Duration
	logger          *zap.Logger

	registrationMu  sync.Mutex
	registered      bool
	registrationErr error
}

// NewJWKSSource creates the cache. Registration is deferred to first use so a
// slow identity provider does not block startup.
func NewJWKSSource(ctx context.Context, url string, httpClient *http.Client, refreshInterval time.Duration, logger *zap.Logger) (*JWKSSource, error) {
	if url == "" {
		return nil, fmt.Errorf("trust: JWKS URL is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// In jwx v3, NewCache requires an httprc.Client
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &JWKSSource{
		url:             url,
		cache:           cache,
		refreshInterval: refreshInterval,
		logger:          logger.Named("jwks"),
	}, nil
}

func (s *JWKSSource) Name() string { return "jwks" }

// Keys returns the cached key set, fetching it on first call.
func (s *JWKSSource) Keys(ctx context.Context) (map[string]crypto.PublicKey, error) {
	if err := s.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	set, err := s.cache.Lookup(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	return publicKeys(set)
}

// Refresh forces a fetch, bypassing the refresh interval.
func (s *JWKSSource) Refresh(ctx context.Context) error {
	if err := s.ensureRegistered(ctx); err != nil {
		return err
	}
	if _, err := s.cache.Refresh(ctx, s.url); err != nil {
		obs.KeySourceRefreshes.WithLabelValues(s.Name(), "error").Inc()
		return fmt.Errorf("failed to refresh JWKS: %w", err)
	}
	obs.KeySourceRefreshes.WithLabelValues(s.Name(), "ok").Inc()
	return nil
}

// Close stops the background refresher.
func (s *JWKSSource) Close(ctx context.Context) error {
	return s.cache.Shutdown(ctx)
}

// ensureRegistered registers the URL with the cache once. A failed attempt is
// retried on the next call rather than remembered.
func (s *JWKSSource) ensureRegistered(ctx context.Context) error {
	s.registrationMu.Lock()
	defer s.registrationMu.Unlock()

	if s.registered {
		return nil
	}

	registrationCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var opts []jwk.RegisterOption
	if s.refreshInterval > 0 {
		opts = append(opts, jwk.WithMinInterval(s.refreshInterval))
	}
	if err := s.cache.Register(registrationCtx, s.url, opts...); err != nil {
		s.registrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
		s.logger.Warn("JWKS registration failed", zap.String("url", s.url), zap.Error(err))
		// The cache may hold a half-registered entry; drop it so the next call starts clean.
		_ = s.cache.Unregister(context.WithoutCancel(ctx), s.url)
		return s.registrationErr
	}
	s.registered = true
	s.registrationErr = nil
	obs.KeySourceRefreshes.WithLabelValues(s.Name(), "ok").Inc()
	return nil
}
