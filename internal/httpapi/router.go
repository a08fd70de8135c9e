// Package httpapi is the public HTTP surface of the auth service.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/auth"
	"github.com/cgb37/quart-mysql-scaffold/internal/config"
	"github.com/cgb37/quart-mysql-scaffold/internal/health"
	"github.com/cgb37/quart-mysql-scaffold/internal/ratelimit"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
)

// CookieConfig controls the refresh-token cookie.
type CookieConfig struct {
	Secure bool
	Domain string
}

// Options configure NewRouter.
type Options struct {
	Facade *auth.Facade
	// Limiter throttles password logins. Nil disables rate limiting.
	Limiter ratelimit.Limiter
	// RateWindow is advertised in Retry-After on 429 responses.
	RateWindow time.Duration
	// Federated is the browser redirect flow. Nil disables the redirect routes.
	Federated *FederatedFlow
	// Tokens publishes the access-token verification key.
	Tokens  *security.TokenProvider
	Cookies CookieConfig
	// TrustProxyHeaders takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool
	// Ready backs /readyz. Nil reports ready.
	Ready  *health.Checker
	Logger *zap.Logger
}

type handler struct {
	facade     *auth.Facade
	limiter    ratelimit.Limiter
	rateWindow time.Duration
	federated  *FederatedFlow
	tokens     *security.TokenProvider
	cookies    CookieConfig
	ready      *health.Checker
	logger     *zap.Logger
	now        func() time.Time
}

// NewRouter builds the chi router with all routes and middleware, wrapped for tracing.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = 15 * time.Minute
	}
	h := &handler{
		facade:     opts.Facade,
		limiter:    opts.Limiter,
		rateWindow: opts.RateWindow,
		federated:  opts.Federated,
		tokens:     opts.Tokens,
		cookies:    opts.Cookies,
		ready:      opts.Ready,
		logger:     opts.Logger.Named("http"),
		now:        time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(clientContext)
	r.Use(h.requestLogger)
	r.Use(h.recoverer)
	r.Use(securityHeaders(opts.Cookies.Secure))
	r.Use(routeMetrics)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if h.tokens != nil {
		r.Get("/.well-known/jwks.json", h.jwks)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(noStore)
		switch h.facade.Mode() {
		case config.AuthModeLocal:
			r.Post("/register", h.register)
			r.Post("/login", h.login)
		case config.AuthModeFederated:
			r.Post("/federated/assertion", h.federatedAssertion)
			if h.federated != nil {
				r.Get("/federated/login", h.federatedLogin)
				r.Get("/federated/callback", h.federatedCallback)
			}
		}
		r.Post("/refresh", h.refresh)
		r.Post("/logout", h.logout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireBearer)
			r.Get("/me", h.me)
			r.Post("/password", h.changePassword)
			r.Post("/deactivate", h.deactivate)
			r.Get("/sessions", h.sessions)
			r.Delete("/sessions/{id}", h.revokeSession)
		})
	})

	return otelhttp.NewHandler(r, "authcore-http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/readyz"
		}),
	)
}
