// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AuthMode selects the one authentication strategy a deployment runs.
type AuthMode string

const (
	// AuthModeLocal authenticates with login and password against the credential store.
	AuthModeLocal AuthMode = "local"
	// AuthModeFederated authenticates with signed assertions from an external identity provider.
	AuthModeFederated AuthMode = "federated"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := AuthMode(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case AuthModeLocal, AuthModeFederated:
		*a = v
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: local, federated)", string(text))
	}
}

func (a AuthMode) String() string { return string(a) }

// StoreBackend selects where sessions and revocation records live.
type StoreBackend string

const (
	StoreBackendPostgres StoreBackend = "postgres"
	StoreBackendRedis    StoreBackend = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the public HTTP API listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the internal introspection and health gRPC server. Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// MetricsAddr serves /metrics and /healthz. Empty disables it.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	Env        string `mapstructure:"APP_ENV"`
	Version    string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogPretty  bool   `mapstructure:"LOG_PRETTY"`
	OTLPTarget string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector even for https endpoints.
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`

	// DatabaseURL is the Postgres DSN for identities, audit logs and (by default) sessions.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	// StoreBackend is "postgres" or "redis".
	StoreBackend StoreBackend `mapstructure:"STORE_BACKEND"`
	// StoreTimeoutRaw bounds every session store and credential store call (e.g. "2s").
	StoreTimeoutRaw string `mapstructure:"STORE_TIMEOUT"`
	// RedisAddr enables the Redis session store (with STORE_BACKEND=redis) and the shared rate limiter.
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey  string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE"`
	JWTAccessTTL  string `mapstructure:"JWT_ACCESS_TTL"`
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	AuthMode AuthMode `mapstructure:"AUTH_MODE"`
	// DefaultRoles is a comma-separated list granted to new identities.
	DefaultRoles string `mapstructure:"DEFAULT_ROLES"`

	FederatedIssuer       string `mapstructure:"FEDERATED_ISSUER"`
	FederatedAudience     string `mapstructure:"FEDERATED_AUDIENCE"`
	FederatedJWKSURL      string `mapstructure:"FEDERATED_JWKS_URL"`
	FederatedJWKSFile     string `mapstructure:"FEDERATED_JWKS_FILE"`
	FederatedDiscovery    bool   `mapstructure:"FEDERATED_DISCOVERY"`
	FederatedClientID     string `mapstructure:"FEDERATED_CLIENT_ID"`
	FederatedClientSecret string `mapstructure:"FEDERATED_CLIENT_SECRET"`
	FederatedRedirectURL  string `mapstructure:"FEDERATED_REDIRECT_URL"`
	FederatedScopes       string `mapstructure:"FEDERATED_SCOPES"`
	FederatedLeewayRaw    string `mapstructure:"FEDERATED_LEEWAY"`
	// FederatedFetchTimeoutRaw bounds every trust-anchor fetch.
	FederatedFetchTimeoutRaw string `mapstructure:"FEDERATED_FETCH_TIMEOUT"`
	// FederatedKeyRetentionRaw keeps rotated-out signing keys valid for this long.
	FederatedKeyRetentionRaw string `mapstructure:"FEDERATED_KEY_RETENTION"`
	FederatedJWKSRefreshRaw  string `mapstructure:"FEDERATED_JWKS_REFRESH"`
	// ClaimMapFile is a YAML claim-mapping table; empty uses the built-in OIDC mapping.
	ClaimMapFile string `mapstructure:"CLAIM_MAP_FILE"`

	SweepEnabled     bool   `mapstructure:"SWEEP_ENABLED"`
	SweepIntervalRaw string `mapstructure:"SWEEP_INTERVAL"`
	SweepGraceRaw    string `mapstructure:"SWEEP_GRACE"`

	RateLimitEnabled     bool   `mapstructure:"RATE_LIMIT_ENABLED"`
	RateLimitMaxAttempts int    `mapstructure:"RATE_LIMIT_MAX_ATTEMPTS"`
	RateLimitWindowRaw   string `mapstructure:"RATE_LIMIT_WINDOW"`
	RateLimitPerIP       bool   `mapstructure:"RATE_LIMIT_PER_IP"`

	// KafkaBrokers is a comma-separated list; empty disables security event publishing.
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	SecurityEventsTopic string `mapstructure:"SECURITY_EVENTS_TOPIC"`

	// PolicyFile overrides the built-in session revocation Rego policy.
	PolicyFile string `mapstructure:"POLICY_FILE"`

	CookieSecure bool   `mapstructure:"COOKIE_SECURE"`
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`
	// TrustedProxies enables X-Forwarded-For / X-Real-IP for client IPs.
	TrustedProxies bool `mapstructure:"TRUSTED_PROXIES"`

	SeedLogin    string `mapstructure:"SEED_LOGIN"`
	SeedPassword string `mapstructure:"SEED_PASSWORD"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("METRICS_ADDR", ":9100")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_VERSION", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "authcore")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("STORE_BACKEND", string(StoreBackendPostgres))
	v.SetDefault("STORE_TIMEOUT", "2s")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "authcore:")
	v.SetDefault("JWT_ISSUER", "authcore")
	v.SetDefault("JWT_AUDIENCE", "authcore-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("AUTH_MODE", string(AuthModeLocal))
	v.SetDefault("DEFAULT_ROLES", "user")
	v.SetDefault("FEDERATED_SCOPES", "openid email profile")
	v.SetDefault("FEDERATED_LEEWAY", "30s")
	v.SetDefault("FEDERATED_FETCH_TIMEOUT", "5s")
	v.SetDefault("FEDERATED_KEY_RETENTION", "1h")
	v.SetDefault("FEDERATED_JWKS_REFRESH", "15m")
	v.SetDefault("FEDERATED_DISCOVERY", false)
	v.SetDefault("SWEEP_ENABLED", true)
	v.SetDefault("SWEEP_INTERVAL", "10m")
	v.SetDefault("SWEEP_GRACE", "1h")
	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_MAX_ATTEMPTS", 5)
	v.SetDefault("RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("RATE_LIMIT_PER_IP", true)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENTS_TOPIC", "authcore-security-events")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("TRUSTED_PROXIES", false)

	// AutomaticEnv only resolves keys viper already knows; these have no default.
	for _, k := range []string{
		"JWT_PRIVATE_KEY", "JWT_PUBLIC_KEY", "FEDERATED_ISSUER", "FEDERATED_AUDIENCE",
		"FEDERATED_JWKS_URL", "FEDERATED_JWKS_FILE", "FEDERATED_CLIENT_ID", "FEDERATED_CLIENT_SECRET",
		"FEDERATED_REDIRECT_URL", "CLAIM_MAP_FILE", "POLICY_FILE", "COOKIE_DOMAIN", "SEED_LOGIN", "SEED_PASSWORD",
	} {
		_ = v.BindEnv(k)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	switch c.StoreBackend {
	case StoreBackendPostgres:
	case StoreBackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: STORE_BACKEND must be postgres or redis, got %q", c.StoreBackend)
	}
	for name, raw := range map[string]string{
		"STORE_TIMEOUT":           c.StoreTimeoutRaw,
		"JWT_ACCESS_TTL":          c.JWTAccessTTL,
		"JWT_REFRESH_TTL":         c.JWTRefreshTTL,
		"FEDERATED_LEEWAY":        c.FederatedLeewayRaw,
		"FEDERATED_FETCH_TIMEOUT": c.FederatedFetchTimeoutRaw,
		"FEDERATED_KEY_RETENTION": c.FederatedKeyRetentionRaw,
		"FEDERATED_JWKS_REFRESH":  c.FederatedJWKSRefreshRaw,
		"SWEEP_INTERVAL":          c.SweepIntervalRaw,
		"SWEEP_GRACE":             c.SweepGraceRaw,
		"RATE_LIMIT_WINDOW":       c.RateLimitWindowRaw,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			return fmt.Errorf("config: %s must be a non-negative duration, got %q", name, raw)
		}
	}
	if c.AuthMode == AuthModeFederated {
		if c.FederatedIssuer == "" || c.FederatedAudience == "" {
			return errors.New("config: FEDERATED_ISSUER and FEDERATED_AUDIENCE must be set when AUTH_MODE=federated")
		}
		if c.FederatedJWKSURL == "" && c.FederatedJWKSFile == "" && !c.FederatedDiscovery {
			return errors.New("config: one of FEDERATED_JWKS_URL, FEDERATED_JWKS_FILE or FEDERATED_DISCOVERY must be set when AUTH_MODE=federated")
		}
	}
	if c.Env == "production" && !c.CookieSecure {
		return errors.New("config: COOKIE_SECURE must not be false when APP_ENV=production")
	}
	return nil
}

func duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration { return duration(c.JWTAccessTTL, 15*time.Minute) }

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration { return duration(c.JWTRefreshTTL, 168*time.Hour) }

func (c *Config) StoreTimeout() time.Duration { return duration(c.StoreTimeoutRaw, 2*time.Second) }

func (c *Config) FederatedLeeway() time.Duration { return duration(c.FederatedLeewayRaw, 30*time.Second) }

func (c *Config) FederatedFetchTimeout() time.Duration {
	return duration(c.FederatedFetchTimeoutRaw, 5*time.Second)
}

func (c *Config) FederatedKeyRetention() time.Duration {
	return duration(c.FederatedKeyRetentionRaw, time.Hour)
}

func (c *Config) FederatedJWKSRefresh() time.Duration {
	return duration(c.FederatedJWKSRefreshRaw, 15*time.Minute)
}

func (c *Config) SweepInterval() time.Duration { return duration(c.SweepIntervalRaw, 10*time.Minute) }

// SweepGrace keeps expired rows this long before the sweep deletes them.
func (c *Config) SweepGrace() time.Duration { return duration(c.SweepGraceRaw, time.Hour) }

func (c *Config) RateLimitWindow() time.Duration {
	return duration(c.RateLimitWindowRaw, 15*time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables security event publishing.
func (c *Config) KafkaBrokersList() []string { return splitList(c.KafkaBrokers) }

// DefaultRolesList returns the roles granted to newly provisioned identities.
func (c *Config) DefaultRolesList() []string { return splitList(c.DefaultRoles) }

// FederatedScopesList returns the OAuth scopes requested on the federated redirect.
func (c *Config) FederatedScopesList() []string { return strings.Fields(c.FederatedScopes) }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
