// server runs the authentication service: the public HTTP API, the internal
// gRPC introspection and health server, the metrics endpoint and the expiry sweep.
package main

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit"
	auditrepo "github.com/cgb37/quart-mysql-scaffold/internal/audit/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/auth"
	"github.com/cgb37/quart-mysql-scaffold/internal/claimmap"
	"github.com/cgb37/quart-mysql-scaffold/internal/config"
	"github.com/cgb37/quart-mysql-scaffold/internal/db"
	"github.com/cgb37/quart-mysql-scaffold/internal/events"
	"github.com/cgb37/quart-mysql-scaffold/internal/health"
	"github.com/cgb37/quart-mysql-scaffold/internal/httpapi"
	identityrepo "github.com/cgb37/quart-mysql-scaffold/internal/identity/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
	"github.com/cgb37/quart-mysql-scaffold/internal/policy/engine"
	"github.com/cgb37/quart-mysql-scaffold/internal/ratelimit"
	"github.com/cgb37/quart-mysql-scaffold/internal/retry"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
	"github.com/cgb37/quart-mysql-scaffold/internal/server"
	sessionrepo "github.com/cgb37/quart-mysql-scaffold/internal/session/repository"
	telemetryotel "github.com/cgb37/quart-mysql-scaffold/internal/telemetry/otel"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
	"github.com/cgb37/quart-mysql-scaffold/internal/trust"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(obs.LogConfig{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		App:    cfg.ServiceName,
		Env:    cfg.Env,
		Ver:    cfg.Version,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Config{
		Endpoint:    cfg.OTLPTarget,
		ServiceName: cfg.ServiceName,
		Version:     cfg.Version,
		Environment: cfg.Env,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	providers.SetGlobal()
	defer shutdownWith(logger, "otel", providers.Shutdown)

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	// The database may come up after us under an orchestrator.
	connect := retry.Default("db connect")
	connect.Retryable = func(error) bool { return ctx.Err() == nil }
	connect.OnAttempt = func(err error, wait time.Duration) {
		logger.Warn("database not reachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	database, err := retry.Value(ctx, connect, func(ctx context.Context) (*db.DB, error) {
		return db.Open(ctx, db.Config{
			URL:          cfg.DatabaseURL,
			MaxConns:     cfg.DBMaxConns,
			QueryTimeout: cfg.StoreTimeout(),
		})
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()

	var redisClient redis.UniversalClient
	if cfg.RedisAddr != "" {
		redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.RedisAddr},
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.StoreTimeout(),
			ReadTimeout:  cfg.StoreTimeout(),
			WriteTimeout: cfg.StoreTimeout(),
		})
		defer func() { _ = redisClient.Close() }()
	}

	privateKey, publicKey, err := signingKeys(cfg, logger)
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}
	tokens := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL(), cfg.RefreshTTL())

	identities := identityrepo.NewPostgresRepository(database)
	var sessions sessionrepo.Store
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		sessions = sessionrepo.NewRedisStore(redisClient, cfg.RedisKeyPrefix, cfg.SweepGrace())
	default:
		sessions = sessionrepo.NewPostgresStore(database)
	}
	manager := token.NewManager(sessions, identities, tokens, logger)

	producer := securityEvents(cfg, providers, logger)
	if producer != nil {
		defer func() { _ = producer.Close() }()
	}
	recorder := audit.NewLogger(auditrepo.NewPostgresRepository(database), producer, logger)

	var policy *engine.OPAEvaluator
	if cfg.PolicyFile != "" {
		policy, err = engine.LoadOPAEvaluator(ctx, cfg.PolicyFile, logger)
	} else {
		policy, err = engine.NewOPAEvaluator(ctx, engine.DefaultRegoPolicy, logger)
	}
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	deps := auth.Deps{
		Identities: identities,
		Tokens:     manager,
		Hasher:     security.NewHasher(cfg.BcryptCost),
		Policy:     policy,
		Audit:      recorder,
		Logger:     logger,
	}
	authCfg := auth.Config{
		Mode:         cfg.AuthMode,
		Password:     auth.DefaultPasswordPolicy(),
		DefaultRoles: cfg.DefaultRolesList(),
		Timeout:      2 * cfg.StoreTimeout(),
	}

	var flow *httpapi.FederatedFlow
	if cfg.AuthMode == config.AuthModeFederated {
		fed, err := buildFederated(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer fed.close()
		deps.Verifier = fed.verifier
		deps.Claims = fed.claims
		authCfg.Federated = auth.FederatedConfig{Issuer: cfg.FederatedIssuer, LinkByLogin: true}
		flow = fed.flow
	}

	facade, err := auth.NewFacade(authCfg, deps)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	checker := health.NewChecker(cfg.StoreTimeout())
	checker.AddPinger("sessions", manager)
	checker.AddPinger("database", database)
	checker.AddPolicy("policy", policy)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		rl := ratelimit.Config{
			MaxAttempts: cfg.RateLimitMaxAttempts,
			Window:      cfg.RateLimitWindow(),
			PerIP:       cfg.RateLimitPerIP,
		}
		if redisClient != nil {
			limiter = ratelimit.NewRedisLimiter(redisClient, rl, cfg.RedisKeyPrefix)
		} else {
			limiter = ratelimit.NewLocalLimiter(rl)
		}
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Options{
			Facade:            facade,
			Limiter:           limiter,
			RateWindow:        cfg.RateLimitWindow(),
			Federated:         flow,
			Tokens:            tokens,
			Cookies:           httpapi.CookieConfig{Secure: cfg.CookieSecure, Domain: cfg.CookieDomain},
			TrustProxyHeaders: cfg.TrustedProxies,
			Ready:             checker,
			Logger:            logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var sweeper *token.Sweeper
	if cfg.SweepEnabled {
		sweeper, err = token.NewSweeper(manager, token.SweeperConfig{
			Interval: cfg.SweepInterval(),
			Grace:    cfg.SweepGrace(),
		}, logger)
		if err != nil {
			return err
		}
	}

	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("mode", cfg.AuthMode.String()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		grpcSrv, hs := server.NewGRPCServer(server.Deps{
			Validator:         facade,
			Logger:            logger,
			TrustProxyHeaders: cfg.TrustedProxies,
			Reflection:        cfg.Env == "development",
		})
		g.Go(func() error {
			checker.Watch(gctx, hs, 10*time.Second, logger, server.IntrospectionServiceName)
			return nil
		})
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
			return grpcSrv.Serve(grpcLis)
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = obs.BootstrapMetricsServer(cfg.MetricsAddr, manager.Ping, logger)
	}

	if sweeper != nil {
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	// Security events are published asynchronously; give in-flight ones a chance to land.
	time.Sleep(events.ShutdownDrainDuration)
	logger.Info("stopped")
	return err
}

// securityEvents fans out to Kafka and the OTel log pipeline, whichever are configured.
func securityEvents(cfg *config.Config, providers *telemetryotel.Providers, logger *zap.Logger) events.Producer {
	var out []events.Producer
	kp, err := events.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SecurityEventsTopic, logger)
	if err != nil {
		logger.Warn("kafka producer disabled", zap.Error(err))
	} else if kp != nil {
		out = append(out, kp)
	}
	if providers.Exporting {
		out = append(out, telemetryotel.NewEventProducer(providers.LoggerProvider))
	}
	return events.Multi(out...)
}

type federated struct {
	verifier *trust.Verifier
	claims   *claimmap.Table
	flow     *httpapi.FederatedFlow
	close    func()
}

func buildFederated(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*federated, error) {
	httpClient := &http.Client{Timeout: cfg.FederatedFetchTimeout()}
	fed := &federated{close: func() {}}

	jwksURL := cfg.FederatedJWKSURL
	var endpoint oauth2.Endpoint
	if cfg.FederatedDiscovery {
		d, err := trust.Discover(ctx, cfg.FederatedIssuer, httpClient)
		if err != nil {
			return nil, fmt.Errorf("federated discovery: %w", err)
		}
		if jwksURL == "" {
			jwksURL = d.JWKSURL
		}
		endpoint = d.Endpoint
	}

	var source trust.KeySource
	switch {
	case cfg.FederatedJWKSFile != "":
		fs, err := trust.NewFileSource(cfg.FederatedJWKSFile, logger)
		if err != nil {
			return nil, fmt.Errorf("federated jwks file: %w", err)
		}
		fed.close = func() { _ = fs.Close() }
		source = fs
	default:
		js, err := trust.NewJWKSSource(ctx, jwksURL, httpClient, cfg.FederatedJWKSRefresh(), logger)
		if err != nil {
			return nil, fmt.Errorf("federated jwks: %w", err)
		}
		fed.close = func() {
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = js.Close(cctx)
		}
		source = js
	}

	ring := trust.NewKeyRing(source, cfg.FederatedKeyRetention(), cfg.FederatedFetchTimeout(), logger)
	verifier, err := trust.NewVerifier(ring, trust.VerifierConfig{
		Issuer:   cfg.FederatedIssuer,
		Audience: cfg.FederatedAudience,
		Leeway:   cfg.FederatedLeeway(),
	}, logger)
	if err != nil {
		fed.close()
		return nil, err
	}
	fed.verifier = verifier

	if cfg.ClaimMapFile != "" {
		fed.claims, err = claimmap.Load(cfg.ClaimMapFile)
	} else {
		fed.claims, err = claimmap.New(claimmap.DefaultSpec())
	}
	if err != nil {
		fed.close()
		return nil, fmt.Errorf("claim map: %w", err)
	}

	if cfg.FederatedClientID != "" && endpoint.TokenURL != "" {
		fed.flow = httpapi.NewFederatedFlow(oauth2.Config{
			ClientID:     cfg.FederatedClientID,
			ClientSecret: cfg.FederatedClientSecret,
			RedirectURL:  cfg.FederatedRedirectURL,
			Scopes:       cfg.FederatedScopesList(),
			Endpoint:     endpoint,
		}, httpClient)
	} else {
		logger.Info("federated redirect flow disabled; only direct assertions are accepted")
	}
	return fed, nil
}

func signingKeys(cfg *config.Config, logger *zap.Logger) (crypto.Signer, crypto.PublicKey, error) {
	if cfg.JWTPrivateKey == "" && cfg.JWTPublicKey == "" && cfg.Env == "development" {
		logger.Warn("JWT_PRIVATE_KEY and JWT_PUBLIC_KEY unset; using an ephemeral signing key")
		return security.GenerateEphemeralKeyPair()
	}
	return security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
}

func shutdownWith(logger *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
