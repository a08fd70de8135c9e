package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
)

// VerifierConfig pins what an assertion must carry to be trusted.
type VerifierConfig struct {
	Issuer   string
	Audience string
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration
	// Algorithms defaults to RS256 and ES256.
	Algorithms []string
}

// Verifier checks signed assertions from the federated identity provider.
type Verifier struct {
	ring   *KeyRing
	config VerifierConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewVerifier(ring *KeyRing, cfg VerifierConfig, logger *zap.Logger) (*Verifier, error) {
	if ring == nil {
		return nil, errors.New("trust: key ring is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("trust: issuer and audience are required")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{ring: ring, config: cfg, logger: logger.Named("verifier"), now: time.Now}, nil
}

// WithClock returns a copy of v that reads time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	cp := *v
	cp.now = now
	return &cp
}

// Verify returns the assertion's claims. Failures are classified as
// UntrustedAssertion (signature, issuer, audience, algorithm or unknown key),
// ExpiredAssertion (outside exp/nbf) or InfrastructureUnavailable (key source down).
func (v *Verifier) Verify(ctx context.Context, assertion string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.config.Algorithms),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithAudience(v.config.Audience),
		jwt.WithLeeway(v.config.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("assertion has no kid")
		}
		return v.ring.Lookup(ctx, kid)
	})
	if err == nil {
		return claims, nil
	}
	switch {
	case errors.Is(err, autherr.ErrInfrastructureUnavailable):
		return nil, err
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		v.logger.Info("assertion rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", autherr.ErrUntrustedAssertion, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		v.logger.Info("assertion outside validity window", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", autherr.ErrExpiredAssertion, err)
	default:
		v.logger.Info("assertion rejected", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", autherr.ErrUntrustedAssertion, err)
	}
}
