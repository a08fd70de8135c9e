package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, carries a bad
	// signature, or has the wrong issuer, audience, or type.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the signature verifies but the token is past its expiry.
	// The parsed claims are returned alongside it.
	ErrExpiredToken = errors.New("token expired")
)

// TokenType distinguishes access from refresh tokens; a refresh token is never accepted as access.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims is the JWT body for both token types. Identity attributes are only
// populated on access tokens so validation never needs the credential store.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string    `json:"sid"`
	Type      TokenType `json:"typ"`
	Origin    string    `json:"origin,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
}

// Subject is what a token is minted for.
type Subject struct {
	IdentityID string
	SessionID  string
	Origin     string
	Email      string
	Name       string
	Roles      []string
}

// Issued is a freshly signed token with its jti and validity window.
type Issued struct {
	Token     string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenProvider issues and validates JWT access and refresh tokens using RS256 or ES256 (private/public key).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	keyID      string
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
// issuer and audience are set on claims and enforced on parse.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		keyID:      KeyID(publicKey),
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock returns a copy of p that reads time from now. Used by tests to step past expiry.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	cp := *p
	cp.now = now
	return &cp
}

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (p *TokenProvider) RefreshTTL() time.Duration { return p.refreshTTL }

// PublicKey returns the verification key and its kid for publishing as a JWKS.
func (p *TokenProvider) PublicKey() (crypto.PublicKey, string) { return p.publicKey, p.keyID }

// IssueAccess issues a short-lived access JWT carrying the identity summary.
func (p *TokenProvider) IssueAccess(sub Subject) (Issued, error) {
	return p.issue(sub, TokenTypeAccess, p.accessTTL)
}

// IssueRefresh issues a long-lived, single-use refresh JWT. The caller binds its jti to the session.
func (p *TokenProvider) IssueRefresh(sub Subject) (Issued, error) {
	return p.issue(Subject{IdentityID: sub.IdentityID, SessionID: sub.SessionID, Origin: sub.Origin}, TokenTypeRefresh, p.refreshTTL)
}

func (p *TokenProvider) issue(sub Subject, typ TokenType, ttl time.Duration) (Issued, error) {
	jti, err := generateJTI()
	if err != nil {
		return Issued{}, err
	}
	now := p.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   sub.IdentityID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sub.SessionID,
		Type:      typ,
		Origin:    sub.Origin,
		Email:     sub.Email,
		Name:      sub.Name,
		Roles:     sub.Roles,
	}
	token, err := p.sign(claims)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: token, ID: jti, IssuedAt: now, ExpiresAt: expiresAt}, nil
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	if p.keyID != "" {
		t.Header["kid"] = p.keyID
	}
	return t.SignedString(p.privateKey)
}

// ParseAccess verifies an access token. Checks run signature first, then
// issuer, audience and type, then expiry. On ErrExpiredToken the claims are
// still returned so callers can act on a verified but stale token (logout).
func (p *TokenProvider) ParseAccess(tokenString string) (*Claims, error) {
	return p.parse(tokenString, TokenTypeAccess)
}

// ParseRefresh verifies a refresh token. Same ordering and return contract as ParseAccess.
func (p *TokenProvider) ParseRefresh(tokenString string) (*Claims, error) {
	return p.parse(tokenString, TokenTypeRefresh)
}

func (p *TokenProvider) parse(tokenString string, want TokenType) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != p.issuer || !slices.Contains(claims.Audience, p.audience) {
		return nil, ErrInvalidToken
	}
	if claims.Type != want || claims.ID == "" || claims.SessionID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	if !p.now().Before(claims.ExpiresAt.Time) {
		return claims, ErrExpiredToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
