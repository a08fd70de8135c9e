// Package autherr defines the authentication error taxonomy shared by the
// strategies, the token lifecycle manager, and the transport layers.
package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an authentication outcome. The zero value is KindUnknown.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindDuplicateIdentity
	KindUntrustedAssertion
	KindExpiredAssertion
	KindTokenExpired
	KindTokenRevoked
	KindTokenReplay
	KindSessionRevoked
	KindInfrastructureUnavailable
	KindMalformedToken
)

var kindNames = map[Kind]string{
	KindUnknown:                   "unknown",
	KindInvalidCredentials:        "invalid_credentials",
	KindDuplicateIdentity:         "duplicate_identity",
	KindUntrustedAssertion:        "untrusted_assertion",
	KindExpiredAssertion:          "expired_assertion",
	KindTokenExpired:              "token_expired",
	KindTokenRevoked:              "token_revoked",
	KindTokenReplay:               "token_replay",
	KindSessionRevoked:            "session_revoked",
	KindInfrastructureUnavailable: "infrastructure_unavailable",
	KindMalformedToken:            "malformed_token",
}

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Sentinel errors. Wrap with %w to add context; match with errors.Is or KindOf.
var (
	ErrInvalidCredentials        = errors.New("invalid credentials")
	ErrDuplicateIdentity         = errors.New("identity already exists")
	ErrUntrustedAssertion        = errors.New("untrusted assertion")
	ErrExpiredAssertion          = errors.New("assertion outside validity window")
	ErrTokenExpired              = errors.New("token expired")
	ErrTokenRevoked              = errors.New("token revoked")
	ErrTokenReplay               = errors.New("refresh token replay detected; session revoked")
	ErrSessionRevoked            = errors.New("session revoked")
	ErrInfrastructureUnavailable = errors.New("infrastructure unavailable")
	ErrMalformedToken            = errors.New("malformed token")
)

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrDuplicateIdentity, KindDuplicateIdentity},
	{ErrUntrustedAssertion, KindUntrustedAssertion},
	{ErrExpiredAssertion, KindExpiredAssertion},
	{ErrTokenExpired, KindTokenExpired},
	{ErrTokenRevoked, KindTokenRevoked},
	{ErrTokenReplay, KindTokenReplay},
	{ErrSessionRevoked, KindSessionRevoked},
	{ErrInfrastructureUnavailable, KindInfrastructureUnavailable},
	{ErrMalformedToken, KindMalformedToken},
}

// KindOf returns the Kind of err, or KindUnknown when err carries none of the sentinels.
// Infrastructure wins over any other sentinel in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrInfrastructureUnavailable) {
		return KindInfrastructureUnavailable
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindUnknown
}

// IsAuthFailure reports whether err is an authentication outcome that callers
// must see only as a uniform "authentication failed".
func IsAuthFailure(err error) bool {
	switch KindOf(err) {
	case KindInvalidCredentials, KindUntrustedAssertion, KindExpiredAssertion,
		KindTokenExpired, KindTokenRevoked, KindTokenReplay, KindSessionRevoked, KindMalformedToken:
		return true
	}
	return false
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindInfrastructureUnavailable
}

// Unavailable wraps a store or network failure as ErrInfrastructureUnavailable.
// A nil err returns nil. Errors that are already classified are returned unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructureUnavailable, err)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
