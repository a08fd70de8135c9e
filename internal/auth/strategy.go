// Package auth is the single entry point for authentication. A Facade runs
// exactly one Strategy, local or federated, chosen at construction, and hands
// verified identities to the token lifecycle manager.
package auth

import (
	"context"

	identitydomain "github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	sessiondomain "github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
)

// Credentials is what a caller presents to authenticate. Local deployments
// read Login and Password; federated deployments read Assertion.
type Credentials struct {
	Login     string
	Password  string
	Assertion string
}

// Provisioning is the input for creating an identity explicitly (registration).
type Provisioning struct {
	Login       string
	Password    string
	DisplayName string
}

// Strategy verifies credentials and provisions identities. It is a closed set:
// the unexported sealed method keeps implementations inside this package.
type Strategy interface {
	// Authenticate returns the active identity behind creds.
	Authenticate(ctx context.Context, creds Credentials) (*identitydomain.Identity, error)
	// Provision creates a new identity.
	Provision(ctx context.Context, p Provisioning) (*identitydomain.Identity, error)
	// MapClaims derives roles from external claims.
	MapClaims(claims map[string]any) ([]string, error)
	// Origin is recorded on every session the strategy starts.
	Origin() sessiondomain.Origin

	sealed()
}
