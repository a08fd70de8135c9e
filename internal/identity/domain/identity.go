package domain

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// Identity is one end-user account. Identities are deactivated, never hard-deleted,
// so audit rows keep a valid reference.
type Identity struct {
	ID           string
	Login        string // normalized email, globally unique
	PasswordHash string // empty for pure-federated identities
	DisplayName  string
	Active       bool
	Roles        []string // ordered set
	// ExternalIssuer and ExternalSubject link a federated identity to its
	// provider account. Both empty for local identities.
	ExternalIssuer  string
	ExternalSubject string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ErrInvalidLogin is returned by Validate when the login is not a usable email address.
var ErrInvalidLogin = errors.New("login must be a valid email address")

// NormalizeLogin trims and lower-cases a login key. All lookups and inserts go through it.
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// Validate normalizes the identity for persistence and returns the first validation failure.
func (i *Identity) Validate() error {
	i.Login = NormalizeLogin(i.Login)
	if i.Login == "" {
		return errors.New("login is required")
	}
	addr, err := mail.ParseAddress(i.Login)
	if err != nil || addr.Address != i.Login {
		return ErrInvalidLogin
	}
	i.DisplayName = strings.TrimSpace(i.DisplayName)
	i.Roles = NormalizeRoles(i.Roles)
	if (i.ExternalIssuer == "") != (i.ExternalSubject == "") {
		return errors.New("external issuer and subject must be set together")
	}
	return nil
}

// IsFederated reports whether the identity is linked to an external provider.
func (i *Identity) IsFederated() bool {
	return i.ExternalSubject != ""
}

// HasRole reports whether role is in the identity's role set.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NormalizeRoles trims roles, drops empties and duplicates, and keeps first-seen order.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
