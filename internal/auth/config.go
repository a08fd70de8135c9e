package auth

import (
	"fmt"
	"time"
	"unicode"

	"github.com/cgb37/quart-mysql-scaffold/internal/config"
)

// Config is the facade's explicit configuration, built once in main.
type Config struct {
	Mode     config.AuthMode
	Password PasswordPolicy
	// DefaultRoles are granted to identities provisioned by the local strategy.
	DefaultRoles []string
	Federated    FederatedConfig
	// Timeout bounds each facade operation. Zero means only the store timeouts apply.
	Timeout time.Duration
}

// FederatedConfig holds the settings of the federated strategy.
type FederatedConfig struct {
	// Issuer is recorded as the identity's ExternalIssuer.
	Issuer string
	// LinkByLogin links a first-seen subject to an existing identity with the same login.
	LinkByLogin bool
}

// PasswordPolicy is enforced on registration and password change.
type PasswordPolicy struct {
	MinLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// DefaultPasswordPolicy requires 12 characters with upper, lower, digit and symbol.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 12, RequireUpper: true, RequireLower: true, RequireDigit: true, RequireSymbol: true}
}

// ValidationError reports unusable input. Transports map it to 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// Check returns a *ValidationError for the first rule password breaks.
func (p PasswordPolicy) Check(password string) error {
	if len([]rune(password)) < p.MinLength {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", p.MinLength)}
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			hasSymbol = true
		}
	}
	switch {
	case p.RequireUpper && !hasUpper:
		return &ValidationError{Field: "password", Message: "must contain at least one uppercase letter"}
	case p.RequireLower && !hasLower:
		return &ValidationError{Field: "password", Message: "must contain at least one lowercase letter"}
	case p.RequireDigit && !hasDigit:
		return &ValidationError{Field: "password", Message: "must contain at least one number"}
	case p.RequireSymbol && !hasSymbol:
		return &ValidationError{Field: "password", Message: "must contain at least one symbol"}
	}
	return nil
}
