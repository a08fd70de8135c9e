// Package claimmap turns the claims of a verified federated assertion into
// local identity attributes through a declarative table of JMESPath rules.
package claimmap

import (
	"errors"
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/spf13/viper"

	"github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
)

// ErrMissingClaim is returned when a required attribute evaluates to nothing.
var ErrMissingClaim = errors.New("claimmap: required claim missing")

// Rule grants roles from the claims. With Role set, Expr is a predicate and
// Role is granted when it is truthy. Without Role, Expr must yield a string
// or a list of strings, each of which becomes a role.
type Rule struct {
	Expr string `mapstructure:"expr"`
	Role string `mapstructure:"role"`
}

// Spec is the on-disk form of a Table.
type Spec struct {
	Subject      string   `mapstructure:"subject"`
	Login        string   `mapstructure:"login"`
	DisplayName  string   `mapstructure:"display_name"`
	DefaultRoles []string `mapstructure:"default_roles"`
	Rules        []Rule   `mapstructure:"rules"`
}

// DefaultSpec maps standard OIDC claims and grants "user" to everyone.
func DefaultSpec() Spec {
	return Spec{
		Subject:      "sub",
		Login:        "email || preferred_username",
		DisplayName:  "name || join(' ', [given_name, family_name][?@])",
		DefaultRoles: []string{"user"},
	}
}

// Mapped is the outcome of applying a Table to one assertion.
type Mapped struct {
	Subject     string
	Login       string
	DisplayName string
	Roles       []string
}

type compiledRule struct {
	expr jmespath.JMESPath
	src  string
	role string
}

// Table is a compiled Spec. It is immutable and safe for concurrent use.
type Table struct {
	subject      jmespath.JMESPath
	login        jmespath.JMESPath
	displayName  jmespath.JMESPath
	defaultRoles []string
	rules        []compiledRule
}

// New compiles spec. Empty attribute expressions fall back to DefaultSpec.
func New(spec Spec) (*Table, error) {
	def := DefaultSpec()
	if strings.TrimSpace(spec.Subject) == "" {
		spec.Subject = def.Subject
	}
	if strings.TrimSpace(spec.Login) == "" {
		spec.Login = def.Login
	}
	if strings.TrimSpace(spec.DisplayName) == "" {
		spec.DisplayName = def.DisplayName
	}
	t := &Table{defaultRoles: domain.NormalizeRoles(spec.DefaultRoles)}
	var err error
	if t.subject, err = compile("subject", spec.Subject); err != nil {
		return nil, err
	}
	if t.login, err = compile("login", spec.Login); err != nil {
		return nil, err
	}
	if t.displayName, err = compile("display_name", spec.DisplayName); err != nil {
		return nil, err
	}
	for i, r := range spec.Rules {
		c, err := compile(fmt.Sprintf("rules[%d]", i), r.Expr)
		if err != nil {
			return nil, err
		}
		t.rules = append(t.rules, compiledRule{expr: c, src: r.Expr, role: strings.TrimSpace(r.Role)})
	}
	return t, nil
}

// Load reads a Spec from a YAML (or any viper-supported) file and compiles it.
// An empty path yields the default table.
func Load(path string) (*Table, error) {
	if path == "" {
		return New(DefaultSpec())
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("claimmap: read %s: %w", path, err)
	}
	var spec Spec
	if err := v.Unmarshal(&spec); err != nil {
		return nil, fmt.Errorf("claimmap: decode %s: %w", path, err)
	}
	return New(spec)
}

func compile(field, expr string) (jmespath.JMESPath, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("claimmap: %s: empty expression", field)
	}
	c, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("claimmap: %s: %w", field, err)
	}
	return c, nil
}

// Map applies the table. Subject and login are required; roles are the
// default roles followed by every rule's grants, de-duplicated in order.
func (t *Table) Map(claims map[string]any) (Mapped, error) {
	data := plain(claims)
	var m Mapped
	var err error
	if m.Subject, err = t.str(t.subject, data); err != nil {
		return Mapped{}, err
	}
	if m.Subject == "" {
		return Mapped{}, fmt.Errorf("%w: subject", ErrMissingClaim)
	}
	if m.Login, err = t.str(t.login, data); err != nil {
		return Mapped{}, err
	}
	m.Login = domain.NormalizeLogin(m.Login)
	if m.Login == "" {
		return Mapped{}, fmt.Errorf("%w: login", ErrMissingClaim)
	}
	if m.DisplayName, err = t.str(t.displayName, data); err != nil {
		return Mapped{}, err
	}
	if m.Roles, err = t.Roles(claims); err != nil {
		return Mapped{}, err
	}
	return m, nil
}

// Roles evaluates only the role rules.
func (t *Table) Roles(claims map[string]any) ([]string, error) {
	data := plain(claims)
	roles := append([]string(nil), t.defaultRoles...)
	for _, r := range t.rules {
		out, err := r.expr.Search(data)
		if err != nil {
			return nil, fmt.Errorf("claimmap: rule %q: %w", r.src, err)
		}
		if r.role != "" {
			if truthy(out) {
				roles = append(roles, r.role)
			}
			continue
		}
		roles = append(roles, stringList(out)...)
	}
	return domain.NormalizeRoles(roles), nil
}

func (t *Table) str(expr jmespath.JMESPath, data any) (string, error) {
	out, err := expr.Search(data)
	if err != nil {
		return "", fmt.Errorf("claimmap: %w", err)
	}
	s, _ := out.(string)
	return strings.TrimSpace(s), nil
}

func plain(claims map[string]any) map[string]any {
	if claims == nil {
		return map[string]any{}
	}
	return claims
}

func stringList(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return x
	}
	return nil
}

// truthy follows JMESPath truthiness: false, null, empty string, empty list and empty object are false.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}
