package claimmap

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestTable_DefaultMapping(t *testing.T) {
	table, err := New(DefaultSpec())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m, err := table.Map(map[string]any{
		"sub":         "ext-1",
		"email":       " Carol@Example.com ",
		"given_name":  "Carol",
		"family_name": "Danvers",
	})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := Mapped{Subject: "ext-1", Login: "carol@example.com", DisplayName: "Carol Danvers", Roles: []string{"user"}}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("Map = %+v, want %+v", m, want)
	}
}

func TestTable_Rules(t *testing.T) {
	table, err := New(Spec{
		DefaultRoles: []string{"user"},
		Rules: []Rule{
			{Expr: "contains(groups, 'platform-admins')", Role: "admin"},
			{Expr: "realm_access.roles"},
			{Expr: "department"},
			{Expr: "email_verified", Role: "verified"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	claims := map[string]any{
		"sub":            "ext-2",
		"email":          "dave@example.com",
		"groups":         []any{"staff", "platform-admins"},
		"realm_access":   map[string]any{"roles": []any{"auditor", "user"}},
		"department":     "finance",
		"email_verified": false,
	}
	roles, err := table.Roles(claims)
	if err != nil {
		t.Fatalf("Roles: %v", err)
	}
	if want := []string{"user", "admin", "auditor", "finance"}; !reflect.DeepEqual(roles, want) {
		t.Errorf("Roles = %v, want %v", roles, want)
	}
}

func TestTable_MissingClaims(t *testing.T) {
	table, _ := New(DefaultSpec())
	if _, err := table.Map(map[string]any{"email": "x@example.com"}); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("missing sub: got %v", err)
	}
	if _, err := table.Map(map[string]any{"sub": "s"}); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("missing login: got %v", err)
	}
	m, err := table.Map(map[string]any{"sub": "s", "preferred_username": "Eve@Example.com"})
	if err != nil || m.Login != "eve@example.com" {
		t.Errorf("preferred_username fallback = %+v, %v", m, err)
	}
}

func TestNew_RejectsBadExpression(t *testing.T) {
	if _, err := New(Spec{Rules: []Rule{{Expr: "groups[", Role: "x"}}}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := New(Spec{Rules: []Rule{{Expr: "  "}}}); err == nil {
		t.Fatal("expected empty expression error")
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.yaml")
	yaml := `subject: oid
login: upn
display_name: name
default_roles: [member]
rules:
  - expr: "contains(roles, 'Admin')"
    role: admin
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m, err := table.Map(map[string]any{"oid": "o-1", "upn": "frank@example.com", "name": "Frank", "roles": []any{"Admin"}})
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if m.Subject != "o-1" || m.Login != "frank@example.com" || !reflect.DeepEqual(m.Roles, []string{"member", "admin"}) {
		t.Errorf("Map = %+v", m)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) should fail")
	}
	if def, err := Load(""); err != nil || def == nil {
		t.Errorf("Load(\"\") = %v, %v", def, err)
	}
}
