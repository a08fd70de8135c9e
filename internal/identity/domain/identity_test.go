package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormalizeLogin(t *testing.T) {
	if got := NormalizeLogin("  Alice@Example.COM "); got != "alice@example.com" {
		t.Errorf("NormalizeLogin = %q", got)
	}
}

func TestIdentity_Validate(t *testing.T) {
	i := &Identity{Login: " Alice@Example.com", DisplayName: " Alice ", Roles: []string{"user", " admin", "user", ""}}
	if err := i.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if i.Login != "alice@example.com" {
		t.Errorf("Login = %q", i.Login)
	}
	if i.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q", i.DisplayName)
	}
	if !reflect.DeepEqual(i.Roles, []string{"user", "admin"}) {
		t.Errorf("Roles = %v", i.Roles)
	}
}

func TestIdentity_ValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		in   Identity
	}{
		{"empty login", Identity{}},
		{"not an email", Identity{Login: "alice"}},
		{"display form", Identity{Login: "Alice <alice@example.com>"}},
		{"half external link", Identity{Login: "a@example.com", ExternalIssuer: "https://idp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			if err := in.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	bad := &Identity{Login: "nope"}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidLogin) {
		t.Errorf("want ErrInvalidLogin, got %v", err)
	}
}

func TestIdentity_HasRole(t *testing.T) {
	i := &Identity{Roles: []string{"user", "admin"}}
	if !i.HasRole("admin") || i.HasRole("root") {
		t.Error("HasRole mismatch")
	}
}
