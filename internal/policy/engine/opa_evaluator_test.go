package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e, err := NewOPAEvaluator(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_DefaultPolicy(t *testing.T) {
	e, err := NewOPAEvaluator(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	tests := []struct {
		name string
		in   RevokeInput
		want bool
	}{
		{"owner", RevokeInput{ActorID: "u1", ActorRoles: []string{"user"}, SessionOwnerID: "u1"}, true},
		{"stranger", RevokeInput{ActorID: "u2", ActorRoles: []string{"user"}, SessionOwnerID: "u1"}, false},
		{"admin", RevokeInput{ActorID: "u3", ActorRoles: []string{"user", "admin"}, SessionOwnerID: "u1"}, true},
		{"anonymous", RevokeInput{SessionOwnerID: ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.AllowRevoke(context.Background(), tt.in)
			if err != nil {
				t.Fatalf("AllowRevoke: %v", err)
			}
			if got != tt.want {
				t.Errorf("AllowRevoke = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadOPAEvaluator_CustomPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.rego")
	policy := `package authcore.session

default allow_revoke := false

allow_revoke if {
	"support" in input.actor.roles
	input.session.origin == "local"
}
`
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := LoadOPAEvaluator(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("LoadOPAEvaluator: %v", err)
	}
	ok, _ := e.AllowRevoke(context.Background(), RevokeInput{ActorID: "s", ActorRoles: []string{"support"}, SessionOrigin: "local"})
	if !ok {
		t.Error("support should revoke local sessions")
	}
	ok, _ = e.AllowRevoke(context.Background(), RevokeInput{ActorID: "o", SessionOwnerID: "o", SessionOrigin: "local"})
	if ok {
		t.Error("custom policy replaces the owner rule")
	}
}

func TestNewOPAEvaluator_CompileError(t *testing.T) {
	if _, err := NewOPAEvaluator(context.Background(), "package broken\nallow if {", nil); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := LoadOPAEvaluator(context.Background(), filepath.Join(t.TempDir(), "nope.rego"), nil); err == nil {
		t.Fatal("expected read error")
	}
}
