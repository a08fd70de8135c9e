package audit

import (
	"fmt"
	"testing"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
)

func TestForOutcome(t *testing.T) {
	replay := fmt.Errorf("refresh: %w", autherr.ErrTokenReplay)
	tests := []struct {
		op   string
		err  error
		want ActionResource
	}{
		{OpLogin, nil, ActionResource{"login", ResourceSession}},
		{OpLogin, autherr.ErrInvalidCredentials, ActionResource{"login_failure", ResourceIdentity}},
		{OpLogin, autherr.ErrUntrustedAssertion, ActionResource{"login_failure", ResourceIdentity}},
		{OpRefresh, nil, ActionResource{"refresh", ResourceSession}},
		{OpRefresh, replay, ActionResource{"token_replay", ResourceSession}},
		{OpRefresh, autherr.ErrSessionRevoked, ActionResource{"refresh", ResourceSession}},
		{OpRegister, nil, ActionResource{"register", ResourceIdentity}},
		{OpLogout, nil, ActionResource{"logout", ResourceSession}},
		{OpPasswordChange, nil, ActionResource{"password_change", ResourceIdentity}},
		{OpDeactivate, nil, ActionResource{"deactivate", ResourceIdentity}},
		{OpSessionRevoke, nil, ActionResource{"session_revoke", ResourceSession}},
		{"mystery", nil, ActionResource{"mystery", "unknown"}},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			if got := ForOutcome(tt.op, tt.err); got != tt.want {
				t.Errorf("ForOutcome(%q, %v) = %+v, want %+v", tt.op, tt.err, got, tt.want)
			}
		})
	}
}

func TestActionResource_Event(t *testing.T) {
	ev := ForOutcome(OpLogin, autherr.ErrInvalidCredentials).Event("", "", autherr.ErrInvalidCredentials)
	if ev.Kind != "invalid_credentials" || ev.Action != "login_failure" {
		t.Errorf("event = %+v", ev)
	}
	ok := ForOutcome(OpLogout, nil).Event("id", "sid", nil)
	if ok.Kind != "" || ok.IdentityID != "id" || ok.SessionID != "sid" {
		t.Errorf("event = %+v", ok)
	}
}
