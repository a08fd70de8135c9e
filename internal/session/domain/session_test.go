package domain

import (
	"testing"
	"time"
)

func TestSession_MergeNeverMovesExpiryBackward(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now.Add(time.Hour), LastSeenAt: now}
	s.Merge(&Session{ExpiresAt: now.Add(time.Minute), LastSeenAt: now.Add(-time.Minute)})
	if !s.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expiry moved backward: %v", s.ExpiresAt)
	}
	if !s.LastSeenAt.Equal(now) {
		t.Errorf("last-seen moved backward: %v", s.LastSeenAt)
	}
	s.Merge(&Session{ExpiresAt: now.Add(2 * time.Hour)})
	if !s.ExpiresAt.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("expiry not extended: %v", s.ExpiresAt)
	}
}

func TestSession_MergeRevocationIsMonotonic(t *testing.T) {
	at := time.Now()
	s := &Session{}
	s.Merge(&Session{Revoked: true, RevokedAt: &at})
	if !s.Revoked || s.RevokedAt == nil {
		t.Fatal("revocation not applied")
	}
	s.Merge(&Session{Revoked: false, RefreshJTI: "j2", RefreshTokenHash: "h2"})
	if !s.Revoked {
		t.Fatal("revocation was undone")
	}
	if s.RefreshJTI != "j2" {
		t.Errorf("refresh binding not replaced: %q", s.RefreshJTI)
	}
}

func TestSession_Active(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now.Add(time.Minute)}
	if !s.Active(now) {
		t.Error("should be active")
	}
	if s.Active(now.Add(2 * time.Minute)) {
		t.Error("should be expired")
	}
	s.Revoked = true
	if s.Active(now) {
		t.Error("revoked session should not be active")
	}
}

func TestOrigin_Valid(t *testing.T) {
	if !OriginLocal.Valid() || !OriginFederated.Valid() || Origin("saml").Valid() {
		t.Error("Origin.Valid mismatch")
	}
}
