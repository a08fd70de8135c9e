package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit"
	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/config"
	"github.com/cgb37/quart-mysql-scaffold/internal/events"
	identitydomain "github.com/cgb37/quart-mysql-scaffold/internal/identity/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/identity/identitytest"
	"github.com/cgb37/quart-mysql-scaffold/internal/policy/engine"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
	sessiondomain "github.com/cgb37/quart-mysql-scaffold/internal/session/domain"
	"github.com/cgb37/quart-mysql-scaffold/internal/session/sessiontest"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

const (
	alice         = "alice@example.com"
	alicePassword = "CorrectHorse1!"
	testIssuer    = "https://idp.example.com"
)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

func (r *recorder) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// fakeVerifier returns the claims registered for an assertion string.
type fakeVerifier struct {
	mu     sync.Mutex
	claims map[string]jwt.MapClaims
	err    error
}

func (v *fakeVerifier) Verify(_ context.Context, assertion string) (jwt.MapClaims, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	c, ok := v.claims[assertion]
	if !ok {
		return nil, autherr.ErrUntrustedAssertion
	}
	return c, nil
}

type fixture struct {
	facade     *Facade
	identities *identitytest.Repository
	store      *sessiontest.Store
	audit      *recorder
	verifier   *fakeVerifier
}

func newFixture(t *testing.T, mode config.AuthMode, policy engine.Evaluator) *fixture {
	t.Helper()
	tp, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	ids := identitytest.NewRepository()
	store := sessiontest.NewStore()
	rec := &recorder{}
	ver := &fakeVerifier{claims: map[string]jwt.MapClaims{}}

	f, err := NewFacade(Config{
		Mode:      mode,
		Federated: FederatedConfig{Issuer: testIssuer, LinkByLogin: true},
		Timeout:   5 * time.Second,
	}, Deps{
		Identities: ids,
		Tokens:     token.NewManager(store, ids, tp, nil),
		Hasher:     security.NewTestHasher(),
		Verifier:   ver,
		Policy:     policy,
		Audit:      rec,
	})
	if err != nil {
		t.Fatalf("NewFacade: %v", err)
	}
	return &fixture{facade: f, identities: ids, store: store, audit: rec, verifier: ver}
}

func (f *fixture) register(t *testing.T, login, password string) *token.Pair {
	t.Helper()
	_, pair, err := f.facade.Provision(context.Background(), Provisioning{Login: login, Password: password, DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("Provision(%s): %v", login, err)
	}
	return pair
}

func TestFacade_EndToEndReplay(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	ctx := context.Background()
	f.register(t, alice, alicePassword)

	pair, err := f.facade.Authenticate(ctx, Credentials{Login: alice, Password: alicePassword})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	p, err := f.facade.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.Login != alice || p.Origin != sessiondomain.OriginLocal {
		t.Errorf("principal = %+v", p)
	}

	next, err := f.facade.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.Principal.SessionID != pair.Principal.SessionID {
		t.Errorf("refresh changed session id")
	}

	_, err = f.facade.Refresh(ctx, pair.RefreshToken)
	if !errors.Is(err, autherr.ErrTokenReplay) {
		t.Fatalf("replayed refresh: want TokenReplay, got %v", err)
	}
	if _, err := f.facade.Validate(ctx, next.AccessToken); !errors.Is(err, autherr.ErrSessionRevoked) {
		t.Fatalf("Validate after replay: want SessionRevoked, got %v", err)
	}

	ev := f.audit.last()
	if ev.Action != events.TypeTokenReplay || ev.SessionID != pair.Principal.SessionID || ev.IdentityID != pair.Principal.IdentityID {
		t.Errorf("replay audit event = %+v", ev)
	}
}

func TestFacade_LocalAuthenticateUniformFailure(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	ctx := context.Background()
	f.register(t, alice, alicePassword)

	cases := []struct {
		name  string
		creds Credentials
	}{
		{"wrong password", Credentials{Login: alice, Password: "WrongHorse1!!"}},
		{"unknown login", Credentials{Login: "nobody@example.com", Password: alicePassword}},
		{"empty password", Credentials{Login: alice}},
		{"assertion in local mode", Credentials{Assertion: "x.y.z"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.facade.Authenticate(ctx, tc.creds)
			if !errors.Is(err, autherr.ErrInvalidCredentials) {
				t.Fatalf("want InvalidCredentials, got %v", err)
			}
		})
	}
	if got := f.audit.last(); got.Action != events.TypeLoginFailure || got.Kind != "invalid_credentials" {
		t.Errorf("last audit event = %+v", got)
	}
}

func TestFacade_AuthenticateNormalizesLogin(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	f.register(t, alice, alicePassword)
	if _, err := f.facade.Authenticate(context.Background(), Credentials{Login: "  ALICE@Example.COM ", Password: alicePassword}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestFacade_InactiveIdentityCannotLogin(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	ctx := context.Background()
	pair := f.register(t, alice, alicePassword)

	if err := f.facade.Deactivate(ctx, &pair.Principal); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := f.facade.Validate(ctx, pair.AccessToken); !errors.Is(err, autherr.ErrSessionRevoked) {
		t.Errorf("Validate after deactivate: want SessionRevoked, got %v", err)
	}
	if _, err := f.facade.Authenticate(ctx, Credentials{Login: alice, Password: alicePassword}); !errors.Is(err, autherr.ErrInvalidCredentials) {
		t.Errorf("Authenticate after deactivate: want InvalidCredentials, got %v", err)
	}
}

func TestFacade_ProvisionValidation(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	ctx := context.Background()
	f.register(t, alice, alicePassword)

	_, _, err := f.facade.Provision(ctx, Provisioning{Login: "Alice@Example.com", Password: alicePassword})
	if !errors.Is(err, autherr.ErrDuplicateIdentity) {
		t.Errorf("duplicate: want DuplicateIdentity, got %v", err)
	}

	var verr *ValidationError
	_, _, err = f.facade.Provision(ctx, Provisioning{Login: "not-an-email", Password: alicePassword})
	if !errors.As(err, &verr) || verr.Field != "email" {
		t.Errorf("bad email: got %v", err)
	}
	_, _, err = f.facade.Provision(ctx, Provisioning{Login: "bob@example.com", Password: "short"})
	if !errors.As(err, &verr) || verr.Field != "password" {
		t.Errorf("weak password: got %v", err)
	}
}

func TestFacade_LogoutIsIdempotent(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	ctx := context.Background()
	pair := f.register(t, alice, alicePassword)

	for i := 0; i < 2; i++ {
		if err := f.facade.Logout(ctx, pair.AccessToken); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
	}
	if _, err := f.facade.Validate(ctx, pair.AccessToken); !errors.Is(err, autherr.ErrTokenRevoked) {
		t.Errorf("Validate after logout: want TokenRevoked, got %v", err)
	}
	if _, err := f.facade.Refresh(ctx, pair.RefreshToken); !errors.Is(err, autherr.ErrSessionRevoked) {
		t.Errorf("Refresh after logout: want SessionRevoked, got %v", err)
	}
	if err := f.facade.Logout(ctx, "garbage"); !errors.Is(err, autherr.ErrMalformedToken) {
		t.Errorf("Logout(garbage): want MalformedToken, got %v", err)
	}
}

func TestFacade_ChangePasswordRevokesOtherSessions(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	ctx := context.Background()
	first := f.register(t, alice, alicePassword)
	second, err := f.facade.Authenticate(ctx, Credentials{Login: alice, Password: alicePassword})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if err := f.facade.ChangePassword(ctx, &second.Principal, "wrong", "BatteryStaple2#"); !errors.Is(err, autherr.ErrInvalidCredentials) {
		t.Errorf("wrong current password: got %v", err)
	}
	if err := f.facade.ChangePassword(ctx, &second.Principal, alicePassword, "BatteryStaple2#"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.facade.Validate(ctx, first.AccessToken); !errors.Is(err, autherr.ErrSessionRevoked) {
		t.Errorf("other session: want SessionRevoked, got %v", err)
	}
	if _, err := f.facade.Validate(ctx, second.AccessToken); err != nil {
		t.Errorf("current session should survive: %v", err)
	}
	if _, err := f.facade.Authenticate(ctx, Credentials{Login: alice, Password: "BatteryStaple2#"}); err != nil {
		t.Errorf("login with new password: %v", err)
	}
}

func TestFacade_RevokeSessionPolicy(t *testing.T) {
	evaluator, err := engine.NewOPAEvaluator(context.Background(), engine.DefaultRegoPolicy, nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	f := newFixture(t, config.AuthModeLocal, evaluator)
	ctx := context.Background()
	a := f.register(t, alice, alicePassword)
	b := f.register(t, "bob@example.com", alicePassword)

	if err := f.facade.RevokeSession(ctx, &b.Principal, a.Principal.SessionID); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger revoke: want ErrForbidden, got %v", err)
	}
	if err := f.facade.RevokeSession(ctx, &b.Principal, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing session: want ErrNotFound, got %v", err)
	}

	admin := b.Principal
	admin.Roles = []string{"user", "admin"}
	if err := f.facade.RevokeSession(ctx, &admin, a.Principal.SessionID); err != nil {
		t.Fatalf("admin revoke: %v", err)
	}
	if _, err := f.facade.Validate(ctx, a.AccessToken); !errors.Is(err, autherr.ErrSessionRevoked) {
		t.Errorf("revoked session: want SessionRevoked, got %v", err)
	}

	sessions, err := f.facade.Sessions(ctx, &a.Principal)
	if err != nil || len(sessions) != 1 || !sessions[0].Revoked {
		t.Errorf("Sessions = %v, %v", sessions, err)
	}
}

func TestFacade_StoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, config.AuthModeLocal, nil)
	ctx := context.Background()
	pair := f.register(t, alice, alicePassword)

	f.store.SetErr(errors.New("connection refused"))
	if _, err := f.facade.Validate(ctx, pair.AccessToken); !autherr.Retryable(err) {
		t.Errorf("Validate: want InfrastructureUnavailable, got %v", err)
	}
	f.store.SetErr(nil)

	f.identities.SetErr(errors.New("connection refused"))
	if _, err := f.facade.Authenticate(ctx, Credentials{Login: alice, Password: alicePassword}); !autherr.Retryable(err) {
		t.Errorf("Authenticate: want InfrastructureUnavailable, got %v", err)
	}
}

func federatedClaims(sub, email string, groups ...string) jwt.MapClaims {
	g := make([]any, 0, len(groups))
	for _, s := range groups {
		g = append(g, s)
	}
	return jwt.MapClaims{"sub": sub, "email": email, "name": "Carol", "groups": g}
}

func TestFacade_FederatedProvisionsAndRefreshesIdentity(t *testing.T) {
	f := newFixture(t, config.AuthModeFederated, nil)
	ctx := context.Background()
	f.verifier.claims["first"] = federatedClaims("ext-1", "carol@example.com")
	f.verifier.claims["second"] = federatedClaims("ext-1", "carol@new.example.com")

	pair, err := f.facade.Authenticate(ctx, Credentials{Assertion: "first"})
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if pair.Principal.Origin != sessiondomain.OriginFederated || pair.Principal.Login != "carol@example.com" {
		t.Errorf("principal = %+v", pair.Principal)
	}

	again, err := f.facade.Authenticate(ctx, Credentials{Assertion: "second"})
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.Principal.IdentityID != pair.Principal.IdentityID {
		t.Errorf("second login created a new identity")
	}
	stored, _ := f.identities.FindByExternalSubject(ctx, testIssuer, "ext-1")
	if stored == nil || stored.Login != "carol@new.example.com" {
		t.Errorf("identity not refreshed: %+v", stored)
	}
}

func TestFacade_FederatedRejectsWrongEntryPoint(t *testing.T) {
	f := newFixture(t, config.AuthModeFederated, nil)
	ctx := context.Background()

	if _, err := f.facade.Authenticate(ctx, Credentials{Login: alice, Password: alicePassword}); !errors.Is(err, autherr.ErrInvalidCredentials) {
		t.Errorf("password in federated mode: got %v", err)
	}
	if _, _, err := f.facade.Provision(ctx, Provisioning{Login: alice, Password: alicePassword}); !errors.Is(err, autherr.ErrInvalidCredentials) {
		t.Errorf("Provision in federated mode: got %v", err)
	}
	if _, err := f.facade.Authenticate(ctx, Credentials{Assertion: "unknown"}); !errors.Is(err, autherr.ErrUntrustedAssertion) {
		t.Errorf("unknown assertion: got %v", err)
	}
}

func TestFacade_FederatedVerifierErrorsPropagate(t *testing.T) {
	f := newFixture(t, config.AuthModeFederated, nil)
	ctx := context.Background()

	f.verifier.err = autherr.Unavailable("fetch keys", errors.New("dial tcp: timeout"))
	_, err := f.facade.Authenticate(ctx, Credentials{Assertion: "any"})
	if !autherr.Retryable(err) {
		t.Errorf("want InfrastructureUnavailable, got %v", err)
	}
	f.verifier.err = autherr.ErrExpiredAssertion
	if _, err := f.facade.Authenticate(ctx, Credentials{Assertion: "any"}); !errors.Is(err, autherr.ErrExpiredAssertion) {
		t.Errorf("want ExpiredAssertion, got %v", err)
	}
	if sessions, _ := f.store.Len(); sessions != 0 {
		t.Errorf("failed logins created %d sessions", sessions)
	}
}

func TestFacade_FederatedLinksByLoginAndRejectsForeignSubject(t *testing.T) {
	f := newFixture(t, config.AuthModeFederated, nil)
	ctx := context.Background()
	local, err := f.identities.Insert(ctx, &identitydomain.Identity{
		ID: "local-1", Login: "dave@example.com", Active: true, Roles: []string{"user"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.verifier.claims["link"] = federatedClaims("ext-dave", "dave@example.com", "admins")
	f.verifier.claims["foreign"] = federatedClaims("ext-other", "dave@example.com")

	pair, err := f.facade.Authenticate(ctx, Credentials{Assertion: "link"})
	if err != nil {
		t.Fatalf("link login: %v", err)
	}
	if pair.Principal.IdentityID != local.ID {
		t.Errorf("linked to %s, want %s", pair.Principal.IdentityID, local.ID)
	}
	if _, err := f.facade.Authenticate(ctx, Credentials{Assertion: "foreign"}); !errors.Is(err, autherr.ErrUntrustedAssertion) {
		t.Errorf("foreign subject: want UntrustedAssertion, got %v", err)
	}
}

func TestNewFacade_RequiresModeDeps(t *testing.T) {
	tp, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatal(err)
	}
	ids := identitytest.NewRepository()
	mgr := token.NewManager(sessiontest.NewStore(), ids, tp, nil)

	if _, err := NewFacade(Config{Mode: config.AuthModeLocal}, Deps{Identities: ids, Tokens: mgr}); err == nil {
		t.Error("local mode without hasher: want error")
	}
	if _, err := NewFacade(Config{Mode: config.AuthModeFederated}, Deps{Identities: ids, Tokens: mgr}); err == nil {
		t.Error("federated mode without verifier: want error")
	}
	if _, err := NewFacade(Config{Mode: "saml"}, Deps{Identities: ids, Tokens: mgr}); err == nil {
		t.Error("unknown mode: want error")
	}
}
