package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/cgb37/quart-mysql-scaffold/internal/auth"
	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/config"
	"github.com/cgb37/quart-mysql-scaffold/internal/health"
	"github.com/cgb37/quart-mysql-scaffold/internal/identity/identitytest"
	"github.com/cgb37/quart-mysql-scaffold/internal/ratelimit"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
	"github.com/cgb37/quart-mysql-scaffold/internal/session/sessiontest"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

const (
	alice         = "alice@example.com"
	alicePassword = "CorrectHorse1!"
)

type staticVerifier map[string]jwt.MapClaims

func (v staticVerifier) Verify(_ context.Context, assertion string) (jwt.MapClaims, error) {
	c, ok := v[assertion]
	if !ok {
		return nil, autherr.ErrUntrustedAssertion
	}
	return c, nil
}

type server struct {
	handler    http.Handler
	store      *sessiontest.Store
	identities *identitytest.Repository
}

func newServer(t *testing.T, mode config.AuthMode, mutate func(*Options)) *server {
	t.Helper()
	tp, err := security.NewTestTokenProvider()
	require.NoError(t, err)
	ids := identitytest.NewRepository()
	store := sessiontest.NewStore()
	mgr := token.NewManager(store, ids, tp, nil)

	facade, err := auth.NewFacade(auth.Config{
		Mode:      mode,
		Federated: auth.FederatedConfig{Issuer: "https://idp.example.com"},
	}, auth.Deps{
		Identities: ids,
		Tokens:     mgr,
		Hasher:     security.NewTestHasher(),
		Verifier: staticVerifier{
			"good": {"sub": "ext-1", "email": "carol@example.com", "name": "Carol"},
		},
	})
	require.NoError(t, err)

	ready := health.NewChecker(time.Second)
	ready.AddPinger("sessions", mgr)
	opts := Options{
		Facade:  facade,
		Tokens:  tp,
		Limiter: ratelimit.NewLocalLimiter(ratelimit.Config{MaxAttempts: 3, Window: time.Minute}),
		Ready:   ready,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &server{handler: NewRouter(opts), store: store, identities: ids}
}

func (s *server) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) tokenBody {
	t.Helper()
	var tb tokenBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tb))
	require.NotEmpty(t, tb.AccessToken)
	require.NotEmpty(t, tb.RefreshToken)
	return tb
}

func (s *server) registerAndLogin(t *testing.T) tokenBody {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/register", registerRequest{Email: alice, Password: alicePassword, DisplayName: "Alice"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: alicePassword}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeTokens(t, rec)
}

func TestLoginRefreshReplay(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	tokens := s.registerAndLogin(t)

	rec := s.do(t, http.MethodGet, "/auth/me", nil, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var me principalBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, alice, me.Login)
	assert.Equal(t, "local", me.Origin)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = s.do(t, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decodeTokens(t, rec)
	assert.Equal(t, tokens.SessionID, rotated.SessionID)

	rec = s.do(t, http.MethodPost, "/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication_failed"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/auth/me", nil, bearer(rotated.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginSetsRefreshCookieAndRefreshReadsIt(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, func(o *Options) { o.Cookies.Secure = true })
	s.registerAndLogin(t)

	rec := s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: alicePassword}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, refreshCookie, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(c)
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code, out.Body.String())
}

func TestUniformAuthenticationFailure(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	s.registerAndLogin(t)

	wrongPassword := s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: "WrongHorse1!!"}, nil)
	unknownLogin := s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: "nobody@example.com", Password: alicePassword}, nil)

	assert.Equal(t, http.StatusUnauthorized, wrongPassword.Code)
	assert.Equal(t, wrongPassword.Code, unknownLogin.Code)
	assert.Equal(t, wrongPassword.Body.String(), unknownLogin.Body.String())
}

func TestLoginRateLimited(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	s.registerAndLogin(t)

	for i := 0; i < 3; i++ {
		rec := s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: "WrongHorse1!!"}, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: alicePassword}, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRegisterErrors(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	s.registerAndLogin(t)

	rec := s.do(t, http.MethodPost, "/auth/register", registerRequest{Email: "ALICE@example.com", Password: alicePassword}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/register", registerRequest{Email: "bob@example.com", Password: "short"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "password", body.Field)

	rec = s.do(t, http.MethodPost, "/auth/register", map[string]any{"unexpected": true}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogoutIsIdempotentAndClearsCookie(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	tokens := s.registerAndLogin(t)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/auth/logout", nil, bearer(tokens.AccessToken))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, -1, cookies[0].MaxAge)
	}
	rec := s.do(t, http.MethodGet, "/auth/me", nil, bearer(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/logout", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionsAndRevocation(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	first := s.registerAndLogin(t)
	rec := s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: alicePassword}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeTokens(t, rec)

	rec = s.do(t, http.MethodGet, "/auth/sessions", nil, bearer(second.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []sessionBody `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Sessions, 3) // register, first login, second login

	rec = s.do(t, http.MethodDelete, "/auth/sessions/"+first.SessionID, nil, bearer(second.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodGet, "/auth/me", nil, bearer(first.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodDelete, "/auth/sessions/nope", nil, bearer(second.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStoreOutageIs503(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	tokens := s.registerAndLogin(t)

	s.store.SetErr(errors.New("connection reset"))
	rec := s.do(t, http.MethodGet, "/auth/me", nil, bearer(tokens.AccessToken))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.store.SetErr(nil)
	rec = s.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChangePasswordAndDeactivate(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	tokens := s.registerAndLogin(t)

	rec := s.do(t, http.MethodPost, "/auth/password",
		passwordRequest{CurrentPassword: alicePassword, NewPassword: "BatteryStaple2#"}, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: "BatteryStaple2#"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/deactivate", nil, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: "BatteryStaple2#"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJWKSPublishesVerificationKey(t *testing.T) {
	s := newServer(t, config.AuthModeLocal, nil)
	rec := s.do(t, http.MethodGet, "/.well-known/jwks.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RSA", set.Keys[0]["kty"])
	assert.Equal(t, "RS256", set.Keys[0]["alg"])
	assert.NotEmpty(t, set.Keys[0]["kid"])
	assert.NotContains(t, set.Keys[0], "d")
}

func TestFederatedModeRoutes(t *testing.T) {
	s := newServer(t, config.AuthModeFederated, nil)

	rec := s.do(t, http.MethodPost, "/auth/login", loginRequest{Email: alice, Password: alicePassword}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "password login is not routed in federated mode")

	rec = s.do(t, http.MethodPost, "/auth/federated/assertion", map[string]string{"assertion": "good"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeTokens(t, rec)

	form := url.Values{"assertion": {"forged"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/federated/assertion", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	out := httptest.NewRecorder()
	s.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code)
}

func TestFederatedRedirectFlow(t *testing.T) {
	var gotVerifier string
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotVerifier = r.PostForm.Get("code_verifier")
		if r.PostForm.Get("code") != "code-1" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","token_type":"Bearer","id_token":"good"}`))
	}))
	defer idp.Close()

	s := newServer(t, config.AuthModeFederated, func(o *Options) {
		o.Federated = NewFederatedFlow(oauth2.Config{
			ClientID:    "authcore",
			RedirectURL: "https://auth.example.com/auth/federated/callback",
			Scopes:      []string{"openid", "email"},
			Endpoint:    oauth2.Endpoint{AuthURL: "https://idp.example.com/authorize", TokenURL: idp.URL + "/token"},
		}, idp.Client())
	})

	rec := s.do(t, http.MethodGet, "/auth/federated/login", nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "S256", loc.Query().Get("code_challenge_method"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)

	callback := func(q url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/federated/callback?"+q.Encode(), nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		out := httptest.NewRecorder()
		s.handler.ServeHTTP(out, req)
		return out
	}

	out := callback(url.Values{"state": {"tampered"}, "code": {"code-1"}})
	assert.Equal(t, http.StatusUnauthorized, out.Code)

	out = callback(url.Values{"state": {state}, "code": {"bad"}})
	assert.Equal(t, http.StatusUnauthorized, out.Code)

	out = callback(url.Values{"state": {state}, "code": {"code-1"}})
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())
	decodeTokens(t, out)
	assert.NotEmpty(t, gotVerifier)
}
