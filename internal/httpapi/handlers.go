package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/audit"
	"github.com/cgb37/quart-mysql-scaffold/internal/auth"
	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/health"
	"github.com/cgb37/quart-mysql-scaffold/internal/ratelimit"
	"github.com/cgb37/quart-mysql-scaffold/internal/security"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

const refreshCookie = "authcore_refresh"

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	ident, pair, err := h.facade.Provision(r.Context(), auth.Provisioning{
		Login:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusCreated, map[string]any{
		"identity": map[string]any{
			"id":           ident.ID,
			"email":        ident.Login,
			"display_name": ident.DisplayName,
			"roles":        ident.Roles,
			"created_at":   ident.CreatedAt,
		},
		"tokens": newTokenBody(pair, h.now()),
	})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	ip := audit.ClientFrom(ctx).IP

	if h.limiter != nil {
		if err := h.limiter.Check(ctx, req.Email, ip); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				h.writeError(w, r, err)
				return
			}
			// Limiter down: let the login through rather than lock everyone out.
			h.logger.Warn("rate limiter unavailable", zap.Error(err))
		}
	}

	pair, err := h.facade.Authenticate(ctx, auth.Credentials{Login: req.Email, Password: req.Password})
	if h.limiter != nil {
		switch {
		case err == nil:
			if lerr := h.limiter.Reset(ctx, req.Email, ip); lerr != nil {
				h.logger.Warn("rate limiter reset failed", zap.Error(lerr))
			}
		case autherr.IsAuthFailure(err):
			if lerr := h.limiter.Fail(ctx, req.Email, ip); lerr != nil {
				h.logger.Warn("rate limiter update failed", zap.Error(lerr))
			}
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeTokens(w, pair)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			req.RefreshToken = c.Value
		}
	}
	if req.RefreshToken == "" {
		h.writeError(w, r, autherr.ErrMalformedToken)
		return
	}
	pair, err := h.facade.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if autherr.IsAuthFailure(err) {
			h.clearRefreshCookie(w)
		}
		h.writeError(w, r, err)
		return
	}
	h.writeTokens(w, pair)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		h.writeError(w, r, autherr.ErrMalformedToken)
		return
	}
	if err := h.facade.Logout(r.Context(), raw); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newPrincipalBody(principalFrom(r.Context())))
}

func (h *handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.facade.ChangePassword(r.Context(), principalFrom(r.Context()), req.CurrentPassword, req.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.Deactivate(r.Context(), principalFrom(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionBody struct {
	ID         string     `json:"id"`
	Origin     string     `json:"origin"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Current    bool       `json:"current"`
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	list, err := h.facade.Sessions(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]sessionBody, 0, len(list))
	for _, s := range list {
		out = append(out, sessionBody{
			ID:         s.ID,
			Origin:     string(s.Origin),
			CreatedAt:  s.CreatedAt,
			LastSeenAt: s.LastSeenAt,
			ExpiresAt:  s.ExpiresAt,
			Revoked:    s.Revoked,
			RevokedAt:  s.RevokedAt,
			IPAddress:  s.IPAddress,
			UserAgent:  s.UserAgent,
			Current:    s.ID == p.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.RevokeSession(r.Context(), principalFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jwks publishes the access-token verification key so resource servers can
// verify tokens offline.
func (h *handler) jwks(w http.ResponseWriter, r *http.Request) {
	pub, kid := h.tokens.PublicKey()
	key, err := jwk.Import(pub)
	if err == nil {
		err = key.Set(jwk.KeyIDKey, kid)
	}
	if err == nil {
		err = key.Set(jwk.KeyUsageKey, "sig")
	}
	if err == nil {
		err = key.Set(jwk.AlgorithmKey, security.KeyAlg(pub))
	}
	set := jwk.NewSet()
	if err == nil {
		err = set.AddKey(key)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, set)
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	results := h.ready.Run(r.Context())
	checks := make(map[string]string, len(results))
	for _, res := range results {
		if res.Err != nil {
			h.logger.Warn("readiness check failed", zap.String("check", res.Name), zap.Error(res.Err))
			checks[res.Name] = "unavailable"
			continue
		}
		checks[res.Name] = "ok"
	}
	if !health.Healthy(results) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": checks})
}

func (h *handler) writeTokens(w http.ResponseWriter, pair *token.Pair) {
	h.setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, newTokenBody(pair, h.now()))
}

func (h *handler) setRefreshCookie(w http.ResponseWriter, pair *token.Pair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		Domain:   h.cookies.Domain,
		Expires:  pair.RefreshExpiresAt,
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/auth",
		Domain:   h.cookies.Domain,
		MaxAge:   -1,
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
