package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/auth"
	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
	"github.com/cgb37/quart-mysql-scaffold/internal/ratelimit"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

const maxBodyBytes = 1 << 20

// retryAfter is advertised on 503 responses.
const retryAfter = 5 * time.Second

type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

type tokenBody struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	SessionID        string `json:"session_id"`
}

type principalBody struct {
	ID          string    `json:"id"`
	Login       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Roles       []string  `json:"roles"`
	Origin      string    `json:"origin"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newTokenBody(p *token.Pair, now time.Time) tokenBody {
	return tokenBody{
		AccessToken:      p.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(p.AccessExpiresAt.Sub(now).Seconds()),
		RefreshToken:     p.RefreshToken,
		RefreshExpiresIn: int64(p.RefreshExpiresAt.Sub(now).Seconds()),
		SessionID:        p.Principal.SessionID,
	}
}

func newPrincipalBody(p *token.Principal) principalBody {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return principalBody{
		ID:          p.IdentityID,
		Login:       p.Login,
		DisplayName: p.DisplayName,
		Roles:       roles,
		Origin:      string(p.Origin),
		SessionID:   p.SessionID,
		ExpiresAt:   p.ExpiresAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched when
// allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return &auth.ValidationError{Field: "body", Message: "must be a JSON object"}
	}
	return nil
}

// writeError maps err to the outward status. Every authentication outcome is the
// same 401 so callers cannot tell which check failed.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *auth.ValidationError
	switch {
	case autherr.Retryable(err):
		h.logger.Error("request failed: infrastructure unavailable",
			zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service_unavailable"})
	case autherr.IsAuthFailure(err):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication_failed"})
	case errors.Is(err, autherr.ErrDuplicateIdentity):
		writeJSON(w, http.StatusConflict, errorBody{Error: "identity_exists"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Field: verr.Field, Message: verr.Message})
	case errors.Is(err, ratelimit.ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(int(h.rateWindow.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too_many_attempts"})
	case errors.Is(err, auth.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden"})
	case errors.Is(err, auth.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}
