package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/cgb37/quart-mysql-scaffold/internal/auth"
	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
)

const (
	stateCookie    = "authcore_oauth_state"
	verifierCookie = "authcore_oauth_verifier"
	flowCookiePath = "/auth/federated"
	flowTTL        = 10 * time.Minute
)

// FederatedFlow runs the browser authorization-code flow (with PKCE) against
// the identity provider and hands the returned ID token to the facade as an assertion.
type FederatedFlow struct {
	oauth      oauth2.Config
	httpClient *http.Client
}

// NewFederatedFlow returns a flow for cfg. httpClient bounds the code exchange.
func NewFederatedFlow(cfg oauth2.Config, httpClient *http.Client) *FederatedFlow {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &FederatedFlow{oauth: cfg, httpClient: httpClient}
}

// exchange trades code for the provider's ID token.
func (f *FederatedFlow) exchange(ctx context.Context, code, verifier string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := f.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return "", fmt.Errorf("%w: code exchange rejected: %v", autherr.ErrUntrustedAssertion, err)
		}
		return "", autherr.Unavailable("code exchange", err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return "", fmt.Errorf("%w: token response has no id_token", autherr.ErrUntrustedAssertion)
	}
	return idToken, nil
}

func (h *handler) federatedLogin(w http.ResponseWriter, r *http.Request) {
	state := rand.Text()
	verifier := oauth2.GenerateVerifier()
	h.setFlowCookie(w, stateCookie, state, flowTTL)
	h.setFlowCookie(w, verifierCookie, verifier, flowTTL)
	http.Redirect(w, r, h.federated.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

func (h *handler) federatedCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, stateErr := r.Cookie(stateCookie)
	verifier, verifierErr := r.Cookie(verifierCookie)
	h.setFlowCookie(w, stateCookie, "", -1)
	h.setFlowCookie(w, verifierCookie, "", -1)

	if e := q.Get("error"); e != "" {
		h.logger.Info("identity provider returned an error", zap.String("error", e))
		h.writeError(w, r, autherr.ErrUntrustedAssertion)
		return
	}
	if stateErr != nil || verifierErr != nil || q.Get("code") == "" ||
		subtle.ConstantTimeCompare([]byte(state.Value), []byte(q.Get("state"))) != 1 {
		h.writeError(w, r, autherr.ErrUntrustedAssertion)
		return
	}

	assertion, err := h.federated.exchange(r.Context(), q.Get("code"), verifier.Value)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pair, err := h.facade.Authenticate(r.Context(), auth.Credentials{Assertion: assertion})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeTokens(w, pair)
}

// federatedAssertion is the POST binding: the assertion arrives as a form field
// or a JSON body.
func (h *handler) federatedAssertion(w http.ResponseWriter, r *http.Request) {
	var assertion string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Assertion string `json:"assertion"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			h.writeError(w, r, err)
			return
		}
		assertion = body.Assertion
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			h.writeError(w, r, &auth.ValidationError{Field: "body", Message: "invalid form"})
			return
		}
		assertion = r.PostForm.Get("assertion")
	}
	if assertion == "" {
		h.writeError(w, r, &auth.ValidationError{Field: "assertion", Message: "is required"})
		return
	}
	pair, err := h.facade.Authenticate(r.Context(), auth.Credentials{Assertion: assertion})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeTokens(w, pair)
}

func (h *handler) setFlowCookie(w http.ResponseWriter, name, value string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     flowCookiePath,
		Domain:   h.cookies.Domain,
		Secure:   h.cookies.Secure,
		HttpOnly: true,
		// Lax so the cookie survives the top-level redirect back from the provider.
		SameSite: http.SameSiteLaxMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, c)
}
