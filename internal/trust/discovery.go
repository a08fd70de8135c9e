package trust

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Discovery is the part of an issuer's OpenID configuration this service uses.
type Discovery struct {
	Issuer   string
	JWKSURL  string
	Endpoint oauth2.Endpoint
}

// Discover fetches issuer's /.well-known/openid-configuration. A discovery URL
// is accepted in place of the bare issuer.
func Discover(ctx context.Context, issuer string, httpClient *http.Client) (*Discovery, error) {
	issuer = strings.TrimSuffix(issuer, "/")
	issuer = strings.TrimSuffix(issuer, "/.well-known/openid-configuration")
	if issuer == "" {
		return nil, fmt.Errorf("trust: issuer is required for discovery")
	}
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	var doc struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if doc.JWKSURL == "" {
		return nil, fmt.Errorf("discovery document for %s has no jwks_uri", issuer)
	}
	return &Discovery{Issuer: issuer, JWKSURL: doc.JWKSURL, Endpoint: provider.Endpoint()}, nil
}
