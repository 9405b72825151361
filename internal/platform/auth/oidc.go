package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
)

// OIDCProvider is the part of an issuer's discovery document used to
// validate bearer tokens.
type OIDCProvider struct {
	Issuer                  string   `json:"issuer"`
	JWKSURI                 string   `json:"jwks_uri"`
	IDTokenSigningAlgValues []string `json:"id_token_signing_alg_values_supported"`
}

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// DiscoverOIDC fetches issuer/.well-known/openid-configuration. The document
// must name the same issuer and a JWKS endpoint, and must not rule out RS256.
func DiscoverOIDC(ctx context.Context, issuer string) (*OIDCProvider, error) {
	want := strings.TrimRight(issuer, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, want+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := discoveryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var p OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	switch {
	case p.JWKSURI == "":
		return nil, fmt.Errorf("discovery document has no jwks_uri")
	case strings.TrimRight(p.Issuer, "/") != want:
		return nil, fmt.Errorf("discovery document issuer %q does not match %q", p.Issuer, issuer)
	case len(p.IDTokenSigningAlgValues) > 0 && !slices.Contains(p.IDTokenSigningAlgValues, "RS256"):
		return nil, fmt.Errorf("issuer does not sign with RS256 (supports %v)", p.IDTokenSigningAlgValues)
	}
	return &p, nil
}
