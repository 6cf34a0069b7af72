// Package oidc verifies sessions issued by an external OpenID Connect provider.
// It turns a verified ID token (or, optionally, an opaque access token accepted
// by the userinfo endpoint) into an auth.Identity.
package oidc

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/freightdesk/freightdesk/internal/auth"
	"github.com/freightdesk/freightdesk/internal/config"
)

// OIDCProvider implements auth.IdentityProvider on top of go-oidc.
type OIDCProvider struct {
	verifier         *oidc.IDTokenVerifier
	provider         *oidc.Provider
	orgTypeClaim     string
	userinfoFallback bool
}

// NewOIDCProviderWithContext runs OIDC discovery against cfg.IssuerURL. ctx
// bounds the discovery request and is used for later JWKS refreshes.
func NewOIDCProviderWithContext(ctx context.Context, cfg *config.OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("OIDC is not enabled")
	}
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	claim := cfg.OrgTypeClaim
	if claim == "" {
		claim = "org_type"
	}

	return &OIDCProvider{
		verifier:         provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		provider:         provider,
		orgTypeClaim:     claim,
		userinfoFallback: cfg.UserinfoFallback,
	}, nil
}

// Name implements auth.IdentityProvider.
func (p *OIDCProvider) Name() string { return "oidc" }

// Verify implements auth.IdentityProvider. JWT-shaped credentials must verify
// as ID tokens. Other credentials are tried against the userinfo endpoint
// when the fallback is enabled.
func (p *OIDCProvider) Verify(ctx context.Context, credential string) (*auth.Identity, error) {
	if looksLikeJWT(credential) {
		idToken, err := p.verifier.Verify(ctx, credential)
		if err != nil {
			return nil, fmt.Errorf("failed to verify ID token: %w", err)
		}
		return p.identityFromClaims(idToken.Subject, idToken.Claims)
	}

	if !p.userinfoFallback {
		return nil, fmt.Errorf("credential is not an ID token")
	}

	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: credential,
		TokenType:   "Bearer",
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	return p.identityFromClaims(info.Subject, info.Claims)
}

// identityFromClaims builds an identity from the subject and the configured
// org-type claim. A missing or unrecognised org-type claim is not an error.
func (p *OIDCProvider) identityFromClaims(subject string, decode func(any) error) (*auth.Identity, error) {
	if subject == "" {
		return nil, fmt.Errorf("token missing 'sub' claim")
	}

	var raw map[string]interface{}
	if err := decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}

	return &auth.Identity{
		UserID:         subject,
		ClaimedOrgType: auth.NormalizeOrgTypeClaim(raw[p.orgTypeClaim]),
	}, nil
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
