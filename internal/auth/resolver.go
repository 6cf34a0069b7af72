package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider verifies first-party session tokens signed with FD_JWT_SECRET.
type JWTProvider struct {
	issuer string
}

// NewJWTProvider returns a provider that accepts tokens from issuer.
func NewJWTProvider(issuer string) *JWTProvider {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &JWTProvider{issuer: issuer}
}

// Name implements IdentityProvider.
func (p *JWTProvider) Name() string { return "session" }

// Verify implements IdentityProvider.
func (p *JWTProvider) Verify(_ context.Context, credential string) (*Identity, error) {
	claims, err := ValidateJWT(credential, jwt.WithIssuer(p.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("session token has no user")
	}

	return &Identity{
		UserID:         userID,
		ClaimedOrgType: NormalizeOrgTypeClaim(claims.OrgType),
	}, nil
}

// Resolver turns request headers into an Identity using the configured providers.
type Resolver struct {
	cookieName string
	providers  []IdentityProvider
}

// NewResolver creates a resolver that reads the session from cookieName (or an
// Authorization bearer header) and offers it to providers in order.
func NewResolver(cookieName string, providers ...IdentityProvider) *Resolver {
	return &Resolver{cookieName: cookieName, providers: providers}
}

// Resolve returns the identity behind headers, or nil when the request is not
// authenticated. Rejected credentials are not errors: they mean "signed out".
func (r *Resolver) Resolve(ctx context.Context, headers http.Header) *Identity {
	credential := r.credential(headers)
	if credential == "" {
		return nil
	}

	for _, p := range r.providers {
		id, err := p.Verify(ctx, credential)
		if err != nil {
			slog.DebugContext(ctx, "session credential rejected", "provider", p.Name(), "error", err)
			continue
		}
		if id != nil && id.UserID != "" {
			return id
		}
	}
	return nil
}

func (r *Resolver) credential(headers http.Header) string {
	if r.cookieName != "" {
		req := http.Request{Header: headers}
		if c, err := req.Cookie(r.cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}

	authHeader := headers.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
