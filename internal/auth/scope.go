package auth

import (
	"context"
	"net/http"
	"sync"
)

// Scope memoizes session resolution for a single request. Every guard and
// handler in the request shares it, so the session is verified at most once
// per request and never shared between requests.
type Scope struct {
	resolver *Resolver
	headers  http.Header

	once     sync.Once
	identity *Identity
}

// NewScope creates a request scope over the request's headers.
func NewScope(resolver *Resolver, headers http.Header) *Scope {
	return &Scope{resolver: resolver, headers: headers}
}

// Identity resolves the session on first use and returns the memoized result
// afterwards. A nil result means the request is not authenticated.
func (s *Scope) Identity(ctx context.Context) *Identity {
	s.once.Do(func() {
		if s.resolver != nil {
			s.identity = s.resolver.Resolve(ctx, s.headers)
		}
	})
	return s.identity
}

// Headers returns the request headers the scope was created over.
func (s *Scope) Headers() http.Header {
	return s.headers
}

type scopeKey struct{}

// WithScope installs s in ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the request scope installed by WithScope.
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// IdentityFromContext resolves the identity through the request scope. It
// returns nil when there is no scope or no session.
func IdentityFromContext(ctx context.Context) *Identity {
	s, ok := ScopeFromContext(ctx)
	if !ok {
		return nil
	}
	return s.Identity(ctx)
}
