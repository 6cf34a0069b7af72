package auth

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeProvider struct {
	name   string
	accept map[string]*Identity
	calls  atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Verify(_ context.Context, credential string) (*Identity, error) {
	f.calls.Add(1)
	if id, ok := f.accept[credential]; ok {
		return id, nil
	}
	return nil, errors.New("rejected")
}

func headersWithCookie(name, value string) http.Header {
	h := http.Header{}
	h.Add("Cookie", (&http.Cookie{Name: name, Value: value}).String())
	return h
}

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

func TestResolve_NoCredential(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	r := NewResolver("fd_session", p)
	if id := r.Resolve(context.Background(), http.Header{}); id != nil {
		t.Errorf("Resolve() = %+v, want nil", id)
	}
	if p.calls.Load() != 0 {
		t.Error("provider called without a credential")
	}
}

func TestResolve_CookieTakesPrecedence(t *testing.T) {
	p := &fakeProvider{name: "fake", accept: map[string]*Identity{
		"cookie-token": {UserID: "from-cookie"},
		"bearer-token": {UserID: "from-bearer"},
	}}
	r := NewResolver("fd_session", p)

	h := headersWithCookie("fd_session", "cookie-token")
	h.Set("Authorization", "Bearer bearer-token")

	id := r.Resolve(context.Background(), h)
	if id == nil || id.UserID != "from-cookie" {
		t.Errorf("Resolve() = %+v, want from-cookie", id)
	}
}

func TestResolve_BearerFallback(t *testing.T) {
	p := &fakeProvider{name: "fake", accept: map[string]*Identity{"tok": {UserID: "u1"}}}
	r := NewResolver("fd_session", p)

	h := http.Header{}
	h.Set("Authorization", "bearer tok")
	if id := r.Resolve(context.Background(), h); id == nil || id.UserID != "u1" {
		t.Errorf("Resolve() = %+v, want u1", id)
	}
}

func TestResolve_FirstAcceptingProviderWins(t *testing.T) {
	first := &fakeProvider{name: "first"}
	second := &fakeProvider{name: "second", accept: map[string]*Identity{"tok": {UserID: "u2"}}}
	r := NewResolver("fd_session", first, second)

	id := r.Resolve(context.Background(), headersWithCookie("fd_session", "tok"))
	if id == nil || id.UserID != "u2" {
		t.Fatalf("Resolve() = %+v, want u2", id)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", first.calls.Load(), second.calls.Load())
	}
}

func TestResolve_AllRejectIsUnauthenticated(t *testing.T) {
	r := NewResolver("fd_session", &fakeProvider{name: "a"}, &fakeProvider{name: "b"})
	if id := r.Resolve(context.Background(), headersWithCookie("fd_session", "bad")); id != nil {
		t.Errorf("Resolve() = %+v, want nil", id)
	}
}

func TestResolve_WithJWTProvider(t *testing.T) {
	resetJWTSecret()
	t.Setenv("FD_JWT_SECRET", testSecret)

	token, err := GenerateJWT("", "user-7", orgTypePtr(models.OrgTypeShipper), time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}

	r := NewResolver("fd_session", NewJWTProvider(""))
	id := r.Resolve(context.Background(), headersWithCookie("fd_session", token))
	if id == nil {
		t.Fatal("Resolve() = nil, want identity")
	}
	if id.UserID != "user-7" {
		t.Errorf("UserID = %q, want user-7", id.UserID)
	}
	if id.ClaimedOrgType == nil || *id.ClaimedOrgType != models.OrgTypeShipper {
		t.Errorf("ClaimedOrgType = %v, want shipper", id.ClaimedOrgType)
	}
}

func TestJWTProvider_RejectsForeignIssuer(t *testing.T) {
	resetJWTSecret()
	t.Setenv("FD_JWT_SECRET", testSecret)

	token, err := GenerateJWT("other-app", "user-7", nil, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT() error: %v", err)
	}
	if _, err := NewJWTProvider("freightdesk").Verify(context.Background(), token); err == nil {
		t.Error("Verify() expected issuer error, got nil")
	}
}

// ---------------------------------------------------------------------------
// Scope
// ---------------------------------------------------------------------------

func TestScope_ResolvesOnce(t *testing.T) {
	p := &fakeProvider{name: "fake", accept: map[string]*Identity{"tok": {UserID: "u1"}}}
	s := NewScope(NewResolver("fd_session", p), headersWithCookie("fd_session", "tok"))
	ctx := WithScope(context.Background(), s)

	for i := 0; i < 3; i++ {
		if id := IdentityFromContext(ctx); id == nil || id.UserID != "u1" {
			t.Fatalf("IdentityFromContext() = %+v", id)
		}
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestScope_MemoizesUnauthenticated(t *testing.T) {
	p := &fakeProvider{name: "fake"}
	s := NewScope(NewResolver("fd_session", p), headersWithCookie("fd_session", "bad"))
	ctx := WithScope(context.Background(), s)

	if IdentityFromContext(ctx) != nil || IdentityFromContext(ctx) != nil {
		t.Fatal("expected nil identity")
	}
	if got := p.calls.Load(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestScope_NotSharedAcrossRequests(t *testing.T) {
	p := &fakeProvider{name: "fake", accept: map[string]*Identity{
		"a": {UserID: "alice"},
		"b": {UserID: "bob"},
	}}
	r := NewResolver("fd_session", p)

	ctxA := WithScope(context.Background(), NewScope(r, headersWithCookie("fd_session", "a")))
	ctxB := WithScope(context.Background(), NewScope(r, headersWithCookie("fd_session", "b")))

	if id := IdentityFromContext(ctxA); id == nil || id.UserID != "alice" {
		t.Errorf("request A identity = %+v", id)
	}
	if id := IdentityFromContext(ctxB); id == nil || id.UserID != "bob" {
		t.Errorf("request B identity = %+v", id)
	}
}

func TestIdentityFromContext_NoScope(t *testing.T) {
	if id := IdentityFromContext(context.Background()); id != nil {
		t.Errorf("IdentityFromContext() = %+v, want nil", id)
	}
	if _, ok := ScopeFromContext(context.Background()); ok {
		t.Error("ScopeFromContext() ok = true without scope")
	}
}
