package redirect

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

// ---- Sanitize ---------------------------------------------------------------

func TestSanitize_Rejects(t *testing.T) {
	rejected := []string{
		"",
		"dashboard",
		"https://evil.example.com/steal",
		"javascript:alert(1)",
		"//evil.example.com",
		`/\evil.example.com`,
		"/sign-in",
		"/sign-in?returnTo=%2Fdashboard",
		"/sign-in-help",
		"/sign-up/step-2",
		"/forgot",
		"/forgot-password",
		"/reset/abc123",
		"/onboarding",
		"/onboarding/company",
		"/\t/evil.example.com/x",
		"/\n/evil.example.com",
		"/\r\n/evil.example.com",
		"/dashboard\x00",
		"/\x7f/x",
	}
	for _, c := range rejected {
		got, ok := Sanitize(c)
		assert.False(t, ok, "Sanitize(%q) should reject", c)
		assert.Empty(t, got, "Sanitize(%q) should return empty string on rejection", c)
	}
}

func TestSanitize_AcceptsAndIsIdempotent(t *testing.T) {
	accepted := []string{
		"/",
		"/dashboard",
		"/dashboard/forwarder/frachtanfragen",
		"/dashboard/shipper/quotes?status=open",
		"/settings/profile",
		"/signin",
		"/dashboard/sign-in",
	}
	for _, p := range accepted {
		got, ok := Sanitize(p)
		assert.True(t, ok, "Sanitize(%q) should accept", p)
		assert.Equal(t, p, got)

		again, ok := Sanitize(got)
		assert.True(t, ok)
		assert.Equal(t, got, again, "Sanitize must be idempotent for %q", p)
	}
}

// ---- BuildSignInURL ---------------------------------------------------------

func TestBuildSignInURL(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"/dashboard/forwarder/frachtanfragen", "/sign-in?returnTo=%2Fdashboard%2Fforwarder%2Ffrachtanfragen"},
		{"/dashboard/shipper", "/sign-in?returnTo=%2Fdashboard%2Fshipper"},
		{"/quotes/new draft", "/sign-in?returnTo=%2Fquotes%2Fnew%20draft"},
		{"/search?q=a&b=c", "/sign-in?returnTo=%2Fsearch%3Fq%3Da%26b%3Dc"},
		{"", "/sign-in"},
		{"https://evil.example.com", "/sign-in"},
		{"//evil.example.com", "/sign-in"},
		{"/onboarding", "/sign-in"},
		{"/sign-in", "/sign-in"},
		{"/\t/evil.example.com/x", "/sign-in"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BuildSignInURL(tt.target), "BuildSignInURL(%q)", tt.target)
	}
}

func TestHomePath(t *testing.T) {
	assert.Equal(t, "/dashboard/shipper", HomePath(models.OrgTypeShipper))
	assert.Equal(t, "/dashboard/forwarder", HomePath(models.OrgTypeForwarder))
}

// ---- CurrentPath ------------------------------------------------------------

func hdr(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestCurrentPath(t *testing.T) {
	tests := []struct {
		name   string
		h      http.Header
		want   string
		wantOK bool
	}{
		{
			name:   "pathname header wins",
			h:      hdr("x-pathname", "/dashboard/shipper", "x-invoke-path", "/other", "Referer", "https://app.example.com/third"),
			want:   "/dashboard/shipper",
			wantOK: true,
		},
		{
			name:   "query dropped from pathname",
			h:      hdr("x-pathname", "/dashboard/forwarder/frachtanfragen?tab=open"),
			want:   "/dashboard/forwarder/frachtanfragen",
			wantOK: true,
		},
		{
			name:   "invoke path fallback",
			h:      hdr("x-invoke-path", "/dashboard/forwarder#top"),
			want:   "/dashboard/forwarder",
			wantOK: true,
		},
		{
			name:   "referer path only",
			h:      hdr("Referer", "https://app.freightdesk.io/dashboard/shipper/quotes?page=2"),
			want:   "/dashboard/shipper/quotes",
			wantOK: true,
		},
		{
			name:   "x-url fallback",
			h:      hdr("x-url", "http://localhost:3000/settings?x=1"),
			want:   "/settings",
			wantOK: true,
		},
		{
			name:   "pathname with a tab skipped",
			h:      hdr("x-pathname", "/\t/evil.example.com", "x-invoke-path", "/dashboard/shipper"),
			want:   "/dashboard/shipper",
			wantOK: true,
		},
		{
			name:   "auth pathname skipped in favour of referer",
			h:      hdr("x-pathname", "/sign-in", "Referer", "https://app.freightdesk.io/dashboard"),
			want:   "/dashboard",
			wantOK: true,
		},
		{
			name:   "protocol-relative pathname skipped",
			h:      hdr("x-pathname", "//evil.example.com/x", "x-invoke-path", "/dashboard"),
			want:   "/dashboard",
			wantOK: true,
		},
		{
			name:   "referer with no path",
			h:      hdr("Referer", "https://app.freightdesk.io"),
			wantOK: false,
		},
		{
			name:   "all hints are auth pages",
			h:      hdr("x-pathname", "/onboarding", "Referer", "https://app.freightdesk.io/sign-up"),
			wantOK: false,
		},
		{
			name:   "unparseable url",
			h:      hdr("x-url", "http://[::1"),
			wantOK: false,
		},
		{
			name:   "no hints",
			h:      http.Header{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CurrentPath(tt.h)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCurrentPath_EndToEndSignInTarget(t *testing.T) {
	p, ok := CurrentPath(hdr("x-pathname", "/dashboard/forwarder/frachtanfragen?tab=open"))
	assert.True(t, ok)
	assert.Equal(t, "/sign-in?returnTo=%2Fdashboard%2Fforwarder%2Ffrachtanfragen", BuildSignInURL(p))
}
