// Package redirect computes safe post-authentication return targets.
//
// A return target only ever comes from request data, so it is attacker
// controlled. Sanitize accepts same-origin relative paths and nothing else,
// and refuses the authentication pages themselves so sign-in can never
// redirect back into sign-in.
package redirect

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/freightdesk/freightdesk/internal/db/models"
)

// Well-known pages.
const (
	SignInPath     = "/sign-in"
	SignUpPath     = "/sign-up"
	ForgotPath     = "/forgot"
	ResetPath      = "/reset"
	OnboardingPath = "/onboarding"
	DashboardPath  = "/dashboard"

	// ReturnToParam is the sign-in query parameter carrying the return target.
	ReturnToParam = "returnTo"
)

// Path hint headers, in discovery order. The edge middleware sets
// HeaderPathname; the others come from upstream proxies and the browser.
const (
	HeaderPathname   = "X-Pathname"
	HeaderInvokePath = "X-Invoke-Path"
	HeaderReferer    = "Referer"
	HeaderURL        = "X-Url"
)

// ReservedPrefixes are never valid return targets. Matching is a plain string
// prefix, so "/sign-in-help" is reserved too.
var ReservedPrefixes = []string{SignInPath, SignUpPath, ForgotPath, ResetPath, OnboardingPath}

// HomePath is the landing page of an organization type.
func HomePath(t models.OrgType) string {
	return DashboardPath + "/" + string(t)
}

// IsReserved reports whether p starts with a reserved prefix.
func IsReserved(p string) bool {
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Sanitize returns candidate unchanged when it is a safe return target.
// Protocol-relative forms ("//host", "/\host") start with "/" but leave the
// origin in a browser, so they are rejected along with absolute URLs.
// Browsers strip tab, CR and LF from URLs before resolving them, which turns
// "/\t/host" into "//host", so any control character rejects the candidate.
func Sanitize(candidate string) (string, bool) {
	if !strings.HasPrefix(candidate, "/") {
		return "", false
	}
	if strings.IndexFunc(candidate, isControl) >= 0 {
		return "", false
	}
	if strings.HasPrefix(candidate, "//") || strings.HasPrefix(candidate, `/\`) {
		return "", false
	}
	if IsReserved(candidate) {
		return "", false
	}
	return candidate, true
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// BuildSignInURL returns the sign-in page with target as its return target,
// or the bare sign-in page when target is not safe.
func BuildSignInURL(target string) string {
	p, ok := Sanitize(target)
	if !ok {
		return SignInPath
	}
	return SignInPath + "?" + ReturnToParam + "=" + encodeComponent(p)
}

// encodeComponent percent-encodes s for use as one query value: "/" becomes
// %2F and a space becomes %20.
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// CurrentPath discovers the path of the page being requested from headers,
// trying each hint in turn and returning the first one that passes Sanitize.
// Only the path is kept; query and fragment are dropped. ok is false when no
// hint yields a safe path, which callers treat as "no return target".
func CurrentPath(headers http.Header) (string, bool) {
	candidates := []struct {
		header string
		isURL  bool
	}{
		{HeaderPathname, false},
		{HeaderInvokePath, false},
		{HeaderReferer, true},
		{HeaderURL, true},
	}

	for _, c := range candidates {
		raw := strings.TrimSpace(headers.Get(c.header))
		if raw == "" {
			continue
		}
		var p string
		if c.isURL {
			p = urlPath(raw)
		} else {
			p = stripQuery(raw)
		}
		if safe, ok := Sanitize(p); ok {
			return safe, true
		}
	}
	return "", false
}

func stripQuery(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		return raw[:i]
	}
	return raw
}

// urlPath extracts the path of an absolute or relative URL. Unparseable
// values yield "" so the chain moves on.
func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}
