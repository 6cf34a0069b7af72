package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/access"
	"github.com/freightdesk/freightdesk/internal/config"
)

// Identity headers injected into upstream requests. Anything under
// identityHeaderPrefix that the client sent is dropped first.
const (
	identityHeaderPrefix = "X-Freightdesk-"
	HeaderUserID         = "X-Freightdesk-User-Id"
	HeaderOrgID          = "X-Freightdesk-Org-Id"
	HeaderOrgType        = "X-Freightdesk-Org-Type"
)

// NewUpstreamProxy returns a reverse proxy to the renderer, or nil when no
// upstream is configured.
func NewUpstreamProxy(cfg *config.UpstreamConfig) (*httputil.ReverseProxy, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream url must be http or https, got %q", cfg.URL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			setIdentityHeaders(pr.Out.Header, pr.In)
		},
		Transport:     transport,
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.ErrorContext(r.Context(), "upstream request failed",
				"method", r.Method, "path", r.URL.Path, "error", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}, nil
}

// setIdentityHeaders replaces client-supplied identity headers with the
// guard's access context, if the request passed one.
func setIdentityHeaders(h http.Header, in *http.Request) {
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), identityHeaderPrefix) {
			h.Del(name)
		}
	}

	oc, ok := access.OrgContextFrom(in.Context())
	if !ok {
		return
	}
	h.Set(HeaderUserID, oc.UserID)
	if oc.OrganizationID != "" {
		h.Set(HeaderOrgID, oc.OrganizationID)
		h.Set(HeaderOrgType, string(oc.OrgType))
	}
}

// upstreamHandler forwards to upstream. Without one the gateway runs in
// development mode and describes the access decision instead.
func upstreamHandler(upstream http.Handler) gin.HandlerFunc {
	if upstream != nil {
		return gin.WrapH(upstream)
	}
	return func(c *gin.Context) {
		body := gin.H{"path": c.Request.URL.Path, "upstream": "not configured"}
		if oc, ok := access.OrgContextFrom(c.Request.Context()); ok {
			body["access"] = gin.H{
				"user_id":           oc.UserID,
				"organization_id":   oc.OrganizationID,
				"organization_name": oc.OrganizationName,
				"org_type":          oc.OrgType,
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
