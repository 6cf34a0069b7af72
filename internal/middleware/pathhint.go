package middleware

import (
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/redirect"
)

var assetPrefixes = []string{"/_next/", "/static/", "/assets/"}

var healthPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// PathHintMiddleware publishes the requested page path in X-Pathname so the
// guards can compute a sign-in return target. The header is overwritten on
// page requests and deleted everywhere else, which means a client can never
// supply its own value.
func PathHintMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := c.Request.URL.Path
		if pathHintExempt(p) {
			c.Request.Header.Del(redirect.HeaderPathname)
		} else {
			c.Request.Header.Set(redirect.HeaderPathname, p)
		}
		c.Next()
	}
}

// pathHintExempt reports whether p is an API, auth, asset or health path.
func pathHintExempt(p string) bool {
	if isAPIPath(p) || redirect.IsReserved(p) || healthPaths[p] {
		return true
	}
	if p == "/favicon.ico" {
		return true
	}
	for _, prefix := range assetPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return path.Ext(p) != ""
}
