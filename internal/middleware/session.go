package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/auth"
)

// SessionMiddleware installs a per-request auth.Scope. Nothing is verified
// here; the first guard or handler that asks for the identity triggers
// resolution and everyone after it shares the result.
func SessionMiddleware(resolver *auth.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := auth.NewScope(resolver, c.Request.Header)
		c.Request = c.Request.WithContext(auth.WithScope(c.Request.Context(), scope))
		c.Next()
	}
}
