// README: Firebase ID token auth. Puts the caller uid and role on the gin context.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"tarhal/internal/infra"
)

const (
	ctxUID  = "caller_uid"
	ctxRole = "caller_role"

	RoleCustomer = "customer"
	RoleDriver   = "driver"
)

// Auth rejects requests without a valid "Bearer <idToken>" header. The role
// comes from the custom "role" claim; tokens without one act as customers.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			// Browsers cannot set headers on websocket upgrades.
			if tok := c.Query("access_token"); tok != "" && c.IsWebsocket() {
				header = "Bearer " + tok
			}
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, infra.ErrTokenExpired):
				msg = "token expired"
			case errors.Is(err, infra.ErrTokenRevoked):
				msg = "token revoked"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		role := RoleCustomer
		if token.Claim("role") == RoleDriver {
			role = RoleDriver
		}
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// RequireRole lets only callers with role through.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireSelf lets the request through only when the path parameter param is
// the caller's own uid.
func RequireSelf(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param(param) == "" || c.Param(param) != CallerUID(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
