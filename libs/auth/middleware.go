package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserIDKey = "user_id"
	ContextRolesKey  = "user_roles"
)

// RoleOps marks operator accounts allowed to retry, refund and inspect
// other users' orders.
const RoleOps = "ops"

func Middleware(secret []byte, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret, issuer)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextRolesKey, claims.Roles)
		c.Next()
	}
}

// RequireRole runs after Middleware and rejects tokens lacking the role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		val, ok := c.Get(ContextRolesKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "role required"})
			return
		}
		roles, ok := val.([]string)
		if !ok || !hasRole(roles, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "role required"})
			return
		}
		c.Next()
	}
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
