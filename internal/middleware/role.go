package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/contactlens/backend/pkg/response"
)

// OperatorRole returns the role JWT stored on the context, or "" when the request is unauthenticated.
func OperatorRole(c *gin.Context) string {
	return c.GetString(ContextOperatorRole)
}

// RequireRole admits operators holding one of roles. It must run after JWT.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, authenticated := c.Get(ContextOperatorID); !authenticated {
			response.Unauthorized(c, "missing operator context")
			c.Abort()
			return
		}
		if role := OperatorRole(c); !lo.Contains(roles, role) {
			response.Forbidden(c, "role "+role+" may not access this resource")
			c.Abort()
			return
		}
		c.Next()
	}
}
