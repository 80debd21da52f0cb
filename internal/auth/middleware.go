package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyOperator is the gin context key the middleware stores the
// validated operator identity under.
const ContextKeyOperator = "operator"

// Middleware gates a route behind a valid operator bearer token:
// Authorization header -> Bearer split -> validate -> store the operator
// name in the request context.
func Middleware(mgr *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed authorization header"})
			return
		}

		claims, err := mgr.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyOperator, claims.Operator)
		c.Next()
	}
}
