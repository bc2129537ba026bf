package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"sync-server/internal/auth"
)

const namespaceContextKey = "namespace"

func NamespaceFromContext(c *gin.Context) (string, bool) {
	ns, ok := c.Get(namespaceContextKey)
	if !ok {
		return "", false
	}
	value, ok := ns.(string)
	return value, ok && value != ""
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(namespaceContextKey, claims.Namespace)
		c.Next()
	}
}

// bearerToken extracts credentials from the Authorization header, falling
// back to a token query parameter for EventSource clients that cannot set
// headers.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return c.Query("token")
}
