package mw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"clipsync/internal/auth"
)

// UserIDKey is the gin context key holding the verified caller.
const UserIDKey = "userID"

// RequireBearer rejects requests without a valid bearer token and stores the
// caller's user id in the context.
func RequireBearer(v auth.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.Reason(err)})
			return
		}

		c.Set(UserIDKey, identity.UserID)
		c.Next()
	}
}
