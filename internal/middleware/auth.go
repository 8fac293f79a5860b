package middleware

import (
	"net/http"
	"strings"

	"github.com/civicos/identity-service/internal/config"
	"github.com/civicos/identity-service/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Demo identity injected when AUTH_MODE=demo. Only the explicit demo
// configuration enables it; there is no always-authenticated code path.
var (
	demoUserID = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	demoEmail  = "demo@civicos.ca"
)

// AuthMiddleware authenticates requests. In production mode it verifies JWT
// bearer tokens; in demo mode it injects a fixed demo identity.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	if cfg.IsDemoMode() {
		return func(c *gin.Context) {
			c.Set("user_id", demoUserID.String())
			c.Set("email", demoEmail)
			c.Set("is_admin", true)
			c.Next()
		}
	}

	return func(c *gin.Context) {
		tokenString := extractToken(c)

		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			c.Abort()
			return
		}

		claims, err := utils.ValidateToken(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID.String())
		c.Set("email", claims.Email)
		c.Set("is_admin", claims.IsAdmin)

		c.Next()
	}
}

// AdminMiddleware ensures the user has admin privileges
func AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		isAdmin, exists := c.Get("is_admin")
		if !exists || !isAdmin.(bool) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// UserID extracts the authenticated user's ID from the request context
func UserID(c *gin.Context) (uuid.UUID, bool) {
	userIDStr := c.GetString("user_id")
	if userIDStr == "" {
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, false
	}

	return userID, true
}

// extractToken gets the token from the Authorization header
func extractToken(c *gin.Context) string {
	bearerToken := c.GetHeader("Authorization")
	parts := strings.Split(bearerToken, " ")
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}
