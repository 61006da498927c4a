package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/auth"
	"github.com/EternisAI/silo-dispatch/internal/users"
	"github.com/gin-gonic/gin"
)

const (
	apiKeyHeader = "X-API-Key"

	// APIKeyUser is recorded as the acting user for API-key requests.
	APIKeyUser = "api-key"
)

// authenticateBearer validates a JWT and stores its claims on the context.
func authenticateBearer(c *gin.Context, secret string) bool {
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization header"})
		return false
	}

	token := strings.TrimPrefix(header, "Bearer ")
	claims, err := auth.ValidateToken(secret, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return false
	}

	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)
	c.Set("role", claims.Role)
	return true
}

func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		userRole, ok := role.(string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		for _, r := range roles {
			if r == userRole {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

func authenticateAPIKey(c *gin.Context, apiKey string) bool {
	providedKey := c.GetHeader(apiKeyHeader)
	if providedKey == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Missing API key",
		})
		return false
	}

	if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
		slog.Warn("Invalid API key attempt",
			"path", c.Request.URL.Path,
			"client_ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid API key",
		})
		return false
	}

	c.Set("username", APIKeyUser)
	c.Set("role", users.RoleAdmin)
	return true
}

// AdminAuth accepts either the X-API-Key header or a bearer token signed
// with jwtSecret. Either mechanism is disabled when its secret is empty.
func AdminAuth(apiKey, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case apiKey == "" && jwtSecret == "":
			slog.Warn("Admin authentication not configured, rejecting request",
				"path", c.Request.URL.Path,
				"client_ip", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "Admin API is not configured",
			})
			return
		case c.GetHeader(apiKeyHeader) != "" || jwtSecret == "":
			if apiKey == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key authentication is disabled"})
				return
			}
			if !authenticateAPIKey(c, apiKey) {
				return
			}
		default:
			if !authenticateBearer(c, jwtSecret) {
				return
			}
		}
		c.Next()
	}
}
