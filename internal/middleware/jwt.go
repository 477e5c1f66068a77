package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/civicpoll/backend/internal/auth"
	"github.com/civicpoll/backend/pkg/response"
)

// ContextUserID is the key for the authenticated user ID in gin context.
const ContextUserID = "user_id"

// anonymousPrefix marks voter identities derived from the client address.
const anonymousPrefix = "ip:"

// JWT returns a middleware that requires a valid bearer token and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		if !authenticate(c, jwtService, header) {
			return
		}
		c.Next()
	}
}

// Identity is JWT without the requirement: requests without an Authorization
// header pass through anonymously, but a malformed or expired token is still rejected.
func Identity(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			if !authenticate(c, jwtService, header) {
				return
			}
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, jwtService *auth.JWTService, header string) bool {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		response.Unauthorized(c, "invalid authorization header")
		c.Abort()
		return false
	}
	claims, err := jwtService.Validate(parts[1])
	if err != nil {
		response.Unauthorized(c, "invalid or expired token")
		c.Abort()
		return false
	}
	c.Set(ContextUserID, claims.UserID)
	return true
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

// VoterID returns the identity a vote is recorded under: the user id when
// authenticated, otherwise the client IP if anonymous voting is allowed.
func VoterID(c *gin.Context, allowAnonymous bool) string {
	if id := UserID(c); id != "" {
		return id
	}
	if !allowAnonymous {
		return ""
	}
	if ip := c.ClientIP(); ip != "" {
		return anonymousPrefix + ip
	}
	return ""
}
