package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/authcore/internal/models"
	"github.com/huangang/authcore/pkg/response"
)

const (
	ContextUserID = "user_id"
	ContextEmail  = "email"
	ContextRole   = "role"
	contextUser   = "auth_user"

	// AccessTokenCookie is read when no Authorization header is sent.
	AccessTokenCookie = "access_token"
)

// TokenVerifier resolves an access token to a live user, or nil.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, accessToken string) *models.User
}

// ExtractToken returns the bearer token from the Authorization header, falling
// back to the access_token cookie.
func ExtractToken(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := c.Cookie(AccessTokenCookie); err == nil {
		return cookie
	}
	return ""
}

// Authenticate resolves the request's token and stores the user in the
// context. Requests without a usable token continue anonymously.
func Authenticate(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" {
			c.Next()
			return
		}

		if user := verifier.VerifyToken(c.Request.Context(), token); user != nil {
			c.Set(contextUser, user)
			c.Set(ContextUserID, user.ID)
			c.Set(ContextEmail, user.Email)
			c.Set(ContextRole, user.Role)
		}
		c.Next()
	}
}

// AuthRequired rejects anonymous requests. It must run after Authenticate.
func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetUserID(c) == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, response.Response{
				Code:    401,
				Message: "authentication required",
			})
			return
		}
		c.Next()
	}
}

// AdminRequired is a middleware that checks for admin role
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, response.Response{
				Code:    403,
				Message: "admin access required",
			})
			return
		}
		c.Next()
	}
}

// GetUser returns the authenticated user, or nil.
func GetUser(c *gin.Context) *models.User {
	if v, exists := c.Get(contextUser); exists {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}

// GetUserID gets the current user ID from context
func GetUserID(c *gin.Context) uint {
	if id, exists := c.Get(ContextUserID); exists {
		if v, ok := id.(uint); ok {
			return v
		}
	}
	return 0
}

func GetEmail(c *gin.Context) string {
	return c.GetString(ContextEmail)
}

// GetRole gets the current user role from context
func GetRole(c *gin.Context) string {
	return c.GetString(ContextRole)
}
