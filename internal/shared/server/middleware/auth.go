package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"t3rms-backend/internal/shared/auth"
	"t3rms-backend/internal/shared/server/respond"
)

const (
	userIDKey    = "userId"
	userEmailKey = "userEmail"
	isGuestKey   = "isGuest"
)

// Auth resolves the caller identity. A valid bearer token yields the token
// subject, an X-Guest-Id header yields "guest:<id>", and a request with
// neither proceeds anonymously. A bearer token that fails verification is
// rejected rather than downgraded.
func Auth(verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader != "" {
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			token = strings.TrimSpace(token)
			if !ok || token == "" {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
				return
			}

			c.Set(userIDKey, claims.Subject)
			if claims.Email != "" {
				c.Set(userEmailKey, claims.Email)
			}
			c.Set(isGuestKey, false)
			c.Next()
			return
		}

		if guestID := strings.TrimSpace(c.GetHeader("X-Guest-Id")); guestID != "" {
			c.Set(userIDKey, "guest:"+guestID)
			c.Set(isGuestKey, true)
			c.Next()
			return
		}

		c.Next()
	}
}

// UserIDFromContext fetches the owner ID set by the auth middleware. It is
// empty for anonymous callers.
func UserIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(userIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}

// UserEmailFromContext fetches the email claim, if the token carried one.
func UserEmailFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(userEmailKey)
	if email, ok := val.(string); ok {
		return email
	}
	return ""
}

// IsAuthenticated reports whether the caller presented a verified token.
func IsAuthenticated(c *gin.Context) bool {
	if UserIDFromContext(c) == "" {
		return false
	}
	guest, ok := c.Get(isGuestKey)
	if !ok {
		return false
	}
	isGuest, _ := guest.(bool)
	return !isGuest
}
