// Package middleware provides the fiber middleware of the gateway:
// authentication, request context and logging, tracing and rate limiting.
package middleware

import (
	"context"
	"strings"

	"agora/internal/models"
	"agora/internal/session"

	"github.com/gofiber/fiber/v2"
)

// Locals keys set by the auth middleware.
const (
	LocalUserID  = "userID"
	LocalSession = "session"
)

// TokenVerifier turns a bearer token into a session.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*session.Session, error)
}

func unauthenticated(c *fiber.Ctx, message string) error {
	err := models.NewUnauthenticatedError()
	if message != "" {
		err.Message = message
	}
	return models.RespondWithError(c, fiber.StatusUnauthorized, err)
}

func bearerToken(c *fiber.Ctx) (string, string) {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return "", "Authorization header required"
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "Invalid authorization header format"
	}
	return parts[1], ""
}

func authenticate(c *fiber.Ctx, v TokenVerifier, token string) error {
	sess, err := v.Verify(c.UserContext(), token)
	if err != nil {
		return unauthenticated(c, "Invalid or expired token")
	}
	c.Locals(LocalUserID, sess.UserID)
	c.Locals(LocalSession, sess)
	return c.Next()
}

// AuthRequired enforces a valid bearer token on protected routes.
func AuthRequired(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, problem := bearerToken(c)
		if problem != "" {
			return unauthenticated(c, problem)
		}
		return authenticate(c, v, token)
	}
}

// OptionalAuth records the session when a valid bearer token is present and
// lets anonymous requests through.
func OptionalAuth(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, problem := bearerToken(c)
		if problem != "" {
			return c.Next()
		}
		if sess, err := v.Verify(c.UserContext(), token); err == nil {
			c.Locals(LocalUserID, sess.UserID)
			c.Locals(LocalSession, sess)
		}
		return c.Next()
	}
}

// WebSocketAuthRequired validates the token from the "token" query parameter,
// falling back to the Authorization header.
func WebSocketAuthRequired(v TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			var problem string
			token, problem = bearerToken(c)
			if problem != "" {
				return unauthenticated(c, "Token required")
			}
		}
		return authenticate(c, v, token)
	}
}

// SessionFrom returns the session stored by the auth middleware, or nil.
func SessionFrom(c *fiber.Ctx) *session.Session {
	sess, _ := c.Locals(LocalSession).(*session.Session)
	return sess
}

// UserID returns the authenticated user id, or "".
func UserID(c *fiber.Ctx) string {
	uid, _ := c.Locals(LocalUserID).(string)
	return uid
}
