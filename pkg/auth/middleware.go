// Package auth verifies inbound bearer tokens. User, team, and project
// management live in an external collaborator; the gateway only needs a
// verified caller identity keyed by AUTH_SECRET.
package auth

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/pkg/apperror"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
)

var Module = fx.Module("auth",
	fx.Provide(NewMiddleware),
)

// Caller is the authenticated identity attached to a request.
type Caller struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
}

const callerContextKey = "auth_caller"

// GetCaller retrieves the authenticated caller from the echo context, or
// nil when the request is anonymous.
func GetCaller(c echo.Context) *Caller {
	if caller, ok := c.Get(callerContextKey).(*Caller); ok {
		return caller
	}
	return nil
}

// Middleware verifies HS256 bearer tokens signed with AUTH_SECRET.
type Middleware struct {
	secret []byte
	log    *slog.Logger
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(cfg *config.Config, log *slog.Logger) *Middleware {
	return &Middleware{
		secret: []byte(cfg.AuthSecret),
		log:    log.With(logger.Scope("auth")),
	}
}

// Authenticate attaches a Caller when a valid bearer token is present and
// leaves the request anonymous otherwise. Per-server policy decides later
// whether anonymous access is acceptable.
func (m *Middleware) Authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractToken(c)
			if token == "" {
				return next(c)
			}

			caller, err := m.verify(token)
			if err != nil {
				m.log.Warn("rejected bearer token", logger.Error(err))
				return apperror.ErrInvalidToken
			}

			c.Set(callerContextKey, caller)
			return next(c)
		}
	}
}

// RequireAuth rejects requests without a verified caller.
func (m *Middleware) RequireAuth() echo.MiddlewareFunc {
	authenticate := m.Authenticate()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return authenticate(func(c echo.Context) error {
			if GetCaller(c) == nil {
				return apperror.ErrUnauthorized
			}
			return next(c)
		})
	}
}

func (m *Middleware) verify(token string) (*Caller, error) {
	if len(m.secret) == 0 {
		return nil, fmt.Errorf("AUTH_SECRET not configured")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token invalid")
	}

	caller := &Caller{}
	if sub, err := claims.GetSubject(); err == nil {
		caller.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		caller.Email = email
	}
	if caller.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return caller, nil
}

// extractToken pulls the bearer token from the Authorization header.
func extractToken(c echo.Context) string {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
