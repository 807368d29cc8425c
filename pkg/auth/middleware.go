package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware provides HTTP authentication middleware.
// It is thin and delegates authentication logic to AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger,
	}
}

// RequireRole validates the JWT and requires one of roles.
// Sets claims and token in context for downstream handlers.
func (m *Middleware) RequireRole(roles ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, token, err := m.authService.ValidateRequest(r)
			if err != nil {
				m.unauthorized(w, "Authentication required")
				return
			}

			if err := m.authService.RequireRole(claims, roles...); err != nil {
				m.logger.Warn("Token lacks required role",
					zap.String("subject", claims.Subject),
					zap.Strings("required", roles),
					zap.String("path", r.URL.Path))
				m.forbidden(w, "Insufficient role")
				return
			}

			next(w, r.WithContext(withClaims(r.Context(), claims, token)))
		}
	}
}

// RequireCollector validates the JWT, requires the collector role, and
// matches the URL collector ID to the token subject.
// pathParamName is the name used in r.PathValue() (e.g., "cid").
func (m *Middleware) RequireCollector(pathParamName string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, token, err := m.authService.ValidateRequest(r)
			if err != nil {
				m.unauthorized(w, "Authentication required")
				return
			}

			if err := m.authService.RequireRole(claims, RoleCollector, RoleAdmin); err != nil {
				m.forbidden(w, "Collector role required")
				return
			}

			if err := m.authService.ValidateCollectorMatch(claims, r.PathValue(pathParamName)); err != nil {
				m.forbidden(w, "Collector ID mismatch between token and URL")
				return
			}

			next(w, r.WithContext(withClaims(r.Context(), claims, token)))
		}
	}
}

func withClaims(ctx context.Context, claims *Claims, token string) context.Context {
	ctx = context.WithValue(ctx, ClaimsKey, claims)
	return context.WithValue(ctx, TokenKey, token)
}

// unauthorized returns a 401 response with JSON error body.
func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}

// forbidden returns a 403 response with JSON error body.
func (m *Middleware) forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "forbidden",
		"message": message,
	})
}
