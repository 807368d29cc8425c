package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingRole          = errors.New("token lacks required role")
	ErrCollectorMismatch    = errors.New("collector ID mismatch between token and URL")
)

// AuthService defines the interface for authentication operations.
// This abstraction enables clean separation between HTTP handling
// and authentication logic, making both easier to test.
type AuthService interface {
	// ValidateRequest extracts and validates the Bearer JWT of the request.
	// Returns the validated claims, the raw token string, or an error.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireRole validates that the claims grant one of roles.
	RequireRole(claims *Claims, roles ...string) error

	// ValidateCollectorMatch ensures a collector token acts only as itself.
	// Admin tokens may act on behalf of any collector.
	ValidateCollectorMatch(claims *Claims, urlCollectorID string) error
}

// authService implements AuthService.
type authService struct {
	jwksClient JWKSClientInterface
	logger     *zap.Logger
}

// NewAuthService creates a new AuthService with the given JWKS client and logger.
func NewAuthService(jwksClient JWKSClientInterface, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		logger:     logger,
	}
}

// ValidateRequest extracts and validates a JWT from the Authorization header.
func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.logger.Debug("No JWT found in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, "", ErrMissingAuthorization
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		s.logger.Debug("Invalid Authorization header format",
			zap.String("path", r.URL.Path))
		return nil, "", ErrInvalidAuthFormat
	}
	tokenString := parts[1]

	claims, err := s.jwksClient.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		return nil, "", err
	}

	return claims, tokenString, nil
}

// RequireRole validates that the claims grant at least one of roles.
func (s *authService) RequireRole(claims *Claims, roles ...string) error {
	for _, role := range roles {
		if claims.HasRole(role) {
			return nil
		}
	}
	return ErrMissingRole
}

// ValidateCollectorMatch ensures the URL collector ID matches the token subject.
func (s *authService) ValidateCollectorMatch(claims *Claims, urlCollectorID string) error {
	if claims.HasRole(RoleAdmin) {
		return nil
	}
	if urlCollectorID == "" || claims.Subject != urlCollectorID {
		s.logger.Warn("Collector ID mismatch",
			zap.String("url_collector_id", urlCollectorID),
			zap.String("token_subject", claims.Subject),
			zap.Bool("security_event", true))
		return ErrCollectorMismatch
	}
	return nil
}

// Ensure authService implements AuthService at compile time.
var _ AuthService = (*authService)(nil)
