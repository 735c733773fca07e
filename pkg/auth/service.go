package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// CookieName is the session cookie browsers send the token in.
const CookieName = "crm_jwt"

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingSubject       = errors.New("missing subject in token")
)

// AuthService extracts and validates the caller's token.
type AuthService interface {
	// ValidateRequest looks for a token in, in order: the session cookie,
	// a Bearer Authorization header, and the access_token query parameter
	// (browsers cannot set headers on a websocket handshake).
	ValidateRequest(r *http.Request) (*Claims, string, error)
}

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

func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	tokenString, source, err := s.extractToken(r)
	if err != nil {
		return nil, "", err
	}

	claims, err := s.jwksClient.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("token_source", source))
		return nil, "", err
	}
	if claims.Subject == "" {
		return nil, "", ErrMissingSubject
	}

	return claims, tokenString, nil
}

func (s *authService) extractToken(r *http.Request) (token, source string, err error) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value, "cookie", nil
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.logger.Debug("Invalid Authorization header format",
				zap.String("path", r.URL.Path))
			return "", "", ErrInvalidAuthFormat
		}
		return parts[1], "header", nil
	}

	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, "query", nil
	}

	s.logger.Debug("No JWT found in request",
		zap.String("path", r.URL.Path),
		zap.String("method", r.Method))
	return "", "", ErrMissingAuthorization
}

var _ AuthService = (*authService)(nil)
