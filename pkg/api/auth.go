package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ReviewerClaims are the JWT claims expected on review endpoints.
type ReviewerClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// JWTValidator validates reviewer tokens with an HMAC secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator. A nil or empty secret yields a
// nil validator, which rejects every protected request.
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*ReviewerClaims, error) {
	if v == nil {
		return nil, fmt.Errorf("validator uninitialized")
	}
	claims := &ReviewerClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated reviewer claims.
func PrincipalFromContext(ctx context.Context) (*ReviewerClaims, bool) {
	claims, ok := ctx.Value(principalKey{}).(*ReviewerClaims)
	return claims, ok
}

// requireAuth wraps a handler with Bearer JWT validation. Fails closed
// when no validator is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			WriteUnauthorized(w, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}
		if s.validator == nil {
			WriteUnauthorized(w, "Authentication not configured")
			return
		}
		claims, err := s.validator.Validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if claims.Subject == "" {
			WriteUnauthorized(w, "Token subject is required")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, claims)
		next(w, r.WithContext(ctx))
	}
}
