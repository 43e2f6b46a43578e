package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/discloser/pkg/api"
)

// JWTValidator validates HS256 bearer tokens and extracts claims.
type JWTValidator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// Claims are the JWT claims expected by the discloser API.
type Claims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org_id"`
	Roles          []string `json:"roles"`
}

// NewJWTValidator creates a validator. It returns nil when secret is empty so
// NewMiddleware fails closed.
func NewJWTValidator(secret []byte, issuer string) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret, issuer: issuer, clock: time.Now}
}

// WithClock overrides the validation clock.
func (v *JWTValidator) WithClock(clock func() time.Time) *JWTValidator {
	v.clock = clock
	return v
}

// Issue signs claims with the validator's secret. Used by the CLI and tests.
func (v *JWTValidator) Issue(subject, orgID string, roles []string, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrganizationID: orgID,
		Roles:          roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate parses and validates a JWT token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("validator uninitialized")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates JWT auth middleware.
// If validator is nil, all non-public requests are rejected (fail closed).
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}

			tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || tokenStr == "" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}
			if claims.OrganizationID == "" {
				api.WriteUnauthorized(w, "Token organization binding is required")
				return
			}

			principal := &BasePrincipal{
				ID:             claims.Subject,
				OrganizationID: claims.OrganizationID,
				Roles:          claims.Roles,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole rejects requests whose principal lacks role.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r.Context())
		if err != nil {
			api.WriteUnauthorized(w, "")
			return
		}
		if !p.HasRole(role) {
			api.WriteForbidden(w, fmt.Sprintf("role %q required", role))
			return
		}
		next.ServeHTTP(w, r)
	})
}
