package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the absolute lifetime of a session token.
	DefaultTokenTTL = 7 * 24 * time.Hour
	defaultIssuer   = "foamsync-auth"
	tokenSegments   = 3
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingSubject       = errors.New("auth: subject required")
	ErrMissingTenant        = errors.New("auth: tenant id required")
	ErrInvalidRole          = errors.New("auth: invalid role")

	// Validation failures all classify as apperr.ErrUnauthorized.
	ErrMissingToken     = fmt.Errorf("%w: token required", apperr.ErrUnauthorized)
	ErrMalformedToken   = fmt.Errorf("%w: malformed token", apperr.ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: invalid token signature", apperr.ErrUnauthorized)
	ErrExpiredToken     = fmt.Errorf("%w: token expired", apperr.ErrUnauthorized)
	ErrTenantMismatch   = fmt.Errorf("%w: token not issued for this tenant", apperr.ErrUnauthorized)
)

// Role distinguishes owner sessions from crew sessions.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleCrew  Role = "crew"
)

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleCrew:
		return RoleCrew, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// SessionClaims is the signed token payload: subject, role, tenant and expiry.
type SessionClaims struct {
	Role     Role   `json:"role"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Principal is the verified identity behind a request.
type Principal struct {
	Subject  string
	Role     Role
	TenantID string
}

// TokenServiceConfig configures session token issuance and validation.
type TokenServiceConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenService issues and validates HS256-signed, tenant-bound session tokens.
// It holds no per-token state; the signing secret is the only key material.
type TokenService struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenService constructs a TokenService. The secret is copied so callers may zero their buffer.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenService{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue signs a token for subject with role, bound to tenantID. It returns the token and its expiry.
func (s *TokenService) Issue(subject string, role Role, tenantID string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", time.Time{}, ErrMissingTenant
	}
	if _, err := ParseRole(string(role)); err != nil {
		return "", time.Time{}, err
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.ttl)
	claims := SessionClaims{
		Role:     role,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate verifies the token and, when expectedTenantID is non-empty, that it was issued for that tenant.
// Every failure wraps apperr.ErrUnauthorized and carries only a generic reason.
func (s *TokenService) Validate(tokenString, expectedTenantID string) (Principal, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Principal{}, ErrMissingToken
	}
	if strings.Count(token, ".") != tokenSegments-1 {
		return Principal{}, ErrMalformedToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return s.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Principal{}, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Principal{}, ErrInvalidSignature
		default:
			return Principal{}, ErrMalformedToken
		}
	}
	if parsed == nil || !parsed.Valid {
		return Principal{}, ErrMalformedToken
	}

	role, roleErr := ParseRole(string(claims.Role))
	if roleErr != nil || strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return Principal{}, ErrMalformedToken
	}

	expected := strings.TrimSpace(expectedTenantID)
	if expected != "" && claims.TenantID != expected {
		return Principal{}, ErrTenantMismatch
	}

	return Principal{
		Subject:  claims.Subject,
		Role:     role,
		TenantID: claims.TenantID,
	}, nil
}

// TTL reports the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
