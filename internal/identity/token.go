// Package identity issues and verifies the bearer tokens that carry a user
// identity, and validates Google sign-in credentials.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	bearerPrefix = "Bearer "

	// DefaultTokenTTL is the validity of issued access tokens.
	DefaultTokenTTL = 24 * time.Hour
)

var (
	// ErrUnauthenticated covers missing, malformed, expired or forged tokens.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidTokenConfig reports an empty signing secret or bad ttl.
	ErrInvalidTokenConfig = errors.New("invalid token config")
)

// Identity is the authenticated caller.
type Identity struct {
	ID    string
	Email string
}

// Token is an issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Claims are the HS256 claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// TokenService signs and verifies access tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewTokenService validates the secret and ttl. A nil now uses time.Now.
func NewTokenService(secret string, ttl time.Duration, now func() time.Time) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidTokenConfig)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidTokenConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, nowFn: now}, nil
}

// Issue signs a token for id and email.
func (service *TokenService) Issue(id string, email string) (Token, error) {
	if strings.TrimSpace(id) == "" {
		return Token{}, fmt.Errorf("%w: empty subject", ErrUnauthenticated)
	}
	issuedAt := service.nowFn()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(service.ttl)),
		},
		Email: email,
	})
	signed, err := token.SignedString(service.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresIn: service.ttl}, nil
}

// Resolve verifies an Authorization header value of the form "Bearer <jwt>".
func (service *TokenService) Resolve(_ context.Context, authorization string) (Identity, error) {
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return service.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(service.nowFn),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return Identity{ID: claims.Subject, Email: claims.Email}, nil
}
