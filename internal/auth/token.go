package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// TokenLifetime defines how long minted tokens are valid
	TokenLifetime = time.Hour
	// authenticatedRole is the role Supabase puts in user access tokens
	authenticatedRole = "authenticated"
)

var (
	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned when the token is invalid for any reason
	ErrInvalidToken = errors.New("invalid token")
)

// TokenClaims are the claims of a Supabase access token. The user id is the
// standard subject claim.
type TokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// CreateAccessToken signs an HS256 access token for userID, in the shape the
// identity provider issues. Used for local development and tests.
func CreateAccessToken(userID, email, secret string, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = TokenLifetime
	}
	now := time.Now()

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{authenticatedRole},
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email: email,
		Role:  authenticatedRole,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

// ValidateAccessToken verifies tokenString against secret and returns its
// claims. Only HMAC signatures are accepted and the subject must be set.
func ValidateAccessToken(tokenString, secret string) (*TokenClaims, error) {
	if secret == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseUnverified decodes the claims of tokenString without checking the
// signature. It is for debugging tools only.
func ParseUnverified(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
