// Package auth resolves the caller of a request to an Identity: an
// authenticated user from a verified bearer token, or a guest session.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"chat-relay/pkg/models"

	"go.uber.org/zap"
)

// SessionHeader carries the guest session id.
const SessionHeader = "X-Session-ID"

// Accounts provisions balances for first-seen users and reports their tier.
type Accounts interface {
	EnsureProvisioned(ctx context.Context, userID string, tier models.Tier) (*models.Balance, error)
}

// Service provides authentication-related functionalities.
type Service struct {
	secret   string
	accounts Accounts
	logger   *zap.Logger
}

// NewService creates a Service verifying tokens with secret. With an empty
// secret every bearer token is rejected and callers can only be guests.
func NewService(secret string, accounts Accounts, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{secret: secret, accounts: accounts, logger: logger}
}

// Enabled reports whether token verification is configured.
func (s *Service) Enabled() bool {
	return s.secret != ""
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Resolve identifies the caller of r. Without a bearer token the caller is a
// guest whose session id comes from SessionHeader and may be empty. A token
// that is present but fails verification is an error, never a guest.
func (s *Service) Resolve(r *http.Request) (models.Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return models.Guest(strings.TrimSpace(r.Header.Get(SessionHeader))), nil
	}

	claims, err := ValidateAccessToken(token, s.secret)
	if err != nil {
		s.logger.Debug("rejected access token", zap.Error(err))
		return models.Identity{}, err
	}

	balance, err := s.accounts.EnsureProvisioned(r.Context(), claims.Subject, models.TierFree)
	if err != nil {
		return models.Identity{}, fmt.Errorf("load account %s: %w", claims.Subject, err)
	}
	return models.Authenticated(claims.Subject, balance.Tier), nil
}
