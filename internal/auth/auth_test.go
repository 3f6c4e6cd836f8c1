package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chat-relay/pkg/models"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

type fakeAccounts struct {
	mu    sync.Mutex
	tiers map[string]models.Tier
	err   error
	calls int
}

func (f *fakeAccounts) EnsureProvisioned(_ context.Context, userID string, tier models.Tier) (*models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if t, ok := f.tiers[userID]; ok {
		tier = t
	}
	return &models.Balance{UserID: userID, Tier: tier}, nil
}

func TestCreateAndValidateAccessToken(t *testing.T) {
	token, err := CreateAccessToken("user-1", "u@example.com", testSecret, 0)
	require.NoError(t, err)

	claims, err := ValidateAccessToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "u@example.com", claims.Email)
	assert.Equal(t, authenticatedRole, claims.Role)
	assert.WithinDuration(t, time.Now().Add(TokenLifetime), claims.ExpiresAt.Time, 5*time.Second)
}

func TestValidateAccessTokenRejects(t *testing.T) {
	valid, err := CreateAccessToken("user-1", "", testSecret, time.Minute)
	require.NoError(t, err)
	expired, err := CreateAccessToken("user-1", "", testSecret, -time.Minute)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		secret string
		want   error
	}{
		{"wrong secret", valid, "another-secret", ErrInvalidToken},
		{"no secret configured", valid, "", ErrInvalidToken},
		{"expired", expired, testSecret, ErrTokenExpired},
		{"garbage", "not.a.jwt", testSecret, ErrInvalidToken},
		{"missing subject", noSubject, testSecret, ErrInvalidToken},
		{"missing expiry", noExpiry, testSecret, ErrInvalidToken},
		{"none algorithm", unsigned, testSecret, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateAccessToken(tt.token, tt.secret)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseUnverified(t *testing.T) {
	token, err := CreateAccessToken("user-9", "nine@example.com", testSecret, time.Minute)
	require.NoError(t, err)

	claims, err := ParseUnverified(token)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.Subject)

	_, err = ParseUnverified("nope")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, BearerToken(r), "header %q", tt.header)
	}
}

func TestResolve(t *testing.T) {
	accounts := &fakeAccounts{tiers: map[string]models.Tier{"paid": models.TierPro}}
	svc := NewService(testSecret, accounts, zaptest.NewLogger(t))
	require.True(t, svc.Enabled())

	t.Run("guest with session header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(SessionHeader, "sess-1")
		id, err := svc.Resolve(r)
		require.NoError(t, err)
		assert.True(t, id.IsGuest())
		assert.Equal(t, "sess-1", id.SessionID)
		assert.Equal(t, models.TierGuest, id.Tier)
	})

	t.Run("guest without session", func(t *testing.T) {
		id, err := svc.Resolve(httptest.NewRequest("GET", "/", nil))
		require.NoError(t, err)
		assert.True(t, id.IsGuest())
		assert.Empty(t, id.SessionID)
	})

	t.Run("authenticated tier from ledger", func(t *testing.T) {
		token, err := CreateAccessToken("paid", "", testSecret, time.Minute)
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		id, err := svc.Resolve(r)
		require.NoError(t, err)
		assert.False(t, id.IsGuest())
		assert.Equal(t, "paid", id.UserID)
		assert.Equal(t, models.TierPro, id.Tier)
	})

	t.Run("first sight provisions free", func(t *testing.T) {
		token, err := CreateAccessToken("newcomer", "", testSecret, time.Minute)
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		id, err := svc.Resolve(r)
		require.NoError(t, err)
		assert.Equal(t, models.TierFree, id.Tier)
	})

	t.Run("bad token is not downgraded to guest", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer forged")
		_, err := svc.Resolve(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestResolveAccountFailure(t *testing.T) {
	boom := errors.New("db down")
	svc := NewService(testSecret, &fakeAccounts{err: boom}, nil)
	token, err := CreateAccessToken("u", "", testSecret, time.Minute)
	require.NoError(t, err)
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = svc.Resolve(r)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}
