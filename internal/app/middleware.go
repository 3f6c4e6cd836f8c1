package app

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/internal/llm"
	"chat-relay/internal/relay"
	"chat-relay/pkg/models"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func (a *App) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			a.logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

// identify resolves the caller and stores the identity in the request
// context. A token that fails verification is rejected with 401.
func (a *App) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.auth.Resolve(r)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, errorBody{
				Error: "Your session has expired. Please sign in again.", Code: "token_expired", Action: relay.ActionLogin,
			})
			return
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, errorBody{
				Error: "Invalid session. Please sign in again.", Code: "invalid_token", Action: relay.ActionLogin,
			})
			return
		default:
			a.logger.Error("identity resolution failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, errorBody{Error: "Unable to load your account.", Code: "internal"})
			return
		}
		next.ServeHTTP(w, r.WithContext(models.WithIdentity(r.Context(), identity)))
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := models.IdentityFromContext(r.Context()); !ok || id.IsGuest() {
			writeError(w, http.StatusUnauthorized, errorBody{
				Error: "Please sign in to access saved conversations.", Code: "auth_required", Action: relay.ActionLogin,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-identity request budget. Guests choose their own
// session ids, so they are limited by client address.
func (a *App) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientAddr(r)
		if id, ok := models.IdentityFromContext(r.Context()); ok && !id.IsGuest() {
			key = id.Owner()
		}
		allowed, retryAfter := a.limiter.Allow(key)
		if !allowed {
			err := fmt.Errorf("%w for %s", llm.ErrRateLimitExceeded, key)
			a.logger.Info("rate limited", zap.String("key", key), zap.Duration("retry_after", retryAfter))
			llm.SetErrorResponseHeaders(w, err, retryAfter)
			writeError(w, http.StatusTooManyRequests, errorBody{
				Error: "Too many requests. Please slow down.", Code: "rate_limited", Action: relay.ActionRetry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr is the request's remote host without the port. RealIP has
// already replaced RemoteAddr when a proxy header is present.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
