// Package app is the HTTP adapter: it routes requests, resolves identities,
// and turns relay results into Server-Sent Events or JSON responses.
package app

import (
	"context"
	"net/http"
	"time"

	"chat-relay/internal/auth"
	"chat-relay/internal/billing"
	"chat-relay/internal/llm"
	"chat-relay/internal/relay"
	"chat-relay/internal/store"
	"chat-relay/pkg/models"
	"chat-relay/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// limiterIdle is how long an unused rate limit bucket is kept.
const limiterIdle = 10 * time.Minute

// Accounts reads balances and usage for the profile endpoint.
type Accounts interface {
	Balance(ctx context.Context, userID string) (*models.Balance, error)
	Usage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error)
}

// Options wires an App.
type Options struct {
	Catalog       *llm.Catalog
	Relay         *relay.Relay
	Auth          *auth.Service
	Conversations store.ConversationStore
	Guests        *store.GuestStore
	Accounts      Accounts
	// Billing is optional; the webhook route is mounted only when set.
	Billing *billing.StripeBilling
	Limiter *utils.RateLimiter
	Logger  *zap.Logger
	// MaxConversationTokens is reported with conversation listings.
	MaxConversationTokens int
}

// App represents the main application with its router and services.
type App struct {
	Router chi.Router

	catalog       *llm.Catalog
	relay         *relay.Relay
	auth          *auth.Service
	conversations store.ConversationStore
	guests        *store.GuestStore
	accounts      Accounts
	billing       *billing.StripeBilling
	limiter       *utils.RateLimiter
	logger        *zap.Logger
	maxTokens     int
}

// NewApp creates the application and its routes.
func NewApp(opts Options) *App {
	a := &App{
		Router:        chi.NewRouter(),
		catalog:       opts.Catalog,
		relay:         opts.Relay,
		auth:          opts.Auth,
		conversations: opts.Conversations,
		guests:        opts.Guests,
		accounts:      opts.Accounts,
		billing:       opts.Billing,
		limiter:       opts.Limiter,
		logger:        opts.Logger,
		maxTokens:     opts.MaxConversationTokens,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.limiter == nil {
		a.limiter = utils.NewRateLimiter(0)
	}
	if a.maxTokens <= 0 {
		a.maxTokens = store.DefaultMaxTokensPerConversation
	}

	a.initializeRoutes()
	return a
}

func (a *App) initializeRoutes() {
	r := a.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", a.handleHealth)
		api.Get("/session", a.handleSession)
		if a.billing != nil {
			api.Post("/subscription/webhook", a.billing.HandleWebhook)
		}

		api.Group(func(r chi.Router) {
			r.Use(a.identify)
			r.Get("/models", a.catalog.HandleListModels)
			r.Get("/user/profile", a.handleProfile)
			r.Get("/history/{sessionID}", a.handleHistory)
			r.With(a.rateLimit).Post("/chat", a.handleChat)

			r.Route("/conversations", func(r chi.Router) {
				r.Use(requireUser)
				r.Get("/", a.handleListConversations)
				r.Get("/{id}", a.handleGetConversation)
				r.Patch("/{id}", a.handleRenameConversation)
				r.Delete("/{id}", a.handleDeleteConversation)
			})
		})
	})
}

// ServeHTTP dispatches to the router.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Router.ServeHTTP(w, r)
}

// SweepLimiter drops idle rate limit buckets every interval until ctx is done.
func (a *App) SweepLimiter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(limiterIdle); n > 0 {
				a.logger.Debug("swept rate limit buckets", zap.Int("removed", n))
			}
		}
	}
}
