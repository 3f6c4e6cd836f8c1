// Chat relay server
//
// The server relays chat turns to OpenRouter as Server-Sent Events, meters
// paid models against per-user credit balances and keeps conversation
// history for signed-in users (database) and guests (memory).
//
// CLI Usage:
//
//	--migrate
//	  Applies the database schema and exits.
//	  Example: ./chat-relay --migrate
//
//	--mint-token="user-id"
//	  Prints a development access token signed with SUPABASE_JWT_SECRET.
//	  Example: ./chat-relay --mint-token="00000000-0000-0000-0000-000000000001"
//
//	--addr=":8080"
//	  Overrides the listen address derived from PORT.
//
// Environment Variables:
//   - OPENROUTER_API_KEY: upstream completion API key
//   - DATABASE_URL: postgres:// URL, or a SQLite file path (default chat-relay.db)
//   - SUPABASE_JWT_SECRET: HS256 secret verifying user access tokens
//   - STRIPE_API_KEY, STRIPE_WEBHOOK_SECRET: enable the subscription webhook
//   - PORT, LOG_FORMAT, MAX_TOKENS_PER_CHAT, GUEST_SESSION_TTL,
//     GUEST_MAX_SESSIONS, RATE_LIMIT_PER_MINUTE
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chat-relay/internal/app"
	"chat-relay/internal/auth"
	"chat-relay/internal/billing"
	"chat-relay/internal/ledger"
	"chat-relay/internal/llm"
	"chat-relay/internal/relay"
	"chat-relay/internal/store"
	"chat-relay/pkg/models"
	"chat-relay/pkg/utils"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// loadEnvFile loads environment variables from a .env file if present.
// It attempts to load from the current directory and parent directories
// up to the root directory, and returns the file it loaded.
func loadEnvFile() string {
	// Try current directory first
	if err := godotenv.Load(); err == nil {
		return ".env"
	}

	workDir, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Try parent directories recursively
	for dir := workDir; dir != "/"; dir = filepath.Dir(dir) {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err == nil {
				return envPath
			}
		}
	}
	return ""
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadCatalog(path string) (*llm.Catalog, error) {
	if path == "" {
		return llm.DefaultCatalog(), nil
	}
	return llm.LoadCatalog(path)
}

func main() {
	envPath := loadEnvFile()

	migrateOnly := flag.Bool("migrate", false, "Apply the database schema and exit")
	mintToken := flag.String("mint-token", "", "Print a development access token for the given user id and exit")
	addr := flag.String("addr", "", "Listen address (defaults to :$PORT)")
	flag.Parse()

	logger, err := newLogger(utils.GetEnvWithDefault("LOG_FORMAT", "json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envPath != "" {
		logger.Info("loaded environment file", zap.String("path", envPath))
	}

	jwtSecret := os.Getenv("SUPABASE_JWT_SECRET")
	if *mintToken != "" {
		if jwtSecret == "" {
			logger.Fatal("SUPABASE_JWT_SECRET is required to mint tokens")
		}
		token, err := auth.CreateAccessToken(*mintToken, "", jwtSecret, 24*time.Hour)
		if err != nil {
			logger.Fatal("mint token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	llmCfg := llm.GetConfig()
	catalog, err := loadCatalog(llmCfg.CatalogPath)
	if err != nil {
		logger.Fatal("load model catalog", zap.String("path", llmCfg.CatalogPath), zap.Error(err))
	}

	db, err := store.Open(utils.GetEnvWithDefault("DATABASE_URL", "chat-relay.db"), logger)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	if *migrateOnly || utils.GetEnvBool("AUTO_MIGRATE", true) {
		if err := store.Migrate(db, ledger.Models()...); err != nil {
			logger.Fatal("migrate database", zap.Error(err))
		}
	}
	if *migrateOnly {
		logger.Info("database schema applied")
		return
	}

	if llmCfg.APIKey == "" {
		logger.Warn("OPENROUTER_API_KEY is not set; chat requests will fail")
	}
	maxTokens := utils.GetEnvInt("MAX_TOKENS_PER_CHAT", store.DefaultMaxTokensPerConversation)
	balances := ledger.New(db, logger.Named("ledger"), func(t models.Tier) int64 { return catalog.Plan(t).Credits })
	conversations := store.NewStore(db, logger.Named("store"), store.Options{
		Caps:      store.CatalogCaps(catalog),
		MaxTokens: maxTokens,
	})
	guests := store.NewGuestStore(logger.Named("guests"), store.GuestOptions{
		TTL:         utils.GetEnvDuration("GUEST_SESSION_TTL", store.DefaultGuestTTL),
		MaxSessions: utils.GetEnvInt("GUEST_MAX_SESSIONS", store.DefaultGuestMaxSessions),
		ChatCap:     catalog.Plan(models.TierGuest).ChatCap,
		MaxTokens:   maxTokens,
	})

	authService := auth.NewService(jwtSecret, balances, logger.Named("auth"))
	if !authService.Enabled() {
		logger.Warn("SUPABASE_JWT_SECRET is not set; only guest access is possible")
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.MaxConversationTokens = maxTokens
	relayCfg.Temperature = llmCfg.Temperature
	relayCfg.MaxOutputTokens = llmCfg.MaxTokens

	var stripeBilling *billing.StripeBilling
	if webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET"); webhookSecret != "" {
		stripeBilling, err = billing.NewStripeBilling(os.Getenv("STRIPE_API_KEY"), webhookSecret, balances, logger.Named("billing"))
		if err != nil {
			logger.Fatal("initialize Stripe billing", zap.Error(err))
		}
		logger.Info("Stripe webhook enabled")
	}

	a := app.NewApp(app.Options{
		Catalog: catalog,
		Relay: relay.New(relay.Options{
			Catalog:       catalog,
			Upstream:      llm.NewService(llmCfg, logger.Named("upstream")),
			Conversations: conversations,
			Guests:        guests,
			Ledger:        balances,
			Logger:        logger.Named("relay"),
			Config:        relayCfg,
		}),
		Auth:                  authService,
		Conversations:         conversations,
		Guests:                guests,
		Accounts:              balances,
		Billing:               stripeBilling,
		Limiter:               utils.NewRateLimiter(utils.GetEnvInt("RATE_LIMIT_PER_MINUTE", 30)),
		Logger:                logger.Named("http"),
		MaxConversationTokens: maxTokens,
	})

	// Create a context that will be canceled on program termination
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go guests.Run(ctx, time.Minute)
	go a.SweepLimiter(ctx, time.Minute)

	listen := *addr
	if listen == "" {
		listen = ":" + utils.GetEnvWithDefault("PORT", "3000")
	}
	server := &http.Server{
		Addr:              listen,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("starting server",
			zap.String("addr", listen),
			zap.Int("models", len(catalog.Entries())),
			zap.String("upstream", llmCfg.BaseURL),
			zap.String("api_key", utils.MaskToken(llmCfg.APIKey)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("could not start server", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutting down")

	// Create a deadline for server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	} else {
		logger.Info("server gracefully stopped")
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
