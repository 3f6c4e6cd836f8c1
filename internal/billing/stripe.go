// Package billing consumes Stripe webhooks and turns completed purchases and
// cancelled subscriptions into plan changes on the ledger.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chat-relay/internal/ledger"
	"chat-relay/pkg/models"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// maxWebhookBody bounds the webhook payload read.
const maxWebhookBody = 64 * 1024

// Webhook event types handled.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

const (
	signatureHeader = "Stripe-Signature"
	metadataPlanKey = "plan"
	metadataUserKey = "user_id"
)

// ErrMissingReference is returned when an event does not name the user or
// plan it applies to.
var ErrMissingReference = errors.New("event does not reference a user and plan")

// Plans is the slice of the ledger billing updates.
type Plans interface {
	// ApplyPlan grants a purchase once per reference and returns
	// ledger.ErrAlreadyApplied for a reference seen before.
	ApplyPlan(ctx context.Context, reference, userID string, tier models.Tier) (*models.Balance, error)
	SetTier(ctx context.Context, userID string, tier models.Tier) error
}

// StripeBilling verifies and applies Stripe webhook events.
type StripeBilling struct {
	webhookSecret string
	plans         Plans
	logger        *zap.Logger
}

// NewStripeBilling creates a webhook consumer. apiKey is installed as the
// stripe-go default key; webhookSecret verifies event signatures.
func NewStripeBilling(apiKey, webhookSecret string, plans Plans, logger *zap.Logger) (*StripeBilling, error) {
	if webhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	if apiKey != "" {
		stripe.Key = apiKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeBilling{webhookSecret: webhookSecret, plans: plans, logger: logger}, nil
}

// HandleWebhook is the HTTP endpoint Stripe posts events to. Events that are
// not handled are acknowledged so Stripe stops retrying them.
func (b *StripeBilling) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get(signatureHeader), b.webhookSecret)
	if err != nil {
		b.logger.Warn("rejected webhook", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	if err := b.Apply(r.Context(), event); err != nil {
		if errors.Is(err, ErrMissingReference) {
			b.logger.Warn("webhook ignored", zap.String("event_id", event.ID), zap.String("type", event.Type), zap.Error(err))
			w.WriteHeader(http.StatusOK)
			return
		}
		b.logger.Error("webhook failed", zap.String("event_id", event.ID), zap.String("type", event.Type), zap.Error(err))
		http.Error(w, "could not apply event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Apply performs the ledger change for a verified event.
func (b *StripeBilling) Apply(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return b.applyCheckout(ctx, event.ID, &session)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		userID := sub.Metadata[metadataUserKey]
		if userID == "" {
			return ErrMissingReference
		}
		if err := b.plans.SetTier(ctx, userID, models.TierFree); err != nil {
			return err
		}
		b.logger.Info("subscription cancelled", zap.String("user_id", userID))
		return nil

	default:
		b.logger.Debug("unhandled webhook", zap.String("type", event.Type))
		return nil
	}
}

func (b *StripeBilling) applyCheckout(ctx context.Context, eventID string, session *stripe.CheckoutSession) error {
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		b.logger.Info("checkout not paid yet", zap.String("session_id", session.ID))
		return nil
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata[metadataUserKey]
	}
	plan := session.Metadata[metadataPlanKey]
	if userID == "" || plan == "" {
		return ErrMissingReference
	}
	tier := models.ParseTier(plan)
	if !tier.IsPaid() {
		return fmt.Errorf("%w: unknown plan %q", ErrMissingReference, plan)
	}

	reference := session.ID
	if reference == "" {
		reference = eventID
	}
	balance, err := b.plans.ApplyPlan(ctx, reference, userID, tier)
	if errors.Is(err, ledger.ErrAlreadyApplied) {
		b.logger.Info("checkout already applied",
			zap.String("session_id", reference),
			zap.String("user_id", userID))
		return nil
	}
	if err != nil {
		return err
	}
	b.logger.Info("plan purchased",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.Int64("credits", balance.CreditBalance))
	return nil
}
