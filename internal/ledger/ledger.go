// Package ledger owns user credit balances and the usage audit trail.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotProvisioned is returned for users without a balance row
	ErrNotProvisioned = errors.New("balance not provisioned")
	// ErrInvalidAmount is returned for negative debits or grants
	ErrInvalidAmount = errors.New("amount must not be negative")
	// ErrAlreadyApplied is returned when a purchase reference was granted before
	ErrAlreadyApplied = errors.New("purchase already applied")
)

// CreditsFunc returns the credits provisioned for, or granted with, a tier.
type CreditsFunc func(tier models.Tier) int64

type balanceRecord struct {
	UserID               string `gorm:"primaryKey;size:128"`
	CreditBalance        int64  `gorm:"not null;default:0"`
	TotalCreditsConsumed int64  `gorm:"not null;default:0"`
	TotalTokensUsed      int64  `gorm:"not null;default:0"`
	Tier                 string `gorm:"size:32;not null"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (balanceRecord) TableName() string { return "balances" }

func (r *balanceRecord) toModel() *models.Balance {
	return &models.Balance{
		UserID:               r.UserID,
		CreditBalance:        r.CreditBalance,
		TotalCreditsConsumed: r.TotalCreditsConsumed,
		TotalTokensUsed:      r.TotalTokensUsed,
		Tier:                 models.ParseTier(r.Tier),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

type usageRecord struct {
	ID             string  `gorm:"primaryKey;size:64"`
	UserID         string  `gorm:"size:128;not null;index"`
	ModelID        string  `gorm:"size:128;not null"`
	InputTokens    int     `gorm:"not null"`
	OutputTokens   int     `gorm:"not null"`
	CreditsUsed    int64   `gorm:"not null"`
	CostUSD        float64 `gorm:"not null"`
	ConversationID string  `gorm:"size:128;index"`
	CreatedAt      time.Time
}

func (usageRecord) TableName() string { return "usage_records" }

// subscriptionRecord is one granted plan purchase, keyed by the payment
// provider's reference so a purchase is granted at most once.
type subscriptionRecord struct {
	Reference      string `gorm:"primaryKey;size:255"`
	UserID         string `gorm:"size:128;not null;index"`
	Tier           string `gorm:"size:32;not null"`
	CreditsGranted int64  `gorm:"not null"`
	CreatedAt      time.Time
}

func (subscriptionRecord) TableName() string { return "subscriptions" }

// Models lists the tables the ledger needs migrated.
func Models() []any {
	return []any{&balanceRecord{}, &usageRecord{}, &subscriptionRecord{}}
}

// Ledger is the gorm backed balance store.
type Ledger struct {
	db      *gorm.DB
	logger  *zap.Logger
	credits CreditsFunc
}

// New returns a Ledger provisioning new users with credits(tier).
func New(db *gorm.DB, logger *zap.Logger, credits CreditsFunc) *Ledger {
	return &Ledger{db: db, logger: logger, credits: credits}
}

// EnsureProvisioned returns the user's balance, creating it with the tier's
// default credits on first sight. An existing balance is returned unchanged.
func (l *Ledger) EnsureProvisioned(ctx context.Context, userID string, tier models.Tier) (*models.Balance, error) {
	if tier == models.TierGuest {
		tier = models.TierFree
	}
	now := time.Now().UTC()
	rec := balanceRecord{
		UserID:        userID,
		CreditBalance: l.credits(tier),
		Tier:          string(tier),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	db := l.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return nil, fmt.Errorf("provision balance: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		l.logger.Info("provisioned balance",
			zap.String("user_id", userID),
			zap.String("tier", string(tier)),
			zap.Int64("credits", rec.CreditBalance))
	}
	return l.Balance(ctx, userID)
}

// Balance reads the user's balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*models.Balance, error) {
	return l.balance(l.db.WithContext(ctx), userID)
}

func (l *Ledger) balance(db *gorm.DB, userID string) (*models.Balance, error) {
	var rec balanceRecord
	err := db.Where("user_id = ?", userID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	return rec.toModel(), nil
}

// HasSufficient reports whether the user has a positive balance of at least
// required credits. It does not reserve anything.
func (l *Ledger) HasSufficient(ctx context.Context, userID string, required int64) (bool, error) {
	b, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return b.CreditBalance > 0 && b.CreditBalance >= required, nil
}

// Debit charges credits and records tokens in one statement. The balance is
// clamped at zero; the consumed total always grows by the full amount.
func (l *Ledger) Debit(ctx context.Context, userID string, credits, tokens int64) (int64, error) {
	if credits < 0 || tokens < 0 {
		return 0, ErrInvalidAmount
	}

	var newBalance int64
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&balanceRecord{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"credit_balance":         gorm.Expr("CASE WHEN credit_balance > ? THEN credit_balance - ? ELSE 0 END", credits, credits),
				"total_credits_consumed": gorm.Expr("total_credits_consumed + ?", credits),
				"total_tokens_used":      gorm.Expr("total_tokens_used + ?", tokens),
				"updated_at":             time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotProvisioned
		}
		b, err := l.balance(tx, userID)
		if err != nil {
			return err
		}
		newBalance = b.CreditBalance
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotProvisioned) {
			return 0, err
		}
		return 0, fmt.Errorf("debit: %w", err)
	}
	return newBalance, nil
}

// RecordUsage appends an audit row. Rows are never updated.
func (l *Ledger) RecordUsage(ctx context.Context, u models.UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	rec := usageRecord{
		ID:             u.ID,
		UserID:         u.UserID,
		ModelID:        u.ModelID,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		CreditsUsed:    u.CreditsUsed,
		CostUSD:        u.CostUSD,
		ConversationID: u.ConversationID,
		CreatedAt:      u.CreatedAt,
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Usage returns the user's most recent usage rows.
func (l *Ledger) Usage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []usageRecord
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	out := make([]models.UsageRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, models.UsageRecord{
			ID:             r.ID,
			UserID:         r.UserID,
			ModelID:        r.ModelID,
			InputTokens:    r.InputTokens,
			OutputTokens:   r.OutputTokens,
			CreditsUsed:    r.CreditsUsed,
			CostUSD:        r.CostUSD,
			ConversationID: r.ConversationID,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

// ApplyPlan moves the user to tier and grants that plan's credits on top of
// the current balance, provisioning the user if needed. reference identifies
// the purchase; a reference seen before returns ErrAlreadyApplied and grants
// nothing.
func (l *Ledger) ApplyPlan(ctx context.Context, reference, userID string, tier models.Tier) (*models.Balance, error) {
	if reference == "" {
		return nil, errors.New("apply plan: empty purchase reference")
	}
	if _, err := l.EnsureProvisioned(ctx, userID, models.TierFree); err != nil {
		return nil, err
	}
	grant := l.credits(tier)
	now := time.Now().UTC()

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&subscriptionRecord{
			Reference:      reference,
			UserID:         userID,
			Tier:           string(tier),
			CreditsGranted: grant,
			CreatedAt:      now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyApplied
		}
		return tx.Model(&balanceRecord{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"tier":           string(tier),
				"credit_balance": gorm.Expr("credit_balance + ?", grant),
				"updated_at":     now,
			}).Error
	})
	if errors.Is(err, ErrAlreadyApplied) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("apply plan: %w", err)
	}
	l.logger.Info("applied plan",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.String("reference", reference),
		zap.Int64("granted", grant))
	return l.Balance(ctx, userID)
}

// SetTier changes the user's tier without touching credits.
func (l *Ledger) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	res := l.db.WithContext(ctx).Model(&balanceRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"tier": string(tier), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("set tier: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotProvisioned
	}
	return nil
}
