package models

import "time"

// Balance is the credit account of an authenticated user.
type Balance struct {
	UserID               string    `json:"userId"`
	CreditBalance        int64     `json:"creditBalance"`
	TotalCreditsConsumed int64     `json:"totalCreditsConsumed"`
	TotalTokensUsed      int64     `json:"totalTokensUsed"`
	Tier                 Tier      `json:"subscriptionTier"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// UsageRecord is the append-only audit row written once per completed
// exchange.
type UsageRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ModelID        string    `json:"model"`
	InputTokens    int       `json:"inputTokens"`
	OutputTokens   int       `json:"outputTokens"`
	CreditsUsed    int64     `json:"creditsUsed"`
	CostUSD        float64   `json:"costUSD"`
	ConversationID string    `json:"chatId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Category is the pricing band of a model.
type Category string

const (
	CategoryFree    Category = "free"
	CategoryBudget  Category = "budget"
	CategoryMid     Category = "mid"
	CategoryPremium Category = "premium"
)

// CatalogEntry describes one model the relay can forward to.
type CatalogEntry struct {
	ModelID              string   `json:"id" toml:"id"`
	DisplayName          string   `json:"name" toml:"name"`
	Category             Category `json:"category" toml:"category"`
	Multiplier           float64  `json:"multiplier" toml:"multiplier"`
	InputCostPerMillion  float64  `json:"inputCost" toml:"input_cost"`
	OutputCostPerMillion float64  `json:"outputCost" toml:"output_cost"`
	SupportsImages       bool     `json:"supportsImages" toml:"supports_images"`
}
