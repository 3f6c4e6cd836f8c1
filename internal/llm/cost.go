package llm

import (
	"math"

	"chat-relay/pkg/models"
)

// CostInCredits converts a token total into credits for modelID:
// ceil(tokens/1000 * multiplier). Free models cost nothing. Unknown models are
// charged at the catalog's default multiplier rather than for free.
func (c *Catalog) CostInCredits(totalTokens int, modelID string) int64 {
	if totalTokens <= 0 {
		return 0
	}
	multiplier := c.defaultMultiplier
	if e, ok := c.entries[modelID]; ok {
		if e.Category == models.CategoryFree {
			return 0
		}
		multiplier = e.Multiplier
	}
	// Rounded to nine places first so float error never adds a credit.
	raw := float64(totalTokens) * multiplier / 1000
	return int64(math.Ceil(math.Round(raw*1e9) / 1e9))
}

// CostUSD estimates the upstream price of an exchange from the per-million
// token prices in the catalog. Unknown models report 0.
func (c *Catalog) CostUSD(inputTokens, outputTokens int, modelID string) float64 {
	e, ok := c.entries[modelID]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*e.InputCostPerMillion +
		float64(outputTokens)/1e6*e.OutputCostPerMillion
}
