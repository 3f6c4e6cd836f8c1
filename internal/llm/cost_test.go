package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostInCredits(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name   string
		tokens int
		model  string
		want   int64
	}{
		{name: "zero tokens", tokens: 0, model: "openai/gpt-4o-mini", want: 0},
		{name: "one token rounds up", tokens: 1, model: "openai/gpt-4o-mini", want: 1},
		{name: "exact thousand at 2x", tokens: 1000, model: "openai/gpt-4o-mini", want: 2},
		{name: "premium multiplier", tokens: 1500, model: "anthropic/claude-sonnet-4", want: 30},
		{name: "mid multiplier", tokens: 250, model: "anthropic/claude-3.5-haiku", want: 2},
		{name: "free model always zero", tokens: 100000, model: "openai/gpt-oss-20b:free", want: 0},
		{name: "unknown model uses default multiplier", tokens: 1500, model: "acme/unknown", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.CostInCredits(tt.tokens, tt.model))
		})
	}
}

func TestCostInCreditsMonotonic(t *testing.T) {
	c := DefaultCatalog()
	for _, e := range c.Entries() {
		prev := int64(0)
		for tokens := 0; tokens <= 20000; tokens += 37 {
			got := c.CostInCredits(tokens, e.ModelID)
			if got < prev {
				t.Fatalf("%s: cost decreased at %d tokens (%d < %d)", e.ModelID, tokens, got, prev)
			}
			prev = got
		}
	}

	prev := int64(0)
	for tokens := 0; tokens <= 20000; tokens += 37 {
		got := c.CostInCredits(tokens, "acme/unknown")
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestCostUSD(t *testing.T) {
	c := DefaultCatalog()

	assert.InDelta(t, 0.75, c.CostUSD(1_000_000, 1_000_000, "openai/gpt-4o-mini"), 1e-9)
	assert.InDelta(t, 0.000018, c.CostUSD(1, 1, "x-ai/grok-4"), 1e-12)
	assert.Zero(t, c.CostUSD(1000, 1000, "openai/gpt-oss-20b:free"))
	assert.Zero(t, c.CostUSD(1000, 1000, "acme/unknown"))
}
