package llm

import (
	"os"
	"path/filepath"
	"testing"

	"chat-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	assert.Len(t, c.Entries(), 16)
	assert.Equal(t, []string{
		"deepseek/deepseek-r1-0528:free",
		"meta-llama/llama-4-maverick:free",
		"moonshotai/kimi-k2:free",
		"openai/gpt-oss-20b:free",
	}, c.FreeModels())

	e, ok := c.Lookup("anthropic/claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, models.CategoryPremium, e.Category)
	assert.Equal(t, 20.0, e.Multiplier)
	assert.True(t, e.SupportsImages)

	assert.Equal(t, int64(1000), c.Plan(models.TierFree).Credits)
	assert.Equal(t, int64(10000), c.Plan(models.TierStarter).Credits)
	assert.Equal(t, int64(30000), c.Plan(models.TierPro).Credits)
	assert.Equal(t, int64(80000), c.Plan(models.TierBusiness).Credits)
	assert.Equal(t, 7, c.Plan(models.TierFree).ChatCap)
	assert.Equal(t, 30, c.Plan(models.TierPro).ChatCap)
	assert.Equal(t, 7, c.Plan(models.TierGuest).ChatCap)
	assert.Zero(t, c.Plan(models.TierGuest).Credits)

	assert.True(t, c.IsFree("openai/gpt-oss-20b:free"))
	assert.False(t, c.IsFree("openai/gpt-4o-mini"))
	assert.False(t, c.IsFree("acme/unknown"))
}

const minimalCatalog = `
default_multiplier = 3.0

[[models]]
id = "acme/free"
category = "free"
multiplier = 1.0

[[models]]
id = "acme/pro"
name = "Acme Pro"
category = "premium"
multiplier = 10.0

[plans.free]
credits = 5
categories = ["free"]

[plans.starter]
credits = 10
categories = ["free"]

[plans.pro]
credits = 20
categories = ["all"]

[plans.business]
credits = 40
categories = ["all"]
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(minimalCatalog))
	require.NoError(t, err)

	e, ok := c.Lookup("acme/free")
	require.True(t, ok)
	assert.Equal(t, "acme/free", e.DisplayName, "display name defaults to id")

	assert.Equal(t, int64(3), c.CostInCredits(1000, "acme/unknown"))
	assert.True(t, c.CanUse(models.TierGuest, "acme/free"))
	assert.False(t, c.CanUse(models.TierStarter, "acme/pro"))

	tier, ok := c.MinimumTier("acme/pro")
	require.True(t, ok)
	assert.Equal(t, models.TierPro, tier)
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "invalid toml", data: "[[models]\nid ="},
		{name: "missing id", data: "[[models]]\ncategory = \"free\"\nmultiplier = 1.0"},
		{name: "bad category", data: "[[models]]\nid = \"a\"\ncategory = \"gold\"\nmultiplier = 1.0"},
		{name: "zero multiplier", data: "[[models]]\nid = \"a\"\ncategory = \"free\"\nmultiplier = 0.0"},
		{name: "duplicate id", data: "[[models]]\nid = \"a\"\ncategory = \"free\"\nmultiplier = 1.0\n[[models]]\nid = \"a\"\ncategory = \"free\"\nmultiplier = 1.0"},
		{name: "missing plans", data: "[[models]]\nid = \"a\"\ncategory = \"free\"\nmultiplier = 1.0"},
		{name: "unknown plan", data: "[plans.platinum]\ncredits = 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog("")
	require.NoError(t, err)
	assert.Same(t, DefaultCatalog(), c)

	path := filepath.Join(t.TempDir(), "models.toml")
	require.NoError(t, os.WriteFile(path, []byte(minimalCatalog), 0o600))

	c, err = LoadCatalog(path)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
