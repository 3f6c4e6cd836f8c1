package llm

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"chat-relay/pkg/models"

	"github.com/BurntSushi/toml"
)

//go:embed models.toml
var embeddedCatalog []byte

// categoryAll in a plan's categories unlocks every catalogued model.
const categoryAll = "all"

// Plan describes what a subscription tier is entitled to.
type Plan struct {
	// Credits provisioned for a first-seen user and granted on purchase.
	Credits int64 `toml:"credits" json:"credits"`
	// ChatCap is the number of conversations kept before the oldest is evicted.
	ChatCap int `toml:"chat_cap" json:"chatCap"`
	// Categories of models the plan may use, or "all".
	Categories []string `toml:"categories" json:"categories"`
	// Restricted lists models denied even when their category is allowed.
	Restricted []string `toml:"restricted" json:"restricted,omitempty"`
}

type catalogFile struct {
	DefaultMultiplier float64               `toml:"default_multiplier"`
	Models            []models.CatalogEntry `toml:"models"`
	Plans             map[string]Plan       `toml:"plans"`
}

// Catalog is the authoritative model table. It is built once at process start
// and never mutated, so it is safe for concurrent use.
type Catalog struct {
	entries           map[string]models.CatalogEntry
	order             []string
	plans             map[models.Tier]Plan
	defaultMultiplier float64
}

var (
	defaultCatalog     *Catalog
	defaultCatalogOnce sync.Once
)

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := ParseCatalog(embeddedCatalog)
		if err != nil {
			panic(fmt.Sprintf("embedded model catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// LoadCatalog reads a catalog from a TOML file. An empty path returns the
// embedded catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a TOML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("decode model catalog: %w", err)
	}

	c := &Catalog{
		entries:           make(map[string]models.CatalogEntry, len(file.Models)),
		plans:             make(map[models.Tier]Plan, len(file.Plans)),
		defaultMultiplier: file.DefaultMultiplier,
	}
	if c.defaultMultiplier <= 0 {
		c.defaultMultiplier = 1
	}

	for _, m := range file.Models {
		if m.ModelID == "" {
			return nil, errors.New("model entry without id")
		}
		if _, dup := c.entries[m.ModelID]; dup {
			return nil, fmt.Errorf("duplicate model %q", m.ModelID)
		}
		switch m.Category {
		case models.CategoryFree, models.CategoryBudget, models.CategoryMid, models.CategoryPremium:
		default:
			return nil, fmt.Errorf("model %q: unknown category %q", m.ModelID, m.Category)
		}
		if m.Multiplier <= 0 {
			return nil, fmt.Errorf("model %q: multiplier must be positive", m.ModelID)
		}
		if m.DisplayName == "" {
			m.DisplayName = m.ModelID
		}
		c.entries[m.ModelID] = m
		c.order = append(c.order, m.ModelID)
	}

	for name, p := range file.Plans {
		tier := models.Tier(name)
		if models.ParseTier(name) != tier {
			return nil, fmt.Errorf("unknown plan %q", name)
		}
		c.plans[tier] = p
	}
	for _, tier := range []models.Tier{models.TierFree, models.TierStarter, models.TierPro, models.TierBusiness} {
		if _, ok := c.plans[tier]; !ok {
			return nil, fmt.Errorf("missing plan %q", tier)
		}
	}
	if _, ok := c.plans[models.TierGuest]; !ok {
		guest := c.plans[models.TierFree]
		guest.Credits = 0
		c.plans[models.TierGuest] = guest
	}

	return c, nil
}

// Lookup returns the entry for modelID.
func (c *Catalog) Lookup(modelID string) (models.CatalogEntry, bool) {
	e, ok := c.entries[modelID]
	return e, ok
}

// IsFree reports whether modelID is a known zero-cost model.
func (c *Catalog) IsFree(modelID string) bool {
	e, ok := c.entries[modelID]
	return ok && e.Category == models.CategoryFree
}

// Entries returns every model in file order.
func (c *Catalog) Entries() []models.CatalogEntry {
	out := make([]models.CatalogEntry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// FreeModels returns the ids of the zero-cost models, sorted.
func (c *Catalog) FreeModels() []string {
	var ids []string
	for id, e := range c.entries {
		if e.Category == models.CategoryFree {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Plan returns the entitlements of tier. Unknown tiers get the free plan.
func (c *Catalog) Plan(tier models.Tier) Plan {
	if p, ok := c.plans[tier]; ok {
		return p
	}
	return c.plans[models.TierFree]
}
