package llm

import (
	"encoding/json"
	"net/http"

	"chat-relay/pkg/models"
)

// ModelInfo is a catalog entry annotated for the requesting identity.
type ModelInfo struct {
	models.CatalogEntry
	Allowed     bool        `json:"allowed"`
	MinimumTier models.Tier `json:"minimumTier,omitempty"`
}

// ListModelsResponse is the response for the list models endpoint
type ListModelsResponse struct {
	Tier   models.Tier `json:"tier"`
	Models []ModelInfo `json:"models"`
}

// ListModels annotates every catalog entry with whether tier may use it.
func (c *Catalog) ListModels(tier models.Tier) ListModelsResponse {
	entries := c.Entries()
	resp := ListModelsResponse{Tier: tier, Models: make([]ModelInfo, 0, len(entries))}
	for _, e := range entries {
		info := ModelInfo{CatalogEntry: e, Allowed: c.CanUse(tier, e.ModelID)}
		if minTier, ok := c.MinimumTier(e.ModelID); ok {
			info.MinimumTier = minTier
		}
		resp.Models = append(resp.Models, info)
	}
	return resp
}

// HandleListModels serves the catalog for the identity on the request
// context. Requests without one are treated as guests.
func (c *Catalog) HandleListModels(w http.ResponseWriter, r *http.Request) {
	tier := models.TierGuest
	if id, ok := models.IdentityFromContext(r.Context()); ok {
		tier = id.Tier
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.ListModels(tier))
}
