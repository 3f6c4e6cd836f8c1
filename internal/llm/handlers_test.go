package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chat-relay/pkg/models"
)

func TestHandleListModels(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name        string
		identity    *models.Identity
		wantTier    models.Tier
		wantAllowed map[string]bool
	}{
		{
			name:     "no identity is guest",
			wantTier: models.TierGuest,
			wantAllowed: map[string]bool{
				"openai/gpt-oss-20b:free":   true,
				"openai/gpt-4o-mini":        false,
				"anthropic/claude-sonnet-4": false,
			},
		},
		{
			name:     "starter user",
			identity: &models.Identity{Kind: models.KindAuthenticated, UserID: "u1", Tier: models.TierStarter},
			wantTier: models.TierStarter,
			wantAllowed: map[string]bool{
				"openai/gpt-oss-20b:free":   true,
				"openai/gpt-4o-mini":        true,
				"anthropic/claude-sonnet-4": false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
			if tt.identity != nil {
				req = req.WithContext(models.WithIdentity(req.Context(), *tt.identity))
			}
			w := httptest.NewRecorder()
			c.HandleListModels(w, req)

			var resp ListModelsResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Tier != tt.wantTier {
				t.Errorf("tier = %s, want %s", resp.Tier, tt.wantTier)
			}
			if len(resp.Models) != len(c.Entries()) {
				t.Errorf("got %d models, want %d", len(resp.Models), len(c.Entries()))
			}
			for _, m := range resp.Models {
				if want, ok := tt.wantAllowed[m.ModelID]; ok && m.Allowed != want {
					t.Errorf("%s allowed = %v, want %v", m.ModelID, m.Allowed, want)
				}
				if m.ModelID == "anthropic/claude-sonnet-4" && m.MinimumTier != models.TierPro {
					t.Errorf("minimum tier = %s, want pro", m.MinimumTier)
				}
			}
		})
	}
}
