package llm

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"chat-relay/pkg/models"
)

func TestCanUse(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name  string
		tier  models.Tier
		model string
		want  bool
	}{
		{name: "guest free model", tier: models.TierGuest, model: "openai/gpt-oss-20b:free", want: true},
		{name: "guest budget model", tier: models.TierGuest, model: "openai/gpt-4o-mini", want: false},
		{name: "free tier free model", tier: models.TierFree, model: "deepseek/deepseek-r1-0528:free", want: true},
		{name: "free tier budget model", tier: models.TierFree, model: "openai/gpt-4o-mini", want: false},
		{name: "free tier premium model", tier: models.TierFree, model: "anthropic/claude-sonnet-4", want: false},
		{name: "starter budget model", tier: models.TierStarter, model: "google/gemini-2.5-flash", want: true},
		{name: "starter free model", tier: models.TierStarter, model: "moonshotai/kimi-k2:free", want: true},
		{name: "starter mid model excluded", tier: models.TierStarter, model: "anthropic/claude-3.5-haiku", want: false},
		{name: "starter premium excluded", tier: models.TierStarter, model: "openai/gpt-5", want: false},
		{name: "pro premium model", tier: models.TierPro, model: "x-ai/grok-4", want: true},
		{name: "business mid model", tier: models.TierBusiness, model: "anthropic/claude-3.5-haiku", want: true},
		{name: "unknown tier treated as free", tier: models.Tier("platinum"), model: "openai/gpt-4o-mini", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CanUse(tt.tier, tt.model); got != tt.want {
				t.Errorf("CanUse(%s, %s) = %v, want %v", tt.tier, tt.model, got, tt.want)
			}
		})
	}
}

func TestCanUseFailsClosedForUnknownModels(t *testing.T) {
	c := DefaultCatalog()
	unknown := []string{"", "gpt-4", "openai/gpt-oss-20b", "anthropic/claude-sonnet-4 ", "ANTHROPIC/CLAUDE-SONNET-4"}
	tiers := []models.Tier{models.TierGuest, models.TierFree, models.TierStarter, models.TierPro, models.TierBusiness}

	for _, tier := range tiers {
		for _, model := range unknown {
			if c.CanUse(tier, model) {
				t.Errorf("CanUse(%s, %q) = true for uncatalogued model", tier, model)
			}
		}
	}
}

func TestMinimumTier(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		model  string
		want   models.Tier
		wantOK bool
	}{
		{model: "openai/gpt-oss-20b:free", want: models.TierFree, wantOK: true},
		{model: "openai/gpt-4o-mini", want: models.TierStarter, wantOK: true},
		{model: "anthropic/claude-3.5-haiku", want: models.TierPro, wantOK: true},
		{model: "anthropic/claude-sonnet-4", want: models.TierPro, wantOK: true},
		{model: "acme/unknown", want: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, ok := c.MinimumTier(tt.model)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("MinimumTier(%s) = (%s, %v), want (%s, %v)", tt.model, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	c := DefaultCatalog()

	tests := []struct {
		name     string
		identity models.Identity
		model    string
		wantErr  error
	}{
		{name: "guest free", identity: models.Guest("s1"), model: "openai/gpt-oss-20b:free"},
		{name: "guest paid", identity: models.Guest("s1"), model: "openai/gpt-4o-mini", wantErr: ErrAuthenticationNeeded},
		{name: "free user premium", identity: models.Authenticated("u1", models.TierFree), model: "anthropic/claude-sonnet-4", wantErr: ErrModelNotAvailable},
		{name: "pro user premium", identity: models.Authenticated("u1", models.TierPro), model: "anthropic/claude-sonnet-4"},
		{name: "unknown model", identity: models.Authenticated("u1", models.TierBusiness), model: "acme/unknown", wantErr: ErrUnknownModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Authorize(tt.identity, tt.model)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Authorize() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Authorize() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetErrorResponseHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetErrorResponseHeaders(w, ErrRateLimitExceeded, 0)
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	w = httptest.NewRecorder()
	SetErrorResponseHeaders(w, fmt.Errorf("chat: %w", ErrRateLimitExceeded), 1500*time.Millisecond)
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	w = httptest.NewRecorder()
	SetErrorResponseHeaders(w, ErrModelNotAvailable, time.Second)
	if got := w.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After = %q, want empty", got)
	}
}
