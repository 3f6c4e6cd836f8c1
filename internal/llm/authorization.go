package llm

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"chat-relay/pkg/models"
)

// Authorization errors
var (
	ErrUnknownModel         = errors.New("unknown model")
	ErrModelNotAvailable    = errors.New("this model is not available in your plan")
	ErrAuthenticationNeeded = errors.New("paid models require authentication")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
)

// tierOrder is the upgrade path used to name the cheapest unlocking plan.
var tierOrder = []models.Tier{models.TierFree, models.TierStarter, models.TierPro}

// CanUse reports whether tier may call modelID. Unknown models are always
// denied. Guests are held to the guest plan, which allows free models only.
func (c *Catalog) CanUse(tier models.Tier, modelID string) bool {
	entry, ok := c.entries[modelID]
	if !ok {
		return false
	}

	plan := c.Plan(tier)
	for _, r := range plan.Restricted {
		if r == modelID {
			return false
		}
	}
	for _, cat := range plan.Categories {
		if cat == categoryAll || models.Category(cat) == entry.Category {
			return true
		}
	}
	return false
}

// MinimumTier returns the cheapest tier that unlocks modelID.
func (c *Catalog) MinimumTier(modelID string) (models.Tier, bool) {
	for _, tier := range tierOrder {
		if c.CanUse(tier, modelID) {
			return tier, true
		}
	}
	if c.CanUse(models.TierBusiness, modelID) {
		return models.TierBusiness, true
	}
	return "", false
}

// Authorize checks identity against modelID and returns a wrapped sentinel
// error describing the remediation when access is denied.
func (c *Catalog) Authorize(identity models.Identity, modelID string) error {
	if _, ok := c.entries[modelID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if identity.IsGuest() {
		if !c.CanUse(models.TierGuest, modelID) {
			return fmt.Errorf("%w: sign in to use %s", ErrAuthenticationNeeded, modelID)
		}
		return nil
	}
	if !c.CanUse(identity.Tier, modelID) {
		return fmt.Errorf("%w: %s requires an upgrade from the %s plan",
			ErrModelNotAvailable, modelID, identity.Tier)
	}
	return nil
}

// SetErrorResponseHeaders sets the appropriate headers for error responses.
// A rate limited response carries Retry-After in whole seconds, 60 when the
// wait is unknown.
func SetErrorResponseHeaders(w http.ResponseWriter, err error, retryAfter time.Duration) {
	if errors.Is(err, ErrRateLimitExceeded) {
		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs <= 0 {
			secs = 60
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}
