package app

import (
	"encoding/json"
	"net/http"

	"chat-relay/internal/relay"
	"chat-relay/pkg/models"
)

// errorBody is the JSON error shape. The optional fields let the client
// render an upgrade or new chat prompt.
type errorBody struct {
	Error           string      `json:"error"`
	Code            string      `json:"code"`
	Action          string      `json:"action,omitempty"`
	RequiredTier    models.Tier `json:"requiredTier,omitempty"`
	CreditBalance   *int64      `json:"creditBalance,omitempty"`
	RequiredCredits int64       `json:"requiredCredits,omitempty"`
	TokenCount      int         `json:"tokenCount,omitempty"`
	TokenLimit      int         `json:"tokenLimit,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}

func writeRelayError(w http.ResponseWriter, e *relay.Error) {
	writeError(w, e.Status, errorBody{
		Error:           e.Message,
		Code:            e.Kind.String(),
		Action:          e.Action,
		RequiredTier:    e.RequiredTier,
		CreditBalance:   e.CreditBalance,
		RequiredCredits: e.RequiredCredits,
		TokenCount:      e.TokenCount,
		TokenLimit:      e.TokenLimit,
	})
}
