package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"chat-relay/internal/auth"
	"chat-relay/internal/llm"
	"chat-relay/internal/relay"
	"chat-relay/internal/store"
	"chat-relay/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// maxChatBody bounds a chat request, images included.
	maxChatBody = 20 << 20
	// profileUsageLimit is the number of usage rows on the profile.
	profileUsageLimit = 20
)

type imageInput struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

type chatRequest struct {
	Message string       `json:"message"`
	Images  []imageInput `json:"images"`
	Model   string       `json:"model"`
	ChatID  string       `json:"chatId"`
}

func (c chatRequest) turn() relay.Turn {
	t := relay.Turn{Message: c.Message, Model: c.Model, ChatID: c.ChatID}
	for _, img := range c.Images {
		if img.ImageURL.URL != "" {
			t.Images = append(t.Images, models.ImagePart{URL: img.ImageURL.URL})
		}
	}
	return t
}

func identityOf(r *http.Request) models.Identity {
	if id, ok := models.IdentityFromContext(r.Context()); ok {
		return id
	}
	return models.Guest("")
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": uuid.NewString()})
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if id := identityOf(r); !id.IsGuest() || id.SessionID != sessionID {
		writeError(w, http.StatusNotFound, errorBody{Error: "Session not found.", Code: "not_found"})
		return
	}
	convs := a.guests.History(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "conversations": convs})
}

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "Invalid request body", Code: relay.KindValidation.String()})
		return
	}
	turn := req.turn()

	identity := identityOf(r)
	if identity.IsGuest() {
		if identity.SessionID == "" {
			identity = models.Guest(uuid.NewString())
		}
		w.Header().Set(auth.SessionHeader, identity.SessionID)
	}

	sse := newSSEWriter(w)
	res, err := a.relay.Run(r.Context(), identity, turn, sse)
	if err == nil {
		a.logger.Debug("chat turn served",
			zap.String("chat_id", res.ChatID),
			zap.Int64("credits", res.CreditsUsed))
		return
	}

	var rerr *relay.Error
	if !errors.As(err, &rerr) {
		a.logger.Error("chat failed", zap.Error(err))
		if !sse.started {
			writeError(w, http.StatusInternalServerError, errorBody{Error: "Internal error", Code: relay.KindInternal.String()})
		}
		return
	}
	if rerr.Streamed || sse.started || rerr.Kind == relay.KindCanceled {
		return
	}
	writeRelayError(w, rerr)
}

type conversationResponse struct {
	*models.Conversation
	TokenLimit  int  `json:"tokenLimit"`
	IsNearLimit bool `json:"isNearLimit"`
}

func (a *App) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	metas, err := a.conversations.List(r.Context(), identityOf(r), limit)
	if err != nil {
		a.logger.Error("list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "Unable to load conversations.", Code: relay.KindInternal.String()})
		return
	}
	if metas == nil {
		metas = []models.ConversationMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": metas, "tokenLimit": a.maxTokens})
}

func (a *App) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.conversations.Get(r.Context(), identityOf(r), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Error: "Conversation not found.", Code: "not_found"})
		return
	}
	if err != nil {
		a.logger.Error("get conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "Unable to load the conversation.", Code: relay.KindInternal.String()})
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		Conversation: conv,
		TokenLimit:   a.maxTokens,
		IsNearLimit:  float64(conv.TokenCount) >= float64(a.maxTokens)*store.NearLimitRatio,
	})
}

func (a *App) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := a.conversations.Delete(r.Context(), identityOf(r), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Error: "Conversation not found.", Code: "not_found"})
		return
	}
	if err != nil {
		a.logger.Error("delete conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "Unable to delete the conversation.", Code: relay.KindInternal.String()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maxTitleLength bounds user supplied conversation titles, in runes.
const maxTitleLength = 100

func (a *App) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Error: "Invalid request body", Code: relay.KindValidation.String()})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleLength {
		writeError(w, http.StatusBadRequest, errorBody{
			Error: fmt.Sprintf("Title must be between 1 and %d characters.", maxTitleLength),
			Code:  relay.KindValidation.String(),
		})
		return
	}

	err := a.conversations.Rename(r.Context(), identityOf(r), chi.URLParam(r, "id"), title)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Error: "Conversation not found.", Code: "not_found"})
		return
	}
	if err != nil {
		a.logger.Error("rename conversation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "Unable to rename the conversation.", Code: relay.KindInternal.String()})
		return
	}
	a.handleGetConversation(w, r)
}

type profileResponse struct {
	IsGuest              bool                 `json:"isGuest"`
	UserID               string               `json:"userId,omitempty"`
	Tier                 models.Tier          `json:"subscriptionTier"`
	TokenBalance         int64                `json:"tokenBalance"`
	TotalCreditsConsumed int64                `json:"totalCreditsConsumed"`
	TotalTokensUsed      int64                `json:"totalTokensUsed"`
	Plan                 llm.Plan             `json:"plan"`
	RecentUsage          []models.UsageRecord `json:"recentUsage,omitempty"`
	FreeModels           []string             `json:"freeModels,omitempty"`
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	identity := identityOf(r)
	if identity.IsGuest() {
		writeJSON(w, http.StatusOK, profileResponse{
			IsGuest:    true,
			Tier:       models.TierGuest,
			Plan:       a.catalog.Plan(models.TierGuest),
			FreeModels: a.catalog.FreeModels(),
		})
		return
	}

	balance, err := a.accounts.Balance(r.Context(), identity.UserID)
	if err != nil {
		a.logger.Error("load balance", zap.String("user_id", identity.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorBody{Error: "Unable to load your account.", Code: relay.KindInternal.String()})
		return
	}
	usage, err := a.accounts.Usage(r.Context(), identity.UserID, profileUsageLimit)
	if err != nil {
		a.logger.Warn("load usage", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, profileResponse{
		UserID:               balance.UserID,
		Tier:                 balance.Tier,
		TokenBalance:         balance.CreditBalance,
		TotalCreditsConsumed: balance.TotalCreditsConsumed,
		TotalTokensUsed:      balance.TotalTokensUsed,
		Plan:                 a.catalog.Plan(balance.Tier),
		RecentUsage:          usage,
	})
}
