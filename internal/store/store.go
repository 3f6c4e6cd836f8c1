// Package store persists conversations. Authenticated users are backed by a
// relational database through gorm; guests by a process-scoped cache.
package store

import (
	"context"
	"errors"
	"strings"

	"chat-relay/internal/llm"
	"chat-relay/pkg/models"
)

var (
	// ErrNotFound is returned when no conversation with the id exists for the owner
	ErrNotFound = errors.New("conversation not found")
	// ErrConflict is returned when a write keeps losing to concurrent writers
	ErrConflict = errors.New("conversation was modified concurrently")
)

const (
	// DefaultMaxTokensPerConversation is the ceiling enforced before a turn is sent upstream.
	DefaultMaxTokensPerConversation = 8000
	// NearLimitRatio flags conversations that have used 80% of the ceiling.
	NearLimitRatio = 0.8
	// titleWords is how many words of the opening message form the title.
	titleWords = 6
	// maxWriteAttempts bounds the optimistic retry loop.
	maxWriteAttempts = 3
)

// ConversationStore is implemented by the durable store and the guest store.
// Every operation is scoped to owner; another identity's conversations are
// invisible.
type ConversationStore interface {
	Get(ctx context.Context, owner models.Identity, id string) (*models.Conversation, error)
	CreateNew(ctx context.Context, owner models.Identity, id, firstMessage string) (*models.Conversation, error)
	AppendAndPersist(ctx context.Context, owner models.Identity, id string, msgs ...models.Message) (*models.Conversation, error)
	List(ctx context.Context, owner models.Identity, limit int) ([]models.ConversationMeta, error)
	Delete(ctx context.Context, owner models.Identity, id string) error
	Rename(ctx context.Context, owner models.Identity, id, title string) error
}

// CapFunc returns how many conversations an owner of tier may keep. Zero or
// less means unlimited.
type CapFunc func(tier models.Tier) int

// CatalogCaps reads chat caps from the plan table.
func CatalogCaps(c *llm.Catalog) CapFunc {
	return func(tier models.Tier) int {
		return c.Plan(tier).ChatCap
	}
}

// DeriveTitle builds a title from the first words of text.
func DeriveTitle(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return models.DefaultConversationTitle
	}
	if len(words) <= titleWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWords], " ") + "..."
}

// WouldExceedBudget reports whether adding candidate to existing would push
// the estimated token total past ceiling.
func WouldExceedBudget(existing []models.Message, candidate models.Content, ceiling int) bool {
	return llm.EstimateMessages(existing)+llm.EstimateContent(candidate) > ceiling
}

// applyAppend appends msgs to c, recomputes the token count and renames the
// conversation once its first exchange is complete.
func applyAppend(c *models.Conversation, msgs []models.Message) {
	for _, m := range msgs {
		c.Messages = append(c.Messages, m.Clone())
	}
	c.TokenCount = llm.EstimateMessages(c.Messages)
	if len(c.Messages) == 2 && c.Messages[0].Role == models.RoleUser {
		c.Title = DeriveTitle(c.Messages[0].Text())
	}
}

func metaOf(c *models.Conversation, ceiling int) models.ConversationMeta {
	return models.ConversationMeta{
		ID:           c.ID,
		Title:        c.Title,
		MessageCount: len(c.Messages),
		TokenCount:   c.TokenCount,
		IsNearLimit:  ceiling > 0 && float64(c.TokenCount) >= float64(ceiling)*NearLimitRatio,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

var (
	_ ConversationStore = (*Store)(nil)
	_ ConversationStore = (*GuestStore)(nil)
)
