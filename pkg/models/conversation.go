package models

import "time"

// DefaultConversationTitle is used until the first exchange completes.
const DefaultConversationTitle = "New Chat"

// Conversation is an ordered message history owned by one identity.
// TokenCount is recomputed from Messages on every write.
type Conversation struct {
	ID         string    `json:"id"`
	Owner      string    `json:"-"`
	Title      string    `json:"title"`
	Messages   []Message `json:"messages"`
	TokenCount int       `json:"tokenCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Version    int64     `json:"-"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// ConversationMeta is the listing view of a conversation.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	TokenCount   int       `json:"tokenCount"`
	IsNearLimit  bool      `json:"isNearLimit"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
