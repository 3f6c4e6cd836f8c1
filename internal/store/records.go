package store

import (
	"encoding/json"
	"fmt"
	"time"

	"chat-relay/pkg/models"

	"gorm.io/datatypes"
)

// conversationRecord is the persisted row. The composite key keeps ids
// scoped to their owner.
type conversationRecord struct {
	OwnerID    string         `gorm:"primaryKey;size:160"`
	ID         string         `gorm:"primaryKey;size:128"`
	Title      string         `gorm:"size:255;not null"`
	Messages   datatypes.JSON `gorm:"not null"`
	TokenCount int            `gorm:"not null;default:0"`
	Version    int64          `gorm:"not null;default:0"`
	CreatedAt  time.Time      `gorm:"not null"`
	UpdatedAt  time.Time      `gorm:"not null;index"`
}

func (conversationRecord) TableName() string { return "conversations" }

func (r *conversationRecord) toModel() (*models.Conversation, error) {
	var msgs []models.Message
	if len(r.Messages) > 0 {
		if err := json.Unmarshal(r.Messages, &msgs); err != nil {
			return nil, fmt.Errorf("decode messages of %s: %w", r.ID, err)
		}
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &models.Conversation{
		ID:         r.ID,
		Owner:      r.OwnerID,
		Title:      r.Title,
		Messages:   msgs,
		TokenCount: r.TokenCount,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
		Version:    r.Version,
	}, nil
}

func encodeMessages(msgs []models.Message) (datatypes.JSON, error) {
	if msgs == nil {
		msgs = []models.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return datatypes.JSON(raw), nil
}
