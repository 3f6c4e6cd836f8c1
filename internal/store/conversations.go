package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options configures a Store.
type Options struct {
	// Caps returns the conversation cap per tier. Nil means unlimited.
	Caps CapFunc
	// MaxTokens is the per-conversation ceiling reported in listings.
	MaxTokens int
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Store keeps authenticated users' conversations in a SQL database.
type Store struct {
	db        *gorm.DB
	logger    *zap.Logger
	caps      CapFunc
	maxTokens int
	now       func() time.Time
}

// NewStore returns a Store over db. The schema must already be migrated.
func NewStore(db *gorm.DB, logger *zap.Logger, opts Options) *Store {
	s := &Store{
		db:        db,
		logger:    logger,
		caps:      opts.Caps,
		maxTokens: opts.MaxTokens,
		now:       opts.Clock,
	}
	if s.maxTokens <= 0 {
		s.maxTokens = DefaultMaxTokensPerConversation
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// Get loads the conversation id owned by owner.
func (s *Store) Get(ctx context.Context, owner models.Identity, id string) (*models.Conversation, error) {
	return s.get(s.db.WithContext(ctx), owner.Owner(), id)
}

func (s *Store) get(db *gorm.DB, ownerKey, id string) (*models.Conversation, error) {
	var rec conversationRecord
	err := db.Where("owner_id = ? AND id = ?", ownerKey, id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return rec.toModel()
}

// CreateNew inserts an empty conversation titled after firstMessage. An empty
// id is replaced by a generated one. When the owner is at the tier's cap the
// least recently updated conversations are evicted in the same transaction.
func (s *Store) CreateNew(ctx context.Context, owner models.Identity, id, firstMessage string) (*models.Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	ownerKey := owner.Owner()
	now := s.timestamp()
	msgs, err := encodeMessages(nil)
	if err != nil {
		return nil, err
	}
	rec := conversationRecord{
		OwnerID:   ownerKey,
		ID:        id,
		Title:     DeriveTitle(firstMessage),
		Messages:  msgs,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&conversationRecord{}).
			Where("owner_id = ? AND id = ?", ownerKey, id).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return gorm.ErrDuplicatedKey
		}
		if err := s.evictForNew(tx, owner, ownerKey); err != nil {
			return err
		}
		return tx.Create(&rec).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("%w: %s already exists", ErrConflict, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return rec.toModel()
}

func (s *Store) evictForNew(tx *gorm.DB, owner models.Identity, ownerKey string) error {
	if s.caps == nil {
		return nil
	}
	limit := s.caps(owner.Tier)
	if limit <= 0 {
		return nil
	}

	var count int64
	if err := tx.Model(&conversationRecord{}).Where("owner_id = ?", ownerKey).Count(&count).Error; err != nil {
		return err
	}
	excess := int(count) - limit + 1
	if excess <= 0 {
		return nil
	}

	var stale []string
	err := tx.Model(&conversationRecord{}).
		Where("owner_id = ?", ownerKey).
		Order("updated_at ASC").Order("created_at ASC").
		Limit(excess).
		Pluck("id", &stale).Error
	if err != nil {
		return err
	}
	if err := tx.Where("owner_id = ? AND id IN ?", ownerKey, stale).Delete(&conversationRecord{}).Error; err != nil {
		return err
	}
	s.logger.Info("evicted conversations over cap",
		zap.String("owner", ownerKey),
		zap.Int("cap", limit),
		zap.Strings("ids", stale))
	return nil
}

// AppendAndPersist appends msgs to the conversation and writes it back. The
// write only succeeds if nobody else wrote since it was read; on conflict the
// append is replayed on a fresh copy a bounded number of times.
func (s *Store) AppendAndPersist(ctx context.Context, owner models.Identity, id string, msgs ...models.Message) (*models.Conversation, error) {
	ownerKey := owner.Owner()
	db := s.db.WithContext(ctx)

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		conv, err := s.get(db, ownerKey, id)
		if err != nil {
			return nil, err
		}
		applyAppend(conv, msgs)

		ok, err := s.writeIfUnchanged(db, conv)
		if err != nil {
			return nil, err
		}
		if ok {
			return conv, nil
		}
		s.logger.Debug("conversation write conflict",
			zap.String("chat_id", id),
			zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("%w: %s", ErrConflict, id)
}

// Rename sets the title of a conversation.
func (s *Store) Rename(ctx context.Context, owner models.Identity, id, title string) error {
	res := s.db.WithContext(ctx).Model(&conversationRecord{}).
		Where("owner_id = ? AND id = ?", owner.Owner(), id).
		Updates(map[string]any{
			"title":      title,
			"version":    gorm.Expr("version + 1"),
			"updated_at": s.timestamp(),
		})
	if res.Error != nil {
		return fmt.Errorf("rename conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// writeIfUnchanged stores conv if its version is still current and bumps the
// version. updated_at never moves backwards.
func (s *Store) writeIfUnchanged(db *gorm.DB, conv *models.Conversation) (bool, error) {
	raw, err := encodeMessages(conv.Messages)
	if err != nil {
		return false, err
	}
	now := s.timestamp()
	if !now.After(conv.UpdatedAt) {
		now = conv.UpdatedAt.Add(time.Microsecond)
	}

	res := db.Model(&conversationRecord{}).
		Where("owner_id = ? AND id = ? AND version = ?", conv.Owner, conv.ID, conv.Version).
		Updates(map[string]any{
			"title":       conv.Title,
			"messages":    raw,
			"token_count": conv.TokenCount,
			"version":     conv.Version + 1,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("persist conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	conv.Version++
	conv.UpdatedAt = now
	return true, nil
}

// List returns the owner's most recently updated conversations.
func (s *Store) List(ctx context.Context, owner models.Identity, limit int) ([]models.ConversationMeta, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []conversationRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", owner.Owner()).
		Order("updated_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]models.ConversationMeta, 0, len(recs))
	for i := range recs {
		conv, err := recs[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, metaOf(conv, s.maxTokens))
	}
	return out, nil
}

// Delete removes a conversation.
func (s *Store) Delete(ctx context.Context, owner models.Identity, id string) error {
	res := s.db.WithContext(ctx).
		Where("owner_id = ? AND id = ?", owner.Owner(), id).
		Delete(&conversationRecord{})
	if res.Error != nil {
		return fmt.Errorf("delete conversation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
