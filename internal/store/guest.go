package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-relay/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultGuestTTL is how long an idle guest session is kept.
	DefaultGuestTTL = 24 * time.Hour
	// DefaultGuestMaxSessions bounds the number of guest sessions held in memory.
	DefaultGuestMaxSessions = 10000
	// DefaultGuestChatCap is the number of conversations kept per guest session.
	DefaultGuestChatCap = 7
)

// GuestOptions configures a GuestStore.
type GuestOptions struct {
	TTL         time.Duration
	MaxSessions int
	ChatCap     int
	MaxTokens   int
	Clock       func() time.Time
}

type guestSession struct {
	conversations map[string]*models.Conversation
	lastSeen      time.Time
}

// GuestStore holds guest conversations in memory, keyed by session. Contents
// are lost on restart. Idle sessions expire after the TTL and the least
// recently seen session is dropped when MaxSessions is reached.
type GuestStore struct {
	logger      *zap.Logger
	ttl         time.Duration
	maxSessions int
	chatCap     int
	maxTokens   int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*guestSession
}

// NewGuestStore creates an empty guest store.
func NewGuestStore(logger *zap.Logger, opts GuestOptions) *GuestStore {
	g := &GuestStore{
		logger:      logger,
		ttl:         opts.TTL,
		maxSessions: opts.MaxSessions,
		chatCap:     opts.ChatCap,
		maxTokens:   opts.MaxTokens,
		now:         opts.Clock,
		sessions:    make(map[string]*guestSession),
	}
	if g.ttl <= 0 {
		g.ttl = DefaultGuestTTL
	}
	if g.maxSessions <= 0 {
		g.maxSessions = DefaultGuestMaxSessions
	}
	if g.chatCap <= 0 {
		g.chatCap = DefaultGuestChatCap
	}
	if g.maxTokens <= 0 {
		g.maxTokens = DefaultMaxTokensPerConversation
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Run sweeps expired sessions every interval until ctx is done.
func (g *GuestStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Debug("expired guest sessions", zap.Int("count", n))
			}
		}
	}
}

// Sweep removes sessions idle for longer than the TTL.
func (g *GuestStore) Sweep() int {
	cutoff := g.now().Add(-g.ttl)
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, sess := range g.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(g.sessions, id)
			removed++
		}
	}
	return removed
}

// Sessions returns the number of live sessions.
func (g *GuestStore) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// session returns the live session for id, creating it when create is set.
// Callers must hold g.mu.
func (g *GuestStore) session(id string, create bool) *guestSession {
	now := g.now()
	sess, ok := g.sessions[id]
	if ok && now.Sub(sess.lastSeen) > g.ttl {
		delete(g.sessions, id)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		if len(g.sessions) >= g.maxSessions {
			g.evictOldestSession()
		}
		sess = &guestSession{conversations: make(map[string]*models.Conversation)}
		g.sessions[id] = sess
	}
	sess.lastSeen = now
	return sess
}

func (g *GuestStore) evictOldestSession() {
	var oldestID string
	var oldest time.Time
	for id, sess := range g.sessions {
		if oldestID == "" || sess.lastSeen.Before(oldest) {
			oldestID, oldest = id, sess.lastSeen
		}
	}
	if oldestID != "" {
		delete(g.sessions, oldestID)
	}
}

// Get implements ConversationStore.
func (g *GuestStore) Get(_ context.Context, owner models.Identity, id string) (*models.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.session(owner.SessionID, false)
	if sess == nil {
		return nil, ErrNotFound
	}
	conv, ok := sess.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// CreateNew implements ConversationStore.
func (g *GuestStore) CreateNew(_ context.Context, owner models.Identity, id, firstMessage string) (*models.Conversation, error) {
	if id == "" {
		id = uuid.NewString()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.session(owner.SessionID, true)
	if _, exists := sess.conversations[id]; exists {
		return nil, ErrConflict
	}
	for len(sess.conversations) >= g.chatCap {
		evictOldestConversation(sess)
	}

	now := g.now().UTC()
	conv := &models.Conversation{
		ID:        id,
		Owner:     owner.Owner(),
		Title:     DeriveTitle(firstMessage),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	sess.conversations[id] = conv
	return conv.Clone(), nil
}

func evictOldestConversation(sess *guestSession) {
	var oldestID string
	var oldest time.Time
	for id, c := range sess.conversations {
		if oldestID == "" || c.UpdatedAt.Before(oldest) {
			oldestID, oldest = id, c.UpdatedAt
		}
	}
	delete(sess.conversations, oldestID)
}

// AppendAndPersist implements ConversationStore. The whole update happens
// under the store lock, so concurrent appends never lose messages.
func (g *GuestStore) AppendAndPersist(_ context.Context, owner models.Identity, id string, msgs ...models.Message) (*models.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.session(owner.SessionID, false)
	if sess == nil {
		return nil, ErrNotFound
	}
	conv, ok := sess.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	applyAppend(conv, msgs)
	now := g.now().UTC()
	if !now.After(conv.UpdatedAt) {
		now = conv.UpdatedAt.Add(time.Microsecond)
	}
	conv.UpdatedAt = now
	conv.Version++
	return conv.Clone(), nil
}

// Rename implements ConversationStore.
func (g *GuestStore) Rename(_ context.Context, owner models.Identity, id, title string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.session(owner.SessionID, false)
	if sess == nil {
		return ErrNotFound
	}
	conv, ok := sess.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	if now := g.now().UTC(); now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	} else {
		conv.UpdatedAt = conv.UpdatedAt.Add(time.Microsecond)
	}
	conv.Version++
	return nil
}

// List implements ConversationStore.
func (g *GuestStore) List(_ context.Context, owner models.Identity, limit int) ([]models.ConversationMeta, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.session(owner.SessionID, false)
	if sess == nil {
		return []models.ConversationMeta{}, nil
	}
	out := make([]models.ConversationMeta, 0, len(sess.conversations))
	for _, c := range sess.conversations {
		out = append(out, metaOf(c, g.maxTokens))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns full copies of every conversation in a session, most
// recent first.
func (g *GuestStore) History(sessionID string) []*models.Conversation {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.session(sessionID, false)
	if sess == nil {
		return []*models.Conversation{}
	}
	out := make([]*models.Conversation, 0, len(sess.conversations))
	for _, c := range sess.conversations {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Delete implements ConversationStore.
func (g *GuestStore) Delete(_ context.Context, owner models.Identity, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	sess := g.session(owner.SessionID, false)
	if sess == nil {
		return ErrNotFound
	}
	if _, ok := sess.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(sess.conversations, id)
	return nil
}
