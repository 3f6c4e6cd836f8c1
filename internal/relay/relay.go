// Package relay runs one chat turn end to end: policy checks, conversation
// assembly, the upstream stream and, once the stream completes, billing and
// persistence.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chat-relay/internal/llm"
	"chat-relay/internal/store"
	"chat-relay/pkg/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventWriter receives the outbound event stream of a turn. Each call must
// reach the client (or fail) before it returns.
type EventWriter interface {
	WriteContent(delta string) error
	WriteDone() error
	WriteError(status int, message string) error
}

// Upstream opens completion streams.
type Upstream interface {
	OpenStream(ctx context.Context, req llm.ChatRequest) (llm.ChatStream, error)
}

// Ledger is the slice of the balance ledger the relay uses.
type Ledger interface {
	HasSufficient(ctx context.Context, userID string, required int64) (bool, error)
	Balance(ctx context.Context, userID string) (*models.Balance, error)
	Debit(ctx context.Context, userID string, credits, tokens int64) (int64, error)
	RecordUsage(ctx context.Context, u models.UsageRecord) error
}

// Config holds the relay's fixed limits.
type Config struct {
	// MaxConversationTokens is the hard ceiling checked before streaming.
	MaxConversationTokens int
	// Temperature and MaxOutputTokens are sent with every upstream request.
	Temperature     float64
	MaxOutputTokens int
	// MinimumCredits is the balance a paid model needs before streaming.
	MinimumCredits int64
	// FinalizeTimeout bounds billing and persistence after the stream ends.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxConversationTokens: store.DefaultMaxTokensPerConversation,
		Temperature:           0.7,
		MaxOutputTokens:       2000,
		MinimumCredits:        1,
		FinalizeTimeout:       10 * time.Second,
	}
}

// Options wires a Relay.
type Options struct {
	Catalog       *llm.Catalog
	Upstream      Upstream
	Conversations store.ConversationStore
	Guests        store.ConversationStore
	Ledger        Ledger
	Logger        *zap.Logger
	Config        Config
}

// Relay executes chat turns. It is safe for concurrent use; each Run is an
// independent state machine.
type Relay struct {
	catalog       *llm.Catalog
	upstream      Upstream
	conversations store.ConversationStore
	guests        store.ConversationStore
	ledger        Ledger
	logger        *zap.Logger
	cfg           Config
}

// New builds a Relay. Zero config fields fall back to DefaultConfig.
func New(opts Options) *Relay {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.MaxConversationTokens <= 0 {
		cfg.MaxConversationTokens = def.MaxConversationTokens
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = def.MaxOutputTokens
	}
	if cfg.MinimumCredits <= 0 {
		cfg.MinimumCredits = def.MinimumCredits
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = def.FinalizeTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		catalog:       opts.Catalog,
		upstream:      opts.Upstream,
		conversations: opts.Conversations,
		guests:        opts.Guests,
		ledger:        opts.Ledger,
		logger:        logger,
		cfg:           cfg,
	}
}

// Turn is one user submission.
type Turn struct {
	Message string
	Images  []models.ImagePart
	Model   string
	ChatID  string
}

// Validate rejects turns that cannot be processed.
func (t Turn) Validate() error {
	if strings.TrimSpace(t.Model) == "" || strings.TrimSpace(t.ChatID) == "" {
		return errors.New("model and chatId are required")
	}
	if strings.TrimSpace(t.Message) == "" && len(t.Images) == 0 {
		return errors.New("message or images required")
	}
	return nil
}

// Result describes a completed turn.
type Result struct {
	ChatID       string
	Reply        string
	InputTokens  int
	OutputTokens int
	CreditsUsed  int64
	// Balance is the balance after the debit, nil for guests or when the
	// debit failed.
	Balance *int64
}

// execution is the state of one Run.
type execution struct {
	relay    *Relay
	identity models.Identity
	turn     Turn
	w        EventWriter
	state    State
	log      *zap.Logger
}

func (x *execution) enter(s State) {
	x.log.Debug("relay transition", zap.Stringer("from", x.state), zap.Stringer("to", s))
	x.state = s
}

// fail moves the execution to Errored and stamps the error with the state it
// failed in.
func (x *execution) fail(e *Error) *Error {
	e.State = x.state
	x.enter(StateErrored)
	if e.Kind == KindInternal || e.Kind == KindUpstream {
		x.log.Warn("turn failed", zap.Stringer("kind", e.Kind), zap.Stringer("state", e.State), zap.Error(e))
	} else {
		x.log.Debug("turn rejected", zap.Stringer("kind", e.Kind), zap.String("reason", e.Message))
	}
	return e
}

// Run processes turn for identity, streaming events to w. The returned error
// is always a *Error.
func (r *Relay) Run(ctx context.Context, identity models.Identity, turn Turn, w EventWriter) (*Result, error) {
	x := &execution{
		relay:    r,
		identity: identity,
		turn:     turn,
		w:        w,
		state:    StateIdle,
		log: r.logger.With(
			zap.String("owner", identity.Owner()),
			zap.String("chat_id", turn.ChatID),
			zap.String("model", turn.Model)),
	}

	if err := turn.Validate(); err != nil {
		return nil, x.fail(validationError(err.Error()))
	}

	x.enter(StateAuthorizing)
	if e := r.authorize(identity, turn); e != nil {
		return nil, x.fail(e)
	}

	if !identity.IsGuest() {
		x.enter(StateQuotaChecking)
		if e := r.checkQuota(ctx, identity, turn.Model); e != nil {
			return nil, x.fail(e)
		}
	}

	x.enter(StateConversationAssembling)
	messages, userMsg, e := r.assemble(ctx, identity, turn)
	if e != nil {
		return nil, x.fail(e)
	}

	x.enter(StateStreaming)
	reply, e := x.stream(ctx, messages)
	if e != nil {
		return nil, x.fail(e)
	}

	x.enter(StateFinalizing)
	if err := w.WriteDone(); err != nil {
		// The reply was fully produced; bookkeeping still runs.
		x.log.Debug("client gone before done frame", zap.Error(err))
	}
	res := r.finalize(ctx, x, messages, userMsg, reply)

	x.enter(StateDone)
	return res, nil
}

func (r *Relay) authorize(identity models.Identity, turn Turn) *Error {
	err := r.catalog.Authorize(identity, turn.Model)
	switch {
	case err == nil:
	case errors.Is(err, llm.ErrAuthenticationNeeded):
		return &Error{
			Kind:    KindAuthRequired,
			Status:  http.StatusForbidden,
			Message: "Paid models require authentication. Please sign in to use this model.",
			Action:  ActionLogin,
			Err:     err,
		}
	case errors.Is(err, llm.ErrUnknownModel):
		return &Error{
			Kind:    KindUpgradeRequired,
			Status:  http.StatusForbidden,
			Message: fmt.Sprintf("Model %s is not available.", turn.Model),
			Err:     err,
		}
	default:
		tier, _ := r.catalog.MinimumTier(turn.Model)
		return &Error{
			Kind:         KindUpgradeRequired,
			Status:       http.StatusForbidden,
			Message:      fmt.Sprintf("This model requires the %s plan or higher. Please upgrade to use it.", tier),
			Action:       ActionUpgrade,
			RequiredTier: tier,
			Err:          err,
		}
	}

	if len(turn.Images) > 0 {
		if entry, _ := r.catalog.Lookup(turn.Model); !entry.SupportsImages {
			return validationError(fmt.Sprintf("model %s does not accept images", turn.Model))
		}
	}
	return nil
}

func (r *Relay) checkQuota(ctx context.Context, identity models.Identity, modelID string) *Error {
	if r.catalog.IsFree(modelID) {
		return nil
	}
	ok, err := r.ledger.HasSufficient(ctx, identity.UserID, r.cfg.MinimumCredits)
	if err != nil {
		return internalError("Unable to check your credit balance.", err)
	}
	if ok {
		return nil
	}

	e := &Error{
		Kind:            KindQuota,
		Status:          http.StatusPaymentRequired,
		Message:         "Insufficient credits. Please upgrade your plan or purchase more credits.",
		Action:          ActionUpgrade,
		RequiredCredits: r.cfg.MinimumCredits,
	}
	if b, err := r.ledger.Balance(ctx, identity.UserID); err == nil {
		bal := b.CreditBalance
		e.CreditBalance = &bal
	}
	return e
}

func (r *Relay) storeFor(identity models.Identity) store.ConversationStore {
	if identity.IsGuest() {
		return r.guests
	}
	return r.conversations
}

// assemble loads or creates the conversation, enforces the token ceiling and
// returns the message list to send upstream. The user turn is not persisted.
func (r *Relay) assemble(ctx context.Context, identity models.Identity, turn Turn) ([]models.Message, models.Message, *Error) {
	st := r.storeFor(identity)
	userMsg := models.NewUserTurn(turn.Message, turn.Images)

	conv, err := st.Get(ctx, identity, turn.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		// Creating may evict an older conversation, so a first turn that can
		// never fit is rejected before anything is written.
		if e := r.checkBudget(nil, userMsg); e != nil {
			return nil, userMsg, e
		}
		conv, err = st.CreateNew(ctx, identity, turn.ChatID, turn.Message)
		if errors.Is(err, store.ErrConflict) {
			conv, err = st.Get(ctx, identity, turn.ChatID)
		}
	}
	if err != nil {
		return nil, userMsg, internalError("Unable to load the conversation.", err)
	}
	if e := r.checkBudget(conv.Messages, userMsg); e != nil {
		return nil, userMsg, e
	}

	messages := make([]models.Message, 0, len(conv.Messages)+1)
	messages = append(messages, conv.Messages...)
	messages = append(messages, userMsg)
	return messages, userMsg, nil
}

func (r *Relay) checkBudget(history []models.Message, userMsg models.Message) *Error {
	if !store.WouldExceedBudget(history, userMsg.Content, r.cfg.MaxConversationTokens) {
		return nil
	}
	return &Error{
		Kind:       KindBudget,
		Status:     http.StatusRequestEntityTooLarge,
		Message:    "This conversation has reached its length limit. Please start a new chat.",
		Action:     ActionNewChat,
		TokenCount: llm.EstimateMessages(history),
		TokenLimit: r.cfg.MaxConversationTokens,
	}
}

// stream relays upstream deltas to the writer one at a time and returns the
// full reply once the terminal marker arrives.
func (x *execution) stream(ctx context.Context, messages []models.Message) (string, *Error) {
	r := x.relay
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := r.upstream.OpenStream(ctx, llm.ChatRequest{
		Model:       x.turn.Model,
		Messages:    messages,
		Stream:      true,
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxOutputTokens,
	})
	if err != nil {
		return "", x.upstreamFailure(ctx, err)
	}
	defer s.Close()

	var reply strings.Builder
	for {
		ev, err := s.Next()
		if err != nil {
			return "", x.upstreamFailure(ctx, err)
		}
		if ev.Done {
			return reply.String(), nil
		}
		if err := x.w.WriteContent(ev.Content); err != nil {
			cancel()
			return "", &Error{
				Kind:    KindCanceled,
				Status:  499,
				Message: "client disconnected",
				Err:     err,
			}
		}
		reply.WriteString(ev.Content)
	}
}

// upstreamFailure converts a stream error into a relay error, writing the
// single error frame unless the caller has already gone away.
func (x *execution) upstreamFailure(ctx context.Context, err error) *Error {
	if ctx.Err() != nil && !errors.Is(err, llm.ErrIdleTimeout) {
		return &Error{Kind: KindCanceled, Status: 499, Message: "request canceled", Err: err}
	}

	e := &Error{
		Kind:    KindUpstream,
		Status:  http.StatusBadGateway,
		Message: "The AI service is temporarily unavailable. Please try again.",
		Action:  ActionRetry,
		Err:     err,
	}
	if errors.Is(err, llm.ErrIdleTimeout) {
		e.Status = http.StatusGatewayTimeout
		e.Message = "The AI service stopped responding. Please try again."
	}
	if errors.Is(err, llm.ErrAPIKeyMissing) {
		e.Status = http.StatusServiceUnavailable
	}

	if werr := x.w.WriteError(e.Status, e.Message); werr != nil {
		x.log.Debug("could not deliver error frame", zap.Error(werr))
	} else {
		e.Streamed = true
	}
	return e
}

// finalize computes the cost of a completed exchange and records it. Billing
// and persistence run concurrently on a context detached from the caller so
// a disconnect cannot skip them. Failures are logged for reconciliation and
// never retried.
func (r *Relay) finalize(ctx context.Context, x *execution, messages []models.Message, userMsg models.Message, reply string) *Result {
	identity, turn := x.identity, x.turn
	assistant := models.NewTextMessage(models.RoleAssistant, reply)

	res := &Result{
		ChatID:       turn.ChatID,
		Reply:        reply,
		InputTokens:  llm.EstimateMessages(messages),
		OutputTokens: llm.EstimateText(reply),
	}
	res.CreditsUsed = r.catalog.CostInCredits(res.InputTokens+res.OutputTokens, turn.Model)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FinalizeTimeout)
	defer cancel()

	if identity.IsGuest() {
		if _, err := r.guests.AppendAndPersist(bctx, identity, turn.ChatID, userMsg, assistant); err != nil {
			x.log.Warn("guest conversation not saved", zap.Error(err))
		}
		return res
	}

	var g errgroup.Group
	g.Go(func() error {
		tokens := int64(res.InputTokens + res.OutputTokens)
		bal, err := r.ledger.Debit(bctx, identity.UserID, res.CreditsUsed, tokens)
		if err != nil {
			x.log.Error("debit failed",
				zap.Bool("reconcile", true),
				zap.Int64("credits", res.CreditsUsed),
				zap.Int64("tokens", tokens),
				zap.Error(err))
			return err
		}
		res.Balance = &bal

		err = r.ledger.RecordUsage(bctx, models.UsageRecord{
			UserID:         identity.UserID,
			ModelID:        turn.Model,
			InputTokens:    res.InputTokens,
			OutputTokens:   res.OutputTokens,
			CreditsUsed:    res.CreditsUsed,
			CostUSD:        r.catalog.CostUSD(res.InputTokens, res.OutputTokens, turn.Model),
			ConversationID: turn.ChatID,
		})
		if err != nil {
			x.log.Error("usage record not written", zap.Bool("reconcile", true), zap.Error(err))
		}
		return err
	})
	g.Go(func() error {
		_, err := r.conversations.AppendAndPersist(bctx, identity, turn.ChatID, userMsg, assistant)
		if err != nil {
			x.log.Error("conversation not saved", zap.Bool("reconcile", true), zap.Error(err))
		}
		return err
	})
	if err := g.Wait(); err == nil {
		x.log.Info("turn completed",
			zap.Int("input_tokens", res.InputTokens),
			zap.Int("output_tokens", res.OutputTokens),
			zap.Int64("credits", res.CreditsUsed))
	}
	return res
}
