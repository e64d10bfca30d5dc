package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"chat-relay/internal/domain"
)

const (
	defaultUpstreamTimeout = 2 * time.Minute
	// commitTimeout bounds the store writes of a commit. It runs on its own
	// clock, not the upstream deadline.
	commitTimeout = 10 * time.Second
	// replyHeadroom is the space a size-capped log must keep free for the
	// assistant reply.
	replyHeadroom = 64 << 10
)

// ConversationStore reads and replaces whole conversation logs.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) (domain.Log, error)
	Put(ctx context.Context, conversationID string, log domain.Log) error
}

// LogSizer is implemented by stores whose backend caps the encoded size of a
// log.
type LogSizer interface {
	MaxLogBytes() int
	LogBytes(log domain.Log) (int, error)
}

// Gateway is the completion provider seen by the chat service.
type Gateway interface {
	Ready(ctx context.Context, model string) error
	Stream(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.FragmentStream, error)
	Complete(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.Completion, error)
}

type ChatOptions struct {
	Models          ModelPolicy
	MaxMessageLen   int
	UpstreamTimeout time.Duration
}

// ChatService runs conversation turns: it appends the user message, relays
// the assistant reply and commits both to the log exactly once.
type ChatService struct {
	store   ConversationStore
	gateway Gateway
	index   *IndexService
	logger  *slog.Logger
	sizer   LogSizer

	models          ModelPolicy
	maxMessageLen   int
	upstreamTimeout time.Duration
}

type SendInput struct {
	Message         string
	ConversationID  string
	Model           string
	ReasoningEffort string
}

type CompleteOutput struct {
	ConversationID string
	Text           string
	Model          string
	FinishReason   string
	Usage          *domain.Usage
}

func NewChatService(store ConversationStore, gw Gateway, index *IndexService, opts ChatOptions, logger *slog.Logger) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if gw == nil {
		return nil, errors.New("usecase: gateway must not be nil")
	}
	if index == nil {
		return nil, errors.New("usecase: index service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = defaultMaxMessage
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	s := &ChatService{
		store:           store,
		gateway:         gw,
		index:           index,
		logger:          logger.With("component", "chat_service"),
		models:          opts.Models,
		maxMessageLen:   opts.MaxMessageLen,
		upstreamTimeout: opts.UpstreamTimeout,
	}
	if sizer, ok := store.(LogSizer); ok && sizer.MaxLogBytes() > 0 {
		s.sizer = sizer
	}
	return s, nil
}

type TurnState int32

const (
	StateIdle TurnState = iota
	StateAwaitingCompletion
	StateStreaming
	StateCommitted
	StateAborted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateStreaming:
		return "streaming"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Turn is one in-flight exchange. It is created by Begin once the upstream
// accepted the request and is consumed by a single call to Stream.
type Turn struct {
	svc    *ChatService
	ctx    context.Context
	cancel context.CancelFunc
	stream domain.FragmentStream
	state  atomic.Int32

	prepared
}

type prepared struct {
	conversationID string
	model          string
	userText       string
	history        domain.Log
	firstTurn      bool
}

func (t *Turn) ConversationID() string { return t.conversationID }

func (t *Turn) Model() string { return t.model }

func (t *Turn) State() TurnState { return TurnState(t.state.Load()) }

// Begin validates the input, loads the log and opens the upstream stream.
// Nothing is persisted until the returned turn is streamed to completion.
func (s *ChatService) Begin(ctx context.Context, in SendInput) (*Turn, error) {
	p, opts, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}

	// The turn outlives the request handler that began it; a disconnected
	// client surfaces as a failed write in Stream.
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.upstreamTimeout)

	t := &Turn{svc: s, ctx: turnCtx, cancel: cancel, prepared: p}
	t.state.Store(int32(StateAwaitingCompletion))

	stream, err := s.gateway.Stream(turnCtx, p.model, p.history.ChatMessages(), opts)
	if err != nil {
		cancel()
		t.state.Store(int32(StateAborted))
		return nil, upstreamError("completion", err)
	}
	t.stream = stream
	return t, nil
}

// Stream writes every fragment to w as it arrives and commits the turn when
// the upstream completes. A failed write or upstream error aborts the turn and
// leaves the stored log untouched.
func (t *Turn) Stream(w io.Writer) error {
	if !t.state.CompareAndSwap(int32(StateAwaitingCompletion), int32(StateStreaming)) {
		return newError(ErrorInternal, "turn_not_streamable", nil)
	}
	defer t.cancel()

	var reply strings.Builder
	first := ""
	for {
		frag, err := t.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.abort()
			if errors.Is(err, context.Canceled) {
				return newError(ErrorAborted, "client_cancelled", err)
			}
			return upstreamError("stream", err)
		}
		if frag == "" {
			continue
		}
		if first == "" {
			first = frag
		}
		reply.WriteString(frag)
		if _, err := io.WriteString(w, frag); err != nil {
			t.abort()
			return newError(ErrorAborted, "client_write_error", err)
		}
	}
	_ = t.stream.Close()

	ctx, cancel := commitContext(t.ctx)
	defer cancel()
	if err := t.svc.commit(ctx, t.prepared, reply.String(), first); err != nil {
		t.state.Store(int32(StateAborted))
		return err
	}
	t.state.Store(int32(StateCommitted))
	return nil
}

// Abort releases a turn that will not be streamed.
func (t *Turn) Abort() {
	if t.state.CompareAndSwap(int32(StateAwaitingCompletion), int32(StateAborted)) {
		_ = t.stream.Close()
		t.cancel()
	}
}

func (t *Turn) abort() {
	t.state.Store(int32(StateAborted))
	_ = t.stream.Close()
	t.cancel()
	t.svc.logger.Info("turn aborted", "conversation_id", t.conversationID)
}

// SendMessage runs a full streaming turn, writing the reply to w.
func (s *ChatService) SendMessage(ctx context.Context, in SendInput, w io.Writer) (string, error) {
	t, err := s.Begin(ctx, in)
	if err != nil {
		return "", err
	}
	return t.ConversationID(), t.Stream(w)
}

// Complete runs a turn without streaming and returns the whole reply.
func (s *ChatService) Complete(ctx context.Context, in SendInput) (CompleteOutput, error) {
	p, opts, err := s.prepare(ctx, in)
	if err != nil {
		return CompleteOutput{}, err
	}
	upCtx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	out, err := s.gateway.Complete(upCtx, p.model, p.history.ChatMessages(), opts)
	cancel()
	if err != nil {
		return CompleteOutput{}, upstreamError("completion", err)
	}

	commitCtx, cancel := commitContext(ctx)
	defer cancel()
	if err := s.commit(commitCtx, p, out.Text, out.Text); err != nil {
		return CompleteOutput{}, err
	}
	model := out.Model
	if model == "" {
		model = p.model
	}
	return CompleteOutput{
		ConversationID: p.conversationID,
		Text:           out.Text,
		Model:          model,
		FinishReason:   out.FinishReason,
		Usage:          out.Usage,
	}, nil
}

// NewConversation starts a conversation. With an empty id a fresh one is
// allocated; otherwise the named conversation is reset to an empty log.
// Calling it twice with the same id has the effect of calling it once.
func (s *ChatService) NewConversation(ctx context.Context, id, model string) (domain.ConversationMeta, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return s.index.Create(ctx, domain.DefaultTitle, model)
	}
	if verr := validateConversationID(id); verr != nil {
		return domain.ConversationMeta{}, verr
	}
	resolved, verr := s.models.resolve(model)
	if verr != nil {
		return domain.ConversationMeta{}, verr
	}
	if err := s.store.Put(ctx, id, domain.Log{}); err != nil {
		return domain.ConversationMeta{}, newError(ErrorInternal, "storage_write_error", err)
	}
	meta, err := s.index.reset(ctx, id, resolved)
	if err != nil {
		return domain.ConversationMeta{}, err
	}
	s.index.notify(ctx, domain.EventUpdated, meta)
	return meta, nil
}

func (s *ChatService) prepare(ctx context.Context, in SendInput) (prepared, domain.CompletionOptions, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return prepared{}, domain.CompletionOptions{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return prepared{}, domain.CompletionOptions{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	model, verr := s.models.resolve(in.Model)
	if verr != nil {
		return prepared{}, domain.CompletionOptions{}, verr
	}
	effort, verr := validateReasoningEffort(in.ReasoningEffort)
	if verr != nil {
		return prepared{}, domain.CompletionOptions{}, verr
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID != "" {
		if verr := validateConversationID(convID); verr != nil {
			return prepared{}, domain.CompletionOptions{}, verr
		}
	}

	if err := s.gateway.Ready(ctx, model); err != nil {
		return prepared{}, domain.CompletionOptions{}, newError(ErrorNotConfigured, "credentials_missing", err)
	}

	if convID == "" {
		convID = newUUID()
	}
	log, err := s.store.Get(ctx, convID)
	if err != nil {
		return prepared{}, domain.CompletionOptions{}, newError(ErrorInternal, "storage_read_error", err)
	}

	history := log.Append(domain.Message{Role: domain.RoleUser, Content: text, Timestamp: domain.Millis(now())})
	if err := s.checkLogSize(history); err != nil {
		return prepared{}, domain.CompletionOptions{}, err
	}

	return prepared{
		conversationID: convID,
		model:          model,
		userText:       text,
		history:        history,
		firstTurn:      len(log) == 0,
	}, domain.CompletionOptions{ReasoningEffort: effort}, nil
}

// checkLogSize rejects a turn whose log, with room left for a reply, would
// not fit the store. It runs before the upstream is contacted.
func (s *ChatService) checkLogSize(history domain.Log) error {
	if s.sizer == nil {
		return nil
	}
	limit := s.sizer.MaxLogBytes()
	n, err := s.sizer.LogBytes(history)
	if err != nil {
		return newError(ErrorInternal, "storage_encode_error", err)
	}
	if n+min(replyHeadroom, limit/4) > limit {
		s.logger.Warn("log too large for store", "bytes", n, "limit", limit)
		return newError(ErrorInvalidInput, "log_too_large", nil)
	}
	return nil
}

// commitContext keeps the parent's values and drops its cancellation and
// deadline.
func commitContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), commitTimeout)
}

// commit persists the user message and the reply in one write, then updates
// the index and notifies observers. Only the write can fail the turn.
func (s *ChatService) commit(ctx context.Context, p prepared, reply, firstFragment string) error {
	log := p.history.Append(domain.Message{Role: domain.RoleAssistant, Content: reply, Timestamp: domain.Millis(now())})
	if err := s.store.Put(ctx, p.conversationID, log); err != nil {
		return newError(ErrorInternal, "storage_write_error", err)
	}

	title := ""
	if p.firstTurn {
		meta, ok, err := s.index.Get(ctx, p.conversationID)
		if err != nil {
			s.logger.WarnContext(ctx, "index lookup failed", "conversation_id", p.conversationID, "err", err)
		} else if !ok || meta.Title == "" || meta.Title == domain.DefaultTitle {
			title = InferTitle(p.userText, firstFragment)
		}
	}
	meta, err := s.index.RecordTurn(ctx, p.conversationID, p.model, title)
	if err != nil {
		s.logger.WarnContext(ctx, "index not updated after turn", "conversation_id", p.conversationID, "err", err)
		meta = domain.ConversationMeta{ID: p.conversationID, Title: title, UpdatedAt: domain.Millis(now())}
	}
	s.index.notify(ctx, domain.EventTurnCommitted, meta)
	s.logger.InfoContext(ctx, "turn committed", "conversation_id", p.conversationID, "model", p.model, "messages", len(log))
	return nil
}
