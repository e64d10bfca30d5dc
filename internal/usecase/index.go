package usecase

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/domain"
)

// IndexStore persists conversation logs and the metadata index.
type IndexStore interface {
	Put(ctx context.Context, conversationID string, log domain.Log) error
	Remove(ctx context.Context, conversationID string) error
	LoadIndex(ctx context.Context) ([]domain.ConversationMeta, error)
	SaveIndex(ctx context.Context, metas []domain.ConversationMeta) error
}

// Notifier is told about committed turns and index changes. Implementations
// must not block for long and their failures are not reported back.
type Notifier interface {
	ConversationUpdated(ctx context.Context, ev domain.ConversationEvent)
}

type nopNotifier struct{}

func (nopNotifier) ConversationUpdated(context.Context, domain.ConversationEvent) {}

// IndexService maintains the list of conversation metadata. Every change is a
// read-modify-write of the whole index, serialized within this process.
type IndexService struct {
	store    IndexStore
	models   ModelPolicy
	notifier Notifier
	logger   *slog.Logger

	mu sync.Mutex
}

// UpdateInput changes the title, the model or both. Nil fields are kept.
type UpdateInput struct {
	ID    string
	Title *string
	Model *string
}

func NewIndexService(store IndexStore, models ModelPolicy, notifier Notifier, logger *slog.Logger) (*IndexService, error) {
	if store == nil {
		return nil, errors.New("usecase: index store must not be nil")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexService{
		store:    store,
		models:   models,
		notifier: notifier,
		logger:   logger.With("component", "index_service"),
	}, nil
}

// List returns all conversations, most recently updated first.
func (s *IndexService) List(ctx context.Context) ([]domain.ConversationMeta, error) {
	metas, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(metas, func(a, b domain.ConversationMeta) int {
		return cmp.Compare(b.UpdatedAt, a.UpdatedAt)
	})
	return metas, nil
}

// Get returns the metadata of one conversation.
func (s *IndexService) Get(ctx context.Context, id string) (domain.ConversationMeta, bool, error) {
	metas, err := s.load(ctx)
	if err != nil {
		return domain.ConversationMeta{}, false, err
	}
	if i := findMeta(metas, id); i >= 0 {
		return metas[i], true, nil
	}
	return domain.ConversationMeta{}, false, nil
}

// Create allocates a new conversation with an empty log and returns its id.
func (s *IndexService) Create(ctx context.Context, title, model string) (domain.ConversationMeta, error) {
	title = clipTitle(title)
	if title == "" {
		title = domain.DefaultTitle
	}
	model, verr := s.models.resolve(model)
	if verr != nil {
		return domain.ConversationMeta{}, verr
	}

	id := newUUID()
	if err := s.store.Put(ctx, id, domain.Log{}); err != nil {
		return domain.ConversationMeta{}, newError(ErrorInternal, "storage_write_error", err)
	}

	ts := domain.Millis(now())
	meta := domain.ConversationMeta{ID: id, Title: title, Model: model, CreatedAt: ts, UpdatedAt: ts}

	s.mu.Lock()
	metas, err := s.load(ctx)
	if err == nil {
		metas = append([]domain.ConversationMeta{meta}, metas...)
		err = s.save(ctx, metas)
	}
	s.mu.Unlock()
	if err != nil {
		return domain.ConversationMeta{}, err
	}

	s.notify(ctx, domain.EventCreated, meta)
	return meta, nil
}

func (s *IndexService) Rename(ctx context.Context, id, title string) (domain.ConversationMeta, error) {
	return s.Update(ctx, UpdateInput{ID: id, Title: &title})
}

func (s *IndexService) SetModel(ctx context.Context, id, model string) (domain.ConversationMeta, error) {
	return s.Update(ctx, UpdateInput{ID: id, Model: &model})
}

// Update applies a rename and/or model change to an existing entry.
func (s *IndexService) Update(ctx context.Context, in UpdateInput) (domain.ConversationMeta, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return domain.ConversationMeta{}, newError(ErrorInvalidInput, "missing_id", nil)
	}
	if in.Title == nil && in.Model == nil {
		return domain.ConversationMeta{}, newError(ErrorInvalidInput, "nothing_to_update", nil)
	}

	var title, model string
	if in.Title != nil {
		title = clipTitle(*in.Title)
		if title == "" {
			return domain.ConversationMeta{}, newError(ErrorInvalidInput, "empty_title", nil)
		}
	}
	if in.Model != nil {
		if strings.TrimSpace(*in.Model) == "" {
			return domain.ConversationMeta{}, newError(ErrorInvalidInput, "empty_model", nil)
		}
		resolved, verr := s.models.resolve(*in.Model)
		if verr != nil {
			return domain.ConversationMeta{}, verr
		}
		model = resolved
	}

	s.mu.Lock()
	metas, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return domain.ConversationMeta{}, err
	}
	i := findMeta(metas, id)
	if i < 0 {
		s.mu.Unlock()
		return domain.ConversationMeta{}, newError(ErrorNotFound, "conversation_not_found", nil)
	}
	if in.Title != nil {
		metas[i].Title = title
	}
	if in.Model != nil {
		metas[i].Model = model
	}
	metas[i].UpdatedAt = domain.Millis(now())
	meta := metas[i]
	err = s.save(ctx, metas)
	s.mu.Unlock()
	if err != nil {
		return domain.ConversationMeta{}, err
	}

	s.notify(ctx, domain.EventUpdated, meta)
	return meta, nil
}

// Delete removes the index entry first, then the log. A failed log removal
// leaves an orphaned log that List never shows.
func (s *IndexService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return newError(ErrorInvalidInput, "missing_id", nil)
	}

	s.mu.Lock()
	metas, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	i := findMeta(metas, id)
	if i < 0 {
		s.mu.Unlock()
		return newError(ErrorNotFound, "conversation_not_found", nil)
	}
	metas = slices.Delete(metas, i, i+1)
	err = s.save(ctx, metas)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := s.store.Remove(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "conversation log not removed", "conversation_id", id, "err", err)
	}
	s.notify(ctx, domain.EventDeleted, domain.ConversationMeta{ID: id, UpdatedAt: domain.Millis(now())})
	return nil
}

// RecordTurn upserts the entry for a conversation that just committed a
// turn. A non-empty title replaces the stored one.
func (s *IndexService) RecordTurn(ctx context.Context, id, model, title string) (domain.ConversationMeta, error) {
	return s.upsert(ctx, id, func(m *domain.ConversationMeta) {
		m.Model = model
		if title != "" {
			m.Title = clipTitle(title)
		}
	})
}

// reset upserts the entry for a conversation whose log was just emptied.
func (s *IndexService) reset(ctx context.Context, id, model string) (domain.ConversationMeta, error) {
	return s.upsert(ctx, id, func(m *domain.ConversationMeta) {
		m.Model = model
		m.Title = domain.DefaultTitle
	})
}

func (s *IndexService) upsert(ctx context.Context, id string, apply func(*domain.ConversationMeta)) (domain.ConversationMeta, error) {
	ts := domain.Millis(now())

	s.mu.Lock()
	metas, err := s.load(ctx)
	if err != nil {
		s.mu.Unlock()
		return domain.ConversationMeta{}, err
	}
	i := findMeta(metas, id)
	if i < 0 {
		metas = append([]domain.ConversationMeta{{ID: id, Title: domain.DefaultTitle, CreatedAt: ts}}, metas...)
		i = 0
	}
	apply(&metas[i])
	metas[i].UpdatedAt = ts
	meta := metas[i]
	err = s.save(ctx, metas)
	s.mu.Unlock()
	return meta, err
}

// load reads the index and drops duplicate ids, keeping the first.
func (s *IndexService) load(ctx context.Context) ([]domain.ConversationMeta, error) {
	metas, err := s.store.LoadIndex(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "index_read_error", err)
	}
	seen := make(map[string]bool, len(metas))
	out := make([]domain.ConversationMeta, 0, len(metas))
	for _, m := range metas {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out, nil
}

func (s *IndexService) save(ctx context.Context, metas []domain.ConversationMeta) error {
	if err := s.store.SaveIndex(ctx, metas); err != nil {
		return newError(ErrorInternal, "index_write_error", err)
	}
	return nil
}

func (s *IndexService) notify(ctx context.Context, kind string, meta domain.ConversationMeta) {
	s.notifier.ConversationUpdated(ctx, domain.ConversationEvent{
		Kind:           kind,
		ConversationID: meta.ID,
		Title:          meta.Title,
		UpdatedAt:      meta.UpdatedAt,
	})
}

func findMeta(metas []domain.ConversationMeta, id string) int {
	return slices.IndexFunc(metas, func(m domain.ConversationMeta) bool { return m.ID == id })
}

var newUUID = func() string {
	return uuid.NewString()
}

var now = time.Now
