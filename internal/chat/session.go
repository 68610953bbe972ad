// Package chat coordinates one chat surface: it owns the ordered turn list, runs a submission through
// search, progressive reveal and persistence, and keeps the map locations found for each answer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/curetrials/trialchat/internal/models"
	"github.com/curetrials/trialchat/internal/services"
	"github.com/curetrials/trialchat/internal/stream"
	"github.com/curetrials/trialchat/internal/tasks"
)

// Searcher queries the remote trial-search backend.
type Searcher interface {
	Search(ctx context.Context, req services.SearchRequest) (models.SearchResult, error)
}

// Store defines the conversation persistence the session needs. Implementations return
// models.ErrNotFound for unknown conversations.
type Store interface {
	AddConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	Conversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	AddMessage(ctx context.Context, conversationID string, msg models.StoredMessage) (models.StoredMessage, error)
	Messages(ctx context.Context, conversationID string) ([]models.StoredMessage, error)
}

// LocationResolver extracts and geocodes the places mentioned in an answer.
type LocationResolver interface {
	Resolve(ctx context.Context, text string) []models.Location
}

// Publisher receives every state change of a session, in order, for delivery to the page.
type Publisher interface {
	PublishTurn(sessionID string, turn models.Turn)
	PublishLocations(sessionID, turnID string, locs []models.Location)
	PublishConversation(sessionID string, conv models.Conversation)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Searcher  Searcher
	Store     Store
	Locations LocationResolver
	Publisher Publisher
	Logger    *slog.Logger
}

// Config tunes session behavior.
type Config struct {
	// NResults is the result-count hint sent with every search.
	NResults int

	Presenter stream.Presenter

	// TitleLength caps the title derived from the first query of a conversation.
	TitleLength int

	// IdleTimeout is how long a Registry keeps a session nobody uses. Zero means 30 minutes, a negative
	// value keeps sessions until the registry closes.
	IdleTimeout time.Duration
}

// Options are per-submission toggles.
type Options struct {
	ExternalData bool
}

// Submission is what Submit appended to the turn list.
type Submission struct {
	User      models.Turn
	Assistant models.Turn
}

// DeepLink holds the query parameters a chat page was opened with.
type DeepLink struct {
	Query          string
	ConversationID string
}

var (
	// ErrNotFound is returned for conversations that do not exist or belong to another user.
	ErrNotFound = errors.New("conversation not found")
	// ErrUnauthenticated is returned for conversation operations on anonymous sessions.
	ErrUnauthenticated = errors.New("authentication required")

	errTurnGone = errors.New("turn no longer open in session")
)

const (
	defaultNResults    = 10
	defaultTitleLength = 60
)

// Session is a single chat surface. Its turn list is replaced wholesale on every change, so a slice
// returned by Turns is never mutated afterwards.
type Session struct {
	id     string
	userID string

	deps Deps
	cfg  Config

	mu             sync.Mutex
	turns          []models.Turn
	conversationID string
	loaded         string
	autoSubmitted  map[string]bool
	locations      map[string][]models.Location

	inFlight atomic.Bool
	lastUsed atomic.Int64
	tasks    *tasks.Group

	logger *slog.Logger
}

// NewSession creates a session. An empty userID makes the session anonymous: its turns are never
// persisted.
func NewSession(parent context.Context, id, userID string, deps Deps, cfg Config) *Session {
	if cfg.NResults == 0 {
		cfg.NResults = defaultNResults
	}
	if cfg.TitleLength == 0 {
		cfg.TitleLength = defaultTitleLength
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}

	logger := deps.Logger.With(slog.String("module", "chat"), slog.String("session", id))
	s := &Session{
		id:            id,
		userID:        userID,
		deps:          deps,
		cfg:           cfg,
		autoSubmitted: make(map[string]bool),
		locations:     make(map[string][]models.Location),
		logger:        logger,
	}
	s.tasks = tasks.NewGroup(parent, s.taskDone)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the authenticated user of the session, or "" for anonymous sessions.
func (s *Session) UserID() string {
	return s.userID
}

// Turns returns a snapshot of the turn list.
func (s *Session) Turns() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.turns)
}

// ConversationID returns the conversation the session is persisted to, if any.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// InFlight reports whether a submission is currently running.
func (s *Session) InFlight() bool {
	return s.inFlight.Load()
}

// Submit appends the user turn and a generating placeholder in a single update and starts the
// orchestration in the background. It returns false, changing nothing, when another submission is
// still running, when query is blank, or when the session is closed.
func (s *Session) Submit(query string, opts Options) (Submission, bool) {
	query = strings.TrimSpace(query)
	if query == "" || s.tasks.Context().Err() != nil {
		return Submission{}, false
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("Submission dropped, another one is in flight", slog.String("query", query))
		return Submission{}, false
	}

	sub := Submission{
		User:      models.NewUserTurn(query),
		Assistant: models.NewPlaceholderTurn(),
	}

	s.mu.Lock()
	next := make([]models.Turn, len(s.turns), len(s.turns)+2)
	copy(next, s.turns)
	s.turns = append(next, sub.User, sub.Assistant)
	s.mu.Unlock()

	s.deps.Publisher.PublishTurn(s.id, sub.User)
	s.deps.Publisher.PublishTurn(s.id, sub.Assistant)

	started := s.tasks.Go("orchestrate", func(ctx context.Context) error {
		defer s.inFlight.Store(false)
		return s.orchestrate(ctx, sub, opts)
	})
	if !started {
		s.inFlight.Store(false)
	}
	return sub, true
}

func (s *Session) orchestrate(ctx context.Context, sub Submission, opts Options) error {
	turnID := sub.Assistant.ID

	res, err := s.deps.Searcher.Search(ctx, services.SearchRequest{
		Query:        sub.User.Content,
		NResults:     s.cfg.NResults,
		ExternalData: opts.ExternalData,
	})
	if err != nil {
		if turn, ok := s.mutateTurn(turnID, func(t models.Turn) models.Turn { return t.Fail(err.Error()) }); ok {
			s.deps.Publisher.PublishTurn(s.id, turn)
		}
		return fmt.Errorf("search failed: %w", err)
	}

	turn, ok := s.mutateTurn(turnID, func(t models.Turn) models.Turn { return t.ApplyResult(res) })
	if !ok {
		return errTurnGone
	}
	s.deps.Publisher.PublishTurn(s.id, turn)

	s.resolveLocations(turnID, res.Answer)

	_, err = s.cfg.Presenter.Reveal(ctx, stream.Words(res.Answer), func(prefix string) {
		if t, ok := s.mutateTurn(turnID, func(t models.Turn) models.Turn {
			t.Content = prefix
			return t
		}); ok {
			s.deps.Publisher.PublishTurn(s.id, t)
		}
	})
	if err != nil {
		return fmt.Errorf("reveal interrupted: %w", err)
	}

	final, ok := s.mutateTurn(turnID, func(t models.Turn) models.Turn {
		t.Content = res.Answer
		t.IsGenerating = false
		return t
	})
	if !ok {
		return errTurnGone
	}
	s.deps.Publisher.PublishTurn(s.id, final)

	s.persist(ctx, sub.User, final)
	return nil
}

// resolveLocations starts location extraction for an answer without waiting for it. Results are
// keyed by turn, so a late result never overwrites a newer answer's markers.
func (s *Session) resolveLocations(turnID, answer string) {
	if s.deps.Locations == nil || strings.TrimSpace(answer) == "" {
		return
	}
	s.tasks.Go("locations", func(ctx context.Context) error {
		locs := s.deps.Locations.Resolve(ctx, answer)
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		if !slices.ContainsFunc(s.turns, func(t models.Turn) bool { return t.ID == turnID }) {
			s.mu.Unlock()
			return errTurnGone
		}
		s.locations[turnID] = locs
		s.mu.Unlock()

		s.deps.Publisher.PublishLocations(s.id, turnID, locs)
		return nil
	})
}

func (s *Session) persist(ctx context.Context, user, assistant models.Turn) {
	if s.userID == "" || s.deps.Store == nil {
		return
	}

	convID, err := s.ensureConversation(ctx, user.Content)
	if err != nil {
		s.logger.Error("Failed to create conversation", slog.String(errLoggerKey, err.Error()))
		return
	}

	for _, t := range []models.Turn{user, assistant} {
		msg, err := models.StoredFromTurn(convID, t)
		if err != nil {
			s.logger.Error("Failed to convert turn", slog.String("turnID", t.ID), slog.String(errLoggerKey, err.Error()))
			return
		}
		if _, err := s.deps.Store.AddMessage(ctx, convID, msg); err != nil {
			s.logger.Error("Failed to save message",
				slog.String("conversationID", convID),
				slog.String("turnID", t.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

func (s *Session) ensureConversation(ctx context.Context, firstQuery string) (string, error) {
	if id := s.ConversationID(); id != "" {
		return id, nil
	}

	conv, err := s.deps.Store.AddConversation(ctx, models.Conversation{
		OwnerID: s.userID,
		Title:   title(firstQuery, s.cfg.TitleLength),
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.conversationID = conv.ID
	s.loaded = conv.ID
	s.mu.Unlock()

	s.deps.Publisher.PublishConversation(s.id, conv)
	return conv.ID, nil
}

// AutoSubmit applies the page's deep-link parameters. A conversation ID takes precedence and is
// loaded instead of submitting; otherwise Query is submitted, at most once per literal value.
func (s *Session) AutoSubmit(ctx context.Context, link DeepLink) (bool, error) {
	if link.ConversationID != "" {
		return false, s.LoadConversation(ctx, link.ConversationID)
	}
	if strings.TrimSpace(link.Query) == "" {
		return false, nil
	}

	s.mu.Lock()
	if s.autoSubmitted[link.Query] {
		s.mu.Unlock()
		return false, nil
	}
	s.autoSubmitted[link.Query] = true
	s.mu.Unlock()

	_, ok := s.Submit(link.Query, Options{})
	if !ok {
		// Refused while another submission runs; the link stays usable for the next page load.
		s.mu.Lock()
		delete(s.autoSubmitted, link.Query)
		s.mu.Unlock()
	}
	return ok, nil
}

// LoadConversation replaces the turn list with a persisted conversation. Loading the conversation the
// session already shows is a no-op.
func (s *Session) LoadConversation(ctx context.Context, id string) error {
	if s.userID == "" {
		return ErrUnauthenticated
	}

	s.mu.Lock()
	loaded := s.loaded == id
	s.mu.Unlock()
	if loaded {
		return nil
	}

	if _, err := s.ownedConversation(ctx, id); err != nil {
		return err
	}
	msgs, err := s.deps.Store.Messages(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	turns := make([]models.Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = models.TurnFromStored(m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded == id {
		return nil
	}
	s.turns = turns
	s.conversationID = id
	s.loaded = id
	s.locations = make(map[string][]models.Location)
	return nil
}

// Conversations lists the session user's conversations.
func (s *Session) Conversations(ctx context.Context) ([]models.Conversation, error) {
	if s.userID == "" {
		return nil, ErrUnauthenticated
	}
	return s.deps.Store.Conversations(ctx, s.userID)
}

// Messages returns the persisted messages of one of the user's conversations.
func (s *Session) Messages(ctx context.Context, id string) ([]models.StoredMessage, error) {
	if _, err := s.ownedConversation(ctx, id); err != nil {
		return nil, err
	}
	return s.deps.Store.Messages(ctx, id)
}

// DeleteConversation deletes one of the user's conversations. When it is the conversation the session
// currently shows, the session starts over empty.
func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.ownedConversation(ctx, id); err != nil {
		return err
	}
	if err := s.deps.Store.DeleteConversation(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == id {
		s.turns = nil
		s.conversationID = ""
		s.loaded = ""
		s.locations = make(map[string][]models.Location)
	}
	return nil
}

func (s *Session) ownedConversation(ctx context.Context, id string) (models.Conversation, error) {
	if s.userID == "" {
		return models.Conversation{}, ErrUnauthenticated
	}
	conv, err := s.deps.Store.Conversation(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv.OwnerID != s.userID {
		return models.Conversation{}, ErrNotFound
	}
	return conv, nil
}

// Locations returns the resolved locations of one assistant turn.
func (s *Session) Locations(turnID string) ([]models.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	locs, ok := s.locations[turnID]
	return locs, ok
}

// LatestLocations returns the locations of the most recent assistant turn that has resolved ones.
func (s *Session) LatestLocations() (string, []models.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := s.turns[i]
		if t.Role != models.RoleAssistant {
			continue
		}
		if locs, ok := s.locations[t.ID]; ok {
			return t.ID, locs
		}
	}
	return "", nil
}

// Wait blocks until all background work of the session has finished.
func (s *Session) Wait() {
	s.tasks.Wait()
}

// Close cancels all background work of the session and waits for it.
func (s *Session) Close() {
	s.tasks.Close()
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

// mutateTurn applies fn to turn id while it is still generating. Removed and finished turns are left alone.
func (s *Session) mutateTurn(id string, fn func(models.Turn) models.Turn) (models.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.turns, func(t models.Turn) bool { return t.ID == id })
	if idx < 0 || s.turns[idx].Terminal() {
		return models.Turn{}, false
	}
	next := slices.Clone(s.turns)
	next[idx] = fn(next[idx])
	s.turns = next
	return next[idx], true
}

func (s *Session) taskDone(r tasks.Result) {
	switch {
	case r.Err == nil:
		s.logger.Debug("Task finished", slog.String("task", r.Name), slog.Duration("duration", r.Duration))
	case errors.Is(r.Err, context.Canceled), errors.Is(r.Err, tasks.ErrClosed), errors.Is(r.Err, errTurnGone):
		s.logger.Debug("Task abandoned", slog.String("task", r.Name), slog.String(errLoggerKey, r.Err.Error()))
	default:
		s.logger.Warn("Task failed", slog.String("task", r.Name), slog.String(errLoggerKey, r.Err.Error()))
	}
}

func title(query string, limit int) string {
	r := []rune(strings.TrimSpace(query))
	if len(r) <= limit {
		return string(r)
	}
	return strings.TrimSpace(string(r[:limit])) + "..."
}

type nopPublisher struct{}

func (nopPublisher) PublishTurn(string, models.Turn) {}

func (nopPublisher) PublishLocations(string, string, []models.Location) {}

func (nopPublisher) PublishConversation(string, models.Conversation) {}

const errLoggerKey = "error"
