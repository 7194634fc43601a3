package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"neurax/internal/domain"
	"neurax/internal/naming"
)

const (
	instrumentationName     = "neurax/usecase"
	defaultModel            = "gpt-3.5-turbo"
	defaultChatMaxTokens    = 150
	defaultChatTemperature  = 0.8
	defaultTitleMaxTokens   = 10
	defaultTitleTemperature = 0.7
)

type LLMClient interface {
	Complete(ctx context.Context, in domain.CompletionRequest) (string, error)
}

type TokenCounter interface {
	Count(text string) int
}

// SessionStore is the session persistence contract. Get, Rename and Delete
// report unknown keys with domain.ErrSessionNotFound; List returns keys in
// first-insertion order.
type SessionStore interface {
	Get(ctx context.Context, id string) ([]domain.ChatMessage, error)
	Put(ctx context.Context, id string, history []domain.ChatMessage) error
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Rename(ctx context.Context, oldID, newID string) error
	Delete(ctx context.Context, id string) error
}

// Options tunes the completion calls. Zero values take the defaults.
type Options struct {
	Model            string
	Persona          string
	ChatMaxTokens    int
	ChatTemperature  *float64
	TitleMaxTokens   int
	TitleTemperature *float64
}

type ChatService struct {
	store    SessionStore
	llm      LLMClient
	counter  TokenCounter
	opts     Options
	log      *slog.Logger
	validate *validator.Validate

	// mu serializes id allocation with the write that claims the id.
	mu       sync.Mutex
	fallback naming.Counter

	tracer         trace.Tracer
	chatRequests   metric.Int64Counter
	upstreamErrors metric.Int64Counter
	titleFallbacks metric.Int64Counter
}

type ChatInput struct {
	Message   string               `validate:"required"`
	History   []domain.ChatMessage `validate:"dive"`
	SessionID string
}

type ChatOutput struct {
	Response  string
	Tokens    int
	SessionID string
	History   []domain.ChatMessage
}

type RenameOutput struct {
	SessionID string
	Message   string
}

func NewChatService(store SessionStore, llm LLMClient, counter TokenCounter, opts Options, log *slog.Logger) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if counter == nil {
		return nil, errors.New("usecase: token counter must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	opts = withDefaults(opts)

	meter := otel.Meter(instrumentationName)
	chatRequests, err := meter.Int64Counter("neurax.chat.requests",
		metric.WithDescription("Chat turns handled"))
	if err != nil {
		return nil, fmt.Errorf("usecase: create chat counter: %w", err)
	}
	upstreamErrors, err := meter.Int64Counter("neurax.chat.upstream_errors",
		metric.WithDescription("Completion calls that failed"))
	if err != nil {
		return nil, fmt.Errorf("usecase: create upstream error counter: %w", err)
	}
	titleFallbacks, err := meter.Int64Counter("neurax.chat.title_fallbacks",
		metric.WithDescription("New sessions named by the fallback counter"))
	if err != nil {
		return nil, fmt.Errorf("usecase: create title fallback counter: %w", err)
	}

	return &ChatService{
		store:          store,
		llm:            llm,
		counter:        counter,
		opts:           opts,
		log:            log,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		tracer:         otel.Tracer(instrumentationName),
		chatRequests:   chatRequests,
		upstreamErrors: upstreamErrors,
		titleFallbacks: titleFallbacks,
	}, nil
}

func withDefaults(o Options) Options {
	if strings.TrimSpace(o.Model) == "" {
		o.Model = defaultModel
	}
	if o.Persona == "" {
		o.Persona = DefaultPersona
	}
	if o.ChatMaxTokens <= 0 {
		o.ChatMaxTokens = defaultChatMaxTokens
	}
	if o.ChatTemperature == nil {
		o.ChatTemperature = lo.ToPtr(defaultChatTemperature)
	}
	if o.TitleMaxTokens <= 0 {
		o.TitleMaxTokens = defaultTitleMaxTokens
	}
	if o.TitleTemperature == nil {
		o.TitleTemperature = lo.ToPtr(defaultTitleTemperature)
	}
	return o
}

// Chat appends the user message and the assistant reply to the history,
// resolves the session id and stores the result under it. Completion
// failures become the reply text rather than an error.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	ctx, span := s.tracer.Start(ctx, "ChatService.Chat")
	defer span.End()

	if in.Message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", "No message provided", nil)
	}
	if err := s.validate.Struct(in); err != nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "invalid_history", "History entries need a role of user, assistant or system", err)
	}

	history := append(append(make([]domain.ChatMessage, 0, len(in.History)+2), in.History...),
		domain.ChatMessage{Role: domain.RoleUser, Content: in.Message})

	reply, err := s.llm.Complete(ctx, domain.CompletionRequest{
		Model:       s.opts.Model,
		Messages:    buildChatMessages(s.opts.Persona, history),
		MaxTokens:   s.opts.ChatMaxTokens,
		Temperature: *s.opts.ChatTemperature,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrMissingAPIKey) {
			s.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("call", "chat")))
			span.RecordError(err)
		}
		s.log.WarnContext(ctx, "chat completion failed", "err", err)
		reply = upstreamReply(err)
	}
	tokens := s.counter.Count(in.Message)
	history = append(history, domain.ChatMessage{Role: domain.RoleAssistant, Content: reply})

	sessionID := in.SessionID
	isNew := sessionID == ""
	if !isNew {
		exists, err := s.store.Exists(ctx, sessionID)
		if err != nil {
			span.SetStatus(codes.Error, "store lookup failed")
			return ChatOutput{}, newError(ErrorInternal, "store_lookup_error", "Could not read session store", err)
		}
		isNew = !exists
	}

	var title string
	if isNew && len(history) == 2 {
		sessionID = ""
		title = s.generateTitle(ctx, in.Message)
	}

	sessionID, err = s.claimAndStore(ctx, sessionID, title, history)
	if err != nil {
		span.SetStatus(codes.Error, "store write failed")
		return ChatOutput{}, newError(ErrorInternal, "store_write_error", "Could not save session", err)
	}

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Bool("session.new", isNew),
		attribute.Int("session.messages", len(history)),
	)
	s.chatRequests.Add(ctx, 1, metric.WithAttributes(attribute.Bool("session.new", isNew)))
	s.log.InfoContext(ctx, "chat turn stored",
		"session_id", sessionID,
		"new_session", isNew,
		"user_turns", lo.CountBy(history, func(m domain.ChatMessage) bool { return m.Role == domain.RoleUser }),
		"tokens", tokens,
	)

	return ChatOutput{
		Response:  reply,
		Tokens:    tokens,
		SessionID: sessionID,
		History:   history,
	}, nil
}

// generateTitle asks the completion client for a short title and returns its
// slug, or "" when no title could be obtained.
func (s *ChatService) generateTitle(ctx context.Context, firstMessage string) string {
	ctx, span := s.tracer.Start(ctx, "ChatService.generateTitle")
	defer span.End()

	title, err := s.llm.Complete(ctx, domain.CompletionRequest{
		Model:       s.opts.Model,
		Messages:    buildTitleMessages(firstMessage),
		MaxTokens:   s.opts.TitleMaxTokens,
		Temperature: *s.opts.TitleTemperature,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrMissingAPIKey) {
			s.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("call", "title")))
			span.RecordError(err)
		}
		s.log.WarnContext(ctx, "failed to generate dynamic title, using fallback", "err", err)
		return ""
	}
	return naming.Slug(title)
}

// claimAndStore resolves the final session id and writes the history under
// it while holding s.mu, so concurrent new sessions never share an id.
func (s *ChatService) claimAndStore(ctx context.Context, sessionID, title string, history []domain.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists := func(id string) (bool, error) { return s.store.Exists(ctx, id) }
	var err error
	switch {
	case title != "":
		sessionID, err = naming.Unique(title, exists)
	case sessionID == "":
		s.titleFallbacks.Add(ctx, 1)
		sessionID, err = s.fallback.Next(exists)
	}
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, sessionID, history); err != nil {
		return "", err
	}
	return sessionID, nil
}

// ListSessions returns every stored session id in insertion order.
func (s *ChatService) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "store_list_error", "Could not list sessions", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// LoadSession returns the stored history of a session.
func (s *ChatService) LoadSession(ctx context.Context, id string) ([]domain.ChatMessage, error) {
	history, err := s.store.Get(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, newError(ErrorNotFound, "session_not_found", "Session not found", err)
	}
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", "Could not read session", err)
	}
	return history, nil
}

// RenameSession moves a session to the slug of newName, suffixed until it is
// unique. A slug equal to the current id leaves the store untouched.
func (s *ChatService) RenameSession(ctx context.Context, oldID, newName string) (RenameOutput, error) {
	if strings.TrimSpace(newName) == "" {
		return RenameOutput{}, newError(ErrorInvalidInput, "missing_new_name", "New name required", nil)
	}
	base := naming.Sanitize(newName)
	if base == "" {
		return RenameOutput{}, newError(ErrorInvalidInput, "invalid_new_name", "Invalid new name after sanitization", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.store.Exists(ctx, oldID)
	if err != nil {
		return RenameOutput{}, newError(ErrorInternal, "store_lookup_error", "Could not read session store", err)
	}
	if !found {
		return RenameOutput{}, newError(ErrorNotFound, "session_not_found", "Session not found", domain.ErrSessionNotFound)
	}

	newID, err := naming.Unique(base, func(candidate string) (bool, error) {
		if candidate == oldID {
			return false, nil
		}
		return s.store.Exists(ctx, candidate)
	})
	if err != nil {
		return RenameOutput{}, newError(ErrorInternal, "store_lookup_error", "Could not read session store", err)
	}
	if newID == oldID {
		return RenameOutput{
			SessionID: oldID,
			Message:   fmt.Sprintf("Session ID remains %s (name unchanged).", oldID),
		}, nil
	}

	if err := s.store.Rename(ctx, oldID, newID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return RenameOutput{}, newError(ErrorNotFound, "session_not_found", "Session not found", err)
		}
		return RenameOutput{}, newError(ErrorInternal, "store_rename_error", "Could not rename session", err)
	}
	s.log.InfoContext(ctx, "session renamed", "from", oldID, "to", newID)
	return RenameOutput{
		SessionID: newID,
		Message:   fmt.Sprintf("Session renamed from %s to %s", oldID, newID),
	}, nil
}

// DeleteSession removes a session and returns a confirmation message.
func (s *ChatService) DeleteSession(ctx context.Context, id string) (string, error) {
	err := s.store.Delete(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return "", newError(ErrorNotFound, "session_not_found", "Session not found", err)
	}
	if err != nil {
		return "", newError(ErrorInternal, "store_delete_error", "Could not delete session", err)
	}
	s.log.InfoContext(ctx, "session deleted", "session_id", id)
	return fmt.Sprintf("Session %s deleted successfully.", id), nil
}
