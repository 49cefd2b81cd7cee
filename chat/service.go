package chat

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"helpdesk_back/articles"
	"helpdesk_back/llm"
)

const (
	defaultTopK          = 5
	defaultMinScore      = 0.2
	defaultContextBudget = 2400
	defaultHistoryWindow = 12
)

// Config collects the orchestrator tunables. Every field has an env override
// so truncation and windowing are never hidden behavior.
type Config struct {
	TopK             int
	MinScore         float64
	ContextBudget    int
	HistoryWindow    int
	RequireRetrieval bool
}

// ConfigFromEnv reads CHAT_TOP_K, CHAT_MIN_SCORE, CHAT_CONTEXT_BUDGET,
// CHAT_HISTORY_WINDOW and CHAT_REQUIRE_RETRIEVAL.
func ConfigFromEnv() Config {
	return Config{
		TopK:             readIntEnv("CHAT_TOP_K", defaultTopK),
		MinScore:         readFloatEnv("CHAT_MIN_SCORE", defaultMinScore),
		ContextBudget:    readIntEnv("CHAT_CONTEXT_BUDGET", defaultContextBudget),
		HistoryWindow:    readIntEnv("CHAT_HISTORY_WINDOW", defaultHistoryWindow),
		RequireRetrieval: readBoolEnv("CHAT_REQUIRE_RETRIEVAL", false),
	}
}

func (c Config) normalized() Config {
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.MinScore <= 0 {
		c.MinScore = defaultMinScore
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = defaultContextBudget
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	return c
}

// Retriever is what the orchestrator needs from the article index side.
// *articles.Service satisfies it; tests substitute fakes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts articles.RetrieveOptions) ([]articles.Retrieved, error)
}

// Generator is the language-generation backend surface. *llm.ChatClient
// satisfies it.
type Generator interface {
	Chat(ctx context.Context, messages []llm.ChatMessage) (llm.ChatResult, error)
	ChatStream(ctx context.Context, messages []llm.ChatMessage, handler func(llm.ChatStreamDelta) error) (llm.ChatResult, error)
}

// Service coordinates one chat request end to end: resolve conversation,
// persist the question, retrieve, assemble, generate, persist the reply.
type Service struct {
	store     *Store
	retriever Retriever
	generator Generator
	cfg       Config
}

func NewService(store *Store, retriever Retriever, generator Generator, cfg Config) *Service {
	return &Service{
		store:     store,
		retriever: retriever,
		generator: generator,
		cfg:       cfg.normalized(),
	}
}

// SendInput is the chat boundary payload after binding.
type SendInput struct {
	Message        string
	ConversationID string
	SessionID      string
	UserID         string
}

// SendResult is the successful outcome of one chat turn.
type SendResult struct {
	Answer         string
	Sources        []Source
	ConversationID string
	MessageID      string
	Created        bool
}

// Send runs the full request state machine. Validation failures reject before
// any write; once the user message is persisted, downstream failures leave it
// in place so a retry resumes the same conversation instead of duplicating it.
func (s *Service) Send(ctx context.Context, input SendInput) (*SendResult, error) {
	prepared, conv, created, err := s.prepare(ctx, input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.generator.Chat(ctx, prepared.messages)
	if err != nil {
		log.Printf("chat: generation failed for conversation %s: %v", conv.ID, err)
		return nil, err
	}

	assistant, err := s.persistAssistant(ctx, conv.ID, result, prepared.sources, time.Since(start))
	if err != nil {
		return nil, err
	}

	return &SendResult{
		Answer:         result.Content,
		Sources:        prepared.sources,
		ConversationID: conv.ID,
		MessageID:      assistant.ID,
		Created:        created,
	}, nil
}

// SendStream runs the same state machine with a streaming generation step.
// onDelta observes every increment before the reply is persisted.
func (s *Service) SendStream(ctx context.Context, input SendInput, onDelta func(llm.ChatStreamDelta) error) (*SendResult, error) {
	prepared, conv, created, err := s.prepare(ctx, input)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := s.generator.ChatStream(ctx, prepared.messages, onDelta)
	if err != nil {
		log.Printf("chat: streamed generation failed for conversation %s: %v", conv.ID, err)
		return nil, err
	}

	assistant, err := s.persistAssistant(ctx, conv.ID, result, prepared.sources, time.Since(start))
	if err != nil {
		return nil, err
	}

	return &SendResult{
		Answer:         result.Content,
		Sources:        prepared.sources,
		ConversationID: conv.ID,
		MessageID:      assistant.ID,
		Created:        created,
	}, nil
}

type preparedTurn struct {
	messages []llm.ChatMessage
	sources  []Source
}

// prepare covers the shared states: validate, resolve, persist the user
// message, retrieve and assemble. Everything after it may fail without
// rolling these steps back.
func (s *Service) prepare(ctx context.Context, input SendInput) (*preparedTurn, *Conversation, bool, error) {
	question := strings.TrimSpace(input.Message)
	if question == "" {
		return nil, nil, false, ErrEmptyMessage
	}

	conv, created, err := s.store.Resolve(ctx, strings.TrimSpace(input.UserID), strings.TrimSpace(input.SessionID), strings.TrimSpace(input.ConversationID), question)
	if err != nil {
		return nil, nil, false, err
	}
	if conv.Status == ConversationClosed {
		return nil, nil, false, ErrConversationClosed
	}

	if _, err := s.store.AppendMessage(ctx, conv.ID, AppendParams{Role: RoleUser, Content: question}); err != nil {
		return nil, nil, false, err
	}

	retrieved, err := s.retriever.Retrieve(ctx, question, articles.RetrieveOptions{
		TopK:     s.cfg.TopK,
		MinScore: s.cfg.MinScore,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, false, ctx.Err()
		}
		if s.cfg.RequireRetrieval {
			return nil, nil, false, err
		}
		// degrade: answer without context rather than failing the turn
		log.Printf("chat: retrieval degraded for conversation %s: %v", conv.ID, err)
		retrieved = nil
	}

	blocks := assembleContext(retrieved, s.cfg.ContextBudget)

	history, err := s.store.History(ctx, conv.ID, s.cfg.HistoryWindow)
	if err != nil {
		return nil, nil, false, err
	}

	// conservative attribution: every assembled block becomes a source
	sources := make([]Source, 0, len(blocks))
	for _, block := range blocks {
		sources = append(sources, Source{
			ArticleID: block.ArticleID,
			Title:     block.Title,
			Score:     block.Score,
		})
	}

	return &preparedTurn{
		messages: buildPromptMessages(blocks, history),
		sources:  sources,
	}, conv, created, nil
}

func (s *Service) persistAssistant(ctx context.Context, conversationID string, result llm.ChatResult, sources []Source, elapsed time.Duration) (*Message, error) {
	params := AppendParams{
		Role:    RoleAssistant,
		Content: result.Content,
		Sources: sources,
	}
	if latency := int(elapsed.Milliseconds()); latency > 0 {
		params.LatencyMs = &latency
	}
	if result.Usage != nil {
		if result.Usage.PromptTokens > 0 {
			prompt := result.Usage.PromptTokens
			params.TokenInput = &prompt
		}
		if result.Usage.CompletionTokens > 0 {
			completion := result.Usage.CompletionTokens
			params.TokenOutput = &completion
		}
	} else if estimate := estimateTokenCount(result.Content); estimate > 0 {
		// provider sent no usage block; keep an estimate so cost reports
		// never show empty turns
		params.TokenOutput = &estimate
	}
	return s.store.AppendMessage(ctx, conversationID, params)
}

// Store exposes the conversation store to the HTTP layer.
func (s *Service) Store() *Store {
	return s.store
}

func readIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
