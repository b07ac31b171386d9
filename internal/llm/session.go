// Package llm provides AI session management: the bounded session pool,
// the session factory abstraction, and the invoker used by the task queue
// and the pipeline.
package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/scribehq/scribed/internal/models"
)

// TokenUsage counts tokens for one exchange.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Session is a live conversation handle with the backing LLM transport,
// reusable across prompts. A session is never used concurrently.
type Session interface {
	ID() string
	SendAndWait(ctx context.Context, prompt string) (string, error)
	// SendStreaming delivers partial response text to onChunk in order.
	// The returned response equals the concatenation of all chunks.
	SendStreaming(ctx context.Context, prompt string, onChunk func(string)) (string, error)
	LastUsage() TokenUsage
	Destroy() error
}

// SessionConfig parameterizes a new session.
type SessionConfig struct {
	Model            string
	WorkingDirectory string
	Tools            []string
}

// SessionFactory creates sessions. Implementations own the transport details.
type SessionFactory interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// ModelSessionFactory creates sessions backed by the eino model registry.
type ModelSessionFactory struct {
	Registry *models.Registry
}

// NewSession resolves the configured model and wraps it in a conversation.
func (f *ModelSessionFactory) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	chatModel, err := f.Registry.Get(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}

	s := &modelSession{
		id:    "sess_" + strings.ReplaceAll(uuid.New().String()[:8], "-", ""),
		model: chatModel,
	}
	if sys := systemPrompt(cfg); sys != "" {
		s.history = append(s.history, schema.SystemMessage(sys))
	}
	return s, nil
}

func systemPrompt(cfg SessionConfig) string {
	var b strings.Builder
	if cfg.WorkingDirectory != "" {
		b.WriteString("You are analyzing the repository at " + cfg.WorkingDirectory + ".\n")
	}
	if len(cfg.Tools) > 0 {
		b.WriteString("Available tools: " + strings.Join(cfg.Tools, ", ") + ".\n")
	}
	return strings.TrimSpace(b.String())
}

// modelSession holds a chat model plus its running message history.
type modelSession struct {
	mu        sync.Mutex
	id        string
	model     model.ToolCallingChatModel
	history   []*schema.Message
	lastUsage TokenUsage
	destroyed bool
}

func (s *modelSession) ID() string { return s.id }

func (s *modelSession) SendAndWait(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.history, schema.UserMessage(prompt))
	out, err := s.model.Generate(ctx, msgs)
	if err != nil {
		return "", err
	}

	s.history = append(msgs, out)
	s.recordUsage(out)
	return out.Content, nil
}

func (s *modelSession) SendStreaming(ctx context.Context, prompt string, onChunk func(string)) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.history, schema.UserMessage(prompt))
	stream, err := s.model.Stream(ctx, msgs)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	var last *schema.Message
	for {
		chunk, err := stream.Recv()
		if err != nil {
			break
		}
		if chunk.Content != "" {
			b.WriteString(chunk.Content)
			if onChunk != nil {
				onChunk(chunk.Content)
			}
		}
		last = chunk
	}

	response := b.String()
	out := schema.AssistantMessage(response, nil)
	if last != nil && last.ResponseMeta != nil {
		out.ResponseMeta = last.ResponseMeta
	}

	s.history = append(msgs, out)
	s.recordUsage(out)
	return response, nil
}

func (s *modelSession) recordUsage(msg *schema.Message) {
	if msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		s.lastUsage = TokenUsage{}
		return
	}
	s.lastUsage = TokenUsage{
		Input:  msg.ResponseMeta.Usage.PromptTokens,
		Output: msg.ResponseMeta.Usage.CompletionTokens,
	}
}

func (s *modelSession) LastUsage() TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsage
}

func (s *modelSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.history = nil
	return nil
}
