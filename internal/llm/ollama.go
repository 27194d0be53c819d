// Package llm is a minimal client for chat completion against Ollama.
package llm

import (
	"context"
	"strings"
	"time"

	"tributary/internal/ollama"
)

// Message represents a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator produces an assistant reply for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// OllamaChat calls the Ollama /api/chat endpoint for generative responses.
type OllamaChat struct {
	client  *ollama.Client
	model   string
	options map[string]any
}

// NewOllamaChat creates a chat client targeting the given Ollama instance and model.
// Replies are kept short and deterministic; the indexer only asks for
// summaries.
func NewOllamaChat(baseURL, model string) *OllamaChat {
	return &OllamaChat{
		client:  ollama.New(baseURL, 5*time.Minute),
		model:   model,
		options: map[string]any{"temperature": 0.1, "num_predict": 256},
	}
}

// Model returns the configured model name.
func (c *OllamaChat) Model() string { return c.model }

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

// Generate sends the conversation without streaming and returns the
// assistant reply with any reasoning preamble removed.
func (c *OllamaChat) Generate(ctx context.Context, messages []Message) (string, error) {
	var res chatResponse
	err := c.client.Post(ctx, "/api/chat", chatRequest{
		Model:    c.model,
		Messages: messages,
		Options:  c.options,
	}, &res)
	if err != nil {
		return "", err
	}
	return stripThinking(res.Message.Content), nil
}

// stripThinking drops a leading <think>...</think> block that reasoning
// models emit before the answer.
func stripThinking(s string) string {
	if !strings.HasPrefix(strings.TrimSpace(s), "<think>") {
		return s
	}
	if i := strings.Index(s, "</think>"); i >= 0 {
		return strings.TrimSpace(s[i+len("</think>"):])
	}
	return s
}
