// Package embedder turns text into vectors through an Ollama server.
package embedder

import (
	"context"
	"fmt"
	"time"

	"tributary/internal/ollama"
)

// Embedder produces one vector per input text.
type Embedder interface {
	// Embed returns embeddings with the same length and order as texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// OllamaEmbedder calls the Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	client *ollama.Client
	model  string
}

// NewOllamaEmbedder creates an embedder targeting the given Ollama instance.
func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		client: ollama.New(baseURL, 120*time.Second),
		model:  model,
	}
}

func (e *OllamaEmbedder) Model() string { return e.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends one batch. An empty batch makes no request.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var res embedResponse
	if err := e.client.Post(ctx, "/api/embed", embedRequest{Model: e.model, Input: texts}, &res); err != nil {
		return nil, err
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(res.Embeddings))
	}
	return res.Embeddings, nil
}

// Ping checks that the Ollama server answers.
func (e *OllamaEmbedder) Ping(ctx context.Context) error {
	return e.client.Ping(ctx)
}
