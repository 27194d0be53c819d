package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary/internal/index"
	"tributary/internal/llmlock"
	"tributary/internal/pipeline"
)

func sampleStatus() StatusResponse {
	return StatusResponse{
		Lock: llmlock.State{Locked: true, RemainingSeconds: 42},
		Indexer: &index.Stats{
			Stages: []pipeline.StageSnapshot{{Name: "classify"}, {Name: "persist"}},
		},
	}
}

func TestClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/status", r.URL.Path)
		json.NewEncoder(w).Encode(sampleStatus())
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL).Status(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Lock.Locked)
	require.NotNil(t, got.Indexer)
	assert.Len(t, got.Indexer.Stages, 2)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"llm lock is held"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SetLock(context.Background(), true, 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm lock is held")
}

func TestNewClientNormalizesAddr(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7420", NewClient(":7420").base)
	assert.Equal(t, "http://host:1", NewClient("host:1").base)
	assert.Equal(t, "https://x", NewClient("https://x/").base)
}

