package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunWorstStatusWins(t *testing.T) {
	tests := []struct {
		name     string
		checks   map[string]Check
		expected Status
	}{
		{
			name:     "all up",
			checks:   map[string]Check{"store": Probe(func(context.Context) error { return nil }, false)},
			expected: StatusUp,
		},
		{
			name: "optional failure degrades",
			checks: map[string]Check{
				"store":  Probe(func(context.Context) error { return nil }, false),
				"ollama": Probe(func(context.Context) error { return errors.New("refused") }, true),
			},
			expected: StatusDegraded,
		},
		{
			name: "required failure is down",
			checks: map[string]Check{
				"store":  Probe(func(context.Context) error { return errors.New("locked") }, false),
				"ollama": Probe(func(context.Context) error { return errors.New("refused") }, true),
			},
			expected: StatusDown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for name, check := range tt.checks {
				c.Register(name, check)
			}
			report := c.Run(context.Background())
			assert.Equal(t, tt.expected, report.Status)
			assert.Len(t, report.Components, len(tt.checks))
		})
	}
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("store", Probe(func(context.Context) error { return errors.New("gone") }, false))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	c.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
