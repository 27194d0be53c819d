package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndependentRegistries(t *testing.T) {
	a := New(nil)
	b := New(nil)

	a.StageItems.WithLabelValues("chunk", ResultProcessed).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.StageItems.WithLabelValues("chunk", ResultProcessed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.StageItems.WithLabelValues("chunk", ResultProcessed)))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(nil)
	m.QueueDepth.WithLabelValues("head").Set(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tributary_queue_depth{queue="head"} 3`)
}
