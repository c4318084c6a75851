package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerAggregation(t *testing.T) {
	m := NewManager(nil)
	assert.True(t, m.IsHealthy(), "no checks means healthy")

	m.Register("engine", func() error { return nil })
	assert.True(t, m.IsHealthy())

	m.Register("ticker", func() error { return errors.New("socket down") })
	assert.False(t, m.IsHealthy())

	status := m.GetStatus()
	assert.Equal(t, "Healthy", status["engine"])
	assert.Equal(t, "Unhealthy: socket down", status["ticker"])

	// Re-registering replaces the check.
	m.Register("ticker", func() error { return nil })
	assert.True(t, m.IsHealthy())
}

func TestHandlerReportsStatus(t *testing.T) {
	m := NewManager(nil)
	m.Register("db", func() error { return nil })

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])

	m.Register("db", func() error { return errors.New("locked") })
	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
