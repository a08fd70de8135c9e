package obs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLogger_FallsBackToInfo(t *testing.T) {
	l, err := NewLogger(LogConfig{Level: "loud", App: "authcore", Env: "test"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}

func TestMetricsServer_Healthz(t *testing.T) {
	var healthErr error
	srv := NewMetricsServer(":0", func(context.Context) error { return healthErr })

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthErr = errors.New("db down")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	AuthOutcomes.WithLabelValues("validate", "ok").Inc()
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "authcore_auth_outcomes_total")
}
