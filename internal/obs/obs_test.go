package obs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/printease/internal/obs"
	"github.com/noah-isme/printease/internal/session"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("printease", []float64{10, 1}, registry)
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/health/ready"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/health/ready", "204")))
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsReuseRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("printease", nil, registry)
	second := obs.NewHTTPMetrics("printease", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestRequestLoggerIncludesIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := obs.RequestLogger{Logger: logger}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		obs.LoggerFrom(r.Context(), zerolog.Nop()).Debug().Msg("inner")
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	req = req.WithContext(session.WithIdentity(context.Background(), session.Identity{Credential: "t", Role: session.RoleUser, Subject: "u-7"}))
	h.ServeHTTP(httptest.NewRecorder(), req)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	require.Equal(t, "http_request", entry["message"])
	require.Equal(t, "u-7", entry["user_id"])
	require.Equal(t, "user", entry["role"])
	require.EqualValues(t, 201, entry["status"])
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 12.5}, obs.ParseBucketsCSV("5, x, -1, 12.5"))
	require.Nil(t, obs.ParseBucketsCSV(" "))
}

func TestLoggerFromPrefersContextLogger(t *testing.T) {
	var fallback, scoped bytes.Buffer
	base := zerolog.New(&fallback)

	obs.LoggerFrom(context.Background(), base).Warn().Msg("no request logger")
	require.Contains(t, fallback.String(), "no request logger")

	ctx := zerolog.New(&scoped).WithContext(context.Background())
	obs.LoggerFrom(ctx, base).Info().Msg("scoped")
	require.Contains(t, scoped.String(), "scoped")
	require.NotContains(t, fallback.String(), "scoped")

	// a disabled context logger does not swallow the fallback
	ctx = zerolog.Nop().WithContext(context.Background())
	obs.LoggerFrom(ctx, base).Error().Msg("still logged")
	require.Contains(t, fallback.String(), "still logged")
}
