package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/plogd/plogd/internal/metrics"
	"github.com/plogd/plogd/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts Options) string {
	t.Helper()
	server := NewAdminServer(opts)
	require.NoError(t, server.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = server.Stop(context.Background()) })
	return "http://" + server.Addr().String()
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestAdminServer_Health(t *testing.T) {
	base := startServer(t, Options{})

	code, body := get(t, base+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)
}

func TestAdminServer_Metrics(t *testing.T) {
	oldRegistry := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	defer func() { metrics.Registry = oldRegistry }()
	metrics.Registry.MustRegister(collectors.NewGoCollector())

	m := metrics.InitMetrics("127.0.0.1:23456", "1.0.0")
	m.ReceivedUDPSimpleMessage()

	base := startServer(t, Options{})
	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `plogd_udp_simple_messages_total{listener="127.0.0.1:23456"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestAdminServer_Stats(t *testing.T) {
	base := startServer(t, Options{
		Stats: func() ([]byte, error) { return []byte(`[{"version":"1.0.0"}]`), nil },
	})

	resp, err := http.Get(base + "/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `[{"version":"1.0.0"}]`, string(body))

	failing := startServer(t, Options{
		Stats: func() ([]byte, error) { return nil, errors.New("boom") },
	})
	code, _ := get(t, failing+"/stats")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestAdminServer_OptionalEndpoints(t *testing.T) {
	base := startServer(t, Options{})

	for _, path := range []string{"/stats", "/tail", "/debug/trace"} {
		code, _ := get(t, base+path)
		assert.Equal(t, http.StatusNotFound, code, path)
	}
}

func TestAdminServer_Trace(t *testing.T) {
	rec := tracing.New(tracing.Config{})
	require.NoError(t, rec.Start())
	defer rec.Stop()

	base := startServer(t, Options{Trace: rec})
	resp, err := http.Get(base + "/debug/trace")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(resp.Header.Get("Content-Disposition"), "plogd.trace"))
	body, _ := io.ReadAll(resp.Body)
	assert.NotEmpty(t, body)
}

func TestAdminServer_StartError(t *testing.T) {
	server := NewAdminServer(Options{})
	assert.Error(t, server.Start("127.0.0.1:-1"))
	assert.Nil(t, server.Addr())
	assert.NoError(t, server.Stop(context.Background()))
}
