package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/hello-docker/internal/config"
	"github.com/benaskins/hello-docker/internal/greeting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRuntime = "go1.26.1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(v greeting.Variant) *config.Config {
	return config.Default(v)
}

func newTestHandler(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	return NewServer(cfg, testLogger(), WithRuntimeVersion(testRuntime)).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIndexDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		variant greeting.Variant
		want    string
	}{
		{greeting.VariantDocker, `{"message":"Hello from Docker!","environment":"development","version":"1.0.0"}`},
		{greeting.VariantPython, `{"message":"Python Docker Template","python_version":"go1.26.1","environment":"development"}`},
		{greeting.VariantGo, `{"message":"Go Docker Template","go_version":"go1.26.1","environment":"development"}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.variant), func(t *testing.T) {
			rec := do(t, newTestHandler(t, testConfig(tt.variant)), http.MethodGet, "/", nil)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestIndexUsesInjectedConfig(t *testing.T) {
	t.Parallel()
	docker := testConfig(greeting.VariantDocker)
	docker.Environment = "staging"
	docker.Version = "2.3.1"

	rec := do(t, newTestHandler(t, docker), http.MethodGet, "/", nil)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "staging", body["environment"])
	assert.Equal(t, "2.3.1", body["version"])

	python := testConfig(greeting.VariantPython)
	python.Environment = "staging"
	python.Version = "2.3.1"

	rec = do(t, newTestHandler(t, python), http.MethodGet, "/", nil)
	body = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "staging", body["environment"])
	assert.NotContains(t, body, "version")
	assert.Equal(t, testRuntime, body["python_version"])
}

func TestIndexIgnoresQueryAndBody(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, testConfig(greeting.VariantDocker))
	plain := do(t, h, http.MethodGet, "/", nil)
	noisy := do(t, h, http.MethodGet, "/?message=hijack&environment=prod", strings.NewReader(`{"version":"9"}`))

	assert.Equal(t, http.StatusOK, noisy.Code)
	assert.Equal(t, plain.Body.String(), noisy.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, testConfig(greeting.VariantDocker))

	requests := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodGet, "/health?verbose=1", nil),
		httptest.NewRequest(http.MethodGet, "/health", strings.NewReader("ignored body")),
	}
	withHeaders := httptest.NewRequest(http.MethodGet, "/health", nil)
	withHeaders.Header.Set("Accept", "text/plain")
	withHeaders.Header.Set("Authorization", "Bearer nope")
	requests = append(requests, withHeaders)

	for _, req := range requests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code, req.URL.String())
		assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String(), req.URL.String())
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, testConfig(greeting.VariantDocker))

	for _, path := range []string{"/nonexistent", "/health/extra", "/index.html"} {
		rec := do(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	// Still serving after 404s.
	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, testConfig(greeting.VariantDocker))

	rec := do(t, h, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodDelete, "/", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHeadRequest(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, testConfig(greeting.VariantDocker))

	rec := do(t, h, http.MethodHead, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig(greeting.VariantDocker)
	cfg.RateLimit = config.RateLimit{RequestsPerSecond: 0.001, Burst: 2}
	h := newTestHandler(t, cfg)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/", nil).Code)

	rec := do(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}

func TestRateLimitExemptsHealth(t *testing.T) {
	t.Parallel()
	cfg := testConfig(greeting.VariantDocker)
	cfg.RateLimit = config.RateLimit{RequestsPerSecond: 1, Burst: 1}
	h := newTestHandler(t, cfg)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/", nil).Code)

	for range 3 {
		rec := do(t, h, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	}
}

type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestRateLimitLogsWriteFailure(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := rateLimit(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), 0.001, 1, logger)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	w := brokenWriter{httptest.NewRecorder()}
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, buf.String(), "writing response")
	assert.Contains(t, buf.String(), "connection reset")
}

func TestAccessLog(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := NewServer(testConfig(greeting.VariantDocker), logger).Handler()

	do(t, h, http.MethodGet, "/nonexistent", nil)

	line := buf.String()
	assert.Contains(t, line, "component=api")
	assert.Contains(t, line, "path=/nonexistent")
	assert.Contains(t, line, "status=404")
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv := NewServer(cfg, testLogger(), WithRuntimeVersion(testRuntime))
	require.NoError(t, srv.Listen())

	go srv.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestListenServesOnConfiguredPort(t *testing.T) {
	cfg := testConfig(greeting.VariantPython)
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)

	srv := startServer(t, cfg)
	assert.Equal(t, cfg.Addr(), srv.Addr())

	resp, err := http.Get(fmt.Sprintf("http://%s/", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Python Docker Template", body["message"])

	// Nothing else is bound for this server.
	other := freePort(t)
	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", other), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestListenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(greeting.VariantDocker)
	cfg.Host = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	err = NewServer(cfg, testLogger()).Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on "+cfg.Addr())
}

func TestShutdown(t *testing.T) {
	cfg := testConfig(greeting.VariantDocker)
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)

	srv := NewServer(cfg, testLogger())
	require.NoError(t, srv.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err, "clean shutdown should not surface ErrServerClosed")
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after Shutdown")
	}
}
