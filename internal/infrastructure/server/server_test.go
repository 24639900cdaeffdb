package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3cloud/webterm/internal/api/middleware"
	"github.com/n3cloud/webterm/internal/infrastructure/config"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/runtime/runtimetest"
)

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scripts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Catalog.Path = writeCatalog(t, "scripts:\n  - id: py1\n    image: python:3.11\n")
	cfg.RateLimit.Enabled = false
	cfg.Logging.Development = true

	s, err := NewServer(cfg, WithRuntime(runtimetest.NewMockRuntime(t)), WithLogger(logging.NewNop()))
	require.NoError(t, err)
	return s, cfg
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRoutes(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	w := get(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	w = get(h, "/ui-config")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"py1"`)

	w = get(h, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `webterm_http_requests_total{method="GET",route="/ui-config",status="200"} 1`)
	assert.Contains(t, w.Body.String(), "webterm_catalog_scripts 1")
}

func TestReloadCatalog(t *testing.T) {
	s, cfg := newTestServer(t)

	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte("scripts:\n  - id: a\n    image: x\n  - id: b\n    image: y\n"), 0o644))
	require.NoError(t, s.ReloadCatalog())
	assert.Contains(t, get(s.Handler(), "/scripts").Body.String(), `"id":"b"`)

	require.NoError(t, os.WriteFile(cfg.Catalog.Path, []byte("scripts: [ {id: a"), 0o644))
	assert.Error(t, s.ReloadCatalog())
	assert.Contains(t, get(s.Handler(), "/scripts").Body.String(), `"id":"b"`, "bad reload keeps the old catalog")
}

func TestNewServerRejectsBadCatalog(t *testing.T) {
	cfg := config.Default()
	cfg.Catalog.Path = writeCatalog(t, "scripts:\n  - title: no id\n")

	_, err := NewServer(cfg, WithRuntime(runtimetest.NewMockRuntime(t)), WithLogger(logging.NewNop()))
	assert.Error(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(body), `"status":"ok"`)
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	require.NoError(t, s.Close())
}
