package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3cloud/webterm/internal/infrastructure/resilience"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL + "/api")
	cfg.RetryMax = 1
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestUIConfig(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ui-config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"scripts":[{"id":"py1","title":"Python","image":"python:3.11","cmd":["python","main.py"],"env":{"N":3},"cpu_limit":1.5}]}`))
	})
	c, _ := newTestClient(t, mux)

	scripts, err := c.UIConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "py1", scripts[0].ID)
	assert.Equal(t, "python:3.11", scripts[0].Image)
	assert.Equal(t, "3", scripts[0].Env["N"])
	assert.EqualValues(t, "1.5", scripts[0].CPULimit)
}

func TestScriptsList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/scripts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "a", "image": "alpine"}, {"id": "b", "image": "busybox"}})
	})
	c, _ := newTestClient(t, mux)

	scripts, err := c.Scripts(context.Background())
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "b", scripts[1].ID)
}

func TestUIConfigFailureRetriesThenReports(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/ui-config", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	})
	c, _ := newTestClient(t, mux)

	scripts, err := c.UIConfig(context.Background())
	assert.Nil(t, scripts)

	var loadErr *CatalogLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "ui-config", loadErr.Resource)
	assert.Contains(t, err.Error(), "Failed to load ui-config")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.Status)
	assert.Equal(t, "boom", se.Detail)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRun(t *testing.T) {
	var body map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/run", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]string{"container_id": "c1", "run_id": "r1"})
	})
	c, _ := newTestClient(t, mux)

	launch, err := c.Run(context.Background(), "py1")
	require.NoError(t, err)
	assert.Equal(t, Launch{ContainerID: "c1", RunID: "r1"}, launch)
	assert.Equal(t, map[string]string{"script_id": "py1"}, body)
}

func TestRunFailureIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		detail string
	}{
		{"unknown script", http.StatusNotFound, map[string]string{"detail": "script not found"}, "script not found"},
		{"runtime failure", http.StatusInternalServerError, map[string]string{"detail": "pull failed"}, "pull failed"},
		{"validation list", http.StatusUnprocessableEntity, map[string]any{"detail": []string{"missing"}}, `["missing"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/run", func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tt.status, tt.body)
			})
			c, _ := newTestClient(t, mux)

			_, err := c.Run(context.Background(), "py1")
			var launchErr *LaunchError
			require.ErrorAs(t, err, &launchErr)
			assert.Equal(t, "py1", launchErr.ScriptID)
			assert.Contains(t, err.Error(), "Run failed")

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, tt.detail, se.Detail)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestRunWithoutContainerID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/run", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"run_id": "r1"})
	})
	c, _ := newTestClient(t, mux)

	_, err := c.Run(context.Background(), "py1")
	var launchErr *LaunchError
	assert.ErrorAs(t, err, &launchErr)
}

func TestStopEscapesID(t *testing.T) {
	var path string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stop/{id}", func(w http.ResponseWriter, r *http.Request) {
		path = r.PathValue("id")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.Stop(context.Background(), "c 1"))
	assert.Equal(t, "c 1", path)
}

func TestArtifactURL(t *testing.T) {
	c, err := New(DefaultConfig("http://localhost:8000/api/"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/api/runs/r1/latest", c.ArtifactURL("r1"))
	assert.Equal(t, "http://localhost:8000/api/runs/a%2Fb/latest", c.ArtifactURL("a/b"))
}

func TestNewRejectsNonHTTPBase(t *testing.T) {
	_, err := New(DefaultConfig("ws://localhost:8000"))
	assert.Error(t, err)
	_, err = New(DefaultConfig("://bad"))
	assert.Error(t, err)
}

func TestDownloadLatest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs/{id}/latest", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "r1":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Content-Disposition", `attachment; filename="result.txt"`)
			w.Write([]byte("hello artifact"))
		case "evil":
			w.Header().Set("Content-Disposition", `attachment; filename="../../etc/passwd"`)
			w.Write([]byte("x"))
		case "anon":
			w.Write([]byte("y"))
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no files"})
		}
	})
	c, _ := newTestClient(t, mux)
	dir := t.TempDir()
	ctx := context.Background()

	d, err := c.DownloadLatest(ctx, "r1", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "result.txt"), d.Path)
	assert.Equal(t, int64(14), d.Size)
	assert.Equal(t, "text/plain; charset=utf-8", d.ContentType)
	data, err := os.ReadFile(d.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello artifact", string(data))

	d, err = c.DownloadLatest(ctx, "evil", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "passwd"), d.Path)

	d, err = c.DownloadLatest(ctx, "anon", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, fallbackName), d.Path)

	_, err = c.DownloadLatest(ctx, "none", dir)
	assert.ErrorIs(t, err, ErrNoArtifact)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temporary files left behind")
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stop/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.PathValue("id") == "missing" {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not found"})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})
	c, _ := newTestClient(t, mux)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.Error(t, c.Stop(ctx, "missing"))
	}
	assert.Equal(t, resilience.StateClosed, c.BreakerState(), "client errors do not trip")

	for i := 0; i < 5; i++ {
		assert.Error(t, c.Stop(ctx, "c1"))
	}
	assert.Equal(t, resilience.StateOpen, c.BreakerState())

	before := calls.Load()
	err := c.Stop(ctx, "c1")
	assert.True(t, errors.Is(err, resilience.ErrCircuitOpen))
	assert.Equal(t, before, calls.Load())
}

func TestAttachmentName(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`attachment; filename="out.csv"`, "out.csv"},
		{`attachment; filename="a\\b.txt"`, "b.txt"},
		{`attachment; filename=".."`, fallbackName},
		{`attachment`, fallbackName},
		{``, fallbackName},
		{`attachment; filename="dir/"`, "dir"},
		{`attachment; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`, "résumé.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, attachmentName(tt.header), tt.header)
	}
}
