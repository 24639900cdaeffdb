package http

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/runtime"
	"github.com/n3cloud/webterm/internal/runtime/runtimetest"
)

const testCatalog = `
title: demo
scripts:
  - id: py1
    title: Python
    image: python:3.11
  - id: sh
    image: alpine
    cmd: ["sh"]
`

func setupTestRouter(t *testing.T) (*gin.Engine, *runtimetest.MockRuntime) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat, err := catalog.Parse([]byte(testCatalog), catalog.FormatYAML)
	require.NoError(t, err)

	rt := runtimetest.NewMockRuntime(t)
	h, err := NewHandlers(Config{
		Catalog:  catalog.NewStore(cat),
		Runtime:  rt,
		NewRunID: func() string { return "r1" },
	})
	require.NoError(t, err)

	r := gin.New()
	h.Register(r)
	return r, rt
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCatalogEndpoints(t *testing.T) {
	r, _ := setupTestRouter(t)

	tests := []struct {
		name string
		path string
		want string
	}{
		{
			name: "ui-config wraps scripts",
			path: "/ui-config",
			want: `{"scripts":[
				{"id":"py1","title":"Python","image":"python:3.11","cmd":["python","main.py"]},
				{"id":"sh","title":"sh","image":"alpine","cmd":["sh"]}]}`,
		},
		{
			name: "scripts is a bare list",
			path: "/scripts",
			want: `[
				{"id":"py1","title":"Python","image":"python:3.11","cmd":["python","main.py"]},
				{"id":"sh","title":"sh","image":"alpine","cmd":["sh"]}]`,
		},
		{
			name: "config is the raw document",
			path: "/config",
			want: `{"title":"demo","scripts":[
				{"id":"py1","title":"Python","image":"python:3.11"},
				{"id":"sh","image":"alpine","cmd":["sh"]}]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, tt.path, "")
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}
}

func TestRun(t *testing.T) {
	r, rt := setupTestRouter(t)
	rt.On("Launch", mock.Anything, mock.MatchedBy(func(s catalog.Script) bool { return s.ID == "py1" }), "r1").
		Return(runtime.Container{ID: "c1", RunID: "r1", ScriptID: "py1"}, nil).Once()

	w := do(r, http.MethodPost, "/run", `{"script_id":"py1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"container_id":"c1","run_id":"r1"}`, w.Body.String())
	rt.AssertExpectations(t)
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		launchErr  error
		wantStatus int
		wantDetail string
	}{
		{"unknown script", `{"script_id":"nope"}`, nil, http.StatusNotFound, "script not found"},
		{"missing script id", `{}`, nil, http.StatusUnprocessableEntity, ""},
		{"malformed body", `{`, nil, http.StatusUnprocessableEntity, ""},
		{"runtime failure", `{"script_id":"py1"}`, errors.New("pull python:3.11: denied"), http.StatusInternalServerError, "pull python:3.11: denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rt := setupTestRouter(t)
			if tt.launchErr != nil {
				rt.On("Launch", mock.Anything, mock.Anything, "r1").Return(runtime.Container{}, tt.launchErr).Once()
			}

			w := do(r, http.MethodPost, "/run", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), `"detail"`)
			if tt.wantDetail != "" {
				assert.JSONEq(t, `{"detail":"`+tt.wantDetail+`"}`, w.Body.String())
			}
			if tt.launchErr == nil {
				rt.AssertNotCalled(t, "Launch", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestStop(t *testing.T) {
	r, rt := setupTestRouter(t)

	w := do(r, http.MethodPost, "/stop/c1", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	rt.AssertCalled(t, "Stop", mock.Anything, "c1")
	rt.AssertCalled(t, "Remove", mock.Anything, "c1")
}

func TestStopFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rt := new(runtimetest.MockRuntime)
	rt.On("Stop", mock.Anything, "c1").Return(errors.New("engine down"))
	h, err := NewHandlers(Config{Runtime: rt})
	require.NoError(t, err)
	r := gin.New()
	h.Register(r)

	w := do(r, http.MethodPost, "/stop/c1", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"detail":"engine down"}`, w.Body.String())
	rt.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
}

func TestLatestArtifact(t *testing.T) {
	r, rt := setupTestRouter(t)
	mod := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rt.On("LatestArtifact", mock.Anything, "r1").Return(&runtime.Artifact{
		Name:    "logs/result.txt",
		Size:    5,
		ModTime: mod,
		Body:    io.NopCloser(strings.NewReader("hello")),
	}, nil)

	w := do(r, http.MethodGet, "/runs/r1/latest", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "attachment; filename=result.txt", w.Header().Get("Content-Disposition"))
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "5", w.Header().Get("Content-Length"))
	assert.Equal(t, mod.Format(http.TimeFormat), w.Header().Get("Last-Modified"))
}

func TestLatestArtifactMissing(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"no files", runtime.ErrNoArtifact, http.StatusNotFound, `{"detail":"no files"}`},
		{"no run", runtime.ErrNotFound, http.StatusNotFound, `{"detail":"no files"}`},
		{"engine error", errors.New("engine down"), http.StatusInternalServerError, `{"detail":"engine down"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rt := setupTestRouter(t)
			rt.On("LatestArtifact", mock.Anything, "r9").Return(nil, tt.err)

			w := do(r, http.MethodGet, "/runs/r9/latest", "")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestLatestArtifactCompressed(t *testing.T) {
	r, rt := setupTestRouter(t)
	payload := strings.Repeat("line of output\n", 1000)
	rt.On("LatestArtifact", mock.Anything, "r1").Return(&runtime.Artifact{
		Name: "out.log",
		Size: int64(len(payload)),
		Body: io.NopCloser(strings.NewReader(payload)),
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/runs/r1/latest", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "attachment; filename=out.log", w.Header().Get("Content-Disposition"))

	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestHealth(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"scripts":2`)

	gin.SetMode(gin.TestMode)
	rt := new(runtimetest.MockRuntime)
	rt.On("Ping", mock.Anything).Return(errors.New("cannot connect"))
	h, err := NewHandlers(Config{Runtime: rt})
	require.NoError(t, err)
	down := gin.New()
	h.Register(down)

	w = do(down, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"degraded","detail":"cannot connect"}`, w.Body.String())
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"result.csv", "attachment; filename=result.csv"},
		{"/app/out/report final.txt", `attachment; filename="report final.txt"`},
		{`C:\out\a.bin`, "attachment; filename=a.bin"},
		{"..", "attachment; filename=artifact.bin"},
		{"", "attachment; filename=artifact.bin"},
		{"résumé.pdf", "attachment; filename*=utf-8''r%C3%A9sum%C3%A9.pdf"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, contentDisposition(tt.name), tt.name)
	}
}
