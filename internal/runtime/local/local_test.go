package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/runtime"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func shScript(id, body string) catalog.Script {
	return catalog.Script{ID: id, Title: id, Image: "python:3.11", Cmd: []string{"/bin/sh", "-c", body}}
}

// collector reads r in the background so tests can wait for output.
type collector struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

func collect(r io.Reader) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		b := make([]byte, 1024)
		for {
			n, err := r.Read(b)
			c.mu.Lock()
			c.buf.Write(b[:n])
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *collector) waitFor(t *testing.T, s string) {
	t.Helper()
	require.Eventually(t, func() bool { return strings.Contains(c.String(), s) },
		5*time.Second, 10*time.Millisecond, "output so far: %q", c.String())
}

func TestHistoryWrapsAndKeepsNewest(t *testing.T) {
	h := newHistory(4)
	assert.Nil(t, h.Snapshot())

	h.Write([]byte("ab"))
	assert.Equal(t, "ab", string(h.Snapshot()))

	h.Write([]byte("cdef"))
	assert.Equal(t, "cdef", string(h.Snapshot()))

	h.Write([]byte("g"))
	assert.Equal(t, "defg", string(h.Snapshot()))
	assert.Equal(t, "defg", string(h.Snapshot()), "snapshot does not consume")

	h.Write([]byte("0123456789"))
	assert.Equal(t, "6789", string(h.Snapshot()))
}

func TestLaunchAttachRoundTrip(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	c, err := r.Launch(ctx, shScript("py1", `echo "ready $RUN_ID"; cat`), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", c.RunID)
	assert.Equal(t, "py1", c.ScriptID)
	assert.Equal(t, "python:3.11", c.Image)
	assert.True(t, strings.HasPrefix(c.ID, "local_"))

	s, err := r.Attach(ctx, c.ID)
	require.NoError(t, err)
	defer s.Close()

	out := collect(s)
	out.waitFor(t, "ready r1")

	_, err = s.Write([]byte("hello\n"))
	require.NoError(t, err)
	out.waitFor(t, "hello")
	require.NoError(t, s.Resize(ctx, 120, 40))
}

func TestAttachReplaysEarlierOutput(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	c, err := r.Launch(ctx, shScript("s", `echo early; sleep 30`), "r2")
	require.NoError(t, err)

	first, err := r.Attach(ctx, c.ID)
	require.NoError(t, err)
	collect(first).waitFor(t, "early")
	first.Close()

	second, err := r.Attach(ctx, c.ID)
	require.NoError(t, err)
	defer second.Close()
	collect(second).waitFor(t, "early")
}

func TestAttachEndsWhenProcessExits(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	c, err := r.Launch(ctx, shScript("s", `read line; echo "got $line"`), "r3")
	require.NoError(t, err)
	s, err := r.Attach(ctx, c.ID)
	require.NoError(t, err)

	out := collect(s)
	_, err = s.Write([]byte("x\n"))
	require.NoError(t, err)

	select {
	case <-out.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
	assert.Contains(t, out.String(), "got x")
}

func TestExecRunsInRunDirectory(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	c, err := r.Launch(ctx, shScript("s", `sleep 30`), "r4")
	require.NoError(t, err)

	s, err := r.Exec(ctx, c.ID, `echo "$RUN_ID:$OUTPUT_DIR"; pwd`)
	require.NoError(t, err)
	defer s.Close()

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "r4:"+filepath.Join(r.Dir(), "r4", OutputDir))
	assert.Contains(t, out, filepath.Join(r.Dir(), "r4"))
}

func TestUnknownContainer(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	_, err := r.Attach(ctx, "local_missing")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	_, err = r.Exec(ctx, "local_missing", "")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
	assert.NoError(t, r.Stop(ctx, "local_missing"))
	assert.NoError(t, r.Remove(ctx, "local_missing"))
}

func TestStopIsIdempotent(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	c, err := r.Launch(ctx, shScript("s", `sleep 30`), "r5")
	require.NoError(t, err)
	s, err := r.Attach(ctx, c.ID)
	require.NoError(t, err)
	out := collect(s)

	require.NoError(t, r.Stop(ctx, c.ID))
	require.NoError(t, r.Stop(ctx, c.ID))

	select {
	case <-out.done:
	case <-time.After(5 * time.Second):
		t.Fatal("attached stream survived stop")
	}
	_, err = r.Attach(ctx, c.ID)
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestLaunchRejectsUnsafeRunID(t *testing.T) {
	r := newRuntime(t)
	for _, runID := range []string{"", "../etc", "a/b", ".."} {
		_, err := r.Launch(context.Background(), shScript("s", "true"), runID)
		assert.ErrorIs(t, err, ErrUnsafeRunID, runID)
	}
}

func TestLaunchWithoutCommand(t *testing.T) {
	r := newRuntime(t)
	_, err := r.Launch(context.Background(), catalog.Script{ID: "s", Image: "x"}, "r6")
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, body string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestLatestArtifactPicksNewestOutput(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	script := shScript("s", "true")
	script.Artifacts = []string{"logs/**/*.log"}
	_, err := r.Launch(ctx, script, "r7")
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	run := filepath.Join(r.Dir(), "r7")
	writeFile(t, filepath.Join(run, OutputDir, "a.txt"), "old", base)
	writeFile(t, filepath.Join(run, OutputDir, "nested", "result.txt"), "result body", base.Add(time.Minute))
	writeFile(t, filepath.Join(run, "scratch.txt"), "ignored", base.Add(time.Hour))

	a, err := r.LatestArtifact(ctx, "r7")
	require.NoError(t, err)
	body, err := io.ReadAll(a.Body)
	a.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "result.txt", a.Name)
	assert.Equal(t, int64(11), a.Size)
	assert.Equal(t, "result body", string(body))

	writeFile(t, filepath.Join(run, "logs", "2024", "run.log"), "log", base.Add(2*time.Minute))
	a, err = r.LatestArtifact(ctx, "r7")
	require.NoError(t, err)
	a.Body.Close()
	assert.Equal(t, "run.log", a.Name)
}

func TestLatestArtifactMissing(t *testing.T) {
	r := newRuntime(t)
	ctx := context.Background()

	_, err := r.LatestArtifact(ctx, "nope")
	assert.ErrorIs(t, err, runtime.ErrNoArtifact)
	_, err = r.LatestArtifact(ctx, "../x")
	assert.ErrorIs(t, err, runtime.ErrNoArtifact)

	_, err = r.Launch(ctx, shScript("s", "true"), "r8")
	require.NoError(t, err)
	_, err = r.LatestArtifact(ctx, "r8")
	assert.ErrorIs(t, err, runtime.ErrNoArtifact)
}

func TestPing(t *testing.T) {
	r := newRuntime(t)
	assert.NoError(t, r.Ping(context.Background()))
}
