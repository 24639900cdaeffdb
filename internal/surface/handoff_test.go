package surface

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffUnreadComesFirst(t *testing.T) {
	pr, pw := io.Pipe()
	h := NewHandoff(pr)
	go func() {
		pw.Write([]byte("a"))
		pw.Write([]byte("b"))
		pw.Close()
	}()

	buf := make([]byte, 8)
	n, err := h.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "a", string(buf[:n]))
	h.Unread(buf[:n])

	var got []string
	for {
		n, err := h.Read(buf)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestHandoffSplitsLargeChunks(t *testing.T) {
	h := NewHandoff(eofReader{})
	h.Unread([]byte("hello"))

	buf := make([]byte, 3)
	n, _ := h.Read(buf)
	assert.Equal(t, "hel", string(buf[:n]))
	n, _ = h.Read(buf)
	assert.Equal(t, "lo", string(buf[:n]))
	_, err := h.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func TestHandoffPassesInputToNextSurface(t *testing.T) {
	loop := startLoop(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	h := NewHandoff(pr)

	first := New(loop, Config{})
	firstGot := make(chan string, 4)
	first.OnInput(func(p []byte) { firstGot <- string(p) })
	require.NoError(t, first.Attach(nil, h, io.Discard))

	_, err := pw.Write([]byte("a"))
	require.NoError(t, err)
	select {
	case got := <-firstGot:
		assert.Equal(t, "a", got)
	case <-time.After(time.Second):
		t.Fatal("first surface got no input")
	}

	// The first surface is still blocked reading when it is disposed, so
	// it picks up the next keystroke and must hand it on.
	first.Dispose()
	_, err = pw.Write([]byte("b"))
	require.NoError(t, err)

	second := New(loop, Config{})
	secondGot := make(chan string, 4)
	second.OnInput(func(p []byte) { secondGot <- string(p) })
	require.NoError(t, second.Attach(nil, h, io.Discard))

	select {
	case got := <-secondGot:
		assert.Equal(t, "b", got)
	case <-time.After(time.Second):
		t.Fatal("keystroke lost between surfaces")
	}
	flush(t, loop)
	assert.Empty(t, firstGot)
}
