package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud", OutputPaths: []string{"stdout"}})
	assert.Error(t, err)
}

func TestFileConfigWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "webterm.log")

	logger, err := New(FileConfig(path, "debug"))
	require.NoError(t, err)

	logger.Info("session opened", zap.String("container_id", "c1"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"session opened"`)
	assert.Contains(t, string(data), `"container_id":"c1"`)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil).Logger)
	assert.NotNil(t, OrNop(&Logger{}).Logger)

	l := NewNop()
	assert.Same(t, l, OrNop(l))
}
