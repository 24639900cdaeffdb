package local

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/runtime"
)

type candidate struct {
	path    string
	size    int64
	modTime time.Time
}

// newest keeps the most recently modified candidate. Walk callbacks run
// concurrently.
type newest struct {
	mu   sync.Mutex
	best *candidate
}

func (n *newest) offer(path string, info fs.FileInfo) {
	if !info.Mode().IsRegular() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.best == nil || info.ModTime().After(n.best.modTime) {
		n.best = &candidate{path: path, size: info.Size(), modTime: info.ModTime()}
	}
}

// LatestArtifact implements runtime.Runtime. It considers every file under
// the run's output directory plus the script's artifact patterns, which are
// matched relative to the run directory.
func (r *Runtime) LatestArtifact(_ context.Context, runID string) (*runtime.Artifact, error) {
	dir, err := r.runDir(runID)
	if err != nil {
		return nil, runtime.ErrNoArtifact
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, runtime.ErrNoArtifact
	}

	var best newest
	out := filepath.Join(dir, OutputDir)
	if _, err := os.Stat(out); err == nil {
		conf := fastwalk.Config{Follow: false}
		err := fastwalk.Walk(&conf, out, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			best.offer(p, info)
			return nil
		})
		if err != nil {
			r.logger.Debug("Output walk failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	root := os.DirFS(dir)
	for _, pattern := range r.patterns(runID) {
		if !doublestar.ValidatePattern(pattern) {
			continue
		}
		matches, err := doublestar.Glob(root, pattern, doublestar.WithFilesOnly())
		if err != nil {
			continue
		}
		for _, m := range matches {
			info, err := fs.Stat(root, m)
			if err != nil {
				continue
			}
			best.offer(filepath.Join(dir, filepath.FromSlash(m)), info)
		}
	}

	if best.best == nil {
		return nil, runtime.ErrNoArtifact
	}
	f, err := os.Open(best.best.path)
	if err != nil {
		return nil, runtime.ErrNoArtifact
	}
	return &runtime.Artifact{
		Name:    filepath.Base(best.best.path),
		Size:    best.best.size,
		ModTime: best.best.modTime,
		Body:    f,
	}, nil
}
