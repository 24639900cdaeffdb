package docker

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/runtime"
)

// newestFileScript prints the most recently modified regular file under
// the roots given as arguments. It relies only on POSIX sh, find and ls.
const newestFileScript = `find "$@" -type f -exec ls -1t {} + 2>/dev/null | head -n 1`

const maxListing = 64 << 10

// LatestArtifact implements runtime.Runtime.
func (r *Runtime) LatestArtifact(ctx context.Context, runID string) (*runtime.Artifact, error) {
	c, err := r.findRun(ctx, runID)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil, runtime.ErrNoArtifact
	}
	if err != nil {
		return nil, err
	}

	latest, err := r.newestFile(ctx, c.ID)
	if err != nil {
		r.logger.Debug("Artifact search failed", zap.String("run_id", runID), zap.Error(err))
		return nil, runtime.ErrNoArtifact
	}
	if latest == "" {
		return nil, runtime.ErrNoArtifact
	}
	return r.archiveFile(ctx, c.ID, latest)
}

func (r *Runtime) newestFile(ctx context.Context, containerID string) (string, error) {
	argv := append([]string{"/bin/sh", "-c", newestFileScript, "sh"}, runtime.ArtifactRoots...)
	s, err := r.startExec(ctx, containerID, argv, false)
	if err != nil {
		return "", err
	}
	defer s.Close()

	out, err := io.ReadAll(io.LimitReader(s, maxListing))
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimLeft(string(out), "\r\n"), "\n")
	return strings.TrimSpace(line), nil
}

// archiveFile streams the first regular file of the engine's tar archive
// for p.
func (r *Runtime) archiveFile(ctx context.Context, containerID, p string) (*runtime.Artifact, error) {
	resp, err := r.stream.R().SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("path", p).
		Get("/containers/" + containerID + "/archive")
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		body.Close()
		return nil, runtime.ErrNoArtifact
	}

	tr := tar.NewReader(body)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			body.Close()
			return nil, runtime.ErrNoArtifact
		}
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		return &runtime.Artifact{
			Name:    path.Base(hdr.Name),
			Size:    hdr.Size,
			ModTime: hdr.ModTime,
			Body:    readCloser{Reader: tr, Closer: body},
		}, nil
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
