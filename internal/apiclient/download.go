package apiclient

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// fallbackName is used when the server does not name the file.
const fallbackName = "artifact.bin"

// Download describes a saved artifact.
type Download struct {
	Path        string
	Size        int64
	ContentType string
}

// DownloadLatest saves the newest file of runID into dir, named as the
// server names it. ErrNoArtifact means the run produced nothing.
func (c *Client) DownloadLatest(ctx context.Context, runID, dir string) (Download, error) {
	var out Download
	err := c.do(ctx, func(ctx context.Context) (*resty.Response, error) {
		resp, err := c.get.R().SetContext(ctx).
			SetDoNotParseResponse(true).
			Get("/runs/" + url.PathEscape(runID) + "/latest")
		if err != nil {
			return nil, err
		}
		body := resp.RawBody()
		defer body.Close()

		if resp.StatusCode() == http.StatusNotFound {
			return nil, ErrNoArtifact
		}
		if !resp.IsSuccess() {
			data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
			return nil, statusError(resp.StatusCode(), data)
		}

		name := attachmentName(resp.Header().Get("Content-Disposition"))
		path, n, err := save(body, dir, name)
		if err != nil {
			return nil, err
		}
		out = Download{Path: path, Size: n, ContentType: resp.Header().Get("Content-Type")}
		return resp, nil
	})
	if err != nil {
		return Download{}, err
	}
	c.logger.Info("Artifact downloaded", zap.String("run_id", runID), zap.String("path", out.Path), zap.Int64("size", out.Size))
	return out, nil
}

// attachmentName returns a safe base name from a Content-Disposition
// header.
func attachmentName(header string) string {
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return fallbackName
	}
	name := strings.ReplaceAll(params["filename"], "\\", "/")
	name = filepath.Base(filepath.FromSlash(name))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return fallbackName
	}
	return name
}

// save writes r to dir/name through a temporary file so a failed transfer
// never leaves a partial file under the final name.
func save(r io.Reader, dir, name string) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dir, ".webterm-download-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("save artifact: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return path, n, nil
}
