package http

import (
	"bufio"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/n3cloud/webterm/internal/runtime"
)

// fallbackName names artifacts whose own name cannot be sent.
const fallbackName = "artifact.bin"

// sniffLen is how much of an artifact is inspected to pick a content type.
const sniffLen = 3072

// serveArtifact writes art as an attachment. The content type is sniffed
// from the first bytes so browsers and gzip see the real type.
func serveArtifact(w http.ResponseWriter, art *runtime.Artifact) error {
	br := bufio.NewReaderSize(art.Body, sniffLen)
	head, _ := br.Peek(sniffLen)

	h := w.Header()
	h.Set("Content-Type", mimetype.Detect(head).String())
	h.Set("Content-Disposition", contentDisposition(art.Name))
	h.Set("X-Content-Type-Options", "nosniff")
	if art.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(art.Size, 10))
	}
	if !art.ModTime.IsZero() {
		h.Set("Last-Modified", art.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	_, err := io.Copy(w, br)
	return err
}

// contentDisposition builds an attachment header for name, reduced to its
// base name.
func contentDisposition(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		name = fallbackName
	}
	v := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	if v == "" {
		v = mime.FormatMediaType("attachment", map[string]string{"filename": fallbackName})
	}
	return v
}
