package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoArtifact means the run has no files to download.
var ErrNoArtifact = errors.New("no files")

// StatusError is a non-2xx API response.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Detail)
}

// CatalogLoadError means the script catalog could not be fetched.
type CatalogLoadError struct {
	// Resource is the endpoint that failed, "ui-config" or "scripts".
	Resource string
	Err      error
}

func (e *CatalogLoadError) Error() string {
	return "Failed to load " + e.Resource + ": " + e.Err.Error()
}

func (e *CatalogLoadError) Unwrap() error { return e.Err }

// LaunchError means a run request failed or was refused.
type LaunchError struct {
	ScriptID string
	Err      error
}

func (e *LaunchError) Error() string {
	return "Run failed: " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error { return e.Err }

// clientFault reports errors caused by the request rather than the server.
// They do not count against the breaker.
func clientFault(err error) bool {
	if err == nil || errors.Is(err, ErrNoArtifact) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Status < http.StatusInternalServerError
}
