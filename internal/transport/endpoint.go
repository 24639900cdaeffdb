package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Mode selects how a session joins the container.
type Mode string

const (
	// ModeAttach joins the container's primary process stream.
	ModeAttach Mode = "attach"
	// ModeExec spawns Descriptor.Command inside the container.
	ModeExec Mode = "exec"
)

var (
	ErrInvalidMode       = errors.New("mode must be attach or exec")
	ErrCommandRequired   = errors.New("exec mode requires a command")
	ErrContainerRequired = errors.New("container id is required")
)

// ParseMode converts a user-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAttach:
		return ModeAttach, nil
	case ModeExec:
		return ModeExec, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Descriptor identifies the remote endpoint of a session. It is fixed for
// the lifetime of a Transport.
type Descriptor struct {
	ContainerID string
	Mode        Mode
	// Command is required for ModeExec and ignored for ModeAttach.
	Command string
}

// Validate checks the descriptor invariants.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ContainerID) == "" {
		return ErrContainerRequired
	}
	switch d.Mode {
	case ModeAttach:
		return nil
	case ModeExec:
		if strings.TrimSpace(d.Command) == "" {
			return ErrCommandRequired
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, d.Mode)
	}
}

// Endpoint derives the socket URL for d from the page (API base) URL.
// The scheme is wss exactly when base is served over https, the path
// carries the container id and the query carries mode and, for exec, the
// command.
//
//	https://h + {abc123, exec, "python main.py"} -> wss://h/ws/abc123?mode=exec&cmd=python%20main.py
//	http://h  + {abc123, attach}                 -> ws://h/ws/abc123?mode=attach
func Endpoint(base *url.URL, d Descriptor) (string, error) {
	if base == nil || base.Host == "" {
		return "", errors.New("endpoint base must be an absolute URL")
	}
	if err := d.Validate(); err != nil {
		return "", err
	}

	scheme := "ws"
	switch strings.ToLower(base.Scheme) {
	case "https", "wss":
		scheme = "wss"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(base.Host)
	b.WriteString("/ws/")
	b.WriteString(url.PathEscape(d.ContainerID))
	b.WriteString("?mode=")
	b.WriteString(queryEscape(string(d.Mode)))
	if d.Mode == ModeExec {
		b.WriteString("&cmd=")
		b.WriteString(queryEscape(d.Command))
	}
	return b.String(), nil
}

// queryEscape escapes s for a query value using %20 for spaces.
// QueryEscape already turns a literal '+' into %2B, so every '+' left in
// its output stands for a space.
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
