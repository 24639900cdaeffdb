package docker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/runtime"
)

// stream is a hijacked engine connection carrying a raw TTY byte stream.
type stream struct {
	rwc    io.ReadWriteCloser
	resize func(ctx context.Context, cols, rows int) error

	once sync.Once
	err  error
}

func (s *stream) Read(p []byte) (int, error)  { return s.rwc.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.rwc.Write(p) }

func (s *stream) Resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	return s.resize(ctx, cols, rows)
}

func (s *stream) Close() error {
	s.once.Do(func() { s.err = s.rwc.Close() })
	return s.err
}

// upgrade posts to path asking the engine to switch the connection to a
// raw stream.
func (r *Runtime) upgrade(ctx context.Context, req *resty.Request, path string) (io.ReadWriteCloser, error) {
	resp, err := req.
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Connection", "Upgrade").
		SetHeader("Upgrade", "tcp").
		Post(path)
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()

	switch resp.StatusCode() {
	case http.StatusSwitchingProtocols:
		rwc, ok := body.(io.ReadWriteCloser)
		if !ok {
			body.Close()
			return nil, fmt.Errorf("docker: %s: connection not upgraded", path)
		}
		return rwc, nil
	default:
		defer body.Close()
		data, _ := io.ReadAll(io.LimitReader(body, 64<<10))
		return nil, apiError(resp.StatusCode(), data)
	}
}

func (r *Runtime) resizer(path string) func(ctx context.Context, cols, rows int) error {
	return func(ctx context.Context, cols, rows int) error {
		resp, err := r.api.R().SetContext(ctx).
			SetQueryParam("w", strconv.Itoa(cols)).
			SetQueryParam("h", strconv.Itoa(rows)).
			Post(path)
		return check(resp, err, http.StatusOK, http.StatusCreated)
	}
}

// Attach implements runtime.Runtime.
func (r *Runtime) Attach(ctx context.Context, containerID string) (runtime.Stream, error) {
	req := r.stream.R().SetQueryParams(map[string]string{
		"stream": "1",
		"stdin":  "1",
		"stdout": "1",
		"stderr": "1",
		"logs":   "1",
	})
	rwc, err := r.upgrade(ctx, req, "/containers/"+containerID+"/attach")
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", containerID, err)
	}
	r.logger.Debug("Attached", zap.String("container_id", containerID))
	return &stream{rwc: rwc, resize: r.resizer("/containers/" + containerID + "/resize")}, nil
}

type execCreate struct {
	AttachStdin  bool     `json:"AttachStdin"`
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Tty          bool     `json:"Tty"`
	Cmd          []string `json:"Cmd"`
}

type execStart struct {
	Detach bool `json:"Detach"`
	Tty    bool `json:"Tty"`
}

// startExec creates and starts argv in the container with a TTY.
func (r *Runtime) startExec(ctx context.Context, containerID string, argv []string, stdin bool) (*stream, error) {
	var created idResponse
	resp, err := r.api.R().SetContext(ctx).
		SetBody(execCreate{AttachStdin: stdin, AttachStdout: true, AttachStderr: true, Tty: true, Cmd: argv}).
		SetResult(&created).
		Post("/containers/" + containerID + "/exec")
	if err := check(resp, err, http.StatusCreated); err != nil {
		return nil, err
	}

	req := r.stream.R().SetBody(execStart{Tty: true})
	rwc, err := r.upgrade(ctx, req, "/exec/"+created.ID+"/start")
	if err != nil {
		return nil, err
	}
	return &stream{rwc: rwc, resize: r.resizer("/exec/" + created.ID + "/resize")}, nil
}

// Exec implements runtime.Runtime.
func (r *Runtime) Exec(ctx context.Context, containerID, command string) (runtime.Stream, error) {
	s, err := r.startExec(ctx, containerID, runtime.ExecCommand(command), true)
	if err != nil {
		return nil, fmt.Errorf("exec in %s: %w", containerID, err)
	}
	r.logger.Debug("Exec started", zap.String("container_id", containerID), zap.String("cmd", command))
	return s, nil
}
