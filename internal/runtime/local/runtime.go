package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/runtime"
	"github.com/n3cloud/webterm/internal/shared/id"
)

// OutputDir is the directory inside a run directory exported as OUTPUT_DIR.
const OutputDir = "out"

// ErrUnsafeRunID is returned for run ids that cannot be used as a directory
// name.
var ErrUnsafeRunID = errors.New("local: unsafe run id")

// Config configures the host process runtime.
type Config struct {
	// Dir holds one directory per run.
	Dir string
	// Shell runs exec commands. Defaults to /bin/sh.
	Shell string
	// HistorySize is how much output is replayed to a new attacher.
	HistorySize int
	Logger      *logging.Logger
}

// Runtime runs catalog scripts as host processes under a pseudo-terminal.
// The script's image is recorded but not used.
type Runtime struct {
	cfg    Config
	logger *logging.Logger

	procs sync.Map // container id -> *process

	mu   sync.RWMutex
	runs map[string][]string // run id -> artifact patterns
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns a runtime rooted at cfg.Dir.
func New(cfg Config) (*Runtime, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "webterm-runs")
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1024 * 1024
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	cfg.Dir = abs
	return &Runtime{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).Named("local"),
		runs:   make(map[string][]string),
	}, nil
}

// Dir returns the directory holding run directories.
func (r *Runtime) Dir() string { return r.cfg.Dir }

func (r *Runtime) runDir(runID string) (string, error) {
	if !id.IsSafe(runID) {
		return "", ErrUnsafeRunID
	}
	return filepath.Join(r.cfg.Dir, runID), nil
}

func envList(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Launch implements runtime.Runtime.
func (r *Runtime) Launch(ctx context.Context, script catalog.Script, runID string) (runtime.Container, error) {
	dir, err := r.runDir(runID)
	if err != nil {
		return runtime.Container{}, err
	}
	if len(script.Cmd) == 0 {
		return runtime.Container{}, fmt.Errorf("local: script %s has no command", script.ID)
	}
	out := filepath.Join(dir, OutputDir)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return runtime.Container{}, fmt.Errorf("local: create run dir: %w", err)
	}

	env := append(os.Environ(), "TERM=xterm-256color")
	env = append(env, envList(runtime.LaunchEnv(script, runID, out))...)

	cmd := exec.Command(script.Cmd[0], script.Cmd[1:]...)
	cmd.Dir = dir
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return runtime.Container{}, fmt.Errorf("local: start %s: %w", script.ID, err)
	}

	p := &process{
		id:       id.NewContainerID().String(),
		runID:    runID,
		scriptID: script.ID,
		image:    script.Image,
		dir:      dir,
		env:      env,
		cmd:      cmd,
		ptmx:     ptmx,
		history:  newHistory(r.cfg.HistorySize),
		exited:   make(chan struct{}),
		subs:     make(map[*attachStream]struct{}),
	}
	r.procs.Store(p.id, p)

	r.mu.Lock()
	r.runs[runID] = append([]string(nil), script.Artifacts...)
	r.mu.Unlock()

	go p.pump()
	go p.wait()

	r.logger.Info("Process started",
		zap.String("container_id", p.id),
		zap.String("run_id", runID),
		zap.String("script_id", script.ID),
		zap.Int("pid", cmd.Process.Pid))

	return runtime.Container{ID: p.id, RunID: runID, ScriptID: script.ID, Image: script.Image}, nil
}

func (r *Runtime) lookup(containerID string) (*process, bool) {
	v, ok := r.procs.Load(containerID)
	if !ok {
		return nil, false
	}
	return v.(*process), true
}

// Attach implements runtime.Runtime.
func (r *Runtime) Attach(_ context.Context, containerID string) (runtime.Stream, error) {
	p, ok := r.lookup(containerID)
	if !ok {
		return nil, fmt.Errorf("attach %s: %w", containerID, runtime.ErrNotFound)
	}
	s, ok := p.subscribe()
	if !ok {
		return nil, fmt.Errorf("attach %s: %w", containerID, runtime.ErrNotFound)
	}
	return s, nil
}

// Exec implements runtime.Runtime.
func (r *Runtime) Exec(_ context.Context, containerID, command string) (runtime.Stream, error) {
	p, ok := r.lookup(containerID)
	if !ok {
		return nil, fmt.Errorf("exec in %s: %w", containerID, runtime.ErrNotFound)
	}

	argv := runtime.ExecCommand(command)
	argv[0] = r.cfg.Shell
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = p.dir
	cmd.Env = p.env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		return nil, fmt.Errorf("exec in %s: %w", containerID, err)
	}
	s := &execStream{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(s.done)
	}()

	r.logger.Debug("Exec started", zap.String("container_id", containerID), zap.String("cmd", command))
	return s, nil
}

// Stop implements runtime.Runtime. Like an auto-removed container, a
// stopped process is forgotten; its run directory stays.
func (r *Runtime) Stop(_ context.Context, containerID string) error {
	v, ok := r.procs.LoadAndDelete(containerID)
	if !ok {
		return nil
	}
	p := v.(*process)
	p.stop(runtime.StopTimeout)
	r.logger.Info("Process stopped", zap.String("container_id", containerID), zap.String("run_id", p.runID))
	return nil
}

// Remove implements runtime.Runtime.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	return r.Stop(ctx, containerID)
}

// Ping implements runtime.Runtime by checking the run directory is usable.
func (r *Runtime) Ping(context.Context) error {
	return os.MkdirAll(r.cfg.Dir, 0o755)
}

// Close stops every running process.
func (r *Runtime) Close() error {
	var wg sync.WaitGroup
	r.procs.Range(func(key, _ any) bool {
		wg.Add(1)
		go func(containerID string) {
			defer wg.Done()
			_ = r.Stop(context.Background(), containerID)
		}(key.(string))
		return true
	})
	wg.Wait()
	return nil
}

func (r *Runtime) patterns(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs[runID]
}
