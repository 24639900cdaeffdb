package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/n3cloud/webterm/internal/apiclient"
	"github.com/n3cloud/webterm/internal/bridge"
	"github.com/n3cloud/webterm/internal/catalog"
	"github.com/n3cloud/webterm/internal/infrastructure/logging"
	"github.com/n3cloud/webterm/internal/transport"
)

// DefaultCommand is the exec command offered before the user types one.
const DefaultCommand = "python main.py"

var (
	ErrNoSelection   = errors.New("orchestrator: no script selected")
	ErrUnknownScript = errors.New("orchestrator: unknown script")
	ErrLaunchPending = errors.New("orchestrator: launch already in progress")
	ErrNotConnected  = errors.New("orchestrator: terminal not connected")
	ErrNoRun         = errors.New("orchestrator: nothing has been run")
)

// State is what a front end renders.
type State struct {
	Scripts     []catalog.Script
	Selected    string
	Mode        transport.Mode
	Command     string
	ContainerID string
	RunID       string
	Endpoint    string
	Connected   bool
	Launching   bool
	// Error is the most recent failure, cleared by the next successful
	// launch.
	Error string
}

// API is the part of the HTTP API the orchestrator drives.
type API interface {
	UIConfig(ctx context.Context) ([]catalog.Script, error)
	Run(ctx context.Context, scriptID string) (apiclient.Launch, error)
	DownloadLatest(ctx context.Context, runID, dir string) (apiclient.Download, error)
	BaseURL() *url.URL
}

// SessionFactory opens a terminal view for d. onChange must be passed to
// the session as its connection change callback.
type SessionFactory func(ctx context.Context, base *url.URL, d transport.Descriptor, onChange func(connected bool)) (*bridge.Session, error)

// Config configures an Orchestrator.
type Config struct {
	API        API
	NewSession SessionFactory
	// DownloadDir receives artifacts. Empty means the working directory.
	DownloadDir string
	// OnChange is called with a copy of the state after every change.
	OnChange func(State)
	// OnDownload reports the outcome of DownloadArtifact.
	OnDownload func(apiclient.Download, error)
	Logger     *logging.Logger
}

// Orchestrator ties the catalog, launches and the terminal view together.
type Orchestrator struct {
	api        API
	newSession SessionFactory
	dir        string
	onChange   func(State)
	onDownload func(apiclient.Download, error)
	logger     *logging.Logger

	mu      sync.Mutex
	state   State
	session *bridge.Session
	// gen identifies the current session; callbacks from older sessions
	// are dropped.
	gen uint64
}

// New creates an orchestrator in attach mode with nothing loaded.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		api:        cfg.API,
		newSession: cfg.NewSession,
		dir:        cfg.DownloadDir,
		onChange:   cfg.OnChange,
		onDownload: cfg.OnDownload,
		logger:     logging.OrNop(cfg.Logger).Named("orchestrator"),
		state: State{
			Mode:    transport.ModeAttach,
			Command: DefaultCommand,
		},
	}
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot()
}

func (o *Orchestrator) snapshot() State {
	s := o.state
	s.Scripts = slices.Clone(o.state.Scripts)
	return s
}

// update applies fn under the lock and reports the new state.
func (o *Orchestrator) update(fn func(*State)) {
	o.mu.Lock()
	fn(&o.state)
	s := o.snapshot()
	o.mu.Unlock()
	if o.onChange != nil {
		o.onChange(s)
	}
}

func (o *Orchestrator) fail(err error) {
	o.update(func(s *State) { s.Error = err.Error() })
}

// Session returns the current terminal session, or nil.
func (o *Orchestrator) Session() *bridge.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// LoadCatalog fetches the scripts. On failure the list is left empty and
// the error recorded; it is not retried here.
func (o *Orchestrator) LoadCatalog(ctx context.Context) error {
	scripts, err := o.api.UIConfig(ctx)
	if err != nil {
		o.logger.Warn("Catalog load failed", zap.Error(err))
		o.update(func(s *State) {
			s.Scripts = nil
			s.Error = err.Error()
		})
		return err
	}
	o.update(func(s *State) { s.Scripts = scripts })
	o.logger.Debug("Catalog loaded", zap.Int("scripts", len(scripts)))
	return nil
}

// Select chooses the script the next launch runs.
func (o *Orchestrator) Select(id string) error {
	o.mu.Lock()
	known := slices.ContainsFunc(o.state.Scripts, func(s catalog.Script) bool { return s.ID == id })
	o.mu.Unlock()
	if !known {
		return ErrUnknownScript
	}
	o.update(func(s *State) { s.Selected = id })
	return nil
}

// SetMode sets how the next launch connects. Exec needs a command; an
// empty command in attach mode keeps the previous one.
func (o *Orchestrator) SetMode(mode transport.Mode, command string) error {
	mode, err := transport.ParseMode(string(mode))
	if err != nil {
		return err
	}
	if mode == transport.ModeExec && strings.TrimSpace(command) == "" {
		return transport.ErrCommandRequired
	}
	o.update(func(s *State) {
		s.Mode = mode
		if command != "" {
			s.Command = command
		}
	})
	return nil
}

// Launch runs the selected script and opens a terminal on it. A failed
// launch leaves the current session alone. On success the previous
// session is closed without waiting.
func (o *Orchestrator) Launch(ctx context.Context) (*bridge.Session, error) {
	o.mu.Lock()
	if o.state.Selected == "" {
		o.mu.Unlock()
		return nil, ErrNoSelection
	}
	if o.state.Launching {
		o.mu.Unlock()
		return nil, ErrLaunchPending
	}
	o.state.Launching = true
	scriptID := o.state.Selected
	d := transport.Descriptor{Mode: o.state.Mode}
	if d.Mode == transport.ModeExec {
		d.Command = o.state.Command
	}
	pending := o.snapshot()
	o.mu.Unlock()
	if o.onChange != nil {
		o.onChange(pending)
	}
	defer o.update(func(s *State) { s.Launching = false })

	logger := o.logger.With(zap.String("script_id", scriptID))
	launch, err := o.api.Run(ctx, scriptID)
	if err != nil {
		logger.Warn("Launch failed", zap.Error(err))
		o.fail(err)
		return nil, err
	}
	d.ContainerID = launch.ContainerID

	base := o.api.BaseURL()
	endpoint, err := transport.Endpoint(base, d)
	if err != nil {
		o.fail(err)
		return nil, err
	}

	o.mu.Lock()
	o.gen++
	gen := o.gen
	prev := o.session
	o.session = nil
	o.state.ContainerID = launch.ContainerID
	o.state.RunID = launch.RunID
	o.state.Endpoint = endpoint
	o.state.Connected = false
	o.state.Error = ""
	o.mu.Unlock()

	if prev != nil {
		go prev.Close()
	}

	logger.Info("Launched",
		zap.String("container_id", launch.ContainerID),
		zap.String("run_id", launch.RunID),
		zap.String("endpoint", endpoint))

	sess, err := o.newSession(ctx, base, d, func(connected bool) {
		o.connectionChanged(gen, connected)
	})
	if err != nil {
		logger.Warn("Terminal open failed", zap.Error(err))
		o.fail(err)
		return nil, err
	}

	o.mu.Lock()
	if o.gen != gen {
		// Closed while opening.
		o.mu.Unlock()
		sess.Close()
		return sess, nil
	}
	o.session = sess
	o.mu.Unlock()
	return sess, nil
}

func (o *Orchestrator) connectionChanged(gen uint64, connected bool) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.state.Connected = connected
	s := o.snapshot()
	o.mu.Unlock()
	if o.onChange != nil {
		o.onChange(s)
	}
}

// DownloadArtifact starts downloading the current run's newest file and
// returns. The outcome goes to OnDownload; a failure is also recorded as
// the state error.
func (o *Orchestrator) DownloadArtifact(ctx context.Context) error {
	o.mu.Lock()
	runID := o.state.RunID
	connected := o.state.Connected
	o.mu.Unlock()

	if runID == "" {
		return ErrNoRun
	}
	if !connected {
		return ErrNotConnected
	}

	go func() {
		dl, err := o.api.DownloadLatest(context.WithoutCancel(ctx), runID, o.dir)
		if err != nil {
			o.logger.Warn("Download failed", zap.String("run_id", runID), zap.Error(err))
			o.fail(err)
		}
		if o.onDownload != nil {
			o.onDownload(dl, err)
		}
	}()
	return nil
}

// Close closes the current session.
func (o *Orchestrator) Close() {
	var sess *bridge.Session
	o.update(func(s *State) {
		o.gen++
		sess = o.session
		o.session = nil
		s.Connected = false
	})
	if sess != nil {
		sess.Close()
	}
}
