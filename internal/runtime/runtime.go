// Package runtime defines the container operations the server needs:
// launching a catalog script, opening interactive streams into it, stopping
// it and fetching the newest artifact a run produced.
package runtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/n3cloud/webterm/internal/catalog"
)

var (
	// ErrNotFound means the container (or run) does not exist.
	ErrNotFound = errors.New("runtime: not found")
	// ErrNoArtifact means the run produced no files.
	ErrNoArtifact = errors.New("runtime: no files")
)

// Label keys set on every launched container.
const (
	LabelApp      = "app"
	LabelScriptID = "script_id"
	LabelRunID    = "run_id"

	AppLabelValue = "N3 Cloud - Web Terminal"
)

// Environment added to every launched container.
const (
	EnvOutputDir = "OUTPUT_DIR"
	EnvRunID     = "RUN_ID"

	ContainerOutputDir = "/app/out"
)

// ArtifactRoots are searched, in order, for run output inside a container.
var ArtifactRoots = []string{"/app/out", "/out"}

// StopTimeout is how long a container gets to exit before it is killed.
const StopTimeout = 2 * time.Second

// Container is a launched script.
type Container struct {
	ID       string `json:"container_id"`
	RunID    string `json:"run_id"`
	ScriptID string `json:"script_id"`
	Image    string `json:"image"`
}

// Stream is an interactive terminal connection to a process in a
// container: reads return its output, writes feed its stdin.
type Stream interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows int) error
}

// Artifact is a downloaded output file. The caller closes Body.
type Artifact struct {
	Name    string
	Size    int64
	ModTime time.Time
	Body    io.ReadCloser
}

// Runtime launches and drives containers.
type Runtime interface {
	// Launch creates and starts a container for script, pulling its image
	// when missing.
	Launch(ctx context.Context, script catalog.Script, runID string) (Container, error)
	// Attach connects to the container's main process, replaying its
	// output so far.
	Attach(ctx context.Context, containerID string) (Stream, error)
	// Exec starts command under a shell in the container. An empty command
	// starts an interactive shell.
	Exec(ctx context.Context, containerID, command string) (Stream, error)
	// Stop stops the container. A missing container is not an error.
	Stop(ctx context.Context, containerID string) error
	// Remove deletes the container. A missing container is not an error.
	Remove(ctx context.Context, containerID string) error
	// LatestArtifact returns the newest file written by the run.
	LatestArtifact(ctx context.Context, runID string) (*Artifact, error)
	// Ping checks the runtime is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// ExecCommand is the argv used to run command inside a container.
func ExecCommand(command string) []string {
	if command == "" {
		return []string{"/bin/sh"}
	}
	return []string{"/bin/sh", "-lc", command}
}

// LaunchEnv merges the script environment with the run variables.
func LaunchEnv(script catalog.Script, runID, outputDir string) map[string]string {
	env := make(map[string]string, len(script.Env)+2)
	for k, v := range script.Env {
		env[k] = v
	}
	env[EnvOutputDir] = outputDir
	env[EnvRunID] = runID
	return env
}

// Labels returns the labels for a launch.
func Labels(script catalog.Script, runID string) map[string]string {
	return map[string]string{
		LabelApp:      AppLabelValue,
		LabelScriptID: script.ID,
		LabelRunID:    runID,
	}
}
