// Package id generates the identifiers the server hands out.
//
// Run ids are random UUIDs rendered as 32 hex digits; they label containers
// and key artifact lookups. Request and local container ids are prefixed
// ULIDs so they sort by creation time in logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RunID identifies one launch of a catalog script.
type RunID string

// RequestID identifies an API request.
type RequestID string

// ContainerID identifies a container created by the local runtime.
type ContainerID string

const (
	RequestPrefix   = "req"
	ContainerPrefix = "local"
)

func (id RunID) String() string       { return string(id) }
func (id RequestID) String() string   { return string(id) }
func (id ContainerID) String() string { return string(id) }

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the shared generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source,
// for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix returns "prefix_ULID".
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRunID returns a fresh run id.
func NewRunID() RunID {
	return RunID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// NewRequestID returns a fresh request id.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(RequestPrefix))
}

// NewContainerID returns a fresh local container id. It is lower case so it
// reads like an engine-issued id.
func NewContainerID() ContainerID {
	return ContainerID(strings.ToLower(Default().GenerateWithPrefix(ContainerPrefix)))
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// IsSafe reports whether s can be used as a single path segment or label
// value: no separators, no traversal, bounded length.
func IsSafe(s string) bool {
	return safeID.MatchString(s) && !strings.Contains(s, "..")
}

// IsValidULID reports whether s (without prefix) is a ULID.
func IsValidULID(s string) bool {
	_, err := ulid.Parse(s)
	return err == nil
}

// Timestamp extracts the creation time from a prefixed ULID.
func Timestamp(prefixed string) (time.Time, error) {
	_, raw, ok := strings.Cut(prefixed, "_")
	if !ok {
		raw = prefixed
	}
	parsed, err := ulid.ParseStrict(strings.ToUpper(raw))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
