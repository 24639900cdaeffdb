package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/docker/go-units"
	"github.com/goccy/go-yaml"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pelletier/go-toml/v2"
)

// DefaultCmd runs when a script does not name a command.
var DefaultCmd = []string{"python", "main.py"}

var (
	ErrInvalidScript = errors.New("catalog: invalid script")
	ErrDuplicateID   = errors.New("catalog: duplicate script id")
)

// Format is a catalog file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the syntax from a file extension. Anything that is not
// TOML is read as YAML, which also accepts JSON.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Limit is a resource limit that may be written as a number or a string.
type Limit string

// UnmarshalJSON implements json.Unmarshaler.
func (l *Limit) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Limit(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("limit must be a number or string: %w", err)
	}
	*l = Limit(n.String())
	return nil
}

// Env is a script environment. Values written as numbers or booleans are
// kept in their literal form.
type Env map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (e *Env) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Env, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = strings.TrimSpace(string(v))
	}
	*e = out
	return nil
}

// Script is one launchable image in the catalog. Artifacts are glob
// patterns, relative to the run directory, that the local runtime searches
// for output files.
type Script struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Image     string   `json:"image"`
	Cmd       []string `json:"cmd"`
	Env       Env      `json:"env,omitempty"`
	CPULimit  Limit    `json:"cpu_limit,omitempty"`
	MemLimit  Limit    `json:"mem_limit,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// NanoCPUs converts CPULimit (in cores) to billionths of a CPU. Zero means
// unlimited.
func (s Script) NanoCPUs() (int64, error) {
	if s.CPULimit == "" {
		return 0, nil
	}
	cores, err := strconv.ParseFloat(string(s.CPULimit), 64)
	if err != nil || cores < 0 {
		return 0, fmt.Errorf("%w: cpu_limit %q", ErrInvalidScript, s.CPULimit)
	}
	return int64(cores * 1e9), nil
}

// MemBytes converts MemLimit ("512m", "1g", "268435456") to bytes. Zero
// means unlimited.
func (s Script) MemBytes() (int64, error) {
	if s.MemLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(string(s.MemLimit))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: mem_limit %q", ErrInvalidScript, s.MemLimit)
	}
	return n, nil
}

// Catalog is a parsed catalog file.
type Catalog struct {
	raw     map[string]any
	scripts []Script
	byID    map[string]int
}

var titlePolicy = bluemonday.StrictPolicy()

// Parse decodes a catalog document.
func Parse(data []byte, format Format) (*Catalog, error) {
	raw := map[string]any{}
	var err error
	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &raw)
	default:
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	c := &Catalog{raw: raw, scripts: []Script{}, byID: map[string]int{}}
	list, ok := raw["scripts"]
	if !ok || list == nil {
		return c, nil
	}

	// Normalise through JSON so YAML and TOML share one set of field rules.
	encoded, err := sonic.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	var scripts []Script
	if err := sonic.Unmarshal(encoded, &scripts); err != nil {
		return nil, fmt.Errorf("parse catalog scripts: %w", err)
	}

	for i, s := range scripts {
		s.ID = strings.TrimSpace(s.ID)
		s.Image = strings.TrimSpace(s.Image)
		if s.ID == "" || s.Image == "" {
			return nil, fmt.Errorf("%w: entry %d needs id and image", ErrInvalidScript, i)
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
		}
		s.Title = sanitizeTitle(s.Title)
		if s.Title == "" {
			s.Title = s.ID
		}
		if len(s.Cmd) == 0 {
			s.Cmd = append([]string(nil), DefaultCmd...)
		}
		if _, err := s.NanoCPUs(); err != nil {
			return nil, err
		}
		if _, err := s.MemBytes(); err != nil {
			return nil, err
		}
		c.byID[s.ID] = len(c.scripts)
		c.scripts = append(c.scripts, s)
	}
	return c, nil
}

// sanitizeTitle strips markup from a display title.
func sanitizeTitle(title string) string {
	return strings.TrimSpace(html.UnescapeString(titlePolicy.Sanitize(title)))
}

// Load reads a catalog file. A missing file is an empty catalog.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data, FormatFor(path))
}

// Empty returns a catalog with no scripts.
func Empty() *Catalog {
	return &Catalog{raw: map[string]any{}, scripts: []Script{}, byID: map[string]int{}}
}

// Scripts returns the scripts in file order.
func (c *Catalog) Scripts() []Script {
	return append([]Script(nil), c.scripts...)
}

// Lookup finds a script by id.
func (c *Catalog) Lookup(id string) (Script, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Script{}, false
	}
	return c.scripts[i], true
}

// Raw returns the whole decoded document.
func (c *Catalog) Raw() map[string]any {
	return c.raw
}

// Store holds the catalog loaded from a file and can reload it.
type Store struct {
	path string

	mu      sync.RWMutex
	current *Catalog
}

// Open loads path into a new store.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already parsed catalog. Reload is a no-op without a
// path.
func NewStore(c *Catalog) *Store {
	return &Store{current: c}
}

// Catalog returns the current catalog.
func (s *Store) Catalog() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload rereads the file. On error the previous catalog stays in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	return nil
}

// Path returns the file the store reads.
func (s *Store) Path() string {
	return s.path
}
