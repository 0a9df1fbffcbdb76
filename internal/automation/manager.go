//go:build !no_automation

package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"chatterbox-go-home/internal/coordinator"
)

var (
	// ErrScriptNotFound is returned for an id with no script file.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidScript is returned for a bad id, header or device scope.
	ErrInvalidScript = errors.New("invalid script")
)

const (
	scriptExt    = ".lua"
	headerPrefix = "-- "
	maxIDLen     = 40
)

// Manager keeps automation scripts in a directory, one file per script. The
// first line of a file is a "-- {json}" header holding ScriptMeta.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	devices []string // names a scope may use; nil allows any
}

// NewManager creates dir if needed and returns a manager rooted at it.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// SetDevices restricts script scopes to the given device names.
func (m *Manager) SetDevices(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = slices.Clone(names)
	slices.Sort(m.devices)
}

// Validate normalizes s and checks its name and device scope.
func (m *Manager) Validate(s *Script) error {
	s.Meta.Name = strings.TrimSpace(s.Meta.Name)
	if s.Meta.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScript)
	}
	scope := slices.Clone(s.Meta.Devices)
	slices.Sort(scope)
	scope = slices.Compact(scope)

	m.mu.RLock()
	known := m.devices
	m.mu.RUnlock()
	for _, name := range scope {
		if name == "" {
			return fmt.Errorf("%w: empty device name", ErrInvalidScript)
		}
		if known != nil && !slices.Contains(known, name) {
			return fmt.Errorf("%w: %w: %q", ErrInvalidScript, coordinator.ErrUnknownDevice, name)
		}
	}
	if len(scope) == 0 {
		scope = nil
	}
	s.Meta.Devices = scope
	return nil
}

// List returns scripts in id order. A non-empty device keeps only the scripts
// whose scope covers it. Unreadable files are logged and skipped.
func (m *Manager) List(device string) ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var out []*Script
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), scriptExt)
		if e.IsDir() || !ok || !validID(id) {
			continue
		}
		s, err := m.load(id)
		if err != nil {
			m.logger.Warn("skip script", "id", id, "err", err)
			continue
		}
		if device != "" && !s.Covers(device) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Get loads the script with the given id.
func (m *Manager) Get(id string) (*Script, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: bad id %q", ErrInvalidScript, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(id)
}

// Save validates and writes s. A script without an id gets one derived from
// its name, suffixed with _1, _2... until it is free.
func (m *Manager) Save(s *Script) (*Script, error) {
	if s.ID != "" && !validID(s.ID) {
		return nil, fmt.Errorf("%w: bad id %q", ErrInvalidScript, s.ID)
	}
	if err := m.Validate(s); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	}
	s.FilePath = m.path(s.ID)
	if err := os.WriteFile(s.FilePath, encodeScript(s), 0o644); err != nil {
		return nil, fmt.Errorf("write script %s: %w", s.ID, err)
	}
	m.logger.Debug("script saved", "id", s.ID, "devices", s.Meta.Devices)
	return s, nil
}

// Delete removes the script file.
func (m *Manager) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: bad id %q", ErrInvalidScript, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script %s: %w", id, err)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+scriptExt)
}

func (m *Manager) load(id string) (*Script, error) {
	path := m.path(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", id, err)
	}
	s, err := decodeScript(id, data)
	if err != nil {
		return nil, err
	}
	s.FilePath = path
	return s, nil
}

func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for n := 1; ; n++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// decodeScript splits a file into its header and Lua body. A file without a
// header is a disabled script with an empty name.
func decodeScript(id string, data []byte) (*Script, error) {
	s := &Script{ID: id}
	body := string(data)
	if first, rest, _ := strings.Cut(body, "\n"); strings.HasPrefix(first, headerPrefix+"{") {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, headerPrefix)), &s.Meta); err != nil {
			return nil, fmt.Errorf("%w: %s header: %w", ErrInvalidScript, id, err)
		}
		body = rest
	}
	s.LuaCode = strings.TrimLeft(body, "\r\n")
	return s, nil
}

func encodeScript(s *Script) []byte {
	header, _ := json.Marshal(s.Meta)
	var b strings.Builder
	b.WriteString(headerPrefix)
	b.Write(header)
	b.WriteByte('\n')
	if s.LuaCode != "" {
		b.WriteByte('\n')
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}

// validID accepts ids that are a plain file stem.
func validID(id string) bool {
	if id == "" || id == "." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxIDLen {
		s = strings.TrimRight(s[:maxIDLen], "_")
	}
	return s
}
