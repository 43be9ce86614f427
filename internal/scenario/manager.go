//go:build !no_scenario

package scenario

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	scriptExt    = ".lua"
	headerPrefix = "--- "
	maxSlugLen   = 40
)

// ErrNotFound is returned for a scenario id with no file behind it.
var ErrNotFound = errors.New("scenario: not found")

var (
	idRe   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
	slugRe = regexp.MustCompile(`[^a-z0-9]+`)
)

func checkID(id string) error {
	if !idRe.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("scenario: invalid id %q", id)
	}
	return nil
}

// Manager stores scenarios as .lua files in one directory. The file stem is
// the scenario id. Metadata lives in a YAML header of "--- " comment lines:
//
//	--- name: Payload latch recovery
//	--- enabled: true
//	--- tags: [eps, latch]
//
//	bus.latch("payload")
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager opens the scenario directory dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scenarios dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the scenario directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+scriptExt)
}

// List returns every scenario, ordered by id. Files that cannot be read
// are left out.
func (m *Manager) List() ([]*Script, error) {
	return m.ListTagged("")
}

// ListTagged returns the scenarios carrying tag, ordered by id. An empty
// tag matches every scenario.
func (m *Manager) ListTagged(tag string) ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}
	var scripts []*Script
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != scriptExt {
			continue
		}
		s, err := m.load(strings.TrimSuffix(name, scriptExt))
		if err != nil {
			continue
		}
		if tag != "" && !slices.Contains(s.Meta.Tags, tag) {
			continue
		}
		scripts = append(scripts, s)
	}
	slices.SortFunc(scripts, func(a, b *Script) int { return strings.Compare(a.ID, b.ID) })
	return scripts, nil
}

// Get loads the scenario id.
func (m *Manager) Get(id string) (*Script, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.load(id)
}

// Save writes s. A script without an id gets one derived from its name,
// suffixed with _1, _2... when taken.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	} else if err := checkID(s.ID); err != nil {
		return nil, err
	}
	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}
	s.FilePath = m.path(s.ID)
	if err := os.WriteFile(s.FilePath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write scenario: %w", err)
	}
	return s, nil
}

func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "scenario"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// Delete removes the scenario id.
func (m *Manager) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.Remove(m.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

func (m *Manager) load(id string) (*Script, error) {
	path := m.path(id)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s, err := decodeScript(id, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.FilePath = path
	return s, nil
}

// decodeScript splits a scenario file into its YAML header and Lua body.
// A file without a header is a disabled scenario named after its id.
func decodeScript(id string, data []byte) (*Script, error) {
	s := &Script{ID: id}
	var header strings.Builder
	rest := string(data)
	for strings.HasPrefix(rest, headerPrefix) || strings.HasPrefix(rest, "---\n") {
		line, tail, _ := strings.Cut(rest, "\n")
		header.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "---"), " "))
		header.WriteByte('\n')
		rest = tail
	}
	if header.Len() > 0 {
		if err := yaml.Unmarshal([]byte(header.String()), &s.Meta); err != nil {
			return nil, fmt.Errorf("scenario header: %w", err)
		}
		rest = strings.TrimLeft(rest, "\n")
	}
	if s.Meta.Name == "" {
		s.Meta.Name = id
	}
	s.LuaCode = rest
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	meta, err := yaml.Marshal(&s.Meta)
	if err != nil {
		return nil, fmt.Errorf("scenario header: %w", err)
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(string(meta), "\n"), "\n") {
		b.WriteString(headerPrefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if s.LuaCode != "" {
		b.WriteByte('\n')
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteByte('\n')
		}
	}
	return []byte(b.String()), nil
}

func slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "_")
	}
	return s
}
