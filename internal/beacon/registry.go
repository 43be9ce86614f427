package beacon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry holds beacon schemas keyed by version.
type Registry struct {
	mu      sync.RWMutex
	schemas map[int]*Schema
}

// NewRegistry creates a registry holding the given schemas.
func NewRegistry(schemas ...*Schema) *Registry {
	r := &Registry{schemas: make(map[int]*Schema)}
	for _, s := range schemas {
		r.Register(s)
	}
	return r
}

// Register adds s, replacing any schema with the same version.
func (r *Registry) Register(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Version] = s
}

// Get returns the schema for version, or nil.
func (r *Registry) Get(version int) *Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[version]
}

// Latest returns the highest registered version, or nil when empty.
func (r *Registry) Latest() *Schema {
	v := r.Versions()
	if len(v) == 0 {
		return nil
	}
	return r.Get(v[len(v)-1])
}

// Versions returns the registered versions in ascending order.
func (r *Registry) Versions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.schemas))
	for v := range r.schemas {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Decode decodes buf with the schema registered for version.
func (r *Registry) Decode(version int, buf []byte) (Store, error) {
	s := r.Get(version)
	if s == nil {
		return nil, fmt.Errorf("beacon: no schema for version %d", version)
	}
	return Decode(s, buf)
}

// schemaFile is the YAML layout of a schema file.
type schemaFile struct {
	Name    string      `yaml:"name"`
	Version int         `yaml:"version"`
	Fields  []fieldSpec `yaml:"fields"`
}

type fieldSpec struct {
	Name      string         `yaml:"name"`
	Width     int            `yaml:"width"`
	Transform *transformSpec `yaml:"transform,omitempty"`
	Count     int            `yaml:"count,omitempty"`
	Fields    []fieldSpec    `yaml:"fields,omitempty"`
}

type transformSpec struct {
	Kind   string            `yaml:"kind"` // identity, bool, signed, scale, signed_scale, enum, poly
	Factor float64           `yaml:"factor,omitempty"`
	Offset float64           `yaml:"offset,omitempty"`
	Values map[uint64]string `yaml:"values,omitempty"`
	Coeffs []float64         `yaml:"coeffs,omitempty"`
}

func (t *transformSpec) build() (Transform, error) {
	if t == nil {
		return Identity, nil
	}
	switch t.Kind {
	case "", "identity":
		return Identity, nil
	case "bool":
		return Bool, nil
	case "signed":
		return Signed, nil
	case "scale":
		return Scale(t.Factor, t.Offset), nil
	case "signed_scale":
		return SignedScale(t.Factor, t.Offset), nil
	case "enum":
		return Enum(t.Values), nil
	case "poly":
		if len(t.Coeffs) == 0 {
			return nil, fmt.Errorf("%w: poly without coefficients", ErrInvalidSchema)
		}
		return Poly(t.Coeffs...), nil
	default:
		return nil, fmt.Errorf("%w: unknown transform %q", ErrInvalidSchema, t.Kind)
	}
}

func buildFields(name string, version int, specs []fieldSpec) ([]Field, error) {
	fields := make([]Field, 0, len(specs))
	for _, fs := range specs {
		if len(fs.Fields) > 0 {
			sub, err := buildSchema(name+"."+fs.Name, version, fs.Fields)
			if err != nil {
				return nil, err
			}
			count := fs.Count
			if count == 0 {
				count = 1
			}
			fields = append(fields, Group(fs.Name, count, sub))
			continue
		}
		t, err := fs.Transform.build()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fs.Name, err)
		}
		fields = append(fields, Value(fs.Name, fs.Width, t))
	}
	return fields, nil
}

func buildSchema(name string, version int, specs []fieldSpec) (*Schema, error) {
	fields, err := buildFields(name, version, specs)
	if err != nil {
		return nil, err
	}
	return NewSchema(name, version, fields...)
}

// ParseSchema builds a schema from its YAML description.
func ParseSchema(data []byte) (*Schema, error) {
	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if sf.Version <= 0 {
		return nil, fmt.Errorf("%w: %s has no version", ErrInvalidSchema, sf.Name)
	}
	return buildSchema(sf.Name, sf.Version, sf.Fields)
}

// LoadSchemaDir registers every *.yaml and *.yml schema in dir on top of
// the default schema. A missing or empty directory is not an error.
func LoadSchemaDir(dir string, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(DefaultSchema())

	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return reg, fmt.Errorf("glob schema dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no beacon schema files found", "dir", dir)
		return reg, nil
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return reg, fmt.Errorf("read %s: %w", path, err)
		}
		s, err := ParseSchema(data)
		if err != nil {
			return reg, fmt.Errorf("parse %s: %w", path, err)
		}
		reg.Register(s)
		logger.Info("loaded beacon schema", "path", filepath.Base(path),
			"name", s.Name, "version", s.Version, "bits", s.Bits())
	}
	return reg, nil
}
