package beacon

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

var ErrInvalidSchema = errors.New("beacon: invalid schema")

// Field is either a leaf of Width bits or a nested group.
type Field struct {
	Name      string
	Width     int
	Transform Transform // nil means Identity

	// Group fields only.
	Count int
	Sub   *Schema
}

// Uint is a leaf field with the Identity transform.
func Uint(name string, width int) Field {
	return Field{Name: name, Width: width}
}

// Value is a leaf field with a transform.
func Value(name string, width int, t Transform) Field {
	return Field{Name: name, Width: width, Transform: t}
}

// Group repeats sub count times. Keys are "name.field" when count is 1,
// "name[i].field" otherwise.
func Group(name string, count int, sub *Schema) Field {
	return Field{Name: name, Count: count, Sub: sub}
}

func (f Field) isGroup() bool { return f.Sub != nil }

func (f Field) prefix(i int) string {
	if f.Count == 1 {
		return f.Name + "."
	}
	return f.Name + "[" + strconv.Itoa(i) + "]."
}

// Schema is an ordered, versioned beacon layout.
type Schema struct {
	Name    string
	Version int
	Fields  []Field

	bits int
}

// NewSchema validates the layout: unique names, leaf widths within 1..64,
// groups with a positive count.
func NewSchema(name string, version int, fields ...Field) (*Schema, error) {
	fields = append([]Field(nil), fields...)
	seen := make(map[string]bool, len(fields))
	bits := 0
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: %s field %d has no name", ErrInvalidSchema, name, i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%w: %s duplicate field %q", ErrInvalidSchema, name, f.Name)
		}
		seen[f.Name] = true

		if f.isGroup() {
			if f.Count < 1 {
				return nil, fmt.Errorf("%w: %s group %q count %d", ErrInvalidSchema, name, f.Name, f.Count)
			}
			// Sub-schemas may be built as literals; validate them here too.
			sub, err := NewSchema(f.Sub.Name, f.Sub.Version, f.Sub.Fields...)
			if err != nil {
				return nil, fmt.Errorf("%s group %q: %w", name, f.Name, err)
			}
			if sub.bits == 0 {
				return nil, fmt.Errorf("%w: %s group %q is empty", ErrInvalidSchema, name, f.Name)
			}
			fields[i].Sub = sub
			bits += f.Count * sub.bits
			continue
		}
		if f.Width < 1 || f.Width > 64 {
			return nil, fmt.Errorf("%w: %s field %q width %d", ErrInvalidSchema, name, f.Name, f.Width)
		}
		if f.Transform == nil {
			fields[i].Transform = Identity
		}
		bits += f.Width
	}
	return &Schema{Name: name, Version: version, Fields: fields, bits: bits}, nil
}

// MustSchema is NewSchema for layouts known to be valid.
func MustSchema(name string, version int, fields ...Field) *Schema {
	s, err := NewSchema(name, version, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Bits returns the total layout width.
func (s *Schema) Bits() int { return s.bits }

// Size returns the number of bytes a beacon of this schema occupies.
func (s *Schema) Size() int { return (s.bits + 7) / 8 }

// Keys lists the flattened leaf keys in layout order.
func (s *Schema) Keys() []string {
	var keys []string
	s.walk("", func(key string, _ Field) { keys = append(keys, key) })
	return keys
}

func (s *Schema) walk(prefix string, fn func(key string, f Field)) {
	for _, f := range s.Fields {
		if !f.isGroup() {
			fn(prefix+f.Name, f)
			continue
		}
		for i := 0; i < f.Count; i++ {
			f.Sub.walk(prefix+f.prefix(i), fn)
		}
	}
}

// Store holds decoded values by flattened key.
type Store map[string]any

// Keys returns the keys sorted.
func (s Store) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode reads one beacon. On truncation no partial store is returned.
func Decode(s *Schema, buf []byte) (Store, error) {
	r := NewBitReader(buf)
	out := make(Store)
	var err error
	s.walk("", func(key string, f Field) {
		if err != nil {
			return
		}
		var raw uint64
		raw, err = r.Read(f.Width)
		if err != nil {
			err = fmt.Errorf("field %s: %w", key, err)
			return
		}
		t := f.Transform
		if t == nil {
			t = Identity
		}
		out[key] = t.Apply(raw, f.Width)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Encode packs raw field values by flattened key; missing keys encode as
// zero and values are truncated to the field width.
func Encode(s *Schema, raw map[string]uint64) []byte {
	var w BitWriter
	s.walk("", func(key string, f Field) {
		w.Write(raw[key]&mask64[f.Width], f.Width)
	})
	return w.Bytes()
}
