// Package hints stores the extra data requirements declared on fields and
// computed attributes. Every hint is registered and validated before
// planning begins; after Freeze the store is read-only.
package hints

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"loadplan/internal/plan"
	"loadplan/internal/schemamap"
)

// ErrInvalidHint is returned when a hint names a column or relation path the
// registry does not know.
var ErrInvalidHint = errors.New("invalid hint")

// ErrFrozen is returned when a hint is registered after Freeze.
var ErrFrozen = errors.New("hint store is frozen")

// Hint declares data a field needs beyond its own column.
type Hint struct {
	// ExtraProjection lists columns of the owning type.
	ExtraProjection []string `yaml:"projection"`
	// ExtraJoins lists relation paths from the owning type.
	ExtraJoins []string `yaml:"joins"`
	// ExtraPrefetches maps relation paths to an optional hint that applies to
	// the type at the end of the path.
	ExtraPrefetches map[string]*Hint `yaml:"prefetches"`
}

// Empty reports whether the hint requires nothing.
func (h *Hint) Empty() bool {
	return h == nil || (len(h.ExtraProjection) == 0 && len(h.ExtraJoins) == 0 && len(h.ExtraPrefetches) == 0)
}

// PrefetchPaths returns the ExtraPrefetches keys in lexical order.
func (h *Hint) PrefetchPaths() []string {
	paths := make([]string, 0, len(h.ExtraPrefetches))
	for path := range h.ExtraPrefetches {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

type key struct {
	typeName string
	field    string
}

// Store holds hints keyed by (type, field).
type Store struct {
	hints  map[key]*Hint
	frozen bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{hints: make(map[key]*Hint)}
}

// Register attaches a hint to typeName.field. Registering twice for one
// field unions the declarations.
func (s *Store) Register(typeName, field string, h *Hint) error {
	if s.frozen {
		return ErrFrozen
	}
	if h.Empty() {
		return nil
	}
	k := key{typeName: typeName, field: field}
	if existing, ok := s.hints[k]; ok {
		s.hints[k] = union(existing, h)
		return nil
	}
	s.hints[k] = h
	return nil
}

// HintsFor returns the hint attached to typeName.field.
func (s *Store) HintsFor(typeName, field string) (*Hint, bool) {
	if s == nil {
		return nil, false
	}
	h, ok := s.hints[key{typeName: typeName, field: field}]
	return h, ok
}

// Len returns the number of hinted fields.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hints)
}

// Validate checks every hint against the registry: owning fields, projected
// columns and each relation path segment must exist.
func (s *Store) Validate(reg *schemamap.Registry) error {
	keys := make([]key, 0, len(s.hints))
	for k := range s.hints {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typeName != keys[j].typeName {
			return keys[i].typeName < keys[j].typeName
		}
		return keys[i].field < keys[j].field
	})

	for _, k := range keys {
		if _, err := reg.LookupField(k.typeName, k.field); err != nil {
			return fmt.Errorf("%w: hint owner: %v", ErrInvalidHint, err)
		}
		if err := validateHint(reg, k.typeName, s.hints[k]); err != nil {
			return fmt.Errorf("hint on %s.%s: %w", k.typeName, k.field, err)
		}
	}
	return nil
}

// Freeze validates the store and makes it read-only.
func (s *Store) Freeze(reg *schemamap.Registry) error {
	if err := s.Validate(reg); err != nil {
		return err
	}
	s.frozen = true
	return nil
}

func validateHint(reg *schemamap.Registry, typeName string, h *Hint) error {
	if h == nil {
		return nil
	}
	td, ok := reg.Lookup(typeName)
	if !ok {
		return fmt.Errorf("%w: unknown type %s", ErrInvalidHint, typeName)
	}
	for _, col := range h.ExtraProjection {
		if !td.HasColumn(col) {
			return fmt.Errorf("%w: %s has no column %q", ErrInvalidHint, typeName, col)
		}
	}
	for _, path := range h.ExtraJoins {
		if _, err := ResolvePath(reg, typeName, path); err != nil {
			return err
		}
	}
	for _, path := range h.PrefetchPaths() {
		fields, err := ResolvePath(reg, typeName, path)
		if err != nil {
			return err
		}
		if err := validateHint(reg, fields[len(fields)-1].Target, h.ExtraPrefetches[path]); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePath resolves a dotted relation path starting at typeName into its
// relation descriptors.
func ResolvePath(reg *schemamap.Registry, typeName, path string) ([]*schemamap.FieldDescriptor, error) {
	segments := plan.SplitPath(path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty relation path on %s", ErrInvalidHint, typeName)
	}
	out := make([]*schemamap.FieldDescriptor, 0, len(segments))
	current := typeName
	for _, segment := range segments {
		f, err := reg.LookupField(current, strings.TrimSpace(segment))
		if err != nil {
			return nil, fmt.Errorf("%w: path %q: %v", ErrInvalidHint, path, err)
		}
		if !f.IsRelation() {
			return nil, fmt.Errorf("%w: path %q: %s.%s is not a relation", ErrInvalidHint, path, current, f.Name)
		}
		out = append(out, f)
		current = f.Target
	}
	return out, nil
}

func union(a, b *Hint) *Hint {
	out := &Hint{
		ExtraProjection: appendUnique(append([]string(nil), a.ExtraProjection...), b.ExtraProjection...),
		ExtraJoins:      appendUnique(append([]string(nil), a.ExtraJoins...), b.ExtraJoins...),
	}
	if len(a.ExtraPrefetches)+len(b.ExtraPrefetches) > 0 {
		out.ExtraPrefetches = make(map[string]*Hint)
		for path, h := range a.ExtraPrefetches {
			out.ExtraPrefetches[path] = h
		}
		for path, h := range b.ExtraPrefetches {
			existing, ok := out.ExtraPrefetches[path]
			switch {
			case !ok || existing == nil:
				out.ExtraPrefetches[path] = h
			case h != nil:
				out.ExtraPrefetches[path] = union(existing, h)
			}
		}
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
