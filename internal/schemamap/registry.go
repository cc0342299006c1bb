// Package schemamap holds the process-wide mapping from exposed GraphQL type
// and field names to tables, columns and relation descriptors. It is built
// once at startup, optionally extended with computed attributes and
// interfaces, then frozen before any query is planned.
package schemamap

import (
	"errors"
	"fmt"
	"sort"

	"loadplan/internal/plan"
	"loadplan/internal/sqltype"
)

// ErrFrozen is returned when the registry is modified after Freeze.
var ErrFrozen = errors.New("schema registry is frozen")

// FieldKind classifies a field.
type FieldKind int

const (
	KindScalar FieldKind = iota
	KindToOne
	KindToMany
	KindComputed
)

func (k FieldKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindToOne:
		return "to-one"
	case KindToMany:
		return "to-many"
	case KindComputed:
		return "computed"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// Through describes the junction table of a many-to-many relation. Its
// LocalColumns reference the owning type's keys, RemoteColumns the target's.
type Through struct {
	Table         string
	LocalColumns  []string
	RemoteColumns []string
}

// FieldDescriptor describes one exposed field.
type FieldDescriptor struct {
	Name string
	Kind FieldKind
	// Column and ScalarType are set for scalars.
	Column     string
	ScalarType sqltype.GraphQLType
	// Target is the related type name. Reverse names the relation on Target
	// pointing back to this type.
	Target  string
	Reverse string
	// LocalColumns[i] on this type matches RemoteColumns[i] on Target. For
	// many-to-many they are the key columns matched through the junction.
	LocalColumns  []string
	RemoteColumns []string
	Through       *Through
	Nullable      bool
	// Template is the text/template body of a computed attribute.
	Template string
}

// IsRelation reports whether the field is a to-one or to-many relation.
func (f *FieldDescriptor) IsRelation() bool {
	return f.Kind == KindToOne || f.Kind == KindToMany
}

// TypeDescriptor describes one exposed object type.
type TypeDescriptor struct {
	Name  string
	Table string
	// IdentityKey holds the primary-key columns.
	IdentityKey []string
	Interfaces  []string
	fields      map[string]*FieldDescriptor
	order       []string
}

// Field returns the field with the given name.
func (t *TypeDescriptor) Field(name string) (*FieldDescriptor, bool) {
	f, ok := t.fields[name]
	return f, ok
}

// Fields returns the fields in declaration order.
func (t *TypeDescriptor) Fields() []*FieldDescriptor {
	out := make([]*FieldDescriptor, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.fields[name])
	}
	return out
}

// Columns returns every scalar column of the type in declaration order.
func (t *TypeDescriptor) Columns() []string {
	var out []string
	for _, name := range t.order {
		if f := t.fields[name]; f.Kind == KindScalar {
			out = append(out, f.Column)
		}
	}
	return out
}

// HasColumn reports whether column is a scalar column of the type.
func (t *TypeDescriptor) HasColumn(column string) bool {
	for _, f := range t.fields {
		if f.Kind == KindScalar && f.Column == column {
			return true
		}
	}
	return false
}

// ScalarByColumn returns the scalar field mapped to column.
func (t *TypeDescriptor) ScalarByColumn(column string) (*FieldDescriptor, bool) {
	for _, name := range t.order {
		if f := t.fields[name]; f.Kind == KindScalar && f.Column == column {
			return f, true
		}
	}
	return nil, false
}

// Registry is the schema mapping registry. Lookups are safe for concurrent
// use once the registry is frozen.
type Registry struct {
	types      map[string]*TypeDescriptor
	order      []string
	interfaces map[string][]string // interface -> implementing types
	frozen     bool
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		types:      make(map[string]*TypeDescriptor),
		interfaces: make(map[string][]string),
	}
}

// AddType registers an object type without fields.
func (r *Registry) AddType(name, table string, identityKey ...string) (*TypeDescriptor, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	if _, exists := r.types[name]; exists {
		return nil, fmt.Errorf("type %s already registered", name)
	}
	if len(identityKey) == 0 {
		return nil, fmt.Errorf("type %s has no identity key", name)
	}
	td := &TypeDescriptor{
		Name:        name,
		Table:       table,
		IdentityKey: append([]string(nil), identityKey...),
		fields:      make(map[string]*FieldDescriptor),
	}
	r.types[name] = td
	r.order = append(r.order, name)
	return td, nil
}

// AddField registers a field on an existing type.
func (r *Registry) AddField(typeName string, field FieldDescriptor) error {
	if r.frozen {
		return ErrFrozen
	}
	td, ok := r.types[typeName]
	if !ok {
		return fmt.Errorf("add field %s: unknown type %s", field.Name, typeName)
	}
	if field.Name == "" {
		return fmt.Errorf("add field to %s: empty name", typeName)
	}
	if _, exists := td.fields[field.Name]; exists {
		return fmt.Errorf("field %s.%s already registered", typeName, field.Name)
	}
	f := field
	td.fields[f.Name] = &f
	td.order = append(td.order, f.Name)
	return nil
}

// AddInterface declares an interface implemented by the given types.
func (r *Registry) AddInterface(name string, implementers ...string) error {
	if r.frozen {
		return ErrFrozen
	}
	if _, clash := r.types[name]; clash {
		return fmt.Errorf("interface %s clashes with a type", name)
	}
	for _, typeName := range implementers {
		td, ok := r.types[typeName]
		if !ok {
			return fmt.Errorf("interface %s: unknown type %s", name, typeName)
		}
		td.Interfaces = append(td.Interfaces, name)
		r.interfaces[name] = append(r.interfaces[name], typeName)
	}
	return nil
}

// Freeze validates relation targets and reverse names and makes the registry
// read-only.
func (r *Registry) Freeze() error {
	if r.frozen {
		return nil
	}
	for _, name := range r.order {
		td := r.types[name]
		for _, f := range td.Fields() {
			if !f.IsRelation() {
				continue
			}
			target, ok := r.types[f.Target]
			if !ok {
				return fmt.Errorf("relation %s.%s targets unknown type %s", name, f.Name, f.Target)
			}
			if f.Kind == KindToMany && f.Reverse == "" {
				return fmt.Errorf("to-many relation %s.%s has no reverse relation", name, f.Name)
			}
			if f.Reverse == "" {
				continue
			}
			back, ok := target.fields[f.Reverse]
			if !ok || !back.IsRelation() || back.Target != name {
				return fmt.Errorf("relation %s.%s: reverse %s.%s does not point back", name, f.Name, f.Target, f.Reverse)
			}
		}
	}
	r.frozen = true
	return nil
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Lookup returns the descriptor of an object type.
func (r *Registry) Lookup(typeName string) (*TypeDescriptor, bool) {
	td, ok := r.types[typeName]
	return td, ok
}

// LookupField returns a field descriptor or an *plan.UnknownFieldError.
func (r *Registry) LookupField(typeName, fieldName string) (*FieldDescriptor, error) {
	td, ok := r.types[typeName]
	if !ok {
		return nil, &plan.UnknownFieldError{Type: typeName, Field: fieldName}
	}
	f, ok := td.fields[fieldName]
	if !ok {
		return nil, &plan.UnknownFieldError{Type: typeName, Field: fieldName}
	}
	return f, nil
}

// Types returns the object types in registration order.
func (r *Registry) Types() []*TypeDescriptor {
	out := make([]*TypeDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.types[name])
	}
	return out
}

// Interfaces returns the declared interface names in lexical order.
func (r *Registry) Interfaces() []string {
	names := make([]string, 0, len(r.interfaces))
	for name := range r.interfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsInterface reports whether name is a declared interface.
func (r *Registry) IsInterface(name string) bool {
	_, ok := r.interfaces[name]
	return ok
}

// Known reports whether name is an object type or an interface.
func (r *Registry) Known(name string) bool {
	_, isType := r.types[name]
	return isType || r.IsInterface(name)
}

// Implements reports whether typeName is condition or implements it.
func (r *Registry) Implements(typeName, condition string) bool {
	if typeName == condition {
		return true
	}
	td, ok := r.types[typeName]
	if !ok {
		return false
	}
	for _, iface := range td.Interfaces {
		if iface == condition {
			return true
		}
	}
	return false
}

// PossibleTypes returns the object types a value of the named type can have.
func (r *Registry) PossibleTypes(name string) []string {
	if _, ok := r.types[name]; ok {
		return []string{name}
	}
	return append([]string(nil), r.interfaces[name]...)
}

// CommonFields returns the fields every implementer of an interface shares
// with the same kind and target, in the first implementer's order.
func (r *Registry) CommonFields(iface string) []*FieldDescriptor {
	implementers := r.interfaces[iface]
	if len(implementers) == 0 {
		return nil
	}
	var out []*FieldDescriptor
	for _, f := range r.types[implementers[0]].Fields() {
		shared := true
		for _, other := range implementers[1:] {
			g, ok := r.types[other].fields[f.Name]
			if !ok || g.Kind != f.Kind || g.Target != f.Target || g.ScalarType != f.ScalarType {
				shared = false
				break
			}
		}
		if shared {
			out = append(out, f)
		}
	}
	return out
}
