package schemamap

import "loadplan/internal/sqltype"

// Builder declares a registry fluently. The first error stops further
// declarations and is returned by Registry or Build.
type Builder struct {
	reg     *Registry
	current string
	err     error
}

// NewBuilder starts an empty declaration.
func NewBuilder() *Builder {
	return &Builder{reg: NewRegistry()}
}

// Type declares an object type and makes it the target of following field calls.
func (b *Builder) Type(name, table string, identityKey ...string) *Builder {
	if b.err != nil {
		return b
	}
	_, b.err = b.reg.AddType(name, table, identityKey...)
	b.current = name
	return b
}

func (b *Builder) field(f FieldDescriptor) *Builder {
	if b.err == nil {
		b.err = b.reg.AddField(b.current, f)
	}
	return b
}

// Scalar declares a column-backed field.
func (b *Builder) Scalar(name, column string, t sqltype.GraphQLType) *Builder {
	return b.field(FieldDescriptor{Name: name, Kind: KindScalar, Column: column, ScalarType: t})
}

// NullableScalar declares a column-backed field that may be null.
func (b *Builder) NullableScalar(name, column string, t sqltype.GraphQLType) *Builder {
	return b.field(FieldDescriptor{Name: name, Kind: KindScalar, Column: column, ScalarType: t, Nullable: true})
}

// ToOne declares a relation following localColumn on this type to
// remoteColumn on target.
func (b *Builder) ToOne(name, target, reverse, localColumn, remoteColumn string) *Builder {
	return b.field(FieldDescriptor{
		Name:          name,
		Kind:          KindToOne,
		Target:        target,
		Reverse:       reverse,
		LocalColumns:  []string{localColumn},
		RemoteColumns: []string{remoteColumn},
		Nullable:      true,
	})
}

// ToMany declares a relation collecting target rows whose remoteColumn
// matches localColumn on this type.
func (b *Builder) ToMany(name, target, reverse, localColumn, remoteColumn string) *Builder {
	return b.field(FieldDescriptor{
		Name:          name,
		Kind:          KindToMany,
		Target:        target,
		Reverse:       reverse,
		LocalColumns:  []string{localColumn},
		RemoteColumns: []string{remoteColumn},
	})
}

// ManyToMany declares a to-many relation through a junction table.
func (b *Builder) ManyToMany(name, target, reverse string, through Through, localColumn, remoteColumn string) *Builder {
	return b.field(FieldDescriptor{
		Name:          name,
		Kind:          KindToMany,
		Target:        target,
		Reverse:       reverse,
		LocalColumns:  []string{localColumn},
		RemoteColumns: []string{remoteColumn},
		Through:       &through,
	})
}

// Computed declares a computed attribute rendered from a text/template body.
func (b *Builder) Computed(name, template string) *Builder {
	return b.field(FieldDescriptor{Name: name, Kind: KindComputed, Template: template, ScalarType: sqltype.TypeString, Nullable: true})
}

// Interface declares an interface over already declared types.
func (b *Builder) Interface(name string, implementers ...string) *Builder {
	if b.err == nil {
		b.err = b.reg.AddInterface(name, implementers...)
	}
	return b
}

// Registry returns the unfrozen registry so more fields can be added.
func (b *Builder) Registry() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.reg, nil
}

// Build freezes and returns the registry.
func (b *Builder) Build() (*Registry, error) {
	reg, err := b.Registry()
	if err != nil {
		return nil, err
	}
	if err := reg.Freeze(); err != nil {
		return nil, err
	}
	return reg, nil
}
