package resolver

import (
	"bytes"
	"fmt"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"loadplan/internal/rowcache"
	"loadplan/internal/schemamap"
	"loadplan/internal/sqltype"
)

// objectType returns the cached object for td. Fields are thunked because
// relations reference each other cyclically.
func (r *Resolver) objectType(td *schemamap.TypeDescriptor) *graphql.Object {
	r.mu.RLock()
	cached, ok := r.typeCache[td.Name]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	var interfaces []*graphql.Interface
	for _, name := range td.Interfaces {
		interfaces = append(interfaces, r.interfaceType(name))
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name:       td.Name,
		Interfaces: interfaces,
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return r.buildFields(td.Name, td.Fields())
		}),
	})

	r.mu.Lock()
	if existing, ok := r.typeCache[td.Name]; ok {
		obj = existing
	} else {
		r.typeCache[td.Name] = obj
	}
	r.mu.Unlock()
	return obj
}

func (r *Resolver) objectByName(name string) *graphql.Object {
	td, ok := r.registry.Lookup(name)
	if !ok {
		return nil
	}
	return r.objectType(td)
}

// interfaceType returns the cached interface. Its fields are those every
// implementer shares; the runtime type comes from the record.
func (r *Resolver) interfaceType(name string) *graphql.Interface {
	r.mu.RLock()
	cached, ok := r.interfaceCache[name]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	possible := r.registry.PossibleTypes(name)
	iface := graphql.NewInterface(graphql.InterfaceConfig{
		Name: name,
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			if len(possible) == 0 {
				return graphql.Fields{}
			}
			return r.buildFields(possible[0], r.registry.CommonFields(name))
		}),
		ResolveType: func(p graphql.ResolveTypeParams) *graphql.Object {
			rec, ok := p.Value.(*rowcache.Record)
			if !ok || rec == nil {
				return nil
			}
			return r.objectByName(rec.Type)
		},
	})

	r.mu.Lock()
	if existing, ok := r.interfaceCache[name]; ok {
		iface = existing
	} else {
		r.interfaceCache[name] = iface
	}
	r.mu.Unlock()
	return iface
}

func (r *Resolver) buildFields(typeName string, fields []*schemamap.FieldDescriptor) graphql.Fields {
	out := graphql.Fields{}
	for _, fd := range fields {
		switch fd.Kind {
		case schemamap.KindScalar:
			out[fd.Name] = &graphql.Field{
				Type:    r.scalarOutput(fd),
				Resolve: r.makeColumnResolver(fd),
			}
		case schemamap.KindToOne:
			target := r.objectByName(fd.Target)
			if target == nil {
				continue
			}
			out[fd.Name] = &graphql.Field{
				Type:    target,
				Resolve: r.makeToOneResolver(fd),
			}
		case schemamap.KindToMany:
			target := r.objectByName(fd.Target)
			if target == nil {
				continue
			}
			out[fd.Name] = &graphql.Field{
				Type:    graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(target))),
				Args:    r.sliceArgs(),
				Resolve: r.makeToManyResolver(fd),
			}
		case schemamap.KindComputed:
			out[fd.Name] = &graphql.Field{
				Type:    graphql.String,
				Resolve: r.makeComputedResolver(typeName, fd),
			}
		}
	}
	return out
}

func (r *Resolver) scalarBase(t sqltype.GraphQLType) *graphql.Scalar {
	switch t {
	case sqltype.TypeInt:
		return graphql.Int
	case sqltype.TypeFloat:
		return graphql.Float
	case sqltype.TypeBoolean:
		return graphql.Boolean
	case sqltype.TypeJSON:
		return r.jsonScalar()
	default:
		return graphql.String
	}
}

func (r *Resolver) scalarOutput(fd *schemamap.FieldDescriptor) graphql.Output {
	base := r.scalarBase(fd.ScalarType)
	if fd.Nullable {
		return base
	}
	return graphql.NewNonNull(base)
}

func (r *Resolver) sliceArgs() graphql.FieldConfigArgument {
	return graphql.FieldConfigArgument{
		"limit":  &graphql.ArgumentConfig{Type: r.nonNegativeIntScalar()},
		"offset": &graphql.ArgumentConfig{Type: r.nonNegativeIntScalar()},
	}
}

func sourceRecord(p graphql.ResolveParams) (*rowcache.Record, error) {
	rec, ok := p.Source.(*rowcache.Record)
	if !ok || rec == nil {
		return nil, fmt.Errorf("field %s resolved without a record source", p.Info.FieldName)
	}
	return rec, nil
}

func (r *Resolver) makeColumnResolver(fd *schemamap.FieldDescriptor) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		rec, err := sourceRecord(p)
		if err != nil {
			return nil, err
		}
		return r.bridge.Column(p.Context, rec, fd.Column)
	}
}

func (r *Resolver) makeToOneResolver(fd *schemamap.FieldDescriptor) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		rec, err := sourceRecord(p)
		if err != nil {
			return nil, err
		}
		return r.bridge.Relation(p.Context, rec, fd.Name, nil)
	}
}

// makeToManyResolver reads the window with the same slice function the
// normalizer used, so the relation slot matches the prefetched one.
func (r *Resolver) makeToManyResolver(fd *schemamap.FieldDescriptor) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		rec, err := sourceRecord(p)
		if err != nil {
			return nil, err
		}
		field := firstFieldAST(p.Info.FieldASTs)
		if field == nil {
			return nil, fmt.Errorf("field %s has no AST", fd.Name)
		}
		slice, err := r.slice(field, p.Info.VariableValues)
		if err != nil {
			return nil, err
		}
		return r.bridge.Relation(p.Context, rec, fd.Name, slice)
	}
}

// makeComputedResolver renders the field template over the record columns.
// A hint's projection narrows the columns the template needs; without one
// every column of the type is required.
func (r *Resolver) makeComputedResolver(typeName string, fd *schemamap.FieldDescriptor) graphql.FieldResolveFn {
	columns := r.computedColumns(typeName, fd.Name)
	return func(p graphql.ResolveParams) (interface{}, error) {
		rec, err := sourceRecord(p)
		if err != nil {
			return nil, err
		}
		// interface fields resolve with the implementer's template
		tmpl, ok := r.template(rec.Type, fd.Name)
		if !ok {
			return nil, fmt.Errorf("no template for %s.%s", rec.Type, fd.Name)
		}
		cols := columns
		if rec.Type != typeName {
			cols = r.computedColumns(rec.Type, fd.Name)
		}
		return r.bridge.Columns(p.Context, rec, cols, func(values map[string]any) (any, error) {
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, values); err != nil {
				return nil, fmt.Errorf("render %s.%s: %w", rec.Type, fd.Name, err)
			}
			return buf.String(), nil
		})
	}
}

func (r *Resolver) computedColumns(typeName, field string) []string {
	if r.hints != nil {
		if h, ok := r.hints.HintsFor(typeName, field); ok && len(h.ExtraProjection) > 0 {
			return h.ExtraProjection
		}
	}
	td, ok := r.registry.Lookup(typeName)
	if !ok {
		return nil
	}
	return td.Columns()
}

func firstFieldAST(fields []*ast.Field) *ast.Field {
	if len(fields) == 0 {
		return nil
	}
	return fields[0]
}
