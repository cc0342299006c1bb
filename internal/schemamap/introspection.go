package schemamap

import (
	"fmt"

	"loadplan/internal/introspection"
	"loadplan/internal/sqltype"
)

// FromIntrospection builds an unfrozen registry from an introspected schema.
// Pure junction tables are not exposed; they back many-to-many relations.
// Tables without a primary key are skipped since no identity can be cached
// for them.
func FromIntrospection(schema *introspection.Schema) (*Registry, error) {
	reg := NewRegistry()
	typeOf := make(map[string]string, len(schema.Tables))

	for _, table := range schema.Tables {
		if table.Junction {
			continue
		}
		key := introspection.PrimaryKeyColumns(table)
		if len(key) == 0 {
			continue
		}
		if _, err := reg.AddType(table.TypeName, table.Name, key...); err != nil {
			return nil, err
		}
		typeOf[table.Name] = table.TypeName
		for _, col := range table.Columns {
			if err := reg.AddField(table.TypeName, FieldDescriptor{
				Name:       col.FieldName,
				Kind:       KindScalar,
				Column:     col.Name,
				ScalarType: sqltype.MapToGraphQL(col.DataType),
				Nullable:   col.IsNullable,
			}); err != nil {
				return nil, err
			}
		}
	}

	for _, table := range schema.Tables {
		typeName, ok := typeOf[table.Name]
		if !ok {
			continue
		}
		for _, rel := range table.Relationships {
			target, ok := typeOf[rel.RemoteTable]
			if !ok {
				continue
			}
			field := FieldDescriptor{
				Name:          rel.FieldName,
				Target:        target,
				Reverse:       rel.ReverseFieldName,
				LocalColumns:  append([]string(nil), rel.LocalColumns...),
				RemoteColumns: append([]string(nil), rel.RemoteColumns...),
				Nullable:      rel.Nullable,
			}
			switch rel.Kind {
			case introspection.ManyToOne:
				field.Kind = KindToOne
			case introspection.OneToMany:
				field.Kind = KindToMany
			case introspection.ManyToMany:
				field.Kind = KindToMany
				field.Through = &Through{
					Table:         rel.JunctionTable,
					LocalColumns:  append([]string(nil), rel.JunctionLocalColumns...),
					RemoteColumns: append([]string(nil), rel.JunctionRemoteColumns...),
				}
			default:
				return nil, fmt.Errorf("relation %s.%s: unsupported kind %d", typeName, rel.FieldName, rel.Kind)
			}
			if err := reg.AddField(typeName, field); err != nil {
				return nil, err
			}
		}
	}
	return reg, nil
}
