package introspection

import (
	"log/slog"
	"strings"

	"loadplan/internal/naming"
)

// RelationKind is the cardinality of a relationship seen from its owning table.
type RelationKind int

const (
	// ManyToOne follows a foreign key from the owning table.
	ManyToOne RelationKind = iota
	// OneToMany follows a foreign key pointing at the owning table.
	OneToMany
	// ManyToMany goes through a pure junction table.
	ManyToMany
)

// Relationship is one direction of a foreign key or junction.
type Relationship struct {
	Kind RelationKind
	// FieldName is the relation field on the owning type; ReverseFieldName
	// is the field on the remote type that points back.
	FieldName        string
	ReverseFieldName string
	Constraint       string
	// LocalColumns[i] pairs with RemoteColumns[i] (ManyToOne, OneToMany).
	// For ManyToMany they are the key columns of both ends.
	LocalColumns  []string
	RemoteTable   string
	RemoteColumns []string
	// Junction columns pair positionally with LocalColumns / RemoteColumns.
	JunctionTable         string
	JunctionLocalColumns  []string
	JunctionRemoteColumns []string
	Nullable              bool
}

// BuildRelationships detects pure junction tables, resolves type and field
// names and derives both directions of every foreign key.
func BuildRelationships(schema *Schema, namer *naming.Namer) error {
	if schema == nil {
		return nil
	}
	if namer == nil {
		namer = naming.Default()
	}
	namer.Reset()

	tables := make(map[string]*Table, len(schema.Tables))
	for i := range schema.Tables {
		table := &schema.Tables[i]
		table.Relationships = nil
		tables[table.Name] = table
	}
	for i := range schema.Tables {
		schema.Tables[i].Junction = isPureJunction(schema.Tables[i], tables)
	}

	// Columns are named before relations so they keep their natural names.
	for i := range schema.Tables {
		table := &schema.Tables[i]
		if table.Junction {
			continue
		}
		table.TypeName = namer.RegisterType(table.Name)
		for j := range table.Columns {
			table.Columns[j].FieldName = namer.RegisterColumnField(table.TypeName, table.Columns[j].Name)
		}
	}

	fkCount := make(map[string]map[string]int)
	for _, table := range schema.Tables {
		for _, fk := range ForeignKeyConstraints(table) {
			if fkCount[table.Name] == nil {
				fkCount[table.Name] = make(map[string]int)
			}
			fkCount[table.Name][fk.ReferencedTable]++
		}
	}

	for i := range schema.Tables {
		table := &schema.Tables[i]
		if table.Junction {
			continue
		}
		for _, fk := range ForeignKeyConstraints(*table) {
			remote, ok := tables[fk.ReferencedTable]
			if !ok || remote.Junction || len(fk.ColumnNames) != len(fk.ReferencedColumns) {
				slog.Default().Warn("skipping unsupported foreign key",
					slog.String("table", table.Name),
					slog.String("constraint", fk.ConstraintName),
					slog.String("referenced_table", fk.ReferencedTable),
				)
				continue
			}
			toOneName := namer.RegisterRelationField(table.TypeName,
				namer.ManyToOneFieldName(fk.ColumnNames[0]), table.Name+"."+fk.ConstraintName, true)
			isOnlyFK := fkCount[table.Name][remote.Name] == 1
			toManyName := namer.RegisterRelationField(remote.TypeName,
				namer.OneToManyFieldName(table.Name, fk.ColumnNames[0], isOnlyFK), table.Name+"."+fk.ConstraintName, false)

			table.Relationships = append(table.Relationships, Relationship{
				Kind:             ManyToOne,
				FieldName:        toOneName,
				ReverseFieldName: toManyName,
				Constraint:       fk.ConstraintName,
				LocalColumns:     append([]string(nil), fk.ColumnNames...),
				RemoteTable:      remote.Name,
				RemoteColumns:    append([]string(nil), fk.ReferencedColumns...),
				Nullable:         anyNullable(*table, fk.ColumnNames),
			})
			remote.Relationships = append(remote.Relationships, Relationship{
				Kind:             OneToMany,
				FieldName:        toManyName,
				ReverseFieldName: toOneName,
				Constraint:       fk.ConstraintName,
				LocalColumns:     append([]string(nil), fk.ReferencedColumns...),
				RemoteTable:      table.Name,
				RemoteColumns:    append([]string(nil), fk.ColumnNames...),
			})
		}
	}

	for _, junction := range schema.Tables {
		if !junction.Junction {
			continue
		}
		fks := ForeignKeyConstraints(junction)
		left, right := tables[fks[0].ReferencedTable], tables[fks[1].ReferencedTable]
		leftName := namer.RegisterRelationField(left.TypeName, namer.ManyToManyFieldName(right.Name), "junction:"+junction.Name, false)
		rightName := namer.RegisterRelationField(right.TypeName, namer.ManyToManyFieldName(left.Name), "junction:"+junction.Name, false)

		left.Relationships = append(left.Relationships, Relationship{
			Kind:                  ManyToMany,
			FieldName:             leftName,
			ReverseFieldName:      rightName,
			LocalColumns:          append([]string(nil), fks[0].ReferencedColumns...),
			RemoteTable:           right.Name,
			RemoteColumns:         append([]string(nil), fks[1].ReferencedColumns...),
			JunctionTable:         junction.Name,
			JunctionLocalColumns:  append([]string(nil), fks[0].ColumnNames...),
			JunctionRemoteColumns: append([]string(nil), fks[1].ColumnNames...),
		})
		right.Relationships = append(right.Relationships, Relationship{
			Kind:                  ManyToMany,
			FieldName:             rightName,
			ReverseFieldName:      leftName,
			LocalColumns:          append([]string(nil), fks[1].ReferencedColumns...),
			RemoteTable:           left.Name,
			RemoteColumns:         append([]string(nil), fks[0].ReferencedColumns...),
			JunctionTable:         junction.Name,
			JunctionLocalColumns:  append([]string(nil), fks[1].ColumnNames...),
			JunctionRemoteColumns: append([]string(nil), fks[0].ColumnNames...),
		})
	}
	return nil
}

// isPureJunction reports whether a table only links two other tables: exactly
// two FK constraints to distinct existing tables, every column part of a
// non-null FK, and a primary key covering the FK columns.
func isPureJunction(table Table, tables map[string]*Table) bool {
	fks := ForeignKeyConstraints(table)
	if len(fks) != 2 || fks[0].ReferencedTable == fks[1].ReferencedTable {
		return false
	}
	for _, fk := range fks {
		if _, ok := tables[fk.ReferencedTable]; !ok {
			return false
		}
	}

	fkColumns := make(map[string]bool)
	for _, fk := range fks {
		for _, col := range fk.ColumnNames {
			fkColumns[col] = true
		}
	}
	primaryKey := make(map[string]bool)
	for _, col := range table.Columns {
		if !fkColumns[col.Name] || col.IsNullable {
			return false
		}
		if col.IsPrimaryKey {
			primaryKey[col.Name] = true
		}
	}
	for col := range fkColumns {
		if !primaryKey[col] {
			return false
		}
	}
	return true
}

func anyNullable(table Table, columns []string) bool {
	for _, col := range table.Columns {
		for _, name := range columns {
			if strings.EqualFold(col.Name, name) && col.IsNullable {
				return true
			}
		}
	}
	return false
}
