// Package introspection discovers tables, columns, primary keys and foreign
// keys from INFORMATION_SCHEMA and derives the relations the schema mapping
// registry is built from.
package introspection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loadplan/internal/dbexec"
	"loadplan/internal/naming"
)

// Column represents a database column.
type Column struct {
	Name         string
	DataType     string
	ColumnType   string
	IsNullable   bool
	IsPrimaryKey bool
	Comment      string
	// FieldName is the resolved GraphQL field name.
	FieldName string
}

// ForeignKey is one KEY_COLUMN_USAGE row of a foreign key constraint.
type ForeignKey struct {
	ColumnName       string // e.g., "album_id"
	ReferencedTable  string // e.g., "albums"
	ReferencedColumn string // e.g., "id"
	ConstraintName   string // e.g., "songs_ibfk_1"
	OrdinalPosition  int
}

// Table represents a database table.
type Table struct {
	Name    string
	Comment string
	// TypeName is the resolved GraphQL type name.
	TypeName      string
	Columns       []Column
	ForeignKeys   []ForeignKey
	Relationships []Relationship
	// Junction marks a pure junction table; it is not exposed as a type.
	Junction bool
}

// Schema represents the introspected database schema.
type Schema struct {
	Tables []Table
}

// Table returns the table with the given name.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Introspect reads the schema of databaseName and builds its relations.
func Introspect(ctx context.Context, db dbexec.QueryExecutor, databaseName string, namer *naming.Namer) (*Schema, error) {
	ctx, span := startSpan(ctx, "introspection.build_schema",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	tables, err := getTables(ctx, db, databaseName)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}

	schema := &Schema{Tables: make([]Table, 0, len(tables))}
	for _, table := range tables {
		table.Columns, err = getColumns(ctx, db, databaseName, table.Name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get columns for %s: %w", table.Name, err)
		}

		primaryKeys, err := getPrimaryKeys(ctx, db, databaseName, table.Name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get primary keys for table %s: %w", table.Name, err)
		}
		pk := make(map[string]struct{}, len(primaryKeys))
		for _, name := range primaryKeys {
			pk[name] = struct{}{}
		}
		for i := range table.Columns {
			_, table.Columns[i].IsPrimaryKey = pk[table.Columns[i].Name]
		}

		table.ForeignKeys, err = getForeignKeys(ctx, db, databaseName, table.Name)
		if err != nil {
			recordSpanError(span, err)
			return nil, fmt.Errorf("failed to get foreign keys for table %s: %w", table.Name, err)
		}
		schema.Tables = append(schema.Tables, table)
	}

	if err := BuildRelationships(schema, namer); err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to build relationships: %w", err)
	}
	return schema, nil
}

func query(ctx context.Context, db dbexec.QueryExecutor, builder sq.SelectBuilder) (dbexec.Rows, error) {
	statement, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, statement, args...)
}

func getTables(ctx context.Context, db dbexec.QueryExecutor, databaseName string) ([]Table, error) {
	ctx, span := startSpan(ctx, "introspection.get_tables",
		attribute.String("db.name", databaseName),
	)
	defer span.End()

	rows, err := query(ctx, db, sq.Select("TABLE_NAME", "TABLE_COMMENT").
		From("INFORMATION_SCHEMA.TABLES").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName, "TABLE_TYPE": "BASE TABLE"}).
		OrderBy("TABLE_NAME"))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var tables []Table
	for rows.Next() {
		var table Table
		var comment sql.NullString
		if err := rows.Scan(&table.Name, &comment); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		table.Comment = strings.TrimSpace(comment.String)
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return tables, nil
}

func getColumns(ctx context.Context, db dbexec.QueryExecutor, databaseName, tableName string) ([]Column, error) {
	ctx, span := startSpan(ctx, "introspection.get_columns",
		attribute.String("db.name", databaseName),
		attribute.String("db.table", tableName),
	)
	defer span.End()

	rows, err := query(ctx, db, sq.Select("COLUMN_NAME", "DATA_TYPE", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_COMMENT").
		From("INFORMATION_SCHEMA.COLUMNS").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName, "TABLE_NAME": tableName}).
		OrderBy("ORDINAL_POSITION"))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var columns []Column
	for rows.Next() {
		var col Column
		var isNullable string
		var comment sql.NullString
		if err := rows.Scan(&col.Name, &col.DataType, &col.ColumnType, &isNullable, &comment); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		col.IsNullable = strings.EqualFold(isNullable, "YES")
		col.Comment = strings.TrimSpace(comment.String)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return columns, nil
}

func getPrimaryKeys(ctx context.Context, db dbexec.QueryExecutor, databaseName, tableName string) ([]string, error) {
	ctx, span := startSpan(ctx, "introspection.get_primary_keys",
		attribute.String("db.name", databaseName),
		attribute.String("db.table", tableName),
	)
	defer span.End()

	rows, err := query(ctx, db, sq.Select("COLUMN_NAME").
		From("INFORMATION_SCHEMA.KEY_COLUMN_USAGE").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName, "TABLE_NAME": tableName, "CONSTRAINT_NAME": "PRIMARY"}).
		OrderBy("ORDINAL_POSITION"))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var keys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		keys = append(keys, name)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return keys, nil
}

func getForeignKeys(ctx context.Context, db dbexec.QueryExecutor, databaseName, tableName string) ([]ForeignKey, error) {
	ctx, span := startSpan(ctx, "introspection.get_foreign_keys",
		attribute.String("db.name", databaseName),
		attribute.String("db.table", tableName),
	)
	defer span.End()

	rows, err := query(ctx, db, sq.Select("COLUMN_NAME", "REFERENCED_TABLE_NAME", "REFERENCED_COLUMN_NAME", "CONSTRAINT_NAME", "ORDINAL_POSITION").
		From("INFORMATION_SCHEMA.KEY_COLUMN_USAGE").
		Where(sq.Eq{"TABLE_SCHEMA": databaseName, "TABLE_NAME": tableName}).
		Where(sq.NotEq{"REFERENCED_TABLE_NAME": nil}).
		OrderBy("CONSTRAINT_NAME", "ORDINAL_POSITION"))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var foreignKeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.ColumnName, &fk.ReferencedTable, &fk.ReferencedColumn, &fk.ConstraintName, &fk.OrdinalPosition); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		foreignKeys = append(foreignKeys, fk)
	}
	if err := rows.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return foreignKeys, nil
}

// PrimaryKeyColumns returns the primary key column names in column order.
func PrimaryKeyColumns(table Table) []string {
	var cols []string
	for _, col := range table.Columns {
		if col.IsPrimaryKey {
			cols = append(cols, col.Name)
		}
	}
	return cols
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("loadplan/introspection").Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
