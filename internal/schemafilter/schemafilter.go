// Package schemafilter applies allow/deny filters to introspected schemas
// before the schema mapping registry is built from them.
package schemafilter

import (
	"path"
	"slices"
	"strings"

	"loadplan/internal/introspection"
	"loadplan/internal/naming"
)

// Config controls allow/deny filters for tables and columns. Patterns use
// path.Match syntax and match case-insensitively. Column maps are keyed by
// table name; the "*" key applies to every table.
type Config struct {
	AllowTables  []string            `mapstructure:"allow_tables"`
	DenyTables   []string            `mapstructure:"deny_tables"`
	AllowColumns map[string][]string `mapstructure:"allow_columns"`
	DenyColumns  map[string][]string `mapstructure:"deny_columns"`
}

// Empty reports whether the config filters nothing.
func (c Config) Empty() bool {
	return len(c.AllowTables) == 0 && len(c.DenyTables) == 0 &&
		len(c.AllowColumns) == 0 && len(c.DenyColumns) == 0
}

// Apply filters tables, columns and foreign keys in place and rebuilds the
// relationships of what remains. Missing allow lists default to allow-all;
// deny rules always win. A table whose primary key is filtered out keeps its
// other columns but has no identity, so the registry skips it.
func Apply(schema *introspection.Schema, cfg Config, namer *naming.Namer) error {
	if schema == nil || cfg.Empty() {
		return nil
	}

	allowedTableNames := make(map[string]bool)
	filteredTables := make([]introspection.Table, 0, len(schema.Tables))
	for _, table := range schema.Tables {
		if !tableAllowed(table.Name, cfg.AllowTables, cfg.DenyTables) {
			continue
		}
		filteredTables = append(filteredTables, table)
		allowedTableNames[table.Name] = true
	}

	allowedColumnsByTable := make(map[string]map[string]bool, len(filteredTables))
	for i := range filteredTables {
		table := &filteredTables[i]
		allowedColumns := make(map[string]bool)
		filteredColumns := make([]introspection.Column, 0, len(table.Columns))
		for _, column := range table.Columns {
			if !columnAllowed(table.Name, column.Name, cfg.AllowColumns, cfg.DenyColumns) {
				continue
			}
			filteredColumns = append(filteredColumns, column)
			allowedColumns[column.Name] = true
		}

		table.Columns = filteredColumns
		allowedColumnsByTable[table.Name] = allowedColumns
	}

	finalTables := make([]introspection.Table, 0, len(filteredTables))
	for _, table := range filteredTables {
		if len(table.Columns) == 0 {
			continue
		}
		table.ForeignKeys = filterForeignKeys(table.ForeignKeys, allowedColumnsByTable[table.Name], allowedTableNames, allowedColumnsByTable)
		table.Relationships = nil
		finalTables = append(finalTables, table)
	}

	schema.Tables = finalTables
	return introspection.BuildRelationships(schema, namer)
}

func tableAllowed(table string, allow, deny []string) bool {
	if matchesAny(table, deny) {
		return false
	}
	if len(allow) == 0 {
		return true
	}
	return matchesAny(table, allow)
}

func columnAllowed(table, column string, allow, deny map[string][]string) bool {
	if matchesAny(column, mergePatterns(deny, table)) {
		return false
	}
	allowPatterns := mergePatterns(allow, table)
	if len(allowPatterns) == 0 {
		return true
	}
	return matchesAny(column, allowPatterns)
}

func mergePatterns(patterns map[string][]string, table string) []string {
	if patterns == nil {
		return nil
	}
	combined := append([]string{}, patterns["*"]...)
	for key, values := range patterns {
		// Config keys arrive lowercased from viper.
		if key != "*" && strings.EqualFold(key, table) {
			combined = append(combined, values...)
		}
	}
	return slices.Compact(combined)
}

// filterForeignKeys drops constraints whose local or referenced side was
// filtered away. Composite constraints are dropped as a whole.
func filterForeignKeys(fks []introspection.ForeignKey, allowedColumns map[string]bool, allowedTables map[string]bool, allowedColumnsByTable map[string]map[string]bool) []introspection.ForeignKey {
	broken := make(map[string]bool)
	for _, fk := range fks {
		remoteColumns := allowedColumnsByTable[fk.ReferencedTable]
		if !allowedColumns[fk.ColumnName] || !allowedTables[fk.ReferencedTable] || !remoteColumns[fk.ReferencedColumn] {
			broken[fk.ConstraintName] = true
		}
	}
	filtered := make([]introspection.ForeignKey, 0, len(fks))
	for _, fk := range fks {
		if !broken[fk.ConstraintName] {
			filtered = append(filtered, fk)
		}
	}
	return filtered
}

func matchesAny(value string, patterns []string) bool {
	value = strings.ToLower(value)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		ok, err := path.Match(strings.ToLower(pattern), value)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
