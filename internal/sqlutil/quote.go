// Package sqlutil provides SQL identifier helpers shared by the store adapter
// and introspection.
package sqlutil

import "strings"

// QuoteIdentifier quotes a SQL identifier with backticks and escapes any
// backticks within it.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QualifiedColumn renders alias.column with the column quoted.
func QualifiedColumn(alias, column string) string {
	return alias + "." + QuoteIdentifier(column)
}

// ColumnAlias renders the result-set alias used for a joined column so rows
// from several tables can share one SELECT list.
func ColumnAlias(alias, column string) string {
	return QuoteIdentifier(alias + "__" + column)
}
