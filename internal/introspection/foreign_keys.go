package introspection

import "sort"

// ForeignKeyConstraint groups per-column KEY_COLUMN_USAGE rows into one
// ordered constraint.
type ForeignKeyConstraint struct {
	ConstraintName    string
	ReferencedTable   string
	ColumnNames       []string
	ReferencedColumns []string
}

// ForeignKeyConstraints returns the FK constraints of a table ordered by
// constraint name, columns ordered by position.
func ForeignKeyConstraints(table Table) []ForeignKeyConstraint {
	if len(table.ForeignKeys) == 0 {
		return nil
	}

	rows := append([]ForeignKey(nil), table.ForeignKeys...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ConstraintName != rows[j].ConstraintName {
			return rows[i].ConstraintName < rows[j].ConstraintName
		}
		return rows[i].OrdinalPosition < rows[j].OrdinalPosition
	})

	var result []ForeignKeyConstraint
	for _, fk := range rows {
		n := len(result)
		if n == 0 || result[n-1].ConstraintName != fk.ConstraintName || fk.ConstraintName == "" {
			result = append(result, ForeignKeyConstraint{
				ConstraintName:  fk.ConstraintName,
				ReferencedTable: fk.ReferencedTable,
			})
			n++
		}
		group := &result[n-1]
		group.ColumnNames = append(group.ColumnNames, fk.ColumnName)
		group.ReferencedColumns = append(group.ReferencedColumns, fk.ReferencedColumn)
	}
	return result
}
