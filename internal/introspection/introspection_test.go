package introspection

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadplan/internal/dbexec"
	"loadplan/internal/naming"
)

type mockTable struct {
	name    string
	columns [][]any // name, data type, column type, nullable
	pks     []string
	fks     [][]any // column, ref table, ref column, constraint, position
}

func expectTable(mock sqlmock.Sqlmock, table mockTable) {
	cols := sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_COMMENT"})
	for _, c := range table.columns {
		cols.AddRow(c[0], c[1], c[2], c[3], nil)
	}
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.COLUMNS").WithArgs(table.name, "music").WillReturnRows(cols)

	pks := sqlmock.NewRows([]string{"COLUMN_NAME"})
	for _, pk := range table.pks {
		pks.AddRow(pk)
	}
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE WHERE CONSTRAINT_NAME").WillReturnRows(pks)

	fks := sqlmock.NewRows([]string{"COLUMN_NAME", "REFERENCED_TABLE_NAME", "REFERENCED_COLUMN_NAME", "CONSTRAINT_NAME", "ORDINAL_POSITION"})
	for _, fk := range table.fks {
		fks.AddRow(fk[0], fk[1], fk[2], fk[3], fk[4])
	}
	mock.ExpectQuery("REFERENCED_TABLE_NAME IS NOT NULL").WillReturnRows(fks)
}

func musicTables() []mockTable {
	return []mockTable{
		{
			name:    "albums",
			columns: [][]any{{"id", "int", "int", "NO"}, {"name", "varchar", "varchar(255)", "NO"}, {"release_date", "date", "date", "YES"}, {"artist_id", "int", "int", "YES"}},
			pks:     []string{"id"},
			fks:     [][]any{{"artist_id", "artists", "id", "albums_ibfk_1", 1}},
		},
		{
			name:    "artists",
			columns: [][]any{{"id", "int", "int", "NO"}, {"name", "varchar", "varchar(255)", "NO"}},
			pks:     []string{"id"},
		},
		{
			name:    "song_tags",
			columns: [][]any{{"song_id", "int", "int", "NO"}, {"tag_id", "int", "int", "NO"}},
			pks:     []string{"song_id", "tag_id"},
			fks: [][]any{
				{"song_id", "songs", "id", "song_tags_ibfk_1", 1},
				{"tag_id", "tags", "id", "song_tags_ibfk_2", 1},
			},
		},
		{
			name:    "songs",
			columns: [][]any{{"id", "int", "int", "NO"}, {"name", "varchar", "varchar(255)", "NO"}, {"album_id", "int", "int", "NO"}},
			pks:     []string{"id"},
			fks:     [][]any{{"album_id", "albums", "id", "songs_ibfk_1", 1}},
		},
		{
			name:    "tags",
			columns: [][]any{{"id", "int", "int", "NO"}, {"label", "varchar", "varchar(64)", "NO"}},
			pks:     []string{"id"},
		},
	}
}

func TestIntrospect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tables := sqlmock.NewRows([]string{"TABLE_NAME", "TABLE_COMMENT"})
	for _, table := range musicTables() {
		tables.AddRow(table.name, "")
	}
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.TABLES").WithArgs("music", "BASE TABLE").WillReturnRows(tables)
	for _, table := range musicTables() {
		expectTable(mock, table)
	}

	schema, err := Introspect(context.Background(), dbexec.NewStandardExecutor(db), "music", naming.Default())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	albums, ok := schema.Table("albums")
	require.True(t, ok)
	assert.Equal(t, "Album", albums.TypeName)
	assert.Equal(t, []string{"id"}, PrimaryKeyColumns(*albums))
	assert.Equal(t, "releaseDate", albums.Columns[2].FieldName)

	junction, ok := schema.Table("song_tags")
	require.True(t, ok)
	assert.True(t, junction.Junction)
	assert.Empty(t, junction.TypeName)

	byField := func(table *Table) map[string]Relationship {
		out := make(map[string]Relationship)
		for _, rel := range table.Relationships {
			out[rel.FieldName] = rel
		}
		return out
	}

	albumRels := byField(albums)
	require.Contains(t, albumRels, "artist")
	assert.Equal(t, ManyToOne, albumRels["artist"].Kind)
	assert.Equal(t, "albums", albumRels["artist"].ReverseFieldName)
	assert.True(t, albumRels["artist"].Nullable)
	require.Contains(t, albumRels, "songs")
	assert.Equal(t, OneToMany, albumRels["songs"].Kind)
	assert.Equal(t, []string{"id"}, albumRels["songs"].LocalColumns)
	assert.Equal(t, []string{"album_id"}, albumRels["songs"].RemoteColumns)

	songs, _ := schema.Table("songs")
	songRels := byField(songs)
	require.Contains(t, songRels, "tags")
	assert.Equal(t, ManyToMany, songRels["tags"].Kind)
	assert.Equal(t, "song_tags", songRels["tags"].JunctionTable)
	assert.Equal(t, []string{"song_id"}, songRels["tags"].JunctionLocalColumns)
	assert.Equal(t, []string{"tag_id"}, songRels["tags"].JunctionRemoteColumns)
	assert.Equal(t, "songs", songRels["tags"].ReverseFieldName)
	assert.False(t, songRels["album"].Nullable)
}

func TestIntrospectPropagatesQueryErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM INFORMATION_SCHEMA.TABLES").WillReturnError(assert.AnError)

	_, err = Introspect(context.Background(), dbexec.NewStandardExecutor(db), "music", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestForeignKeyConstraintsGroupsComposite(t *testing.T) {
	table := Table{ForeignKeys: []ForeignKey{
		{ColumnName: "b", ReferencedTable: "p", ReferencedColumn: "y", ConstraintName: "fk_p", OrdinalPosition: 2},
		{ColumnName: "a", ReferencedTable: "p", ReferencedColumn: "x", ConstraintName: "fk_p", OrdinalPosition: 1},
		{ColumnName: "c", ReferencedTable: "q", ReferencedColumn: "id", ConstraintName: "fk_q", OrdinalPosition: 1},
	}}

	got := ForeignKeyConstraints(table)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a", "b"}, got[0].ColumnNames)
	assert.Equal(t, []string{"x", "y"}, got[0].ReferencedColumns)
	assert.Equal(t, "q", got[1].ReferencedTable)
}

func TestJunctionWithAttributesStaysATable(t *testing.T) {
	schema := &Schema{Tables: []Table{
		{Name: "users", Columns: []Column{{Name: "id", IsPrimaryKey: true}}},
		{Name: "groups", Columns: []Column{{Name: "id", IsPrimaryKey: true}}},
		{
			Name: "memberships",
			Columns: []Column{
				{Name: "user_id", IsPrimaryKey: true},
				{Name: "group_id", IsPrimaryKey: true},
				{Name: "role"},
			},
			ForeignKeys: []ForeignKey{
				{ColumnName: "user_id", ReferencedTable: "users", ReferencedColumn: "id", ConstraintName: "m_user"},
				{ColumnName: "group_id", ReferencedTable: "groups", ReferencedColumn: "id", ConstraintName: "m_group"},
			},
		},
	}}

	require.NoError(t, BuildRelationships(schema, naming.Default()))
	memberships, _ := schema.Table("memberships")
	assert.False(t, memberships.Junction)
	assert.Equal(t, "Membership", memberships.TypeName)
	assert.Len(t, memberships.Relationships, 2)
}
