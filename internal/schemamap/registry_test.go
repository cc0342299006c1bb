package schemamap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadplan/internal/introspection"
	"loadplan/internal/naming"
	"loadplan/internal/plan"
	"loadplan/internal/sqltype"
)

func smallBuilder() *Builder {
	return NewBuilder().
		Type("Artist", "artists", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("name", "name", sqltype.TypeString).
		ToMany("albums", "Album", "artist", "id", "artist_id").
		Type("Album", "albums", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("title", "title", sqltype.TypeString).
		ToOne("artist", "Artist", "albums", "artist_id", "id")
}

func TestLookupField(t *testing.T) {
	reg, err := smallBuilder().Build()
	require.NoError(t, err)

	f, err := reg.LookupField("Album", "artist")
	require.NoError(t, err)
	assert.Equal(t, KindToOne, f.Kind)
	assert.Equal(t, "Artist", f.Target)
	assert.Equal(t, "albums", f.Reverse)

	_, err = reg.LookupField("Album", "missing")
	var unknown *plan.UnknownFieldError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "Album", unknown.Type)
	assert.Equal(t, "missing", unknown.Field)

	_, err = reg.LookupField("Nope", "id")
	assert.True(t, errors.As(err, &unknown))

	album, ok := reg.Lookup("Album")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, album.IdentityKey)
	assert.Equal(t, []string{"id", "title"}, album.Columns())
	assert.True(t, album.HasColumn("title"))
	assert.False(t, album.HasColumn("artist_id"))
}

func TestFreezeRejectsChanges(t *testing.T) {
	reg, err := smallBuilder().Build()
	require.NoError(t, err)
	assert.True(t, reg.Frozen())

	err = reg.AddField("Album", FieldDescriptor{Name: "x", Kind: KindScalar, Column: "x"})
	assert.ErrorIs(t, err, ErrFrozen)
	_, err = reg.AddType("Song", "songs", "id")
	assert.ErrorIs(t, err, ErrFrozen)
	assert.ErrorIs(t, reg.AddInterface("Media", "Album"), ErrFrozen)
}

func TestFreezeValidatesRelations(t *testing.T) {
	_, err := NewBuilder().
		Type("Album", "albums", "id").
		ToOne("artist", "Artist", "", "artist_id", "id").
		Build()
	assert.ErrorContains(t, err, "unknown type Artist")

	_, err = NewBuilder().
		Type("Artist", "artists", "id").
		Type("Album", "albums", "id").
		ToMany("tracks", "Artist", "", "id", "album_id").
		Build()
	assert.ErrorContains(t, err, "no reverse relation")

	_, err = NewBuilder().
		Type("Artist", "artists", "id").
		Scalar("name", "name", sqltype.TypeString).
		Type("Album", "albums", "id").
		ToOne("artist", "Artist", "name", "artist_id", "id").
		Build()
	assert.ErrorContains(t, err, "does not point back")
}

func TestBuilderReportsFirstError(t *testing.T) {
	_, err := NewBuilder().
		Type("Album", "albums").
		Scalar("id", "id", sqltype.TypeInt).
		Build()
	assert.ErrorContains(t, err, "no identity key")

	_, err = NewBuilder().
		Type("Album", "albums", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("id", "id", sqltype.TypeInt).
		Build()
	assert.ErrorContains(t, err, "already registered")
}

func TestInterfaces(t *testing.T) {
	reg, err := NewBuilder().
		Type("Album", "albums", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("name", "name", sqltype.TypeString).
		Type("Song", "songs", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("name", "name", sqltype.TypeString).
		Scalar("duration", "duration", sqltype.TypeInt).
		Interface("Media", "Album", "Song").
		Build()
	require.NoError(t, err)

	assert.True(t, reg.IsInterface("Media"))
	assert.True(t, reg.Known("Media"))
	assert.True(t, reg.Implements("Song", "Media"))
	assert.True(t, reg.Implements("Song", "Song"))
	assert.False(t, reg.Implements("Song", "Album"))
	assert.Equal(t, []string{"Album", "Song"}, reg.PossibleTypes("Media"))
	assert.Equal(t, []string{"Song"}, reg.PossibleTypes("Song"))
	assert.Nil(t, reg.PossibleTypes("Nope"))

	var names []string
	for _, f := range reg.CommonFields("Media") {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"id", "name"}, names)
}

func TestFromIntrospection(t *testing.T) {
	schema := &introspection.Schema{Tables: []introspection.Table{
		{
			Name: "artists",
			Columns: []introspection.Column{
				{Name: "id", DataType: "int", IsPrimaryKey: true},
				{Name: "name", DataType: "varchar"},
			},
		},
		{
			Name: "albums",
			Columns: []introspection.Column{
				{Name: "id", DataType: "int", IsPrimaryKey: true},
				{Name: "release_date", DataType: "date", IsNullable: true},
				{Name: "artist_id", DataType: "int"},
			},
			ForeignKeys: []introspection.ForeignKey{
				{ColumnName: "artist_id", ReferencedTable: "artists", ReferencedColumn: "id", ConstraintName: "fk_artist", OrdinalPosition: 1},
			},
		},
		{
			Name:    "audit_log",
			Columns: []introspection.Column{{Name: "message", DataType: "text"}},
		},
	}}
	require.NoError(t, introspection.BuildRelationships(schema, naming.Default()))

	reg, err := FromIntrospection(schema)
	require.NoError(t, err)
	require.NoError(t, reg.Freeze())

	_, ok := reg.Lookup("AuditLog")
	assert.False(t, ok, "tables without a primary key are not exposed")

	rd, err := reg.LookupField("Album", "releaseDate")
	require.NoError(t, err)
	assert.Equal(t, "release_date", rd.Column)
	assert.True(t, rd.Nullable)

	artist, err := reg.LookupField("Album", "artist")
	require.NoError(t, err)
	assert.Equal(t, KindToOne, artist.Kind)
	assert.Equal(t, []string{"artist_id"}, artist.LocalColumns)

	albums, err := reg.LookupField("Artist", "albums")
	require.NoError(t, err)
	assert.Equal(t, KindToMany, albums.Kind)
	assert.Equal(t, "artist", albums.Reverse)
	assert.Equal(t, []string{"artist_id"}, albums.RemoteColumns)
}
