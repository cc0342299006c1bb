package hints

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadplan/internal/schemamap"
	"loadplan/internal/testutil"
)

const musicHints = `
computed:
  - type: Album
    name: label
    template: "{{.name}} ({{.release_date}})"
    projection: [name, release_date]
  - type: Artist
    name: discography
    template: "{{.name}}"
    prefetches:
      albums:
        projection: [release_date]
fields:
  - type: Song
    field: name
    joins: [album]
  - type: Song
    field: name
    projection: [duration]
`

func musicRegistry(t *testing.T) *schemamap.Registry {
	t.Helper()
	reg, err := testutil.MusicBuilder().Registry()
	require.NoError(t, err)
	return reg
}

func TestApplyRegistersComputedAndHints(t *testing.T) {
	file, err := Parse(strings.NewReader(musicHints))
	require.NoError(t, err)

	reg := musicRegistry(t)
	store, err := file.Apply(reg)
	require.NoError(t, err)
	require.NoError(t, reg.Freeze())
	require.NoError(t, store.Freeze(reg))

	label, err := reg.LookupField("Album", "label")
	require.NoError(t, err)
	assert.Equal(t, schemamap.KindComputed, label.Kind)

	h, ok := store.HintsFor("Album", "label")
	require.True(t, ok)
	assert.Equal(t, []string{"name", "release_date"}, h.ExtraProjection)

	h, ok = store.HintsFor("Song", "name")
	require.True(t, ok)
	assert.Equal(t, []string{"album"}, h.ExtraJoins)
	assert.Equal(t, []string{"duration"}, h.ExtraProjection, "repeated declarations are unioned")

	h, ok = store.HintsFor("Artist", "discography")
	require.True(t, ok)
	require.Contains(t, h.ExtraPrefetches, "albums")
	assert.Equal(t, []string{"release_date"}, h.ExtraPrefetches["albums"].ExtraProjection)

	_, ok = store.HintsFor("Song", "duration")
	assert.False(t, ok)
	assert.Equal(t, 3, store.Len())

	assert.ErrorIs(t, store.Register("Song", "id", &Hint{ExtraJoins: []string{"album"}}), ErrFrozen)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("fields:\n  - type: Song\n    field: name\n    extra: [x]\n"))
	require.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	file, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	store, err := file.Apply(musicRegistry(t))
	require.NoError(t, err)
	assert.Zero(t, store.Len())
}

func TestValidateRejectsBadHints(t *testing.T) {
	reg := testutil.MusicRegistry()

	tests := []struct {
		name  string
		owner [2]string
		hint  *Hint
	}{
		{"unknown owner", [2]string{"Song", "lyrics"}, &Hint{ExtraProjection: []string{"name"}}},
		{"unknown column", [2]string{"Song", "name"}, &Hint{ExtraProjection: []string{"bpm"}}},
		{"field name is not a column", [2]string{"Album", "name"}, &Hint{ExtraProjection: []string{"releaseDate"}}},
		{"scalar in join path", [2]string{"Song", "name"}, &Hint{ExtraJoins: []string{"album.name"}}},
		{"unknown relation", [2]string{"Song", "name"}, &Hint{ExtraJoins: []string{"producer"}}},
		{"nested column on target", [2]string{"Artist", "name"}, &Hint{ExtraPrefetches: map[string]*Hint{
			"albums": {ExtraProjection: []string{"duration"}},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore()
			require.NoError(t, store.Register(tt.owner[0], tt.owner[1], tt.hint))
			assert.ErrorIs(t, store.Validate(reg), ErrInvalidHint)
		})
	}
}

func TestApplyRejectsBadTemplate(t *testing.T) {
	file, err := Parse(strings.NewReader("computed:\n  - type: Album\n    name: broken\n    template: \"{{.name\"\n"))
	require.NoError(t, err)
	_, err = file.Apply(musicRegistry(t))
	assert.ErrorIs(t, err, ErrInvalidHint)
}

func TestResolvePath(t *testing.T) {
	reg := testutil.MusicRegistry()

	fields, err := ResolvePath(reg, "Song", "album.artist.albums")
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, "Artist", fields[1].Target)
	assert.Equal(t, schemamap.KindToMany, fields[2].Kind)

	_, err = ResolvePath(reg, "Song", "")
	assert.ErrorIs(t, err, ErrInvalidHint)
}
