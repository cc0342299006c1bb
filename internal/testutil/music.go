// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"loadplan/internal/schemamap"
	"loadplan/internal/sqltype"
)

// MusicBuilder declares the artist/album/song/tag mapping used across tests.
func MusicBuilder() *schemamap.Builder {
	return schemamap.NewBuilder().
		Type("Artist", "artists", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("name", "name", sqltype.TypeString).
		ToMany("albums", "Album", "artist", "id", "artist_id").
		Type("Album", "albums", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("name", "name", sqltype.TypeString).
		NullableScalar("releaseDate", "release_date", sqltype.TypeString).
		ToOne("artist", "Artist", "albums", "artist_id", "id").
		ToMany("songs", "Song", "album", "id", "album_id").
		Type("Song", "songs", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("name", "name", sqltype.TypeString).
		NullableScalar("duration", "duration", sqltype.TypeInt).
		ToOne("album", "Album", "songs", "album_id", "id").
		ManyToMany("tags", "Tag", "songs", schemamap.Through{
			Table:         "song_tags",
			LocalColumns:  []string{"song_id"},
			RemoteColumns: []string{"tag_id"},
		}, "id", "id").
		Type("Tag", "tags", "id").
		Scalar("id", "id", sqltype.TypeInt).
		Scalar("label", "label", sqltype.TypeString).
		ManyToMany("songs", "Song", "tags", schemamap.Through{
			Table:         "song_tags",
			LocalColumns:  []string{"tag_id"},
			RemoteColumns: []string{"song_id"},
		}, "id", "id").
		Interface("Media", "Album", "Song")
}

// MusicRegistry returns the frozen music mapping. It panics on declaration
// errors, which only a broken fixture can produce.
func MusicRegistry() *schemamap.Registry {
	reg, err := MusicBuilder().Build()
	if err != nil {
		panic(err)
	}
	return reg
}
