package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadplan/internal/bridge"
	"loadplan/internal/dbexec"
	"loadplan/internal/hints"
	"loadplan/internal/rowcache"
	"loadplan/internal/schemamap"
	"loadplan/internal/sqlstore"
	"loadplan/internal/testutil"
)

type harness struct {
	schema graphql.Schema
	mock   sqlmock.Sqlmock
}

func newHarness(t *testing.T, reg *schemamap.Registry, configure func(*Config)) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	exec := dbexec.NewCountingExecutor(dbexec.NewStandardExecutor(db))
	store := sqlstore.New(exec, reg, sqlstore.Options{PrefetchConcurrency: 1})
	cfg := Config{
		Registry: reg,
		Store:    store,
		Bridge:   bridge.New(store, bridge.Options{Mode: bridge.ModeBlocking}),
	}
	if configure != nil {
		configure(&cfg)
	}
	schema, err := NewResolver(cfg).BuildGraphQLSchema()
	require.NoError(t, err)
	return &harness{schema: schema, mock: mock}
}

// execute runs query with a fresh identity cache and returns the result and
// the number of SQL statements it issued.
func (h *harness) execute(t *testing.T, query string) (*graphql.Result, int64) {
	t.Helper()
	ctx := rowcache.WithCache(context.Background(), rowcache.New())
	ctx, counter := dbexec.WithStatementCounter(ctx)
	result := graphql.Do(graphql.Params{Schema: h.schema, RequestString: query, Context: ctx})
	return result, counter.Count()
}

func dataJSON(t *testing.T, result *graphql.Result) string {
	t.Helper()
	require.Empty(t, result.Errors)
	out, err := json.Marshal(result.Data)
	require.NoError(t, err)
	return string(out)
}

func assertNonNullListOfNonNullObject(t *testing.T, typ graphql.Type) {
	t.Helper()

	outerNonNull, ok := typ.(*graphql.NonNull)
	require.True(t, ok, "expected outer NonNull, got %T", typ)

	list, ok := outerNonNull.OfType.(*graphql.List)
	require.True(t, ok, "expected List, got %T", outerNonNull.OfType)

	innerNonNull, ok := list.OfType.(*graphql.NonNull)
	require.True(t, ok, "expected inner NonNull, got %T", list.OfType)

	_, ok = innerNonNull.OfType.(*graphql.Object)
	require.True(t, ok, "expected Object, got %T", innerNonNull.OfType)
}

func hasArg(field *graphql.FieldDefinition, name string) bool {
	for _, arg := range field.Args {
		if arg != nil && arg.Name() == name {
			return true
		}
	}
	return false
}

func TestSchemaShape(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	query := h.schema.QueryType().Fields()

	for _, name := range []string{"artists", "artist", "albums", "album", "songs", "song", "tags", "tag", "allMedia"} {
		require.Contains(t, query, name)
	}
	assertNonNullListOfNonNullObject(t, query["songs"].Type)
	assert.True(t, hasArg(query["songs"], "limit"))
	assert.True(t, hasArg(query["songs"], "offset"))
	assert.True(t, hasArg(query["song"], "id"))
	assert.True(t, hasArg(query["song"], "required"))
	assert.True(t, hasArg(query["songs"], "ids"))
	assert.False(t, hasArg(query["allMedia"], "ids"))

	song := h.schema.Type("Song").(*graphql.Object).Fields()
	assertNonNullListOfNonNullObject(t, song["tags"].Type)
	assert.True(t, hasArg(song["tags"], "limit"))
	_, nullable := song["duration"].Type.(*graphql.NonNull)
	assert.False(t, nullable, "duration is nullable")
	_, required := song["id"].Type.(*graphql.NonNull)
	assert.True(t, required)
	assert.Equal(t, "Album", song["album"].Type.Name())

	media, ok := h.schema.Type("Media").(*graphql.Interface)
	require.True(t, ok)
	assert.Contains(t, media.Fields(), "name")
	assert.NotContains(t, media.Fields(), "duration")
}

func TestNestedSelectionLoadsInTwoStatements(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name`, t1.`id` AS `t1__id`, t1.`name` AS `t1__name`, t2.`id` AS `t2__id` " +
			"FROM `songs` AS t0 " +
			"LEFT JOIN `albums` AS t1 ON t1.`id` = t0.`album_id` " +
			"LEFT JOIN `artists` AS t2 ON t2.`id` = t1.`artist_id` " +
			"ORDER BY t0.`id` LIMIT 2")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name", "t1__id", "t1__name", "t2__id"}).
			AddRow(int64(1), "Blue", int64(10), "Blue", int64(100)).
			AddRow(int64(2), "River", int64(10), "Blue", int64(100)))
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"FROM `tags` AS t0 INNER JOIN `song_tags` AS jt ON jt.`tag_id` = t0.`id` WHERE jt.`song_id` IN (?,?) ORDER BY jt.`song_id`, t0.`id`")).
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__label", "__p0"}).
			AddRow(int64(5), "folk", int64(1)).
			AddRow(int64(6), "live", int64(1)).
			AddRow(int64(5), "folk", int64(2)))

	result, statements := h.execute(t, `{
		songs(limit: 2) {
			name
			album { name artist { id } }
			tags { label }
		}
	}`)

	assert.JSONEq(t, `{"songs":[
		{"name":"Blue","album":{"name":"Blue","artist":{"id":100}},"tags":[{"label":"folk"},{"label":"live"}]},
		{"name":"River","album":{"name":"Blue","artist":{"id":100}},"tags":[{"label":"folk"}]}
	]}`, dataJSON(t, result))
	assert.Equal(t, int64(2), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestSlicedRelationReadsPrefetchedWindow(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery(regexp.QuoteMeta("SELECT t0.`id` AS `t0__id` FROM `artists` AS t0 ORDER BY t0.`id` LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id"}).AddRow(int64(1)))
	h.mock.ExpectQuery(regexp.QuoteMeta("ROW_NUMBER() OVER (PARTITION BY t0.`artist_id` ORDER BY t0.`id`) AS __rn")).
		WithArgs(int64(1), 0, 2).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name", "__p0"}).
			AddRow(int64(10), "Blue", int64(1)).
			AddRow(int64(11), "Kind", int64(1)))

	result, statements := h.execute(t, `{ artists(limit: 1) { albums(limit: 2) { name } } }`)

	assert.JSONEq(t, `{"artists":[{"albums":[{"name":"Blue"},{"name":"Kind"}]}]}`, dataJSON(t, result))
	assert.Equal(t, int64(2), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestSingleRowLookup(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name` FROM `songs` AS t0 WHERE t0.`id` = ? ORDER BY t0.`id` LIMIT 1")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name"}).AddRow(int64(2), "River"))
	h.mock.ExpectQuery(regexp.QuoteMeta("FROM `songs` AS t0 WHERE t0.`id` = ?")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name"}))

	result, _ := h.execute(t, `{ song(id: 2) { name } }`)
	assert.JSONEq(t, `{"song":{"name":"River"}}`, dataJSON(t, result))

	result, _ = h.execute(t, `{ song(id: 3) { name } }`)
	assert.JSONEq(t, `{"song":null}`, dataJSON(t, result))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestInterfaceRootPlansEachImplementer(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name` FROM `albums` AS t0 ORDER BY t0.`id` LIMIT 3")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name"}).
			AddRow(int64(10), "Blue").
			AddRow(int64(11), "Kind"))
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`duration` AS `t0__duration`, t0.`id` AS `t0__id`, t0.`name` AS `t0__name` FROM `songs` AS t0 ORDER BY t0.`id` LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__duration", "t0__id", "t0__name"}).AddRow(int64(240), int64(1), "River"))

	result, statements := h.execute(t, `{ allMedia(limit: 2, offset: 1) { __typename name ... on Song { duration } } }`)

	assert.JSONEq(t, `{"allMedia":[
		{"__typename":"Album","name":"Kind"},
		{"__typename":"Song","name":"River","duration":240}
	]}`, dataJSON(t, result))
	assert.Equal(t, int64(2), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestInterfaceRootLimitCoversCombinedList(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name` FROM `albums` AS t0 ORDER BY t0.`id` LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name"}).AddRow(int64(10), "Blue"))

	result, statements := h.execute(t, `{ allMedia(limit: 1) { __typename name } }`)

	assert.JSONEq(t, `{"allMedia":[{"__typename":"Album","name":"Blue"}]}`, dataJSON(t, result))
	assert.Equal(t, int64(1), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())

	result, statements = h.execute(t, `{ allMedia(limit: 0) { name } }`)
	assert.JSONEq(t, `{"allMedia":[]}`, dataJSON(t, result))
	assert.Zero(t, statements)
}

func TestListRootFiltersByIDs(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name` FROM `songs` AS t0 WHERE t0.`id` IN (?,?) ORDER BY t0.`id`")).
		WithArgs(int64(1), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name"}).
			AddRow(int64(1), "Blue").
			AddRow(int64(3), "Kind"))

	result, statements := h.execute(t, `{ songs(ids: [1, 3]) { name } }`)

	assert.JSONEq(t, `{"songs":[{"name":"Blue"},{"name":"Kind"}]}`, dataJSON(t, result))
	assert.Equal(t, int64(1), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())

	result, statements = h.execute(t, `{ songs(ids: []) { name } }`)
	assert.JSONEq(t, `{"songs":[]}`, dataJSON(t, result))
	assert.Zero(t, statements)
}

func TestRequiredLookupReportsNotFound(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery(regexp.QuoteMeta("FROM `songs` AS t0 WHERE t0.`id` = ?")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name"}))
	h.mock.ExpectQuery(regexp.QuoteMeta("FROM `songs` AS t0 WHERE t0.`id` = ?")).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name"}).AddRow(int64(2), "River"))

	result, _ := h.execute(t, `{ song(id: 3, required: true) { name } }`)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "Song with id 3: not found", result.Errors[0].Message)
	assert.True(t, errors.Is(result.Errors[0].OriginalError(), ErrNotFound))

	result, _ = h.execute(t, `{ song(id: 2, required: true) { name } }`)
	assert.JSONEq(t, `{"song":{"name":"River"}}`, dataJSON(t, result))
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestComputedFieldUsesHintProjection(t *testing.T) {
	reg, err := testutil.MusicBuilder().Registry()
	require.NoError(t, err)
	require.NoError(t, reg.AddField("Album", schemamap.FieldDescriptor{
		Name:     "label",
		Kind:     schemamap.KindComputed,
		Template: "{{.name}} ({{.release_date}})",
	}))
	require.NoError(t, reg.Freeze())
	store := hints.NewStore()
	require.NoError(t, store.Register("Album", "label", &hints.Hint{ExtraProjection: []string{"name", "release_date"}}))
	require.NoError(t, store.Freeze(reg))

	h := newHarness(t, reg, func(cfg *Config) { cfg.Hints = store })
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name`, t0.`release_date` AS `t0__release_date` FROM `albums` AS t0 ORDER BY t0.`id` LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name", "t0__release_date"}).AddRow(int64(10), "Blue", "1959"))

	result, statements := h.execute(t, `{ albums(limit: 1) { label } }`)

	assert.JSONEq(t, `{"albums":[{"label":"Blue (1959)"}]}`, dataJSON(t, result))
	assert.Equal(t, int64(1), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestComputedFieldWithoutHintLoadsRowOnce(t *testing.T) {
	reg, err := testutil.MusicBuilder().Registry()
	require.NoError(t, err)
	require.NoError(t, reg.AddField("Album", schemamap.FieldDescriptor{
		Name:     "label",
		Kind:     schemamap.KindComputed,
		Template: "{{.name}}",
	}))
	require.NoError(t, reg.Freeze())

	h := newHarness(t, reg, nil)
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name`, t0.`release_date` AS `t0__release_date` FROM `albums` AS t0 ORDER BY t0.`id` LIMIT 2")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name", "t0__release_date"}).
			AddRow(int64(10), "Blue", "1959").
			AddRow(int64(11), "Kind", "1959"))

	result, statements := h.execute(t, `{ albums(limit: 2) { label } }`)

	assert.JSONEq(t, `{"albums":[{"label":"Blue"},{"label":"Kind"}]}`, dataJSON(t, result))
	assert.Equal(t, int64(1), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestDisabledOptimizerFallsBackPerRecord(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), func(cfg *Config) { cfg.DisableOptimizer = true })
	h.mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT t0.`id` AS `t0__id`, t0.`name` AS `t0__name`, t0.`release_date` AS `t0__release_date` FROM `albums` AS t0 ORDER BY t0.`id` LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name", "t0__release_date"}).AddRow(int64(10), "Blue", nil))
	h.mock.ExpectQuery(regexp.QuoteMeta("SELECT `artist_id` FROM `albums` WHERE `id` = ?")).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"artist_id"}).AddRow(int64(100)))
	h.mock.ExpectQuery(regexp.QuoteMeta("FROM `artists` AS t0 WHERE t0.`id` IN (?)")).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"t0__id", "t0__name", "__p0"}).AddRow(int64(100), "Ella", int64(100)))

	result, statements := h.execute(t, `{ albums(limit: 1) { name artist { name } } }`)

	assert.JSONEq(t, `{"albums":[{"name":"Blue","artist":{"name":"Ella"}}]}`, dataJSON(t, result))
	assert.Equal(t, int64(3), statements)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAccessDeniedIsNormalized(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	h.mock.ExpectQuery("FROM `tags`").
		WillReturnError(&mysql.MySQLError{Number: 1142, Message: "SELECT command denied"})

	result, _ := h.execute(t, `{ tags { label } }`)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "access denied", result.Errors[0].Message)
}

func TestMalformedSelectionIsReported(t *testing.T) {
	h := newHarness(t, testutil.MusicRegistry(), nil)
	result, statements := h.execute(t, `{ artists { ...missing } }`)
	require.NotEmpty(t, result.Errors)
	assert.Zero(t, statements)
}

func TestOptionalIntArg(t *testing.T) {
	v, ok := optionalIntArg(map[string]interface{}{"limit": 3}, "limit")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = optionalIntArg(map[string]interface{}{"limit": nil}, "limit")
	assert.False(t, ok)
	_, ok = optionalIntArg(map[string]interface{}{}, "offset")
	assert.False(t, ok)
}
