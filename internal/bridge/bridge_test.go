package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadplan/internal/plan"
	"loadplan/internal/rowcache"
)

type fakeFetcher struct {
	relationCalls atomic.Int32
	columnCalls   atomic.Int32
	active        atomic.Int32
	maxActive     atomic.Int32

	gate  chan struct{}
	delay time.Duration
	err   error
}

func (f *fakeFetcher) enter(ctx context.Context) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		max := f.maxActive.Load()
		if n <= max || f.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func (f *fakeFetcher) FetchRelation(ctx context.Context, cache *rowcache.Cache, parent *rowcache.Record, relation string, slice *plan.SliceSpec) (any, error) {
	f.relationCalls.Add(1)
	if err := f.enter(ctx); err != nil {
		return nil, err
	}
	child := cache.Materialize("Artist", "7", map[string]any{"id": int64(7)})
	parent.SetRelation(rowcache.RelationKey(relation, slice), child)
	return child, nil
}

func (f *fakeFetcher) FetchColumns(ctx context.Context, rec *rowcache.Record, columns []string) error {
	f.columnCalls.Add(1)
	if err := f.enter(ctx); err != nil {
		return err
	}
	values := make(map[string]any, len(columns))
	for _, col := range columns {
		values[col] = "loaded:" + col
	}
	rec.Fill(values)
	return nil
}

// await runs a thunk returned on a miss.
func await(v any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if thunk, ok := v.(func() (interface{}, error)); ok {
		return thunk()
	}
	return v, nil
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeBlocking, mode)
	mode, err = ParseMode("async")
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, mode)
	_, err = ParseMode("greenlet")
	assert.Error(t, err)
}

func TestRelationHitSkipsFetch(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(fetcher, Options{Mode: ModeAsync})
	album := rowcache.NewRecord("Album", "1", map[string]any{"id": int64(1)})
	artist := rowcache.NewRecord("Artist", "2", nil)
	album.SetRelation("artist", artist)

	v, err := b.Relation(context.Background(), album, "artist", nil)
	require.NoError(t, err)
	assert.Same(t, artist, v, "hits return the value, never a thunk")
	assert.Zero(t, fetcher.relationCalls.Load())

	album.SetRelation("songs", []*rowcache.Record{})
	v, err = b.Relation(context.Background(), album, "songs", nil)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestRelationMissFetchesOnceThenHits(t *testing.T) {
	for _, mode := range []Mode{ModeBlocking, ModeAsync} {
		t.Run(string(mode), func(t *testing.T) {
			fetcher := &fakeFetcher{}
			b := New(fetcher, Options{Mode: mode})
			ctx := rowcache.WithCache(context.Background(), rowcache.New())
			album := rowcache.NewRecord("Album", "1", map[string]any{"id": int64(1)})

			v, err := await(b.Relation(ctx, album, "artist", nil))
			require.NoError(t, err)
			assert.Equal(t, "Artist:7", v.(*rowcache.Record).String())

			again, err := b.Relation(ctx, album, "artist", nil)
			require.NoError(t, err)
			assert.Same(t, v, again)
			assert.Equal(t, int32(1), fetcher.relationCalls.Load())
		})
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	b := New(fetcher, Options{Mode: ModeBlocking})
	album := rowcache.NewRecord("Album", "1", map[string]any{"id": int64(1)})

	var wg sync.WaitGroup
	results := make([]any, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := b.Relation(context.Background(), album, "artist", nil)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.relationCalls.Load())
	for _, v := range results {
		assert.Same(t, results[0], v)
	}
}

func TestAsyncWorkersAreBounded(t *testing.T) {
	fetcher := &fakeFetcher{delay: 10 * time.Millisecond}
	b := New(fetcher, Options{Mode: ModeAsync, Workers: 1})
	ctx := context.Background()

	var thunks []func() (interface{}, error)
	for i := 0; i < 4; i++ {
		rec := rowcache.NewRecord("Song", string(rune('a'+i)), nil)
		v, err := b.Column(ctx, rec, "name")
		require.NoError(t, err)
		thunk, ok := v.(func() (interface{}, error))
		require.True(t, ok)
		thunks = append(thunks, thunk)
	}
	for _, thunk := range thunks {
		v, err := thunk()
		require.NoError(t, err)
		assert.Equal(t, "loaded:name", v)
	}
	assert.Equal(t, int32(1), fetcher.maxActive.Load())
	assert.Equal(t, int32(4), fetcher.columnCalls.Load())
}

func TestCancellationAbortsFallback(t *testing.T) {
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	b := New(fetcher, Options{Mode: ModeAsync})
	ctx, cancel := context.WithCancel(context.Background())
	album := rowcache.NewRecord("Album", "1", map[string]any{"id": int64(1)})

	v, err := b.Relation(ctx, album, "artist", nil)
	require.NoError(t, err)
	cancel()
	_, err = await(v, nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := album.Relation("artist")
	assert.False(t, ok)

	_, err = New(fetcher, Options{}).Relation(ctx, album, "artist", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchFailurePropagates(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	b := New(fetcher, Options{Mode: ModeAsync})
	album := rowcache.NewRecord("Album", "1", map[string]any{"id": int64(1)})

	_, err := await(b.Relation(context.Background(), album, "artist", nil))
	var failure *plan.FetchFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "Album", failure.Type)
	assert.Equal(t, "artist", failure.Relation)

	_, err = await(b.Column(context.Background(), album, "name"))
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "", failure.Relation)
}

func TestColumnsHit(t *testing.T) {
	fetcher := &fakeFetcher{}
	b := New(fetcher, Options{})
	rec := rowcache.NewRecord("Album", "1", map[string]any{"id": int64(1), "name": "Blue"})

	v, err := b.Columns(context.Background(), rec, []string{"id", "name"}, func(values map[string]any) (any, error) {
		return values["name"].(string) + "!", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Blue!", v)
	assert.Zero(t, fetcher.columnCalls.Load())

	v, err = b.Relation(context.Background(), nil, "artist", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}
