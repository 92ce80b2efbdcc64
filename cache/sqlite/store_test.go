package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxDocs int) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "cache.db")
	s, err := New(&Config{DataSourceName: dsn, MaxDocuments: maxDocs})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	state := []byte(`{"v":1,"writes":[]}`)
	require.NoError(t, s.Persist(ctx, "board-1", state))

	got, found, err := s.Load(ctx, "board-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, state, got)
}

func TestLoad_MissingDocumentIsNotAnError(t *testing.T) {
	s := newTestStore(t, 10)

	got, found, err := s.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestPersist_OverwritesExisting(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, "board-1", []byte(`"old"`)))
	require.NoError(t, s.Persist(ctx, "board-1", []byte(`"new"`)))

	got, found, err := s.Load(ctx, "board-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`"new"`), got)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "upsert must not duplicate rows")
}

func TestPersist_RejectsEmptyDocID(t *testing.T) {
	s := newTestStore(t, 10)
	require.Error(t, s.Persist(context.Background(), "", []byte(`{}`)))
}

func TestQuota_EvictsLeastRecentlyUpdated(t *testing.T) {
	s := newTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Persist(ctx, fmt.Sprintf("board-%d", i), []byte(`{}`)))
		time.Sleep(2 * time.Millisecond) // distinct update times
	}

	// Refresh board-0 so board-1 becomes the eviction candidate.
	_, found, err := s.Load(ctx, "board-0")
	require.NoError(t, err)
	require.True(t, found)
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, s.Persist(ctx, "board-3", []byte(`{}`)))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, found, err = s.Load(ctx, "board-1")
	require.NoError(t, err)
	assert.False(t, found, "least recently updated document should be evicted")

	for _, id := range []string{"board-0", "board-2", "board-3"} {
		_, found, err := s.Load(ctx, id)
		require.NoError(t, err)
		assert.True(t, found, "%s should survive the quota sweep", id)
	}
}

func TestDelete_RemovesDocument(t *testing.T) {
	s := newTestStore(t, 10)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, "board-1", []byte(`{}`)))
	require.NoError(t, s.Delete(ctx, "board-1"))

	_, found, err := s.Load(ctx, "board-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClose_MakesOperationsFail(t *testing.T) {
	s := newTestStore(t, 10)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is harmless")

	err := s.Persist(context.Background(), "board-1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrStoreClosed)

	_, _, err = s.Load(context.Background(), "board-1")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	_, err = New(&Config{})
	require.Error(t, err, "empty DataSourceName must be rejected")
}
