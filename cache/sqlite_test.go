package cache

import (
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db, "v1-static")
}

func TestSQLiteStorePutGet(t *testing.T) {
	store := openTestDB(t)

	header := make(http.Header)
	header.Set("Content-Type", "text/css")
	storedAt := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.Put(&Entry{
		Key:        "GET:https://nexume.app/app.css",
		StatusCode: 200,
		Header:     header,
		Body:       []byte("body { margin: 0 }"),
		StoredAt:   storedAt,
	}))

	entry, err := store.Get("GET:https://nexume.app/app.css")
	require.NoError(t, err)
	assert.Equal(t, 200, entry.StatusCode)
	assert.Equal(t, "text/css", entry.Header.Get("Content-Type"))
	assert.Equal(t, []byte("body { margin: 0 }"), entry.Body)
	assert.Equal(t, storedAt.UnixMilli(), entry.StoredAt.UnixMilli())
}

func TestSQLiteStoreMiss(t *testing.T) {
	store := openTestDB(t)
	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSQLiteStoreFIFOEviction(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLiteStore(db, "v1-image", WithSQLiteMaxEntries(2))

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, store.Put(&Entry{Key: key, StatusCode: 200, Body: []byte(key), StoredAt: time.Now()}))
	}

	length, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, length)
	_, err = store.Get("key-0")
	assert.ErrorIs(t, err, ErrMiss)

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"key-1", "key-2"}, keys)
}

func TestSQLiteStoreTTLExpiry(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	clock := now
	store := NewSQLiteStore(db, "v1-api",
		WithSQLiteDefaultTTL(5*time.Minute),
		WithSQLiteClock(func() time.Time { return clock }))

	require.NoError(t, store.Put(&Entry{Key: "a", StatusCode: 200, Body: []byte("a"), StoredAt: now}))

	clock = now.Add(5*time.Minute - time.Second)
	_, err = store.Get("a")
	require.NoError(t, err)

	clock = now.Add(5*time.Minute + time.Second)
	_, err = store.Get("a")
	assert.ErrorIs(t, err, ErrExpired)
	_, err = store.Get("a")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestSQLiteStorePartitionsAreIndependent(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	defer db.Close()

	static := NewSQLiteStore(db, "v1-static")
	dynamic := NewSQLiteStore(db, "v1-dynamic")

	require.NoError(t, static.Put(&Entry{Key: "a", StatusCode: 200, Body: []byte("a"), StoredAt: time.Now()}))
	_, err = dynamic.Get("a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, static.Clear())
	length, err := static.Len()
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestPartitionNamesSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.db")

	db, err := OpenDB(path)
	require.NoError(t, err)
	store := NewSQLiteStore(db, "v1-static")
	require.NoError(t, store.Put(&Entry{Key: "a", StatusCode: 200, Body: []byte("a"), StoredAt: time.Now()}))
	require.NoError(t, db.Close())

	db, err = OpenDB(path)
	require.NoError(t, err)
	defer db.Close()

	names, err := PartitionNames(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1-static"}, names)
}
