package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/wireit-sub001/internal/turbopath"
)

// fakeBackend is a minimal in-memory Backend double for exercising
// Store's fan-out logic without touching the filesystem.
type fakeBackend struct {
	hits    map[Key]bool
	fetched []Key
	put     []Key
	putErr  error
	fetchErr error
}

func newFakeBackend(keys ...Key) *fakeBackend {
	hits := make(map[Key]bool, len(keys))
	for _, k := range keys {
		hits[k] = true
	}
	return &fakeBackend{hits: hits}
}

func (f *fakeBackend) Fetch(_ context.Context, _ turbopath.AbsoluteSystemPath, key Key) (bool, []turbopath.AnchoredSystemPath, time.Duration, error) {
	if f.fetchErr != nil {
		return false, nil, 0, f.fetchErr
	}
	f.fetched = append(f.fetched, key)
	return f.hits[key], nil, 0, nil
}

func (f *fakeBackend) Exists(_ context.Context, key Key) (bool, error) {
	return f.hits[key], nil
}

func (f *fakeBackend) Put(_ context.Context, _ turbopath.AbsoluteSystemPath, key Key, _ time.Duration, _ []turbopath.AnchoredSystemPath) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.put = append(f.put, key)
	if f.hits == nil {
		f.hits = map[Key]bool{}
	}
	f.hits[key] = true
	return nil
}

func TestNewStoreRequiresAtLeastOneBackend(t *testing.T) {
	_, err := NewStore(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoCachesEnabled)
}

func TestStoreFetchPrefersLocal(t *testing.T) {
	local := newFakeBackend("k1")
	remote := newFakeBackend("k1")
	store, err := NewStore(local, remote, nil)
	require.NoError(t, err)

	hit, _, _, err := store.Fetch(context.Background(), "", "k1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []Key{"k1"}, local.fetched)
	assert.Empty(t, remote.fetched, "remote should not be consulted on a local hit")
}

func TestStoreFetchFallsBackToRemoteAndBackfillsLocal(t *testing.T) {
	local := newFakeBackend()
	remote := newFakeBackend("k1")
	store, err := NewStore(local, remote, nil)
	require.NoError(t, err)

	hit, _, _, err := store.Fetch(context.Background(), "", "k1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []Key{"k1"}, local.put, "a remote hit should backfill the local backend")
}

func TestStoreFetchMissOnBothBackends(t *testing.T) {
	local := newFakeBackend()
	remote := newFakeBackend()
	store, err := NewStore(local, remote, nil)
	require.NoError(t, err)

	hit, _, _, err := store.Fetch(context.Background(), "", "k1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStorePutWritesToBothBackendsEvenIfRemoteFails(t *testing.T) {
	local := newFakeBackend()
	remote := newFakeBackend()
	remote.putErr = assertError{"remote unavailable"}
	store, err := NewStore(local, remote, nil)
	require.NoError(t, err)

	err = store.Put(context.Background(), "", "k1", time.Second, nil)
	require.NoError(t, err, "a remote failure must not fail Put as long as local succeeded")
	assert.Equal(t, []Key{"k1"}, local.put)
}

func TestStoreLocalOnly(t *testing.T) {
	local := newFakeBackend("k1")
	store, err := NewStore(local, nil, nil)
	require.NoError(t, err)

	ok, err := store.Exists(context.Background(), "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
