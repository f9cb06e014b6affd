package payloadstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, config Config) *Store {
	t.Helper()
	store, err := NewStore(config)
	require.NoError(t, err)
	return store
}

func TestPutTakeRoundTrip(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	payload := []byte(`{"big":"body"}`)
	token, err := store.Put(payload, "application/json")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	got, contentType, err := store.Take(token)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "application/json", contentType)
}

func TestTakeIsSingleUse(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	token, err := store.Put([]byte("once"), "text/plain")
	require.NoError(t, err)

	_, _, err = store.Take(token)
	require.NoError(t, err)

	_, _, err = store.Take(token)
	assert.ErrorIs(t, err, ErrNotFound, "second take must fail cleanly")
}

func TestTakeUnknownToken(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	_, _, err := store.Take("no-such-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepPurgesExpired(t *testing.T) {
	config := DefaultConfig()
	config.TTL = 10 * time.Millisecond
	store := newTestStore(t, config)

	token, err := store.Put([]byte("never fetched"), "text/plain")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	store.sweep()

	_, _, err = store.Take(token)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, store.Len())
}

func TestSweepKeepsFresh(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	token, err := store.Put([]byte("fresh"), "text/plain")
	require.NoError(t, err)

	store.sweep()

	got, _, err := store.Take(token)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}

func TestCapacityEvictsOldest(t *testing.T) {
	config := DefaultConfig()
	config.MaxEntries = 2
	store := newTestStore(t, config)

	first, err := store.Put([]byte("first"), "text/plain")
	require.NoError(t, err)
	_, err = store.Put([]byte("second"), "text/plain")
	require.NoError(t, err)
	_, err = store.Put([]byte("third"), "text/plain")
	require.NoError(t, err)

	assert.Equal(t, 2, store.Len())
	_, _, err = store.Take(first)
	assert.ErrorIs(t, err, ErrNotFound, "oldest entry evicted at capacity")
}

func TestTokensAreUnique(t *testing.T) {
	store := newTestStore(t, DefaultConfig())

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		token, err := store.Put([]byte("x"), "text/plain")
		require.NoError(t, err)
		_, dup := seen[token]
		require.False(t, dup, "token collision")
		seen[token] = struct{}{}
	}
}
