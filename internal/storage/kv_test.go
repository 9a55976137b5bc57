package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/pi-doser/internal/errors"
	"github.com/dsyorkd/pi-doser/internal/logger"
)

func TestKVStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "doser.kv")
	store, err := OpenKV(&KVConfig{Path: path}, logger.Discard())
	require.NoError(t, err)

	_, ok, err := store.Get("motors")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set("motors", `[{"id":18}]`))
	value, ok, err := store.Get("motors")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":18}]`, value)

	// Empty values are present, not missing
	require.NoError(t, store.Set("empty", ""))
	value, ok, err = store.Get("empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, value)

	require.NoError(t, store.Close())

	t.Run("survives reopen", func(t *testing.T) {
		reopened, err := OpenKV(&KVConfig{Path: path}, logger.Discard())
		require.NoError(t, err)
		defer reopened.Close()

		value, ok, err := reopened.Get("motors")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `[{"id":18}]`, value)

		require.NoError(t, reopened.Delete("motors"))
		require.NoError(t, reopened.Delete("never-set"))
		_, ok, err = reopened.Get("motors")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("namespaces are isolated", func(t *testing.T) {
		other, err := OpenKV(&KVConfig{Path: path, Namespace: "other"}, logger.Discard())
		require.NoError(t, err)
		defer other.Close()

		_, ok, err := other.Get("empty")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("closed store reports persistence errors", func(t *testing.T) {
		closed, err := OpenKV(&KVConfig{Path: path}, logger.Discard())
		require.NoError(t, err)
		require.NoError(t, closed.Close())

		err = closed.Set("motors", "[]")
		assert.True(t, errors.IsPersistenceError(err))
		_, _, err = closed.Get("motors")
		assert.True(t, errors.IsPersistenceError(err))
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	_, ok, err := store.Get("motors")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set("motors", "[]"))
	value, ok, _ := store.Get("motors")
	assert.True(t, ok)
	assert.Equal(t, "[]", value)

	require.NoError(t, store.Delete("motors"))
	_, ok, _ = store.Get("motors")
	assert.False(t, ok)
	assert.NoError(t, store.Close())
}
