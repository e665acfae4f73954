package pebble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobopay/kobod/internal/storage/kv"
)

func TestPebbleEngine(t *testing.T) {
	manager := NewManager(t.TempDir())
	defer manager.Close()

	ctx := context.Background()

	db, err := manager.OpenDB("idempotency")
	require.NoError(t, err)

	t.Run("write read delete", func(t *testing.T) {
		key := []byte("scope:key1")
		require.NoError(t, db.Write(ctx, key, []byte("receipt")))

		got, err := db.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("receipt"), got)

		require.NoError(t, db.Delete(ctx, key))
		_, err = db.Read(ctx, key)
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)
	})

	t.Run("batch", func(t *testing.T) {
		err := db.Batch(ctx, []kv.BatchOperation{
			{Type: kv.BatchPut, Key: []byte("b1"), Value: []byte("v1")},
			{Type: kv.BatchPut, Key: []byte("b2"), Value: []byte("v2")},
			{Type: kv.BatchDelete, Key: []byte("b1")},
		})
		require.NoError(t, err)

		_, err = db.Read(ctx, []byte("b1"))
		assert.ErrorIs(t, err, kv.ErrKeyNotFound)

		got, err := db.Read(ctx, []byte("b2"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("iterator range", func(t *testing.T) {
		for _, k := range []string{"it/a", "it/b", "it/c"} {
			require.NoError(t, db.Write(ctx, []byte(k), []byte(k)))
		}

		it, err := db.Iterator(ctx, []byte("it/a"), []byte("it/c"))
		require.NoError(t, err)
		defer it.Close()

		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		require.NoError(t, it.Error())
		assert.Equal(t, []string{"it/a", "it/b"}, keys)
	})

	t.Run("reopen returns same handle", func(t *testing.T) {
		again, err := manager.OpenDB("idempotency")
		require.NoError(t, err)
		got, err := again.Read(ctx, []byte("b2"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})
}

func TestEngineRegistered(t *testing.T) {
	assert.True(t, kv.IsEngineAvailable(kv.EnginePebble))
}
