// Package storetest holds the behaviour every tokenstore.Store must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgeaid/client/internal/tokenstore"
)

// Run exercises s against the Store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) tokenstore.Store) {
	t.Helper()

	t.Run("get absent", func(t *testing.T) {
		s := newStore(t)
		v, ok, err := s.Get(context.Background(), tokenstore.AccessToken)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, tokenstore.AccessToken, "abc"))

		v, ok, err := s.Get(ctx, tokenstore.AccessToken)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "abc", v)
	})

	t.Run("set overwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, tokenstore.AccessToken, "old"))
		require.NoError(t, s.Set(ctx, tokenstore.AccessToken, "new"))

		v, _, err := s.Get(ctx, tokenstore.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "new", v)
	})

	t.Run("values are opaque", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		odd := "ey.J\n\"quoted\" ünïcode =="
		require.NoError(t, s.Set(ctx, tokenstore.RefreshToken, odd))

		v, ok, err := s.Get(ctx, tokenstore.RefreshToken)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, odd, v)
	})

	t.Run("remove then get absent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, tokenstore.AccessToken, "abc"))
		require.NoError(t, s.Remove(ctx, tokenstore.AccessToken))

		_, ok, err := s.Get(ctx, tokenstore.AccessToken)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Remove(ctx, tokenstore.AccessToken))
		require.NoError(t, s.Remove(ctx, tokenstore.AccessToken))
	})

	t.Run("names are independent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, tokenstore.AccessToken, "a"))
		require.NoError(t, s.Set(ctx, tokenstore.RefreshToken, "r"))
		require.NoError(t, s.Remove(ctx, tokenstore.AccessToken))

		v, ok, err := s.Get(ctx, tokenstore.RefreshToken)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "r", v)
	})

	t.Run("pair round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		want := tokenstore.Pair{Access: "x", Refresh: "y"}
		require.NoError(t, tokenstore.SavePair(ctx, s, want))

		got, err := tokenstore.LoadPair(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, got.Complete())

		require.NoError(t, tokenstore.ClearPair(ctx, s))
		got, err = tokenstore.LoadPair(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, tokenstore.Pair{}, got)
	})
}
