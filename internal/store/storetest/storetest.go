// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/beaconvisor/internal/store"
)

// Run exercises s, which must be empty and have its schema ensured.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	local := store.TrackedNode{
		URL: "http://localhost:5052",
		Docker: &store.DockerInfo{
			ProcessName:   "mainnet-beacon-node",
			Network:       "mainnet",
			ChainDataDir:  "/data",
			Eth1URL:       "http://127.0.0.1:8545",
			DiscoveryPort: 9000,
			Libp2pPort:    9000,
			RPCPort:       5052,
		},
	}
	remote := store.TrackedNode{URL: "http://10.0.0.7:5052", Slot: 1234, Status: store.StatusSyncing}

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, local))
		require.NoError(t, s.Upsert(ctx, remote))

		got, err := s.GetByURL(ctx, local.URL)
		require.NoError(t, err)
		assert.Equal(t, local, got)

		got, err = s.GetByURL(ctx, remote.URL)
		require.NoError(t, err)
		assert.Equal(t, remote, got)
		assert.Nil(t, got.Docker)

		all, err := s.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, []store.TrackedNode{remote, local}, all)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		changed := local.Clone()
		changed.Docker.Eth1URL = "http://geth:8545"
		changed.Status = store.StatusActive
		require.NoError(t, s.Upsert(ctx, changed))
		got, err := s.GetByURL(ctx, local.URL)
		require.NoError(t, err)
		assert.Equal(t, changed, got)
		require.NoError(t, s.Upsert(ctx, local))
	})

	t.Run("update head", func(t *testing.T) {
		require.NoError(t, s.UpdateHead(ctx, local.URL, 99, store.StatusActive))
		got, err := s.GetByURL(ctx, local.URL)
		require.NoError(t, err)
		assert.Equal(t, uint64(99), got.Slot)
		assert.Equal(t, store.StatusActive, got.Status)
		assert.Equal(t, local.Docker, got.Docker)

		err = s.UpdateHead(ctx, "http://nowhere", 1, store.StatusActive)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, remote.URL))
		_, err := s.GetByURL(ctx, remote.URL)
		assert.ErrorIs(t, err, store.ErrNotFound)
		// removing twice is fine
		require.NoError(t, s.Remove(ctx, remote.URL))

		all, err := s.Get(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, local.URL, all[0].URL)
	})

	t.Run("empty url rejected", func(t *testing.T) {
		err := s.Upsert(ctx, store.TrackedNode{})
		assert.ErrorIs(t, err, store.ErrPersistence)
	})
}
