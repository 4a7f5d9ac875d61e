package controlplane

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreSourceLifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hive.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveSource(ctx, "web", "yaml", "/etc/hive/web.yaml", true))
	rows, err := store.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "web", rows[0].Name)
	require.True(t, rows[0].Enabled)

	require.NoError(t, store.SaveSource(ctx, "web", "yaml", "/etc/hive/web.yaml", false))
	rows, err = store.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Enabled)

	require.NoError(t, store.DeleteSource(ctx, "web"))
	rows, err = store.ListSources(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestStoreManualStopSticky(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "hive.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	stopped, err := store.IsManuallyStopped(ctx, "web:api")
	require.NoError(t, err)
	require.False(t, stopped)

	require.NoError(t, store.MarkManualStop(ctx, "web:api"))
	stopped, err = store.IsManuallyStopped(ctx, "web:api")
	require.NoError(t, err)
	require.True(t, stopped)

	require.NoError(t, store.ClearManualStop(ctx, "web:api"))
	stopped, err = store.IsManuallyStopped(ctx, "web:api")
	require.NoError(t, err)
	require.False(t, stopped)
}

func TestOpenStoreDisabledWithEmptyPath(t *testing.T) {
	store, err := OpenStore("")
	require.NoError(t, err)
	require.Nil(t, store)

	// A nil *Store must be a safe no-op everywhere it's threaded through,
	// matching spec §6: "not required for correctness of a fresh start."
	require.NoError(t, store.SaveSource(context.Background(), "x", "yaml", "/x", true))
}
