package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

func TestTokenStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewTokenStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, "s1", []byte(`{"remaining_pages":[1]}`)))
	got, err := store.LoadToken(ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"remaining_pages":[1]}`, string(got))

	require.NoError(t, store.SaveToken(ctx, "s1", []byte(`{"remaining_pages":[2]}`)))
	got, err = store.LoadToken(ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"remaining_pages":[2]}`, string(got))
}

func TestTokenStoreMissingSession(t *testing.T) {
	t.Parallel()

	store, err := NewTokenStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.LoadToken(context.Background(), "ghost")
	require.ErrorIs(t, err, crawl.ErrTokenNotFound)
}

func TestTokenStoreCreatesRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "nested", "tokens")
	_, err := NewTokenStore(root)
	require.NoError(t, err)
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestTokenStoreLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := NewTokenStore(root)
	require.NoError(t, err)
	require.NoError(t, store.SaveToken(context.Background(), "s1", []byte(`{}`)))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "s1.json", entries[0].Name())
}
