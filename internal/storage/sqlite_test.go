package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "ezproxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_GetSetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	require.NoError(t, s.Set(ctx, "k", "v2"))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DomainsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, ok, err := s.LoadDomains(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no domains")

	at := time.UnixMilli(1_700_000_000_123)
	require.NoError(t, s.SaveDomains(ctx, []string{"jstor.org", "journals.sagepub.com"}, at))

	domains, updatedAt, ok, err := s.LoadDomains(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"jstor.org", "journals.sagepub.com"}, domains)
	assert.True(t, at.Equal(updatedAt))

	raw, _, err := s.Get(ctx, KeyLastUpdate)
	require.NoError(t, err)
	assert.Equal(t, "1700000000123", raw)
}

func TestStore_Dismissed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.Dismissed(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SaveDismissed(ctx, []string{"wiley.com", "jstor.org"}))
	got, err = s.Dismissed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jstor.org", "wiley.com"}, got)
}

func TestStore_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ezproxy.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveDomains(ctx, []string{"jstor.org"}, time.Now()))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	domains, _, ok, err := s.LoadDomains(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"jstor.org"}, domains)
}
