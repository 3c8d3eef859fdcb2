package filecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(1<<20, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheGetReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	c := newCache(t)
	b, fi, err := c.Get(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
	assert.Equal(t, int64(5), fi.Size())
}

func TestCacheGetServesFromCacheOnSecondRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	c := newCache(t)
	b1, _, err := c.Get(path)
	require.NoError(t, err)
	b2, _, err := c.Get(path)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestCacheGetMissingFileErrors(t *testing.T) {
	c := newCache(t)
	_, _, err := c.Get("/no/such/file.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestCacheGetPicksUpContentChangeByModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	c := newCache(t)
	b, _, err := c.Get(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(b))

	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	require.NoError(t, os.Chtimes(path, later, later))

	b, _, err = c.Get(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(b))
}
