package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockdelta/bsync/internal/container"
	"github.com/stretchr/testify/require"
)

func TestIndexZeroLengthFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), nil, 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)

	store, byFile, err := Index(c, dir, Options{BlockSize: 8192})
	require.NoError(t, err)
	require.True(t, store.Empty())
	require.Empty(t, byFile[0])
}

func TestIndexProducesBlocksCoveringWholeFile(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 500*1024)
	for i := range data {
		data[i] = byte(i % 200)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), data, 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)

	_, byFile, err := Index(c, dir, Options{BlockSize: 8192})
	require.NoError(t, err)

	blocks := byFile[0]
	require.NotEmpty(t, blocks)
	var total int64
	for i, b := range blocks {
		require.Equal(t, total, b.Offset)
		total += b.Length
		if i > 0 {
			require.Equal(t, blocks[i-1].Offset+blocks[i-1].Length, b.Offset)
		}
	}
	require.EqualValues(t, len(data), total)
}

type memCache struct {
	entries map[string][]CachedBlock
	hits    int
}

func (m *memCache) Lookup(path string, mtime time.Time, size int64) ([]CachedBlock, bool) {
	b, ok := m.entries[path]
	if ok {
		m.hits++
	}
	return b, ok
}

func (m *memCache) Store(path string, mtime time.Time, size int64, blocks []CachedBlock) error {
	if m.entries == nil {
		m.entries = make(map[string][]CachedBlock)
	}
	m.entries[path] = blocks
	return nil
}

func TestIndexUsesCacheOnSecondPass(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("abcdefghijklmnop"), 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)

	cache := &memCache{}
	store1, byFile1, err := Index(c, dir, Options{BlockSize: 8192, Cache: cache})
	require.NoError(t, err)
	require.Equal(t, 0, cache.hits)

	store2, byFile2, err := Index(c, dir, Options{BlockSize: 8192, Cache: cache})
	require.NoError(t, err)
	require.Equal(t, 1, cache.hits)

	require.Equal(t, store1.Len(), store2.Len())
	require.Equal(t, byFile1[0], byFile2[0])
}

func TestIndexAbsentCacheNeverChangesResult(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("some content here"), 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)

	storeNoCache, byFileNoCache, err := Index(c, dir, Options{BlockSize: 8192})
	require.NoError(t, err)

	storeWithCache, byFileWithCache, err := Index(c, dir, Options{BlockSize: 8192, Cache: &memCache{}})
	require.NoError(t, err)

	require.Equal(t, storeNoCache.Len(), storeWithCache.Len())
	require.Equal(t, byFileNoCache[0], byFileWithCache[0])
}
