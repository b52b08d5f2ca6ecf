package sigcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/indexer"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sigcache.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleBlocks() []indexer.CachedBlock {
	return []indexer.CachedBlock{
		{Weak: 111, Strong: block.StrongHashOf([]byte("a")), Offset: 0, Length: 4},
		{Weak: 222, Strong: block.StrongHashOf([]byte("b")), Offset: 4, Length: 6},
	}
}

func TestLookupMissesBeforeStore(t *testing.T) {
	s := openTestStore(t)
	_, ok := s.Lookup("f.txt", time.Unix(0, 1000), 10)
	require.False(t, ok)
}

func TestStoreThenLookupRoundTrips(t *testing.T) {
	s := openTestStore(t)
	mtime := time.Unix(0, 123456789)
	require.NoError(t, s.Store("f.txt", mtime, 10, sampleBlocks()))

	got, ok := s.Lookup("f.txt", mtime, 10)
	require.True(t, ok)
	require.Equal(t, sampleBlocks(), got)
}

func TestLookupMissesOnDifferentMtimeOrSize(t *testing.T) {
	s := openTestStore(t)
	mtime := time.Unix(0, 123456789)
	require.NoError(t, s.Store("f.txt", mtime, 10, sampleBlocks()))

	_, ok := s.Lookup("f.txt", time.Unix(0, 999), 10)
	require.False(t, ok)

	_, ok = s.Lookup("f.txt", mtime, 999)
	require.False(t, ok)
}

func TestStoreOverwritesPriorEntryForSamePath(t *testing.T) {
	s := openTestStore(t)
	mtimeOld := time.Unix(0, 1)
	require.NoError(t, s.Store("f.txt", mtimeOld, 10, sampleBlocks()))

	mtimeNew := time.Unix(0, 2)
	newBlocks := []indexer.CachedBlock{{Weak: 333, Strong: block.StrongHashOf([]byte("c")), Offset: 0, Length: 1}}
	require.NoError(t, s.Store("f.txt", mtimeNew, 10, newBlocks))

	_, ok := s.Lookup("f.txt", mtimeOld, 10)
	require.False(t, ok, "storing a new version should evict the old one")

	got, ok := s.Lookup("f.txt", mtimeNew, 10)
	require.True(t, ok)
	require.Equal(t, newBlocks, got)
}

func TestLRUFrontServesRepeatedLookupsWithoutDBRoundtrip(t *testing.T) {
	s := openTestStore(t)
	mtime := time.Unix(0, 42)
	require.NoError(t, s.Store("f.txt", mtime, 10, sampleBlocks()))

	got1, ok := s.Lookup("f.txt", mtime, 10)
	require.True(t, ok)
	got2, ok := s.Lookup("f.txt", mtime, 10)
	require.True(t, ok)
	require.Equal(t, got1, got2)
}
