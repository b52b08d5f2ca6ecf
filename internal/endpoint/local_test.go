package endpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blockdelta/bsync/internal/container"
	"github.com/stretchr/testify/require"
)

func TestLocalTransportWalkAndPool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))

	tr := NewLocalTransport(dir)
	c, err := tr.Walk()
	require.NoError(t, err)
	require.Equal(t, 1, c.NumFiles())

	pool := tr.Pool(c)
	defer pool.Close()
	r, err := pool.GetReader(0)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestLocalTransportPrepareRecreatesTree(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(srcDir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "f.bin"), []byte("0123"), 0o644))

	srcC, err := container.Walk(srcDir)
	require.NoError(t, err)

	dstDir := t.TempDir()
	tr := NewLocalTransport(dstDir)
	require.NoError(t, tr.Prepare(srcC))

	info, err := os.Stat(filepath.Join(dstDir, "sub", "f.bin"))
	require.NoError(t, err)
	require.EqualValues(t, 4, info.Size())
}
