package patch

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/delta"
	"github.com/blockdelta/bsync/internal/indexer"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/stretchr/testify/require"
)

func literalInstr(s string) delta.Instruction {
	return delta.Instruction{Tag: delta.TagLiteral, Literal: []byte(s)}
}

func endfile(total int64) delta.Instruction {
	return delta.Instruction{Tag: delta.TagEndfile, TotalSize: total}
}

func TestApplyFileAllLiteral(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	a := NewApplier(NewLocalResolver(block.New(), dirPool(t, dir)))
	instrs := []delta.Instruction{literalInstr("hello, "), literalInstr("world"), endfile(12)}

	require.NoError(t, a.ApplyFile(0, out, instrs))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "hello, world", string(got))
}

func TestApplyStreamPullsOneInstructionAtATime(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	tape := []delta.Instruction{literalInstr("stream"), literalInstr("ed"), endfile(8)}
	var pulled int
	next := func() (delta.Instruction, error) {
		pulled++
		return tape[pulled-1], nil
	}

	a := NewApplier(NewLocalResolver(block.New(), dirPool(t, dir)))
	require.NoError(t, a.ApplyStream(0, out, next))
	require.Equal(t, len(tape), pulled)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "streamed", string(got))
}

func dirPool(t *testing.T, dir string) container.FilePool {
	t.Helper()
	c, err := container.Walk(dir)
	require.NoError(t, err)
	return c.NewFilePool(dir)
}

func TestApplyFileResolvesKnownFromDestination(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dest.bin"), []byte("KNOWNBLOCK"), 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)
	store, _, err := indexer.Index(c, dir, indexer.Options{BlockSize: 10})
	require.NoError(t, err)
	require.False(t, store.Empty())

	blk := store.All()[0]
	out := filepath.Join(dir, "out.bin")

	a := NewApplier(NewLocalResolver(store, c.NewFilePool(dir)))
	instrs := []delta.Instruction{
		{Tag: delta.TagKnown, Weak: blk.WeakHash, Strong: blk.StrongHash},
		endfile(blk.Length),
	}
	require.NoError(t, a.ApplyFile(1, out, instrs))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "KNOWNBLOCK", string(got))
}

func TestApplyFileUnknownBlockIsVerifyError(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	a := NewApplier(NewLocalResolver(block.New(), dirPool(t, dir)))
	instrs := []delta.Instruction{
		{Tag: delta.TagKnown, Weak: 1234, Strong: block.StrongHashOf([]byte("nope"))},
		endfile(4),
	}
	err := a.ApplyFile(0, out, instrs)
	require.Error(t, err)
	require.True(t, werrors.As[*werrors.VerifyError](err))
	require.NoFileExists(t, out)
}

func TestApplyFileLengthMismatchIsVerifyError(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	a := NewApplier(NewLocalResolver(block.New(), dirPool(t, dir)))
	instrs := []delta.Instruction{literalInstr("short"), endfile(999)}
	err := a.ApplyFile(0, out, instrs)
	require.Error(t, err)
	require.True(t, werrors.As[*werrors.VerifyError](err))
	require.NoFileExists(t, out)
}

func TestApplyFileBackrefAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	firstOut := filepath.Join(dir, "first.bin")
	secondOut := filepath.Join(dir, "second.bin")

	a := NewApplier(NewLocalResolver(block.New(), dirPool(t, dir)))

	require.NoError(t, a.ApplyFile(0, firstOut, []delta.Instruction{
		literalInstr("abcdefghij"), endfile(10),
	}))

	instrs := []delta.Instruction{
		{Tag: delta.TagBackref, SrcFileID: 0, Offset: 2, Length: 5},
		endfile(5),
	}
	require.NoError(t, a.ApplyFile(1, secondOut, instrs))

	got, err := os.ReadFile(secondOut)
	require.NoError(t, err)
	require.Equal(t, "cdefg", string(got))
}

func TestApplyFileForwardBackrefRejected(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	a := NewApplier(NewLocalResolver(block.New(), dirPool(t, dir)))
	instrs := []delta.Instruction{
		{Tag: delta.TagBackref, SrcFileID: 5, Offset: 0, Length: 1},
		endfile(1),
	}
	err := a.ApplyFile(0, out, instrs)
	require.Error(t, err)
	require.True(t, werrors.As[*werrors.VerifyError](err))
}

func TestApplyFileStreamWithoutEndfileIsFormatError(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.bin")

	a := NewApplier(NewLocalResolver(block.New(), dirPool(t, dir)))
	err := a.ApplyFile(0, out, []delta.Instruction{literalInstr("oops")})
	require.Error(t, err)
	require.True(t, werrors.As[*werrors.FormatError](err))
	require.NoFileExists(t, out)
}

func TestLocalResolverDetectsCorruptBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dest.bin")
	require.NoError(t, os.WriteFile(path, []byte("original content block"), 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)
	store, _, err := indexer.Index(c, dir, indexer.Options{BlockSize: 10})
	require.NoError(t, err)
	blk := store.All()[0]

	// Corrupt the destination file after indexing but before patching.
	require.NoError(t, os.WriteFile(path, []byte("TOTALLY DIFFERENT BYTES"), 0o644))

	resolver := NewLocalResolver(store, c.NewFilePool(dir))
	_, err = resolver.Resolve(blk.WeakHash, blk.StrongHash)
	require.ErrorIs(t, err, ErrBlockCorrupt)
}

func TestLocalResolverRawSkipsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dest.bin")
	require.NoError(t, os.WriteFile(path, []byte("raw content here ok"), 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)
	store, _, err := indexer.Index(c, dir, indexer.Options{BlockSize: 10})
	require.NoError(t, err)
	blk := store.All()[0]

	resolver := NewLocalResolverRaw(store, c.NewFilePool(dir))
	data, err := resolver.Resolve(blk.WeakHash, blk.StrongHash)
	require.NoError(t, err)
	require.Len(t, data, int(blk.Length))
}

func TestLocalResolverMissingBlockIsNotFound(t *testing.T) {
	dir := t.TempDir()
	store := block.New()
	resolver := NewLocalResolver(store, dirPool(t, dir))
	_, err := resolver.Resolve(999, block.StrongHashOf([]byte("x")))
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestApplyRoundTripWithDeltaBuilder(t *testing.T) {
	dir := t.TempDir()
	destPath := filepath.Join(dir, "dest.bin")
	require.NoError(t, os.WriteFile(destPath, []byte("ABCDEFGHABCDEFGHnew-tail-bytes-appended-here"), 0o644))

	c, err := container.Walk(dir)
	require.NoError(t, err)
	store, _, err := indexer.Index(c, dir, indexer.Options{BlockSize: 8})
	require.NoError(t, err)

	srcData := []byte("ABCDEFGHABCDEFGHnew-tail-bytes-appended-here")
	b := delta.NewBuilder()
	var instrs []delta.Instruction
	err = b.Build(0, "src", bytes.NewReader(srcData), store, 8, func(i delta.Instruction) error {
		instrs = append(instrs, i)
		return nil
	})
	require.NoError(t, err)

	outPath := filepath.Join(dir, "reconstructed.bin")
	a := NewApplier(NewLocalResolver(store, c.NewFilePool(dir)))
	require.NoError(t, a.ApplyFile(1, outPath, instrs))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, srcData, got)
}
