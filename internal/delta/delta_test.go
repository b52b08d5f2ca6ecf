package delta

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/rolling"
	"github.com/stretchr/testify/require"
)

// apply is a minimal replay helper for these tests only: it resolves
// KNOWN against known (a flat map from strong hash to bytes,
// standing in for a real destination) and BACKREF against the output
// built so far in this same call — enough to check the round-trip
// invariant without pulling in the patch package.
func apply(t *testing.T, instructions []Instruction, known map[[block.StrongSize]byte][]byte) []byte {
	t.Helper()
	var out []byte
	for _, instr := range instructions {
		switch instr.Tag {
		case TagLiteral:
			out = append(out, instr.Literal...)
		case TagKnown:
			data, ok := known[instr.Strong]
			require.True(t, ok, "KNOWN instruction references unresolvable block")
			out = append(out, data...)
		case TagBackref:
			require.LessOrEqual(t, instr.Offset+instr.Length, int64(len(out)))
			out = append(out, out[instr.Offset:instr.Offset+instr.Length]...)
		case TagEndfile:
			require.EqualValues(t, instr.TotalSize, len(out))
		}
	}
	return out
}

func buildStoreFromBlocks(blocks [][]byte, fileID uint16) (*block.Store, map[[block.StrongSize]byte][]byte) {
	store := block.New()
	known := make(map[[block.StrongSize]byte][]byte)
	var offset int64
	for _, b := range blocks {
		weak := rolling.Sum(b)
		strong := block.StrongHashOf(b)
		store.Insert(weak, strong, fileID, offset, int64(len(b)))
		known[strong] = b
		offset += int64(len(b))
	}
	return store, known
}

func collect(t *testing.T, data []byte, oldStore *block.Store, windowSize int) []Instruction {
	t.Helper()
	if oldStore == nil {
		oldStore = block.New()
	}
	var got []Instruction
	b := NewBuilder()
	err := b.Build(1, "test", bytes.NewReader(data), oldStore, windowSize, func(i Instruction) error {
		got = append(got, i)
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestSelfSufficiencyEmptyOldStoreIsAllLiteral(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for a while")
	instrs := collect(t, data, block.New(), 8)

	require.NotEmpty(t, instrs)
	last := instrs[len(instrs)-1]
	require.Equal(t, TagEndfile, last.Tag)
	require.EqualValues(t, len(data), last.TotalSize)

	for _, i := range instrs[:len(instrs)-1] {
		require.Equal(t, TagLiteral, i.Tag)
	}

	got := apply(t, instrs, nil)
	require.Equal(t, data, got)
}

func TestIdentityOldStoreBuiltFromSameDataHasNoLiterals(t *testing.T) {
	windowSize := 8
	data := bytes.Repeat([]byte("0123456789abcdef"), 20) // 320 bytes, divisible by windowSize

	var blocks [][]byte
	for i := 0; i < len(data); i += windowSize {
		blocks = append(blocks, data[i:i+windowSize])
	}
	oldStore, known := buildStoreFromBlocks(blocks, 0)

	instrs := collect(t, data, oldStore, windowSize)
	for _, i := range instrs {
		require.NotEqual(t, TagLiteral, i.Tag, "identity case should never need a literal")
	}

	got := apply(t, instrs, known)
	require.Equal(t, data, got)
}

func TestRoundTripWithMixOfLiteralAndKnown(t *testing.T) {
	windowSize := 8
	blockA := []byte("AAAAAAAA")
	blockB := []byte("BBBBBBBB")
	oldStore, known := buildStoreFromBlocks([][]byte{blockA, blockB}, 7)

	data := append(append(append([]byte{}, blockA...), []byte("-- new bytes here not seen before --")...), blockB...)

	instrs := collect(t, data, oldStore, windowSize)

	var hasLiteral, hasKnown bool
	for _, i := range instrs {
		if i.Tag == TagLiteral {
			hasLiteral = true
		}
		if i.Tag == TagKnown {
			hasKnown = true
		}
	}
	require.True(t, hasLiteral)
	require.True(t, hasKnown)

	got := apply(t, instrs, known)
	require.Equal(t, data, got)
}

func TestRepeatedBlockWithinSameFileProducesBackref(t *testing.T) {
	windowSize := 8
	block1 := []byte("REPEATED")
	oldStore, known := buildStoreFromBlocks([][]byte{block1}, 3)

	data := append(append([]byte{}, block1...), block1...) // same 8-byte block twice

	instrs := collect(t, data, oldStore, windowSize)

	var knownCount, backrefCount int
	for _, i := range instrs {
		switch i.Tag {
		case TagKnown:
			knownCount++
		case TagBackref:
			backrefCount++
		}
	}
	require.Equal(t, 1, knownCount, "first occurrence should be KNOWN")
	require.Equal(t, 1, backrefCount, "second occurrence should prefer the cheaper self-index BACKREF")

	got := apply(t, instrs, known)
	require.Equal(t, data, got)
}

func TestZeroLengthFileProducesOnlyEndfile(t *testing.T) {
	instrs := collect(t, []byte{}, block.New(), 8)
	require.Len(t, instrs, 1)
	require.Equal(t, TagEndfile, instrs[0].Tag)
	require.EqualValues(t, 0, instrs[0].TotalSize)
}

func TestFileShorterThanWindowIsPureLiteral(t *testing.T) {
	data := []byte("short")
	instrs := collect(t, data, block.New(), 8)
	require.Len(t, instrs, 2)
	require.Equal(t, TagLiteral, instrs[0].Tag)
	require.Equal(t, data, instrs[0].Literal)
	require.Equal(t, TagEndfile, instrs[1].Tag)
}

func TestFileExactlyOneWindowMatches(t *testing.T) {
	windowSize := 8
	blockA := []byte("EXACTLY8")
	oldStore, known := buildStoreFromBlocks([][]byte{blockA}, 9)

	instrs := collect(t, blockA, oldStore, windowSize)
	require.Len(t, instrs, 2)
	require.Equal(t, TagKnown, instrs[0].Tag)
	require.Equal(t, TagEndfile, instrs[1].Tag)

	got := apply(t, instrs, known)
	require.Equal(t, blockA, got)
}

func TestWeakHashCollisionWithStrongMismatchFallsBackToLiteral(t *testing.T) {
	windowSize := 8
	real := []byte("realdata")
	oldStore := block.New()
	// Insert a block sharing real's weak hash but with a different strong
	// hash and different bytes, forcing the builder down the
	// weak-hit/strong-miss fallback path.
	fakeStrong := block.StrongHashOf([]byte("notrealo"))
	oldStore.Insert(rolling.Sum(real), fakeStrong, 5, 0, int64(windowSize))

	instrs := collect(t, real, oldStore, windowSize)
	// Nothing in oldStore truthfully matches `real`'s bytes, so the whole
	// window must surface as literal data, never a false KNOWN.
	got := apply(t, instrs, map[[block.StrongSize]byte][]byte{})
	require.Equal(t, real, got)
	for _, i := range instrs {
		require.NotEqual(t, TagKnown, i.Tag)
		require.NotEqual(t, TagBackref, i.Tag)
	}
}

func TestDeterministicAcrossRuns(t *testing.T) {
	windowSize := 8
	blockA := []byte("AAAAAAAA")
	oldStore, _ := buildStoreFromBlocks([][]byte{blockA}, 1)
	data := append(append([]byte{}, blockA...), []byte("some trailing literal bytes here")...)

	first := collect(t, data, oldStore, windowSize)
	second := collect(t, data, oldStore, windowSize)
	require.Equal(t, first, second)
}

func TestLiteralRunLongerThanMaxIsFragmented(t *testing.T) {
	windowSize := 8
	data := bytes.Repeat([]byte{'x'}, MaxLiteralLen+100)
	instrs := collect(t, data, block.New(), windowSize)

	var literalCount int
	var total int
	for _, i := range instrs {
		if i.Tag == TagLiteral {
			literalCount++
			require.LessOrEqual(t, len(i.Literal), MaxLiteralLen)
			total += len(i.Literal)
		}
	}
	require.GreaterOrEqual(t, literalCount, 2)
	require.Equal(t, len(data), total)
}

func TestStrongHashOfMatchesSHA1(t *testing.T) {
	data := []byte("check strong hash derivation")
	want := sha1.Sum(data)
	got := block.StrongHashOf(data)
	require.Equal(t, want[:], got[:])
}
