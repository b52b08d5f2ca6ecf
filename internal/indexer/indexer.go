// Package indexer consumes a container.Container, performs content-defined
// chunking over every regular file, computes (weak, strong) per chunk, and
// populates a block.Store.
//
// Grounded on pwr/signature.go's ComputeDiffSignature: iterate the
// container's files in file_id order, wrap each reader with a byte
// counter for progress reporting, and hand the stream to the chunker.
package indexer

import (
	"crypto/sha1"
	"io"
	"time"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/chunk"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/rolling"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/pkg/errors"
)

// CachedBlock is one signature-cache entry's block record:
// (path, mtime, size) → sequence of (weak, strong, offset, length).
type CachedBlock struct {
	Weak   uint32
	Strong [block.StrongSize]byte
	Offset int64
	Length int64
}

// SignatureCache is purely an optimization; its absence must never change
// behavior. Lookup returns
// ok=false on any cache miss (including "no cache attached" -- callers may
// pass a nil SignatureCache, which Options.Cache normalizes to a no-op).
type SignatureCache interface {
	Lookup(path string, mtime time.Time, size int64) ([]CachedBlock, bool)
	Store(path string, mtime time.Time, size int64, blocks []CachedBlock) error
}

type noopCache struct{}

func (noopCache) Lookup(string, time.Time, int64) ([]CachedBlock, bool) { return nil, false }
func (noopCache) Store(string, time.Time, int64, []CachedBlock) error   { return nil }

// Options configures a single indexing pass.
type Options struct {
	// BlockSize is the chunker's target average chunk size, recorded
	// verbatim in the index file header.
	BlockSize uint32
	Cache     SignatureCache
	Consumer  *progress.Consumer
}

func (o Options) cache() SignatureCache {
	if o.Cache == nil {
		return noopCache{}
	}
	return o.Cache
}

// BlocksByFile collects the blocks produced for each file_id, in offset
// order, for callers that need to build a directory-mode index file
// (container.EncodeIndex's blocksOf callback).
type BlocksByFile map[uint16][]block.Block

// Index walks every regular file in c, chunks it, and inserts the
// resulting blocks into store. It returns the per-file block lists so the
// caller can serialize a directory-mode index (container.EncodeIndex) or
// a flat one (block.Store.EncodeFlat, single-file mode only).
func Index(c *container.Container, basePath string, opts Options) (*block.Store, BlocksByFile, error) {
	store := block.New()
	byFile := make(BlocksByFile, c.NumFiles())
	cache := opts.cache()

	pool := c.NewFilePool(basePath)
	defer pool.Close()

	var totalSize int64
	for _, fe := range c.RegularEntries() {
		totalSize += fe.Size
	}
	var doneSize int64

	for _, fe := range c.RegularEntries() {
		mtime := time.Unix(0, fe.ModTime)

		if cached, ok := cache.Lookup(fe.Path, mtime, fe.Size); ok {
			blocks := make([]block.Block, len(cached))
			for i, cb := range cached {
				blocks[i] = block.Block{WeakHash: cb.Weak, StrongHash: cb.Strong, FileID: fe.FileID, Offset: cb.Offset, Length: cb.Length}
				store.InsertBlock(blocks[i])
			}
			byFile[fe.FileID] = blocks
			doneSize += fe.Size
			opts.Consumer.Progress(100 * float64(doneSize) / float64(max64(totalSize, 1)))
			continue
		}

		reader, err := pool.GetReader(fe.FileID)
		if err != nil {
			return nil, nil, werrors.NewIoError(fe.Path, err)
		}

		fileDoneSize := doneSize
		counting := progress.NewCountingReader(reader, func(n int64) {
			opts.Consumer.Progress(100 * float64(fileDoneSize+n) / float64(max64(totalSize, 1)))
		})

		blocks, err := indexFile(counting, fe.FileID, opts.BlockSize)
		if err != nil {
			return nil, nil, werrors.NewIoError(fe.Path, err)
		}
		byFile[fe.FileID] = blocks

		cacheBlocks := make([]CachedBlock, len(blocks))
		for i, b := range blocks {
			store.InsertBlock(b)
			cacheBlocks[i] = CachedBlock{Weak: b.WeakHash, Strong: b.StrongHash, Offset: b.Offset, Length: b.Length}
		}
		// Advisory only: a cache write failure is not fatal to indexing.
		_ = cache.Store(fe.Path, mtime, fe.Size, cacheBlocks)

		doneSize += fe.Size
		opts.Consumer.Progress(100 * float64(doneSize) / float64(max64(totalSize, 1)))
	}

	return store, byFile, nil
}

func indexFile(r io.Reader, fileID uint16, blockSize uint32) ([]block.Block, error) {
	_, min, max := chunkParamsFor(blockSize)
	c := chunk.NewWithParams(r, chunkMaskFor(blockSize), min, max)

	var blocks []block.Block
	var offset int64
	for {
		data, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "indexer: chunking")
		}
		weak := rolling.Sum(data)
		strong := sha1.Sum(data)
		var strongArr [block.StrongSize]byte
		copy(strongArr[:], strong[:])

		blocks = append(blocks, block.Block{
			WeakHash:   weak,
			StrongHash: strongArr,
			FileID:     fileID,
			Offset:     offset,
			Length:     int64(len(data)),
		})
		offset += int64(len(data))
	}
	return blocks, nil
}

// chunkParamsFor derives min/max bounds around a target average, keeping
// the same 4x floor / 8x ceiling ratio as chunk.DefaultMinSize/MaxSize
// relative to chunk.DefaultMask's ~8 KiB average.
func chunkParamsFor(target uint32) (mask uint64, min, max int) {
	if target == 0 {
		target = 8 * 1024
	}
	return chunkMaskFor(target), int(target) / 4, int(target) * 8
}

func chunkMaskFor(target uint32) uint64 {
	if target == 0 {
		target = 8 * 1024
	}
	// A boundary candidate occurs with probability 1/2^bits per byte, so
	// an all-zero mask of `bits` low bits yields an average chunk size
	// of roughly 2^bits; pick bits so 2^bits is the largest power of two
	// not above target,
	// mirroring chunk.DefaultMask's derivation for the 8 KiB default.
	bits := 0
	for v := target; v > 1; v >>= 1 {
		bits++
	}
	if bits < 1 {
		bits = 1
	}
	return (1 << uint(bits)) - 1
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
