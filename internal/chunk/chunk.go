// Package chunk implements content-defined chunking: a Gear-hash rolling
// fingerprint whose cut points depend only on local content, so that
// inserting or deleting bytes upstream shifts at most the chunks around
// the edit and leaves the rest of the file's boundaries untouched.
//
// Grounded on cling-sync's workspace/gearcdc.go, the only CDC
// implementation in the retrieval pack; generalized from a fixed package-
// level table to a reusable, parameterized Chunker.
package chunk

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
)

// Frozen parameters: average chunk size ~8 KiB, hard floor 2 KiB, hard
// ceiling 64 KiB.
const (
	DefaultMinSize = 2 * 1024
	DefaultMaxSize = 64 * 1024
	// DefaultMask zeroes the low 13 bits of the rolling fingerprint: a
	// byte position is a boundary candidate with probability 1/2^13,
	// which yields an average chunk size around 8 KiB for the gear hash
	// construction below.
	DefaultMask = (1 << 13) - 1
)

const gearReadBuf = 64 * 1024

// Chunker emits maximal byte ranges whose cut points are chosen by a
// rolling Gear fingerprint, bounded by [MinSize, MaxSize].
type Chunker struct {
	table   [256]uint64
	r       io.Reader
	buf     []byte
	bufSize int
	bufOff  int
	mask    uint64
	minSize int
	maxSize int
}

// gearSeed is fixed so that two independent Chunker instances produce
// identical cuts over identical bytes, which is the whole point of CDC:
// indexers running on two different machines over the same bytes must
// agree about where blocks start and end.
const gearSeed = 0x9E3779B97F4A7C15

// New returns a Chunker with the frozen default parameters.
func New(r io.Reader) *Chunker {
	return NewWithParams(r, DefaultMask, DefaultMinSize, DefaultMaxSize)
}

// NewWithParams returns a Chunker with explicit mask/min/max, used by
// the indexer to chunk at a blocksize other than the current defaults.
func NewWithParams(r io.Reader, mask uint64, minSize, maxSize int) *Chunker {
	table := buildGearTable(gearSeed)
	return &Chunker{
		table:   table,
		r:       r,
		buf:     make([]byte, gearReadBuf),
		mask:    mask,
		minSize: minSize,
		maxSize: maxSize,
	}
}

func buildGearTable(seed uint64) [256]uint64 {
	var table [256]uint64
	rnd := rand.New(rand.NewSource(int64(seed)))
	for i := range table {
		table[i] = rnd.Uint64()
	}
	return table
}

// Next reads from the underlying reader until the next block boundary, and
// returns the bytes of that block. It returns io.EOF once no bytes remain.
func (c *Chunker) Next() ([]byte, error) {
	out := make([]byte, 0, c.minSize)
	var window uint64

	for {
		if c.bufOff == c.bufSize {
			n, err := c.r.Read(c.buf)
			if n == 0 {
				if err == io.EOF {
					if len(out) > 0 {
						return out, nil
					}
					return nil, io.EOF
				}
				if err != nil {
					return nil, errors.Wrap(err, "chunk: reading source")
				}
				continue
			}
			c.bufSize = n
			c.bufOff = 0
		}

		b := c.buf[c.bufOff]
		out = append(out, b)
		c.bufOff++

		window = (window << 1) + c.table[b]
		if (window&c.mask == 0 && len(out) >= c.minSize) || len(out) >= c.maxSize {
			return out, nil
		}
	}
}
