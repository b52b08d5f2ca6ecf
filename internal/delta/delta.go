// Package delta implements the delta builder: given a source file and an
// old block store describing what the destination holds, produce the
// LITERAL/KNOWN/BACKREF/ENDFILE instruction tape that reconstructs the
// source from those blocks.
//
// Grounded on sync/algo.go's ComputeDiff: a reused byte buffer slides a
// fixed-size window across the source, probing the old store's weak-hash
// buckets and falling back to byte-by-byte rolling on a miss. Unlike
// sync/algo.go, which tags matches as OpBlock/OpBlockRange (always "read
// from the destination"), this builder also maintains a per-delta
// self-index so that an already-emitted match can be served as a cheaper
// BACKREF instead of a second KNOWN.
package delta

import (
	"io"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/rolling"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/pkg/errors"
)

// Tag identifies an instruction variant in the reconstruction tape.
type Tag uint8

const (
	TagEndfile Tag = 0x00
	TagLiteral Tag = 0x01
	TagKnown   Tag = 0x02
	TagBackref Tag = 0x03
)

// Instruction is one record of the reconstruction tape. Only the fields
// relevant to Tag are populated.
type Instruction struct {
	Tag Tag

	Literal []byte // TagLiteral

	Weak   uint32               // TagKnown
	Strong [block.StrongSize]byte // TagKnown

	SrcFileID uint16 // TagBackref
	Offset    int64  // TagBackref
	Length    int64  // TagBackref

	TotalSize int64 // TagEndfile
}

// MaxLiteralLen is the wire limit: LITERAL length is encoded as len-1 in
// two bytes, so the range is 1..=65536.
const MaxLiteralLen = 65536

// Emitter receives instructions in tape order as the builder produces
// them; the tape is never materialized whole.
type Emitter func(Instruction) error

// Builder carries the per-delta self-index across every file in one sync
// run — cleared at the end of each sync, not each file, since BACKREFs
// cross files. A zero Builder is not usable; use NewBuilder.
type Builder struct {
	selfIndex *block.Store
}

// NewBuilder returns a Builder with a fresh, empty self-index.
func NewBuilder() *Builder {
	return &Builder{selfIndex: block.New()}
}

// Build streams instructions reconstructing the contents read from r as
// fileID's delta, matching against oldStore (the destination's known
// blocks) with a fixed probe window of windowSize bytes — the old
// index's blocksize.
func (b *Builder) Build(fileID uint16, sourcePath string, r io.Reader, oldStore *block.Store, windowSize int, emit Emitter) error {
	if windowSize <= 0 {
		return errors.New("delta: windowSize must be positive")
	}

	buf := make([]byte, 0, 1<<16)
	chunkBuf := make([]byte, 32*1024)
	var pos int64
	var cursor, literalStart int
	var eof bool

	wrapIO := func(err error) error {
		return werrors.NewIoError(sourcePath, err)
	}

	fill := func() error {
		for !eof {
			n, err := r.Read(chunkBuf)
			if n > 0 {
				buf = append(buf, chunkBuf[:n]...)
			}
			if err == io.EOF {
				eof = true
				return nil
			}
			if err != nil {
				return wrapIO(err)
			}
			if n > 0 {
				return nil
			}
		}
		return nil
	}

	ensure := func(n int) error {
		for !eof && len(buf)-cursor < n {
			if err := fill(); err != nil {
				return err
			}
		}
		return nil
	}

	flushLiteral := func(upto int) error {
		for literalStart < upto {
			n := upto - literalStart
			if n > MaxLiteralLen {
				n = MaxLiteralLen
			}
			data := make([]byte, n)
			copy(data, buf[literalStart:literalStart+n])
			if err := emit(Instruction{Tag: TagLiteral, Literal: data}); err != nil {
				return err
			}
			literalStart += n
		}
		return nil
	}

	compact := func() {
		if literalStart == 0 {
			return
		}
		copy(buf, buf[literalStart:])
		buf = buf[:len(buf)-literalStart]
		cursor -= literalStart
		pos += int64(literalStart)
		literalStart = 0
	}

	if err := ensure(windowSize); err != nil {
		return err
	}

	var totalSize int64
	var hasher *rolling.Hasher

	for {
		avail := len(buf) - cursor
		if avail < windowSize {
			if err := flushLiteral(len(buf)); err != nil {
				return err
			}
			totalSize = pos + int64(len(buf))
			break
		}

		if hasher == nil {
			hasher = rolling.New(buf[cursor : cursor+windowSize])
		}
		weak := hasher.Digest()

		if bucket := oldStore.Lookup(weak); len(bucket) > 0 {
			strongArr := block.StrongHashOf(buf[cursor : cursor+windowSize])
			if matched := oldStore.ContainsStrong(weak, strongArr); matched != nil {
				if err := flushLiteral(cursor); err != nil {
					return err
				}

				fileOffset := pos + int64(cursor)
				var instr Instruction
				if self := b.selfIndex.ContainsStrong(weak, strongArr); self != nil {
					instr = Instruction{Tag: TagBackref, SrcFileID: self.FileID, Offset: self.Offset, Length: self.Length}
				} else {
					instr = Instruction{Tag: TagKnown, Weak: weak, Strong: strongArr}
				}
				if err := emit(instr); err != nil {
					return err
				}

				b.selfIndex.InsertBlock(block.Block{
					WeakHash: weak, StrongHash: strongArr,
					FileID: fileID, Offset: fileOffset, Length: int64(windowSize),
				})

				cursor += windowSize
				literalStart = cursor
				hasher = nil
				compact()
				if err := ensure(windowSize); err != nil {
					return err
				}
				continue
			}
			// Weak hash collided but the strong hash disagreed: not a
			// match. Fall through and roll by one byte rather than
			// discarding the window.
		}

		if err := ensure(windowSize + 1); err != nil {
			return err
		}
		if len(buf)-cursor < windowSize+1 {
			// Can't roll any further: fewer than windowSize+1 bytes
			// remain, so the tail becomes part of the pending literal
			// run on the next iteration's avail<windowSize check.
			cursor++
			hasher = nil
			if cursor-literalStart >= MaxLiteralLen {
				if err := flushLiteral(cursor); err != nil {
					return err
				}
			}
			compact()
			continue
		}

		oldByte := buf[cursor]
		newByte := buf[cursor+windowSize]
		hasher.Roll(oldByte, newByte)
		cursor++
		if cursor-literalStart >= MaxLiteralLen {
			if err := flushLiteral(cursor); err != nil {
				return err
			}
		}
		compact()
	}

	return emit(Instruction{Tag: TagEndfile, TotalSize: totalSize})
}
