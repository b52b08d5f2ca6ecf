// Package patch implements the instruction-tape applier: replay a
// delta.Instruction stream into a fresh file, resolving KNOWN against the
// destination's own blocks and BACKREF against files this same run has
// already reconstructed, then commit atomically only once ENDFILE's
// length checks out.
//
// Grounded on sync/algo.go's ApplyRecipe (instruction interpreter) and
// pwr/bowl/bowl.go's temp-then-rename commit discipline, adapted per
// bowl.go's header comment.
package patch

import (
	"fmt"
	"os"

	"github.com/blockdelta/bsync/internal/delta"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/pkg/errors"
)

// Applier replays instruction tapes for every file in one sync run,
// tracking which files have already been committed so later files'
// BACKREF instructions can read back their bytes — BACKREFs cross files,
// so this state outlives any single file's ApplyFile call.
type Applier struct {
	resolver  BlockResolver
	committed map[uint16]string // fileID -> final output path
}

// NewApplier returns an Applier that resolves KNOWN instructions via
// resolver. A single Applier must be reused across every file of one
// sync run, in ascending file_id order, since BACKREF only ever points
// backward: src_file_id must be strictly less than the current file_id.
func NewApplier(resolver BlockResolver) *Applier {
	return &Applier{resolver: resolver, committed: make(map[uint16]string)}
}

// ApplyFile replays instructions into a temp file next to outputPath and
// renames it into place once ENDFILE's declared total matches the bytes
// actually written. On any error, the temp file is discarded and
// outputPath is left untouched.
//
// The whole slice must already be in memory; callers receiving the tape
// live off a stream (a wireformat.DeltaReader fed by the wire) should use
// ApplyStream instead so the tape is never buffered whole on the applying
// side either.
func (a *Applier) ApplyFile(fileID uint16, outputPath string, instructions []delta.Instruction) error {
	i := 0
	return a.ApplyStream(fileID, outputPath, func() (delta.Instruction, error) {
		if i >= len(instructions) {
			return delta.Instruction{}, werrors.NewFormatError("instruction stream ended without ENDFILE")
		}
		instr := instructions[i]
		i++
		return instr, nil
	})
}

// ApplyStream replays instructions pulled one at a time from next — e.g.
// wireformat.DeltaReader.NextInstruction fed by a live protocol.FrameReader
// — into a temp file next to outputPath, committing atomically once
// ENDFILE's declared total matches the bytes actually written. At most one
// instruction is ever held in memory at a time.
func (a *Applier) ApplyStream(fileID uint16, outputPath string, next func() (delta.Instruction, error)) error {
	tw, err := newTempWriter(outputPath)
	if err != nil {
		return err
	}

	var written int64
	for {
		instr, err := next()
		if err != nil {
			tw.Discard()
			return err
		}

		switch instr.Tag {
		case delta.TagLiteral:
			n, werr := tw.Write(instr.Literal)
			written += int64(n)
			if werr != nil {
				tw.Discard()
				return werrors.NewIoError(outputPath, werr)
			}

		case delta.TagKnown:
			data, rerr := a.resolver.Resolve(instr.Weak, instr.Strong)
			if rerr != nil {
				tw.Discard()
				return werrors.NewVerifyError("unknown_block", rerr.Error())
			}
			n, werr := tw.Write(data)
			written += int64(n)
			if werr != nil {
				tw.Discard()
				return werrors.NewIoError(outputPath, werr)
			}

		case delta.TagBackref:
			data, rerr := a.resolveBackref(fileID, instr.SrcFileID, instr.Offset, instr.Length)
			if rerr != nil {
				tw.Discard()
				return werrors.NewVerifyError("bad_backref", rerr.Error())
			}
			n, werr := tw.Write(data)
			written += int64(n)
			if werr != nil {
				tw.Discard()
				return werrors.NewIoError(outputPath, werr)
			}

		case delta.TagEndfile:
			if written != instr.TotalSize {
				tw.Discard()
				return werrors.NewVerifyError("length_mismatch",
					fmt.Sprintf("wrote %d bytes, ENDFILE declared %d", written, instr.TotalSize))
			}
			if err := tw.Commit(); err != nil {
				return err
			}
			a.committed[fileID] = outputPath
			return nil

		default:
			tw.Discard()
			return werrors.NewFormatError(fmt.Sprintf("unknown instruction tag %d", instr.Tag))
		}
	}
}

func (a *Applier) resolveBackref(fileID, srcFileID uint16, offset, length int64) ([]byte, error) {
	if srcFileID >= fileID {
		return nil, errors.Errorf("backref to file %d from file %d is not backward", srcFileID, fileID)
	}
	path, ok := a.committed[srcFileID]
	if !ok {
		return nil, errors.Errorf("file %d has not been reconstructed yet", srcFileID)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "patch: opening backref source")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "patch: statting backref source")
	}
	if offset < 0 || length < 0 || offset+length > info.Size() {
		return nil, errors.Errorf("backref range [%d,%d) out of bounds for file of size %d", offset, offset+length, info.Size())
	}

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, errors.Wrap(err, "patch: reading backref source")
	}
	return buf, nil
}
