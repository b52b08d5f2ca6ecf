// Package wireformat implements the delta file's binary layout: BACKREF
// carries an explicit length, and the format version is bumped to 0x0002
// to mark that deliberate revision over a length-free BACKREF.
//
// Grounded on wire/wire.go's WriteContext/ReadContext split (one type for
// writing framed records, one for reading them back), generalized from
// protobuf-backed messages to a fixed big-endian layout of our own.
package wireformat

import (
	"encoding/binary"
	"io"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/delta"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/pkg/errors"
)

const (
	deltaMagic   = "RS-SYNCD"
	deltaVersion = uint16(0x0002)
)

// DeltaWriter streams a multi-file delta to w in tape order, never
// materializing the whole tape in memory.
type DeltaWriter struct {
	w       io.Writer
	nFiles  uint16
	written uint16
	inFile  bool
}

// NewDeltaWriter writes the delta file header (magic, version, blocksize,
// n_files) and returns a writer ready to receive StartFile/Emit calls.
// nFiles must equal the number of StartFile calls that follow; pass 0 for
// single-file mode.
func NewDeltaWriter(w io.Writer, blockSize uint32, nFiles uint16) (*DeltaWriter, error) {
	if _, err := io.WriteString(w, deltaMagic); err != nil {
		return nil, errors.Wrap(err, "wireformat: writing magic")
	}
	if err := binary.Write(w, binary.BigEndian, deltaVersion); err != nil {
		return nil, errors.Wrap(err, "wireformat: writing version")
	}
	if err := binary.Write(w, binary.BigEndian, blockSize); err != nil {
		return nil, errors.Wrap(err, "wireformat: writing blocksize")
	}
	if err := binary.Write(w, binary.BigEndian, nFiles); err != nil {
		return nil, errors.Wrap(err, "wireformat: writing n_files")
	}
	return &DeltaWriter{w: w, nFiles: nFiles}, nil
}

// StartFile writes a file's filename header. In single-file mode, call it
// once with an empty filename.
func (dw *DeltaWriter) StartFile(filename string) error {
	if dw.inFile {
		return errors.New("wireformat: previous file has no ENDFILE yet")
	}
	if err := writeU16String(dw.w, filename); err != nil {
		return errors.Wrap(err, "wireformat: writing filename")
	}
	dw.inFile = true
	return nil
}

// Emit writes one instruction record. Passing a TagEndfile instruction
// closes the current file's block stream; StartFile must be called again
// before the next file's instructions.
func (dw *DeltaWriter) Emit(instr delta.Instruction) error {
	if !dw.inFile {
		return errors.New("wireformat: Emit called before StartFile")
	}
	switch instr.Tag {
	case delta.TagLiteral:
		if len(instr.Literal) == 0 || len(instr.Literal) > delta.MaxLiteralLen {
			return errors.Errorf("wireformat: literal length %d out of range", len(instr.Literal))
		}
		if _, err := dw.w.Write([]byte{byte(delta.TagLiteral)}); err != nil {
			return werrors.NewIoError("", err)
		}
		if err := binary.Write(dw.w, binary.BigEndian, uint16(len(instr.Literal)-1)); err != nil {
			return werrors.NewIoError("", err)
		}
		if _, err := dw.w.Write(instr.Literal); err != nil {
			return werrors.NewIoError("", err)
		}

	case delta.TagKnown:
		if _, err := dw.w.Write([]byte{byte(delta.TagKnown)}); err != nil {
			return werrors.NewIoError("", err)
		}
		if err := binary.Write(dw.w, binary.BigEndian, instr.Weak); err != nil {
			return werrors.NewIoError("", err)
		}
		if _, err := dw.w.Write(instr.Strong[:]); err != nil {
			return werrors.NewIoError("", err)
		}

	case delta.TagBackref:
		if _, err := dw.w.Write([]byte{byte(delta.TagBackref)}); err != nil {
			return werrors.NewIoError("", err)
		}
		if err := binary.Write(dw.w, binary.BigEndian, instr.SrcFileID); err != nil {
			return werrors.NewIoError("", err)
		}
		if err := binary.Write(dw.w, binary.BigEndian, uint64(instr.Offset)); err != nil {
			return werrors.NewIoError("", err)
		}
		if err := binary.Write(dw.w, binary.BigEndian, uint64(instr.Length)); err != nil {
			return werrors.NewIoError("", err)
		}

	case delta.TagEndfile:
		if _, err := dw.w.Write([]byte{byte(delta.TagEndfile)}); err != nil {
			return werrors.NewIoError("", err)
		}
		if err := binary.Write(dw.w, binary.BigEndian, uint64(instr.TotalSize)); err != nil {
			return werrors.NewIoError("", err)
		}
		dw.inFile = false
		dw.written++

	default:
		return errors.Errorf("wireformat: unknown instruction tag %d", instr.Tag)
	}
	return nil
}

// Close verifies every declared file received its ENDFILE. It writes
// nothing further; the delta file format has no trailer.
func (dw *DeltaWriter) Close() error {
	if dw.inFile {
		return errors.New("wireformat: stream closed mid-file, no ENDFILE written")
	}
	if dw.nFiles != 0 && dw.written != dw.nFiles {
		return errors.Errorf("wireformat: declared %d files, wrote %d", dw.nFiles, dw.written)
	}
	return nil
}

// DeltaReader reads a delta file's instruction stream back, file by file.
type DeltaReader struct {
	r         io.Reader
	BlockSize uint32
	NFiles    uint16

	filesRead uint16
}

// NewDeltaReader reads and validates the delta file header.
func NewDeltaReader(r io.Reader) (*DeltaReader, error) {
	magic := make([]byte, len(deltaMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, werrors.NewFormatError("truncated delta magic")
	}
	if string(magic) != deltaMagic {
		return nil, werrors.NewFormatError("bad delta magic " + string(magic))
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, werrors.NewFormatError("truncated delta version")
	}
	if version != deltaVersion {
		return nil, werrors.NewFormatError("unsupported delta version")
	}

	dr := &DeltaReader{r: r}
	if err := binary.Read(r, binary.BigEndian, &dr.BlockSize); err != nil {
		return nil, werrors.NewFormatError("truncated blocksize")
	}
	if err := binary.Read(r, binary.BigEndian, &dr.NFiles); err != nil {
		return nil, werrors.NewFormatError("truncated n_files")
	}
	return dr, nil
}

// NextFile reads the next file's filename header, returning io.EOF once
// every declared file (or, in single-file mode, the only file) has been
// consumed.
func (dr *DeltaReader) NextFile() (string, error) {
	if dr.NFiles != 0 && dr.filesRead >= dr.NFiles {
		return "", io.EOF
	}
	if dr.NFiles == 0 && dr.filesRead >= 1 {
		return "", io.EOF
	}
	name, err := readU16String(dr.r)
	if err != nil {
		return "", werrors.NewFormatError("truncated filename: " + err.Error())
	}
	dr.filesRead++
	return name, nil
}

// NextInstruction reads one instruction record from the current file's
// block stream.
func (dr *DeltaReader) NextInstruction() (delta.Instruction, error) {
	var tagByte [1]byte
	if _, err := io.ReadFull(dr.r, tagByte[:]); err != nil {
		return delta.Instruction{}, werrors.NewFormatError("truncated tag byte")
	}

	switch delta.Tag(tagByte[0]) {
	case delta.TagLiteral:
		var lenMinusOne uint16
		if err := binary.Read(dr.r, binary.BigEndian, &lenMinusOne); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated literal length")
		}
		n := int(lenMinusOne) + 1
		data := make([]byte, n)
		if _, err := io.ReadFull(dr.r, data); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated literal body")
		}
		return delta.Instruction{Tag: delta.TagLiteral, Literal: data}, nil

	case delta.TagKnown:
		var weak uint32
		if err := binary.Read(dr.r, binary.BigEndian, &weak); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated weak hash")
		}
		var strong [block.StrongSize]byte
		if _, err := io.ReadFull(dr.r, strong[:]); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated strong hash")
		}
		return delta.Instruction{Tag: delta.TagKnown, Weak: weak, Strong: strong}, nil

	case delta.TagBackref:
		var srcFileID uint16
		if err := binary.Read(dr.r, binary.BigEndian, &srcFileID); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated backref file id")
		}
		var offset, length uint64
		if err := binary.Read(dr.r, binary.BigEndian, &offset); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated backref offset")
		}
		if err := binary.Read(dr.r, binary.BigEndian, &length); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated backref length")
		}
		return delta.Instruction{Tag: delta.TagBackref, SrcFileID: srcFileID, Offset: int64(offset), Length: int64(length)}, nil

	case delta.TagEndfile:
		var total uint64
		if err := binary.Read(dr.r, binary.BigEndian, &total); err != nil {
			return delta.Instruction{}, werrors.NewFormatError("truncated endfile total")
		}
		return delta.Instruction{Tag: delta.TagEndfile, TotalSize: int64(total)}, nil

	default:
		return delta.Instruction{}, werrors.NewFormatError("invalid instruction tag byte")
	}
}

func writeU16String(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return errors.New("wireformat: string exceeds u16 length prefix")
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU16String(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
