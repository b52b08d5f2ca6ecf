// Package protocol implements the sync protocol: two peers exchange
// framed, length-prefixed messages — Index flows destination→source,
// Delta flows source→destination, and per-file Ack messages flow
// destination→source, advisory only.
//
// Grounded on wire/wire.go's WriteContext/ReadContext (a magic number
// ahead of every message), generalized from a protobuf payload to a
// typed, length-prefixed frame: Index and Delta payloads are already
// self-describing binary blobs (container.EncodeIndex, wireformat.Delta*),
// so framing just needs to carry arbitrary bytes plus a type tag. Ack has
// no wire format of its own, so it travels as encoding/gob, matching how
// channel.go already mixed gob with a brotli-wrapped ssh.Channel for
// control traffic rather than reaching for protobuf.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/pkg/errors"
)

// frameMagic precedes every frame so a misaligned reader fails fast
// instead of silently misinterpreting a length field as the start of the
// next frame.
const frameMagic = uint16(0xB5D0)

// Type tags a frame's payload.
type Type uint8

const (
	TypeIndex Type = 1
	TypeDelta Type = 2
	TypeAck   Type = 3
	// TypeDeltaChunk carries one piece of a delta whose total length is
	// not known upfront: the sender frames a bounded chunk at a time as
	// the instruction tape is produced, instead of building the whole
	// tape before it can be framed once (which WriteDelta/TypeDelta
	// require, since a single frame's length prefix must be written
	// before its payload).
	TypeDeltaChunk Type = 4
	// TypeDeltaEnd is a zero-length frame marking the end of one
	// TypeDeltaChunk stream, the framing-layer counterpart to the
	// instruction tape's own ENDFILE record.
	TypeDeltaEnd Type = 5
)

// Outcome is Ack's per-file result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Ack reports one file's patch outcome back to the source. Advisory: the
// source continues the sync regardless of what it says.
type Ack struct {
	FileID  uint16
	Outcome Outcome
	Reason  string // populated when Outcome == OutcomeFailure
}

// FrameWriter writes typed, length-prefixed frames to an underlying
// stream (a raw socket, an SSH channel, or a compressor.WrapWriter result).
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for framed writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteIndex frames a pre-encoded index payload (container.EncodeIndex's
// or block.Store.EncodeFlat's output).
func (fw *FrameWriter) WriteIndex(payload []byte) error {
	return fw.writeFrame(TypeIndex, payload)
}

// WriteDelta frames a pre-encoded delta payload (wireformat's output).
func (fw *FrameWriter) WriteDelta(payload []byte) error {
	return fw.writeFrame(TypeDelta, payload)
}

// WriteDeltaChunk frames one piece of a streamed delta. Call it repeatedly
// as chunks become available, then call WriteDeltaEnd once the tape's
// ENDFILE instruction has been written.
func (fw *FrameWriter) WriteDeltaChunk(payload []byte) error {
	return fw.writeFrame(TypeDeltaChunk, payload)
}

// WriteDeltaEnd closes a TypeDeltaChunk stream.
func (fw *FrameWriter) WriteDeltaEnd() error {
	return fw.writeFrame(TypeDeltaEnd, nil)
}

// DeltaChunkSink adapts fw into an io.Writer that frames every Write call
// as one TypeDeltaChunk — the natural Writer for a queue.DripWriter, whose
// fixed-size buffer decides the chunk boundaries and whose synchronous
// Write call is what makes a slow wire apply back-pressure to whatever is
// filling the buffer.
func (fw *FrameWriter) DeltaChunkSink() io.Writer {
	return deltaChunkSink{fw}
}

type deltaChunkSink struct{ fw *FrameWriter }

func (s deltaChunkSink) Write(p []byte) (int, error) {
	if err := s.fw.WriteDeltaChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAck gob-encodes and frames a single Ack.
func (fw *FrameWriter) WriteAck(a Ack) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return errors.Wrap(err, "protocol: encoding ack")
	}
	return fw.writeFrame(TypeAck, buf.Bytes())
}

func (fw *FrameWriter) writeFrame(t Type, payload []byte) error {
	if err := binary.Write(fw.w, binary.BigEndian, frameMagic); err != nil {
		return werrors.NewIoError("", err)
	}
	if err := binary.Write(fw.w, binary.BigEndian, byte(t)); err != nil {
		return werrors.NewIoError("", err)
	}
	if err := binary.Write(fw.w, binary.BigEndian, uint32(len(payload))); err != nil {
		return werrors.NewIoError("", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return werrors.NewIoError("", err)
	}
	return nil
}

// Frame is one decoded message: its type and raw payload. For TypeAck,
// use DecodeAck on Payload to recover the structured value.
type Frame struct {
	Type    Type
	Payload []byte
}

// FrameReader reads frames back off a stream.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps r for framed reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads the next frame, or io.EOF if the stream ended cleanly
// at a frame boundary.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	var magic uint16
	if err := binary.Read(fr.r, binary.BigEndian, &magic); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, werrors.NewFormatError("truncated frame magic")
	}
	if magic != frameMagic {
		return Frame{}, werrors.NewFormatError("bad frame magic")
	}

	var typeByte byte
	if err := binary.Read(fr.r, binary.BigEndian, &typeByte); err != nil {
		return Frame{}, werrors.NewFormatError("truncated frame type")
	}

	var length uint32
	if err := binary.Read(fr.r, binary.BigEndian, &length); err != nil {
		return Frame{}, werrors.NewFormatError("truncated frame length")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Frame{}, werrors.NewFormatError("truncated frame payload")
	}

	return Frame{Type: Type(typeByte), Payload: payload}, nil
}

// NewDeltaChunkSource adapts a stream of TypeDeltaChunk frames terminated
// by TypeDeltaEnd into an io.Reader, so wireformat.NewDeltaReader can
// consume a streamed delta exactly like one read from a whole pre-buffered
// payload. first is the lead chunk's payload: callers typically must read
// one frame themselves first to tell "a new delta begins" apart from "the
// session ended," and that frame's payload is threaded in here rather than
// read twice.
func NewDeltaChunkSource(fr *FrameReader, first []byte) io.Reader {
	return &deltaChunkSource{fr: fr, buf: first}
}

type deltaChunkSource struct {
	fr   *FrameReader
	buf  []byte
	done bool
}

func (s *deltaChunkSource) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.done {
			return 0, io.EOF
		}
		frame, err := s.fr.ReadFrame()
		if err != nil {
			return 0, err
		}
		switch frame.Type {
		case TypeDeltaChunk:
			s.buf = frame.Payload
		case TypeDeltaEnd:
			s.done = true
			return 0, io.EOF
		default:
			return 0, werrors.NewFormatError("expected a delta chunk or end frame")
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// DecodeAck decodes an Ack frame's payload.
func DecodeAck(payload []byte) (Ack, error) {
	var a Ack
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&a); err != nil {
		return Ack{}, errors.Wrap(err, "protocol: decoding ack")
	}
	return a, nil
}
