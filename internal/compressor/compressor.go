// Package compressor wraps the sync protocol's wire stream in a
// compressor/decompressor pair: Index and Delta messages travel over the
// same framed channel as control messages and may be compressed in
// transit.
//
// Grounded on pwr/compression.go's CompressWire/UncompressWire (algorithm
// switch wrapping a wire.WriteContext) and cbrotli.Writer's
// Apply(writer, quality), generalized into a small registry so a transport
// can pick an algorithm by name instead of a hardcoded switch. Brotli
// itself comes from github.com/andybalholm/brotli (pure Go), swapped in
// for cgo-bound gopkg.in/kothar/brotli-go.v0 per DESIGN.md.
package compressor

import (
	"io"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
)

// Algorithm names a compression scheme for the protocol handshake.
type Algorithm string

const (
	AlgorithmNone   Algorithm = "none"
	AlgorithmBrotli Algorithm = "brotli"
)

// DefaultQuality mirrors cbrotli.Writer's CompressionDefault: brotli Q1
// trades some ratio for speed, appropriate for a transfer protocol rather
// than archival storage.
const DefaultQuality = 1

// WrapWriter returns w wrapped in a compressing writer per algorithm, or w
// itself for AlgorithmNone. Callers must Close the returned writer (if it
// implements io.Closer) before closing the underlying stream, to flush
// the compressor's trailer.
func WrapWriter(w io.Writer, algo Algorithm, quality int) (io.Writer, error) {
	switch algo {
	case AlgorithmNone, "":
		return w, nil
	case AlgorithmBrotli:
		if quality <= 0 {
			quality = DefaultQuality
		}
		return brotli.NewWriterLevel(w, quality), nil
	default:
		return nil, errors.Errorf("compressor: unknown algorithm %q", algo)
	}
}

// WrapReader returns r wrapped in a decompressing reader per algorithm, or
// r itself for AlgorithmNone.
func WrapReader(r io.Reader, algo Algorithm) (io.Reader, error) {
	switch algo {
	case AlgorithmNone, "":
		return r, nil
	case AlgorithmBrotli:
		return brotli.NewReader(r), nil
	default:
		return nil, errors.Errorf("compressor: unknown algorithm %q", algo)
	}
}
