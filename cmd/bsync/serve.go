package main

import (
	"bytes"
	"flag"
	"io"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/compressor"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/indexer"
	"github.com/blockdelta/bsync/internal/patch"
	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/protocol"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/blockdelta/bsync/internal/wireformat"
)

type serveParams struct {
	Path string
}

func (p serveParams) Validate() error {
	return validation.ValidateStruct(&p, validation.Field(&p.Path, validation.Required))
}

// runServe implements "bsync serve <path>", the destination-side half of
// the remote protocol: dialed over SSH by endpoint.DialSSH's "bsync serve"
// remote command, reading a streamed TypeDeltaChunk/TypeDeltaEnd sequence
// per file from stdin and writing an Index message (once) plus one Ack
// per file to stdout.
func runServe(args []string, consumer *progress.Consumer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	blockSize := fs.Uint("blocksize", 8192, "target average block size")
	compress := fs.String("compress", string(compressor.AlgorithmBrotli), "wire compression: none|brotli")
	if err := fs.Parse(args); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	params := serveParams{Path: fs.Arg(0)}
	if err := params.Validate(); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	if err := os.MkdirAll(params.Path, 0o755); err != nil {
		return werrors.NewIoError(params.Path, err)
	}

	algo := compressor.Algorithm(*compress)
	r, err := compressor.WrapReader(os.Stdin, algo)
	if err != nil {
		return werrors.NewUsageError(err.Error())
	}
	w, err := compressor.WrapWriter(os.Stdout, algo, compressor.DefaultQuality)
	if err != nil {
		return werrors.NewUsageError(err.Error())
	}
	if closer, ok := w.(io.Closer); ok {
		defer closer.Close()
	}

	fr := protocol.NewFrameReader(r)
	fw := protocol.NewFrameWriter(w)

	destContainer, err := container.Walk(params.Path)
	if err != nil {
		return err
	}
	store, byFile, err := indexer.Index(destContainer, params.Path, indexer.Options{BlockSize: uint32(*blockSize), Consumer: consumer})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	blocksOf := func(fileID uint16) []block.Block { return byFile[fileID] }
	if err := container.EncodeIndex(&buf, destContainer, uint32(*blockSize), blocksOf); err != nil {
		return werrors.NewIoError("", err)
	}
	if err := fw.WriteIndex(buf.Bytes()); err != nil {
		return err
	}

	pool := destContainer.NewFilePool(params.Path)
	defer pool.Close()
	resolver := patch.NewLocalResolver(store, pool)
	applier := patch.NewApplier(resolver)

	var fileID uint16
	for {
		frame, err := fr.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if frame.Type != protocol.TypeDeltaChunk {
			return werrors.NewFormatError("expected a delta chunk frame")
		}

		dr, err := wireformat.NewDeltaReader(protocol.NewDeltaChunkSource(fr, frame.Payload))
		if err != nil {
			return err
		}
		name, err := dr.NextFile()
		if err != nil {
			return err
		}

		outPath := params.Path
		if name != "" {
			outPath = filepath.Join(params.Path, filepath.FromSlash(name))
		}

		ack := protocol.Ack{FileID: fileID, Outcome: protocol.OutcomeSuccess}
		if err := applier.ApplyStream(fileID, outPath, dr.NextInstruction); err != nil {
			ack.Outcome = protocol.OutcomeFailure
			ack.Reason = err.Error()
		}
		if err := fw.WriteAck(ack); err != nil {
			return err
		}
		fileID++
	}
}
