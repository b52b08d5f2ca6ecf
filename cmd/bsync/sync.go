package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/blockdelta/bsync/internal/compressor"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/delta"
	"github.com/blockdelta/bsync/internal/endpoint"
	"github.com/blockdelta/bsync/internal/indexer"
	"github.com/blockdelta/bsync/internal/patch"
	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/protocol"
	"github.com/blockdelta/bsync/internal/queue"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/blockdelta/bsync/internal/wireformat"
)

// wireChunkSize bounds how much of one file's instruction tape sits in
// memory at once on the wire-writing side: the drip buffer between the
// delta builder and the SSH channel.
const wireChunkSize = 64 * 1024

type syncParams struct {
	SourcePath string
	DestAddr   string
}

func (p syncParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SourcePath, validation.Required),
		validation.Field(&p.DestAddr, validation.Required),
	)
}

// runSync implements "bsync sync <source-path> <dest-address> [flags]":
// a full end-to-end sync, picking a transport by the destination
// address's syntax (local path or [user@]host:path); an http(s)://
// destination is rejected as a usage error.
func runSync(args []string, consumer *progress.Consumer) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	blockSize := fs.Uint("blocksize", 8192, "target average block size")
	keyPath := fs.String("i", "", "SSH private key path, if the local agent has no usable identity")
	compress := fs.String("compress", string(compressor.AlgorithmBrotli), "wire compression: none|brotli")
	if err := fs.Parse(args); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	params := syncParams{SourcePath: fs.Arg(0), DestAddr: fs.Arg(1)}
	if err := params.Validate(); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	dest, err := endpoint.Parse(params.DestAddr)
	if err != nil {
		return werrors.NewUsageError(err.Error())
	}

	switch dest.Scheme {
	case endpoint.SchemeLocal:
		return syncLocal(params.SourcePath, dest.Path, uint32(*blockSize), consumer)
	case endpoint.SchemeSSH:
		return syncSSH(params.SourcePath, dest, *keyPath, compressor.Algorithm(*compress), uint32(*blockSize), consumer)
	case endpoint.SchemeHTTP:
		// zsync-style role-flip: an HTTP endpoint is always the pull side
		// (a source the destination fetches ranges from, via "bsync pull"),
		// never a destination this command could write into.
		return werrors.NewUsageError("an http(s):// address cannot be a sync destination; use bsync pull to fetch from it")
	default:
		return werrors.NewUsageError(fmt.Sprintf("unsupported destination scheme %q", dest.Scheme))
	}
}

// syncLocal handles the case where both trees are reachable from this
// process: the destination's index, the source's delta, and the patch
// application all happen in memory without ever touching the wire
// protocol.
func syncLocal(srcPath, destPath string, blockSize uint32, consumer *progress.Consumer) error {
	if err := os.MkdirAll(destPath, 0o755); err != nil {
		return werrors.NewIoError(destPath, err)
	}

	destTransport := endpoint.NewLocalTransport(destPath)
	destContainer, err := destTransport.Walk()
	if err != nil {
		return err
	}

	store, _, err := indexer.Index(destContainer, destPath, indexer.Options{BlockSize: blockSize, Consumer: consumer})
	if err != nil {
		return err
	}

	srcContainer, err := container.Walk(srcPath)
	if err != nil {
		return err
	}
	if err := srcContainer.Prepare(destPath); err != nil {
		return err
	}

	srcPool := srcContainer.NewFilePool(srcPath)
	defer srcPool.Close()
	destPool := destTransport.Pool(destContainer)
	defer destPool.Close()

	resolver := patch.NewLocalResolver(store, destPool)
	applier := patch.NewApplier(resolver)
	b := delta.NewBuilder()

	var nFiles int
	for _, fe := range srcContainer.RegularEntries() {
		r, err := srcPool.GetReader(fe.FileID)
		if err != nil {
			return werrors.NewIoError(fe.Path, err)
		}

		var instrs []delta.Instruction
		if err := b.Build(fe.FileID, fe.Path, r, store, int(blockSize), func(i delta.Instruction) error {
			instrs = append(instrs, i)
			return nil
		}); err != nil {
			return err
		}

		outPath := destPath
		if fe.Path != "" {
			outPath = filepath.Join(destPath, filepath.FromSlash(fe.Path))
		}
		if err := applier.ApplyFile(fe.FileID, outPath, instrs); err != nil {
			// A verify failure aborts only this file; the sync goes on.
			if werrors.As[*werrors.VerifyError](err) {
				consumer.Warnf("failed to sync %s: %v", fe.Path, err)
				continue
			}
			return err
		}
		nFiles++
		consumer.Infof("synced %s", fe.Path)
	}

	consumer.Infof("sync complete: %d file(s)", nFiles)
	return nil
}

// syncSSH drives the remote protocol: dial the peer's "bsync serve"
// subprocess, read back its destination-side Index frame, then stream
// each source file's delta as TypeDeltaChunk frames closed by a
// TypeDeltaEnd frame, and collect one Ack per file.
func syncSSH(srcPath string, dest *endpoint.Spec, keyPath string, algo compressor.Algorithm, blockSize uint32, consumer *progress.Consumer) error {
	transport, err := endpoint.DialSSH(dest.Host, dest.User, keyPath)
	if err != nil {
		return werrors.NewIoError(dest.Host, err)
	}
	defer transport.Close()

	compReader, err := compressor.WrapReader(transport.Channel, algo)
	if err != nil {
		return werrors.NewUsageError(err.Error())
	}
	compWriter, err := compressor.WrapWriter(transport.Channel, algo, compressor.DefaultQuality)
	if err != nil {
		return werrors.NewUsageError(err.Error())
	}

	fr := protocol.NewFrameReader(compReader)
	fw := protocol.NewFrameWriter(compWriter)

	frame, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeIndex {
		return werrors.NewFormatError("expected an Index frame first")
	}

	store, windowSize, _, err := loadAnyIndex(bytes.NewReader(frame.Payload))
	if err != nil {
		return err
	}
	if windowSize != 0 {
		blockSize = windowSize
	}

	srcContainer, err := container.Walk(srcPath)
	if err != nil {
		return err
	}
	pool := srcContainer.NewFilePool(srcPath)
	defer pool.Close()

	b := delta.NewBuilder()
	for _, fe := range srcContainer.RegularEntries() {
		// The instruction tape is streamed onto the wire as it's built:
		// DripWriter buffers at most wireChunkSize bytes before it must
		// flush a TypeDeltaChunk frame, so a slow SSH channel stalls the
		// drip's Write call and, through it, the delta builder itself —
		// back-pressure, not an in-memory copy of the whole file's delta.
		drip := &queue.DripWriter{Buffer: make([]byte, wireChunkSize), Writer: fw.DeltaChunkSink()}
		dw, err := wireformat.NewDeltaWriter(drip, blockSize, 1)
		if err != nil {
			return err
		}
		if err := dw.StartFile(fe.Path); err != nil {
			return err
		}

		r, err := pool.GetReader(fe.FileID)
		if err != nil {
			return werrors.NewIoError(fe.Path, err)
		}
		if err := b.Build(fe.FileID, fe.Path, r, store, int(blockSize), dw.Emit); err != nil {
			return err
		}
		if err := dw.Close(); err != nil {
			return werrors.NewFormatError(err.Error())
		}
		if err := drip.Close(); err != nil {
			return err
		}
		if err := fw.WriteDeltaEnd(); err != nil {
			return err
		}

		ackFrame, err := fr.ReadFrame()
		if err != nil {
			return err
		}
		if ackFrame.Type != protocol.TypeAck {
			return werrors.NewFormatError("expected an Ack frame after Delta")
		}
		ack, err := protocol.DecodeAck(ackFrame.Payload)
		if err != nil {
			return err
		}
		if ack.Outcome != protocol.OutcomeSuccess {
			consumer.Warnf("remote reported failure for %s: %s", fe.Path, ack.Reason)
		} else {
			consumer.Infof("synced %s", fe.Path)
		}
	}

	return nil
}

