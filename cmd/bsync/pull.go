package main

import (
	"bytes"
	"flag"
	"io"
	"net/http"
	"os"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/pkg/errors"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/delta"
	"github.com/blockdelta/bsync/internal/endpoint"
	"github.com/blockdelta/bsync/internal/indexer"
	"github.com/blockdelta/bsync/internal/patch"
	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/werrors"
)

type pullParams struct {
	IndexURL  string
	DataURL   string
	LocalPath string
}

func (p pullParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.IndexURL, validation.Required),
		validation.Field(&p.DataURL, validation.Required),
		validation.Field(&p.LocalPath, validation.Required),
	)
}

// runPull implements "bsync pull <index-url> <data-url> <local-path>", the
// zsync-style client-pull mode: the server is a plain passive HTTP file
// server, so unlike sync's push mode no delta is computed remotely. The
// client fetches the server's published flat block index (the same format
// "bsync index" writes for a single file), walks its blocks in order, and
// for each one either copies the matching bytes out of the local file it
// already has — if a block with that same (weak, strong) pair already
// exists there — or fetches just that block's byte range from the server
// over an HTTP Range request. localPath is read as the old version and,
// on success, atomically replaced with the reconstructed new version;
// if localPath doesn't exist yet every block is fetched, the degenerate
// case of the same self-sufficiency guarantee push mode gives an empty
// destination.
func runPull(args []string, consumer *progress.Consumer) error {
	fs := flag.NewFlagSet("pull", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	params := pullParams{IndexURL: fs.Arg(0), DataURL: fs.Arg(1), LocalPath: fs.Arg(2)}
	if err := params.Validate(); err != nil {
		return werrors.NewUsageError(err.Error())
	}
	dataEndpoint, err := endpoint.Parse(params.DataURL)
	if err != nil {
		return werrors.NewUsageError(err.Error())
	}
	if dataEndpoint.Scheme != endpoint.SchemeHTTP {
		return werrors.NewUsageError("pull's data address must be an http(s):// URL")
	}

	remoteStore, blockSize, err := fetchFlatIndex(params.IndexURL)
	if err != nil {
		return err
	}

	var size int64
	if info, err := os.Stat(params.LocalPath); err == nil {
		size = info.Size()
	} else if !os.IsNotExist(err) {
		return werrors.NewIoError(params.LocalPath, err)
	}

	localContainer := container.SingleFile("", size)
	localPool := localContainer.NewFilePool(params.LocalPath)
	defer localPool.Close()

	localStore := block.New()
	if size > 0 {
		localStore, _, err = indexer.Index(localContainer, params.LocalPath, indexer.Options{BlockSize: blockSize, Consumer: consumer})
		if err != nil {
			return err
		}
	}

	remote, err := endpoint.OpenHTTPRange(params.DataURL, nil)
	if err != nil {
		return werrors.NewIoError(params.DataURL, err)
	}

	resolver := patch.NewLocalResolver(localStore, localPool)
	applier := patch.NewApplier(resolver)

	blocks := remoteStore.All()
	var total int64
	for _, b := range blocks {
		total += b.Length
	}

	var i int
	var reused, fetched int
	next := func() (delta.Instruction, error) {
		if i >= len(blocks) {
			return delta.Instruction{Tag: delta.TagEndfile, TotalSize: total}, nil
		}
		b := blocks[i]
		i++

		if localStore.ContainsStrong(b.WeakHash, b.StrongHash) != nil {
			reused++
			return delta.Instruction{Tag: delta.TagKnown, Weak: b.WeakHash, Strong: b.StrongHash}, nil
		}

		buf := make([]byte, b.Length)
		if _, err := remote.ReadAt(buf, b.Offset); err != nil && err != io.EOF {
			return delta.Instruction{}, werrors.NewIoError(params.DataURL, err)
		}
		fetched++
		return delta.Instruction{Tag: delta.TagLiteral, Literal: buf}, nil
	}

	if err := applier.ApplyStream(0, params.LocalPath, next); err != nil {
		return err
	}

	consumer.Infof("pulled %s: %d block(s) reused locally, %d fetched over http", params.LocalPath, reused, fetched)
	return nil
}

// fetchFlatIndex GETs url and decodes it as block.Store.EncodeFlat's
// format — the same layout "bsync index" writes for a single file,
// published by the server as a plain static file alongside the data it
// describes.
func fetchFlatIndex(url string) (*block.Store, uint32, error) {
	res, err := http.Get(url)
	if err != nil {
		return nil, 0, werrors.NewIoError(url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, 0, werrors.NewIoError(url, errors.Errorf("unexpected status %d fetching index", res.StatusCode))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, 0, werrors.NewIoError(url, err)
	}
	store, blockSize, err := block.DecodeFlat(bytes.NewReader(body))
	if err != nil {
		return nil, 0, werrors.NewFormatError(err.Error())
	}
	return store, blockSize, nil
}
