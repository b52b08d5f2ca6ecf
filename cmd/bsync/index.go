package main

import (
	"flag"
	"os"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/indexer"
	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/sigcache"
	"github.com/blockdelta/bsync/internal/werrors"
)

type indexParams struct {
	Path      string
	Out       string
	BlockSize uint
}

func (p indexParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Path, validation.Required),
		validation.Field(&p.Out, validation.Required),
	)
}

// runIndex implements "bsync index <path> -o <index-file>": build a
// signature over path, writing the flat format for a single file or the
// directory-mode manifest for a tree.
func runIndex(args []string, consumer *progress.Consumer) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	out := fs.String("o", "", "output index file path")
	blockSize := fs.Uint("blocksize", 8192, "target average block size")
	cachePath := fs.String("cache", "", "optional signature cache database path")
	if err := fs.Parse(args); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	params := indexParams{Path: fs.Arg(0), Out: *out, BlockSize: *blockSize}
	if err := params.Validate(); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	info, err := os.Stat(params.Path)
	if err != nil {
		return werrors.NewIoError(params.Path, err)
	}

	var cache indexer.SignatureCache
	var cacheStore *sigcache.Store
	if *cachePath != "" {
		store, err := sigcache.Open(*cachePath)
		if err != nil {
			return werrors.NewIoError(*cachePath, err)
		}
		defer store.Close()
		cache = store
		cacheStore = store
	}

	outFile, err := os.Create(params.Out)
	if err != nil {
		return werrors.NewIoError(params.Out, err)
	}
	defer outFile.Close()

	opts := indexer.Options{BlockSize: uint32(params.BlockSize), Cache: cache, Consumer: consumer}

	if info.IsDir() {
		c, err := container.Walk(params.Path)
		if err != nil {
			return err
		}
		store, byFile, err := indexer.Index(c, params.Path, opts)
		if err != nil {
			return err
		}
		if cacheStore != nil {
			keep := make(map[string]bool, len(c.Entries))
			for _, fe := range c.RegularEntries() {
				keep[fe.Path] = true
			}
			if err := cacheStore.Prune(keep); err != nil {
				return werrors.NewIoError(*cachePath, err)
			}
		}
		blocksOf := func(fileID uint16) []block.Block { return byFile[fileID] }
		if err := container.EncodeIndex(outFile, c, uint32(params.BlockSize), blocksOf); err != nil {
			return werrors.NewIoError(params.Out, err)
		}
		consumer.Infof("indexed %d blocks into %s", store.Len(), params.Out)
		return nil
	}

	c := container.SingleFile("", info.Size())
	store, _, err := indexer.Index(c, params.Path, opts)
	if err != nil {
		return err
	}
	if err := store.EncodeFlat(outFile, uint32(params.BlockSize)); err != nil {
		return werrors.NewIoError(params.Out, err)
	}
	consumer.Infof("indexed %d blocks into %s", store.Len(), params.Out)
	return nil
}
