package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/delta"
	"github.com/blockdelta/bsync/internal/indexer"
	"github.com/blockdelta/bsync/internal/patch"
	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/blockdelta/bsync/internal/wireformat"
)

type patchParams struct {
	DeltaPath string
	DestPath  string
	Out       string
}

func (p patchParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.DeltaPath, validation.Required),
		validation.Field(&p.DestPath, validation.Required),
		validation.Field(&p.Out, validation.Required),
	)
}

// runPatch implements "bsync patch <delta-file> <dest-path> -o
// <output-path>": replay a delta file's instruction tape against the
// destination's own blocks, writing the reconstructed file(s) under
// output.
func runPatch(args []string, consumer *progress.Consumer) error {
	fs := flag.NewFlagSet("patch", flag.ContinueOnError)
	out := fs.String("o", "", "output path")
	if err := fs.Parse(args); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	params := patchParams{DeltaPath: fs.Arg(0), DestPath: fs.Arg(1), Out: *out}
	if err := params.Validate(); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	deltaFile, err := os.Open(params.DeltaPath)
	if err != nil {
		return werrors.NewIoError(params.DeltaPath, err)
	}
	defer deltaFile.Close()

	dr, err := wireformat.NewDeltaReader(deltaFile)
	if err != nil {
		return err
	}

	destInfo, err := os.Stat(params.DestPath)
	if err != nil {
		return werrors.NewIoError(params.DestPath, err)
	}

	var destContainer *container.Container
	if destInfo.IsDir() {
		destContainer, err = container.Walk(params.DestPath)
	} else {
		destContainer = container.SingleFile("", destInfo.Size())
	}
	if err != nil {
		return err
	}

	store, _, err := indexer.Index(destContainer, params.DestPath, indexer.Options{BlockSize: dr.BlockSize, Consumer: consumer})
	if err != nil {
		return err
	}

	pool := destContainer.NewFilePool(params.DestPath)
	defer pool.Close()

	resolver := patch.NewLocalResolver(store, pool)
	applier := patch.NewApplier(resolver)

	var fileID uint16
	var nFiles int
	for {
		name, err := dr.NextFile()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		outPath := params.Out
		if name != "" {
			outPath = filepath.Join(params.Out, filepath.FromSlash(name))
		}

		var instrs []delta.Instruction
		for {
			instr, err := dr.NextInstruction()
			if err != nil {
				return err
			}
			instrs = append(instrs, instr)
			if instr.Tag == delta.TagEndfile {
				break
			}
		}

		if err := applier.ApplyFile(fileID, outPath, instrs); err != nil {
			return err
		}
		fileID++
		nFiles++
	}

	consumer.Infof("patched %d file(s) into %s", nFiles, params.Out)
	return nil
}
