package main

import (
	"flag"
	"io"
	"os"

	validation "github.com/go-ozzo/ozzo-validation"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/blockdelta/bsync/internal/delta"
	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/werrors"
	"github.com/blockdelta/bsync/internal/wireformat"
)

type diffParams struct {
	SourcePath string
	DestIndex  string
	Out        string
}

func (p diffParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.SourcePath, validation.Required),
		validation.Field(&p.DestIndex, validation.Required),
		validation.Field(&p.Out, validation.Required),
	)
}

// runDiff implements "bsync diff <source-path> -x <dest-index> -o
// <delta-file>": build the source's delta tape against a destination's
// previously captured signature, without touching the destination itself.
func runDiff(args []string, consumer *progress.Consumer) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	destIndexPath := fs.String("x", "", "destination-side index file")
	out := fs.String("o", "", "output delta file")
	if err := fs.Parse(args); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	params := diffParams{SourcePath: fs.Arg(0), DestIndex: *destIndexPath, Out: *out}
	if err := params.Validate(); err != nil {
		return werrors.NewUsageError(err.Error())
	}

	idxFile, err := os.Open(params.DestIndex)
	if err != nil {
		return werrors.NewIoError(params.DestIndex, err)
	}
	defer idxFile.Close()

	store, windowSize, nFiles, err := loadAnyIndex(idxFile)
	if err != nil {
		return err
	}

	srcInfo, err := os.Stat(params.SourcePath)
	if err != nil {
		return werrors.NewIoError(params.SourcePath, err)
	}
	if srcInfo.IsDir() {
		return runDirDiff(params, store, windowSize, nFiles, consumer)
	}

	srcFile, err := os.Open(params.SourcePath)
	if err != nil {
		return werrors.NewIoError(params.SourcePath, err)
	}
	defer srcFile.Close()

	outFile, err := os.Create(params.Out)
	if err != nil {
		return werrors.NewIoError(params.Out, err)
	}
	defer outFile.Close()

	dw, err := wireformat.NewDeltaWriter(outFile, windowSize, 0)
	if err != nil {
		return werrors.NewIoError(params.Out, err)
	}
	if err := dw.StartFile(""); err != nil {
		return err
	}

	b := delta.NewBuilder()
	var nInstr int
	if err := b.Build(0, params.SourcePath, srcFile, store, int(windowSize), func(i delta.Instruction) error {
		nInstr++
		return dw.Emit(i)
	}); err != nil {
		return err
	}
	if err := dw.Close(); err != nil {
		return werrors.NewFormatError(err.Error())
	}
	consumer.Infof("wrote %d instructions to %s", nInstr, params.Out)
	return nil
}

// runDirDiff handles directory-mode diffing: every regular file in the
// source tree gets its own StartFile/Emit run against the shared
// destination store, numbered by the source's own dense file_id
// assignment, so the resulting delta's BACKREF instructions stay
// internally consistent.
func runDirDiff(params diffParams, store *block.Store, windowSize uint32, destNFiles uint16, consumer *progress.Consumer) error {
	srcContainer, err := container.Walk(params.SourcePath)
	if err != nil {
		return err
	}

	outFile, err := os.Create(params.Out)
	if err != nil {
		return werrors.NewIoError(params.Out, err)
	}
	defer outFile.Close()

	dw, err := wireformat.NewDeltaWriter(outFile, windowSize, uint16(srcContainer.NumFiles()))
	if err != nil {
		return werrors.NewIoError(params.Out, err)
	}

	pool := srcContainer.NewFilePool(params.SourcePath)
	defer pool.Close()

	b := delta.NewBuilder()
	for _, fe := range srcContainer.RegularEntries() {
		if err := dw.StartFile(fe.Path); err != nil {
			return err
		}
		r, err := pool.GetReader(fe.FileID)
		if err != nil {
			return werrors.NewIoError(fe.Path, err)
		}
		if err := b.Build(fe.FileID, fe.Path, r, store, int(windowSize), dw.Emit); err != nil {
			return err
		}
	}
	if err := dw.Close(); err != nil {
		return werrors.NewFormatError(err.Error())
	}
	consumer.Infof("wrote delta for %d files to %s", srcContainer.NumFiles(), params.Out)
	return nil
}

// loadAnyIndex tries the directory-mode manifest format first, falling
// back to the flat single-file format: both share the same magic but the
// manifest carries a trailing per-file section the flat reader never
// consumes, so a failed directory-mode decode is a reliable signal to
// retry flat rather than a real error.
func loadAnyIndex(f io.ReadSeeker) (*block.Store, uint32, uint16, error) {
	if _, c, store, blockSize, err := tryDecodeDirIndex(f); err == nil {
		return store, blockSize, uint16(c.NumFiles()), nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, 0, 0, werrors.NewIoError("", err)
	}
	store, blockSize, err := block.DecodeFlat(f)
	if err != nil {
		return nil, 0, 0, werrors.NewFormatError(err.Error())
	}
	return store, blockSize, 1, nil
}

func tryDecodeDirIndex(r io.Reader) (bool, *container.Container, *block.Store, uint32, error) {
	c, store, blockSize, err := container.DecodeIndex(r)
	if err != nil {
		return false, nil, nil, 0, err
	}
	return true, c, store, blockSize, nil
}
