// Atomic output discipline for the patch applier: writes go to a
// temporary path adjacent to the final path, followed by an atomic
// rename on ENDFILE success. Partial output is discarded on any error, so
// no partial file ever appears at a final path.
//
// Grounded on pwr/bowl/bowl.go's Bowl interface (GetWriter / Commit) and
// bowl_fresh.go's temp-then-rename implementation, simplified to a single
// writer per file: Bowl also supports Transpose (moving a file that only
// changed position in the tree, without rewriting its bytes), which has
// no component to serve here — the source's file list is fixed per sync
// run, so every file is always (re)written byte by byte.
package patch

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type tempWriter struct {
	tmpPath   string
	finalPath string
	f         *os.File
}

func newTempWriter(finalPath string) (*tempWriter, error) {
	dir := filepath.Dir(finalPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "patch: preparing output directory")
		}
	}
	f, err := os.CreateTemp(dir, ".bsync-tmp-*")
	if err != nil {
		return nil, errors.Wrap(err, "patch: creating temp output")
	}
	return &tempWriter{tmpPath: f.Name(), finalPath: finalPath, f: f}, nil
}

func (t *tempWriter) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

// Commit closes the temp file and atomically renames it onto finalPath.
// Called only after ENDFILE's length check has passed.
func (t *tempWriter) Commit() error {
	if err := t.f.Close(); err != nil {
		os.Remove(t.tmpPath)
		return errors.Wrap(err, "patch: closing temp output")
	}
	if err := os.Rename(t.tmpPath, t.finalPath); err != nil {
		os.Remove(t.tmpPath)
		return errors.Wrap(err, "patch: renaming temp output into place")
	}
	return nil
}

// Discard closes and removes the temp file without touching finalPath.
// Called on any error, so no partial output ever appears at the final
// path.
func (t *tempWriter) Discard() {
	t.f.Close()
	os.Remove(t.tmpPath)
}
