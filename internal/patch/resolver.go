package patch

import (
	"crypto/sha1"
	"io"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/container"
	"github.com/pkg/errors"
)

// ErrBlockNotFound is returned by BlockResolver.Resolve when no block in
// the destination index matches the (weak, strong) pair a KNOWN
// instruction names.
var ErrBlockNotFound = errors.New("patch: no block in destination index matches this KNOWN instruction")

// ErrBlockCorrupt is returned when a block IS found by (weak, strong) but
// the bytes actually on disk at its recorded (file_id, offset, length) no
// longer hash to that strong hash — the destination file changed out from
// under the index between indexing and patching. Kept distinct from
// ErrBlockNotFound so an operator can tell "the block never existed"
// apart from "the block existed and rotted".
var ErrBlockCorrupt = errors.New("patch: destination block no longer matches its recorded strong hash")

// BlockResolver resolves a KNOWN instruction's (weak, strong) pair to the
// actual block bytes, read from wherever the destination's existing blocks
// live.
type BlockResolver interface {
	Resolve(weak uint32, strong [block.StrongSize]byte) ([]byte, error)
}

// LocalResolver resolves KNOWN instructions against a destination index
// built over a local container.FilePool, reading bytes out of the files
// the destination already has on disk.
type LocalResolver struct {
	store *block.Store
	pool  container.FilePool

	// validate re-hashes bytes read off disk before trusting them,
	// distinguishing ErrBlockCorrupt from ErrBlockNotFound. Defaults to
	// true; tests that want a raw, unchecked resolver can flip it off via
	// NewLocalResolverRaw.
	validate bool
}

// NewLocalResolver returns a BlockResolver that re-verifies every block it
// reads against its recorded strong hash before returning it.
func NewLocalResolver(store *block.Store, pool container.FilePool) *LocalResolver {
	return &LocalResolver{store: store, pool: pool, validate: true}
}

// NewLocalResolverRaw is the same as NewLocalResolver but skips the
// re-hash check, trading the corrupt/missing distinction for speed.
func NewLocalResolverRaw(store *block.Store, pool container.FilePool) *LocalResolver {
	return &LocalResolver{store: store, pool: pool, validate: false}
}

func (l *LocalResolver) Resolve(weak uint32, strong [block.StrongSize]byte) ([]byte, error) {
	blk := l.store.ContainsStrong(weak, strong)
	if blk == nil {
		return nil, ErrBlockNotFound
	}

	r, err := l.pool.GetReader(blk.FileID)
	if err != nil {
		return nil, errors.Wrap(err, "patch: opening destination block's source file")
	}
	if _, err := r.Seek(blk.Offset, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "patch: seeking to destination block")
	}
	buf := make([]byte, blk.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "patch: reading destination block")
	}

	if l.validate {
		got := sha1.Sum(buf)
		if !equalStrong(got, blk.StrongHash) {
			return nil, ErrBlockCorrupt
		}
	}
	return buf, nil
}

func equalStrong(a [block.StrongSize]byte, b [block.StrongSize]byte) bool {
	return a == b
}
