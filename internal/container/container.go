// Package container represents a tree of files the way the indexer and
// patch applier need to see it: a dense, traversal-ordered list of entries
// with stable numeric file IDs for regular files.
//
// Grounded on tlc package: tlc.Container/tlc.File for the
// dense file_id-indexed entry list, tlc.WalkAny for the traversal-and-
// assign pass, tlc.Pool for the file_id → reader abstraction, and
// megafile/writer.go's directory-preparation pass (mkdir -p,
// touch+truncate, symlink) for Prepare. Superseded tlc itself once this
// package covered every operation the rest of the tree needed from it —
// see DESIGN.md.
package container

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Kind distinguishes the three entry types FileEntry carries so that
// directory mode can recreate a tree's shape, even though only Regular
// entries are ever diffed byte-for-byte.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDir
	KindSymlink
)

// FileEntry is (file_id, relative_path, total_size, ...), extended with
// Kind/LinkTarget/Mode so a directory tree's shape survives a round trip.
// FileID is only meaningful (and only assigned) for KindRegular entries;
// it is what BACKREF instructions refer to.
type FileEntry struct {
	FileID     uint16
	Path       string
	Kind       Kind
	LinkTarget string
	Size       int64
	Mode       fs.FileMode
	// ModTime is unix nanoseconds, used only as part of the signature
	// cache's (path, mtime, size) key; it has no bearing on the index or
	// delta wire formats.
	ModTime int64
}

// Container is a dense, traversal-ordered tree of entries.
type Container struct {
	Entries []FileEntry
	// regular indexes into Entries by FileID, for O(1) lookup during
	// patch application and delta building.
	regular []int
}

// Walk traverses root and assigns dense file_ids to every regular file in
// lexical traversal order, starting from 0, in the same order the block
// store's tie-break rule relies on.
func Walk(root string) (*Container, error) {
	c := &Container{}
	var nextID uint16

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrap(err, "container: walking "+path)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Wrap(err, "container: relativizing "+path)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return errors.Wrap(err, "container: stat "+path)
		}

		switch {
		case d.IsDir():
			c.Entries = append(c.Entries, FileEntry{Path: rel, Kind: KindDir, Mode: info.Mode()})
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return errors.Wrap(err, "container: reading symlink "+path)
			}
			c.Entries = append(c.Entries, FileEntry{Path: rel, Kind: KindSymlink, LinkTarget: target, Mode: info.Mode()})
		default:
			fe := FileEntry{
				FileID:  nextID,
				Path:    rel,
				Kind:    KindRegular,
				Size:    info.Size(),
				Mode:    info.Mode(),
				ModTime: info.ModTime().UnixNano(),
			}
			c.regular = append(c.regular, len(c.Entries))
			c.Entries = append(c.Entries, fe)
			nextID++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SingleFile builds a one-entry Container for single-file mode, where an
// index or delta file's n_files header reads 0.
func SingleFile(path string, size int64) *Container {
	c := &Container{
		Entries: []FileEntry{{FileID: 0, Path: "", Kind: KindRegular, Size: size}},
	}
	c.regular = []int{0}
	return c
}

// NumFiles reports how many regular (diffable) files the container holds.
func (c *Container) NumFiles() int {
	return len(c.regular)
}

// RegularByID returns the FileEntry for a given file_id, or false if out
// of range.
func (c *Container) RegularByID(id uint16) (FileEntry, bool) {
	if int(id) >= len(c.regular) {
		return FileEntry{}, false
	}
	return c.Entries[c.regular[id]], true
}

// RegularEntries returns every regular file entry in file_id order.
func (c *Container) RegularEntries() []FileEntry {
	out := make([]FileEntry, len(c.regular))
	for i, idx := range c.regular {
		out[i] = c.Entries[idx]
	}
	return out
}

// FilePool resolves a file_id to a seekable reader, per sync.FilePool
// from sync/types.go.
type FilePool interface {
	GetReader(fileID uint16) (io.ReadSeeker, error)
	Close() error
}

type fsPool struct {
	basePath  string
	container *Container
	opened    []*os.File
}

// NewFilePool returns a FilePool that opens files lazily under basePath,
// matching the container.NewFilePool(basePath) usage pattern seen in
// pwr/signature.go and pwr/diff.go.
func (c *Container) NewFilePool(basePath string) FilePool {
	return &fsPool{basePath: basePath, container: c, opened: make([]*os.File, len(c.regular))}
}

func (p *fsPool) GetReader(fileID uint16) (io.ReadSeeker, error) {
	if int(fileID) >= len(p.opened) {
		return nil, errors.Errorf("container: file id %d out of range", fileID)
	}
	if p.opened[fileID] != nil {
		if _, err := p.opened[fileID].Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "container: seeking")
		}
		return p.opened[fileID], nil
	}
	entry, ok := p.container.RegularByID(fileID)
	if !ok {
		return nil, errors.Errorf("container: file id %d out of range", fileID)
	}
	full := filepath.Join(p.basePath, filepath.FromSlash(entry.Path))
	if entry.Path == "" {
		full = p.basePath
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, errors.Wrap(err, "container: opening "+full)
	}
	p.opened[fileID] = f
	return f, nil
}

func (p *fsPool) Close() error {
	var firstErr error
	for _, f := range p.opened {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Prepare materializes the container's directory/symlink/regular-file
// skeleton under basePath before any block data is written: mkdir -p for
// directories, touch+truncate for regular files, symlink for links.
//
// Grounded on megafile/writer.go's NewWriter, which performs exactly this
// pass (MkdirAll, OpenFile+Truncate, Symlink, with chmod) before streaming
// any bytes — the patch applier needs the tree shape to exist before it
// can seek into individual files.
func (c *Container) Prepare(basePath string) error {
	// Directories first, sorted so parents are created before children
	// even if the walk order interleaved siblings.
	dirs := make([]FileEntry, 0)
	for _, e := range c.Entries {
		if e.Kind == KindDir {
			dirs = append(dirs, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].Path) < len(dirs[j].Path) })
	for _, d := range dirs {
		full := filepath.Join(basePath, filepath.FromSlash(d.Path))
		mode := d.Mode
		if mode == 0 {
			mode = 0o755
		}
		if err := os.MkdirAll(full, mode); err != nil {
			return errors.Wrap(err, "container: mkdir "+full)
		}
	}

	for _, e := range c.Entries {
		if e.Kind != KindRegular {
			continue
		}
		full := filepath.Join(basePath, filepath.FromSlash(e.Path))
		if e.Path == "" {
			full = basePath
		}
		if dir := filepath.Dir(full); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.Wrap(err, "container: mkdir "+dir)
			}
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
		}
		f, err := os.OpenFile(full, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return errors.Wrap(err, "container: creating "+full)
		}
		if err := f.Truncate(e.Size); err != nil {
			f.Close()
			return errors.Wrap(err, "container: truncating "+full)
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "container: closing "+full)
		}
	}

	for _, e := range c.Entries {
		if e.Kind != KindSymlink {
			continue
		}
		full := filepath.Join(basePath, filepath.FromSlash(e.Path))
		_ = os.Remove(full)
		if err := os.Symlink(e.LinkTarget, full); err != nil {
			return errors.Wrap(err, "container: symlinking "+full)
		}
	}
	return nil
}
