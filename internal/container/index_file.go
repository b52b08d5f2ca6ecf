// Index file directory-mode manifest: a flat (adler32, sha1, length) hash
// table (internal/block's format) followed by a per-file manifest mapping
// path → file_id → hash indices, so a multi-file tree can share one
// index file. The manifest is written after the hash table; nothing
// precedes the table but the header.
package container

import (
	"encoding/binary"
	"io"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/pkg/errors"
)

const (
	indexMagic   = "RS-SYNCI"
	indexVersion = uint16(0x0001)
)

func writeU16String(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return errors.Errorf("container: string too long (%d bytes)", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU16String(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// EncodeIndex writes the directory-mode index file: hash table then
// manifest. blocksOf must list, for each regular file in c, its blocks
// in offset order.
func EncodeIndex(w io.Writer, c *Container, blockSize uint32, blocksOf func(fileID uint16) []block.Block) error {
	if _, err := io.WriteString(w, indexMagic); err != nil {
		return errors.Wrap(err, "container: writing magic")
	}
	if err := binary.Write(w, binary.BigEndian, indexVersion); err != nil {
		return errors.Wrap(err, "container: writing version")
	}
	if err := binary.Write(w, binary.BigEndian, blockSize); err != nil {
		return errors.Wrap(err, "container: writing blocksize")
	}

	// Flatten all regular files' blocks into one traversal-ordered table,
	// recording each file's [start, count) slice as we go.
	type span struct {
		start, count uint32
	}
	spans := make([]span, c.NumFiles())
	var flat []block.Block
	for _, fe := range c.RegularEntries() {
		blocks := blocksOf(fe.FileID)
		spans[fe.FileID] = span{start: uint32(len(flat)), count: uint32(len(blocks))}
		flat = append(flat, blocks...)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(flat))); err != nil {
		return errors.Wrap(err, "container: writing n_hashes")
	}
	for _, b := range flat {
		if err := binary.Write(w, binary.BigEndian, b.WeakHash); err != nil {
			return err
		}
		if _, err := w.Write(b.StrongHash[:]); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint64(b.Length)); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint16(len(c.Entries))); err != nil {
		return errors.Wrap(err, "container: writing n_files")
	}
	for _, e := range c.Entries {
		if err := writeU16String(w, e.Path); err != nil {
			return err
		}
		if _, err := w.Write([]byte{byte(e.Kind)}); err != nil {
			return err
		}
		if err := writeU16String(w, e.LinkTarget); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint64(e.Size)); err != nil {
			return err
		}
		var start, count uint32
		if e.Kind == KindRegular {
			start, count = spans[e.FileID].start, spans[e.FileID].count
		}
		if err := binary.Write(w, binary.BigEndian, count); err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			if err := binary.Write(w, binary.BigEndian, start+i); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeIndex reads back a directory-mode index file and reconstructs
// both the Container (paths, kinds, sizes) and a populated block.Store
// with correct per-file offsets.
func DecodeIndex(r io.Reader) (*Container, *block.Store, uint32, error) {
	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, 0, errors.Wrap(err, "container: reading magic")
	}
	if string(magic) != indexMagic {
		return nil, nil, 0, errors.Errorf("container: bad magic %q", magic)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, nil, 0, err
	}
	if version != indexVersion {
		return nil, nil, 0, errors.Errorf("container: unsupported index version %#x", version)
	}
	var blockSize uint32
	if err := binary.Read(r, binary.BigEndian, &blockSize); err != nil {
		return nil, nil, 0, err
	}

	var nHashes uint32
	if err := binary.Read(r, binary.BigEndian, &nHashes); err != nil {
		return nil, nil, 0, err
	}
	type rawHash struct {
		weak   uint32
		strong [block.StrongSize]byte
		length int64
	}
	raw := make([]rawHash, nHashes)
	for i := range raw {
		if err := binary.Read(r, binary.BigEndian, &raw[i].weak); err != nil {
			return nil, nil, 0, err
		}
		if _, err := io.ReadFull(r, raw[i].strong[:]); err != nil {
			return nil, nil, 0, err
		}
		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, nil, 0, err
		}
		raw[i].length = int64(length)
	}

	var nFiles uint16
	if err := binary.Read(r, binary.BigEndian, &nFiles); err != nil {
		return nil, nil, 0, err
	}

	c := &Container{}
	store := block.New()
	var nextFileID uint16

	for i := uint16(0); i < nFiles; i++ {
		path, err := readU16String(r)
		if err != nil {
			return nil, nil, 0, err
		}
		var kindByte [1]byte
		if _, err := io.ReadFull(r, kindByte[:]); err != nil {
			return nil, nil, 0, err
		}
		linkTarget, err := readU16String(r)
		if err != nil {
			return nil, nil, 0, err
		}
		var size uint64
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, nil, 0, err
		}
		var count uint32
		if err := binary.Read(r, binary.BigEndian, &count); err != nil {
			return nil, nil, 0, err
		}
		indices := make([]uint32, count)
		for j := range indices {
			if err := binary.Read(r, binary.BigEndian, &indices[j]); err != nil {
				return nil, nil, 0, err
			}
		}

		kind := Kind(kindByte[0])
		fe := FileEntry{Path: path, Kind: kind, LinkTarget: linkTarget, Size: int64(size)}

		if kind == KindRegular {
			fe.FileID = nextFileID
			nextFileID++
			var offset int64
			for _, idx := range indices {
				if int(idx) >= len(raw) {
					return nil, nil, 0, errors.Errorf("container: hash index %d out of range", idx)
				}
				h := raw[idx]
				store.Insert(h.weak, h.strong, fe.FileID, offset, h.length)
				offset += h.length
			}
			c.regular = append(c.regular, len(c.Entries))
		}
		c.Entries = append(c.Entries, fe)
	}

	return c, store, blockSize, nil
}
