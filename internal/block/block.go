// Package block implements a block-addressed index: an associative
// structure keyed by (weak_hash, strong_hash) returning
// (file_id, offset, length).
//
// Grounded on sync/types.go's BlockHash and sync/block_library.go's
// BlockLibrary, generalized from a single flat hashLookup map into a
// Store that also knows how to serialize/deserialize itself per the
// index file format.
package block

import (
	"crypto/sha1"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// StrongSize is the width of the strong hash (SHA-1).
const StrongSize = sha1.Size

// Block is a maximal contiguous byte range of some indexed file.
type Block struct {
	WeakHash   uint32
	StrongHash [StrongSize]byte
	FileID     uint16
	Offset     int64
	Length     int64
}

// StrongHashOf computes the SHA-1 of data.
func StrongHashOf(data []byte) [StrongSize]byte {
	var out [StrongSize]byte
	copy(out[:], sum(data))
	return out
}

func sum(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}

// Store is an in-memory (weak_hash → []Block) index. Buckets are expected
// to hold 1–2 entries; strong-hash disambiguation within a bucket is
// linear.
type Store struct {
	buckets map[uint32][]Block
	// order preserves insertion order for serialization: blocks within a
	// bucket must stay ordered by (file_id, offset) so the earliest match
	// wins ties; since the indexer inserts in traversal order already,
	// append-order already satisfies this.
	order []Block
}

// New returns an empty block store.
func New() *Store {
	return &Store{buckets: make(map[uint32][]Block)}
}

// Insert adds a block to the store. Insertion order is significant: ties
// within a weak-hash bucket are broken by earliest insertion.
func (s *Store) Insert(weak uint32, strong [StrongSize]byte, fileID uint16, offset, length int64) {
	b := Block{WeakHash: weak, StrongHash: strong, FileID: fileID, Offset: offset, Length: length}
	s.buckets[weak] = append(s.buckets[weak], b)
	s.order = append(s.order, b)
}

// InsertBlock is a convenience wrapper for code that already has a Block
// value (e.g. decoded from the wire or the index file).
func (s *Store) InsertBlock(b Block) {
	s.buckets[b.WeakHash] = append(s.buckets[b.WeakHash], b)
	s.order = append(s.order, b)
}

// Lookup returns every block sharing a weak hash, in insertion order.
func (s *Store) Lookup(weak uint32) []Block {
	return s.buckets[weak]
}

// ContainsStrong scans the bucket for weak and returns the first block
// whose strong hash matches, nil if none does. "First" here means
// earliest-inserted, the tie-break rule ties must follow.
func (s *Store) ContainsStrong(weak uint32, strong [StrongSize]byte) *Block {
	for i := range s.buckets[weak] {
		if s.buckets[weak][i].StrongHash == strong {
			return &s.buckets[weak][i]
		}
	}
	return nil
}

// Len reports the total number of blocks in the store.
func (s *Store) Len() int {
	return len(s.order)
}

// All returns every block in traversal (insertion) order, used by the
// index file writer.
func (s *Store) All() []Block {
	return s.order
}

// Empty reports whether the store holds no blocks, used by the
// self-sufficiency invariant: an empty destination still yields a valid
// (all-literal) delta.
func (s *Store) Empty() bool {
	return len(s.order) == 0
}

const (
	indexMagic   = "RS-SYNCI"
	indexVersion = uint16(0x0001)
)

// EncodeFlat writes the flat (single-file / no manifest) index file
// format: magic, version, blocksize, n_hashes, then each (adler32, sha1,
// length) entry in traversal order.
func (s *Store) EncodeFlat(w io.Writer, blockSize uint32) error {
	if _, err := io.WriteString(w, indexMagic); err != nil {
		return errors.Wrap(err, "block: writing magic")
	}
	if err := binary.Write(w, binary.BigEndian, indexVersion); err != nil {
		return errors.Wrap(err, "block: writing version")
	}
	if err := binary.Write(w, binary.BigEndian, blockSize); err != nil {
		return errors.Wrap(err, "block: writing blocksize")
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(s.order))); err != nil {
		return errors.Wrap(err, "block: writing n_hashes")
	}
	for _, b := range s.order {
		if err := binary.Write(w, binary.BigEndian, b.WeakHash); err != nil {
			return errors.Wrap(err, "block: writing weak hash")
		}
		if _, err := w.Write(b.StrongHash[:]); err != nil {
			return errors.Wrap(err, "block: writing strong hash")
		}
		if err := binary.Write(w, binary.BigEndian, uint64(b.Length)); err != nil {
			return errors.Wrap(err, "block: writing length")
		}
	}
	return nil
}

// DecodeFlat reads back a flat index file, returning the populated store
// and the blocksize recorded in the header.
func DecodeFlat(r io.Reader) (*Store, uint32, error) {
	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, 0, errors.Wrap(err, "block: reading magic")
	}
	if string(magic) != indexMagic {
		return nil, 0, errors.Errorf("block: bad magic %q", magic)
	}

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, 0, errors.Wrap(err, "block: reading version")
	}
	if version != indexVersion {
		return nil, 0, errors.Errorf("block: unsupported index version %#x", version)
	}

	var blockSize, nHashes uint32
	if err := binary.Read(r, binary.BigEndian, &blockSize); err != nil {
		return nil, 0, errors.Wrap(err, "block: reading blocksize")
	}
	if err := binary.Read(r, binary.BigEndian, &nHashes); err != nil {
		return nil, 0, errors.Wrap(err, "block: reading n_hashes")
	}

	s := New()
	var offset int64
	for i := uint32(0); i < nHashes; i++ {
		var weak uint32
		if err := binary.Read(r, binary.BigEndian, &weak); err != nil {
			return nil, 0, errors.Wrap(err, "block: reading weak hash")
		}
		var strong [StrongSize]byte
		if _, err := io.ReadFull(r, strong[:]); err != nil {
			return nil, 0, errors.Wrap(err, "block: reading strong hash")
		}
		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, 0, errors.Wrap(err, "block: reading length")
		}
		// A flat index has no per-file manifest: every block is treated
		// as belonging to file 0, laid out contiguously at its position
		// in the traversal order (offsets recovered by summing lengths).
		// Directory-mode indices use container.DecodeIndex instead to
		// recover real per-file offsets.
		s.Insert(weak, strong, 0, offset, int64(length))
		offset += int64(length)
	}
	return s, blockSize, nil
}
