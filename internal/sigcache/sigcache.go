// Package sigcache implements a persistent signature cache: a
// (path, mtime, size) → block list mapping that lets repeated indexing of
// an unchanged file skip chunking and hashing entirely. Its absence must
// never change indexing results — see internal/indexer's
// TestIndexAbsentCacheNeverChangesResult.
//
// Persisted with github.com/mattn/go-sqlite3, grounded on
// bobg-bs/store/sqlite3/sqlite3.go's schema-constant-plus-sql.Open shape
// (there is no persistent KV store already wired into this tree). An in-memory
// github.com/hashicorp/golang-lru front avoids a sqlite round trip for a
// file indexed twice within the same process. Remove/Move/Prune give the
// cache the same path-lifecycle rules as original_source/src/index.rs's
// remove_file/move_file/remove_missing_files, instead of only ever
// inserting and letting stale (path, mtime, size) rows sit unreachable.
package sigcache

import (
	"database/sql"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
	"github.com/pkg/errors"

	"github.com/blockdelta/bsync/internal/block"
	"github.com/blockdelta/bsync/internal/indexer"
)

// Schema is the SQL Open executes; it creates the blocks table if absent.
const Schema = `
CREATE TABLE IF NOT EXISTS blocks (
  path   TEXT    NOT NULL,
  mtime  INTEGER NOT NULL,
  size   INTEGER NOT NULL,
  seq    INTEGER NOT NULL,
  weak   INTEGER NOT NULL,
  strong BLOB    NOT NULL,
  offset INTEGER NOT NULL,
  length INTEGER NOT NULL,
  PRIMARY KEY (path, mtime, size, seq)
);
`

const lruCapacity = 4096

// Store is a sqlite-backed indexer.SignatureCache.
type Store struct {
	db  *sql.DB
	lru *lru.Cache
}

var _ indexer.SignatureCache = (*Store)(nil)

// Open opens (creating if necessary) a signature cache database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "sigcache: opening database")
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sigcache: creating schema")
	}
	cache, err := lru.New(lruCapacity)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sigcache: creating in-memory front")
	}
	return &Store{db: db, lru: cache}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func cacheKey(path string, mtime time.Time, size int64) string {
	return path + "\x00" + strconv.FormatInt(mtime.UnixNano(), 10) + "\x00" + strconv.FormatInt(size, 10)
}

// Lookup implements indexer.SignatureCache.
func (s *Store) Lookup(path string, mtime time.Time, size int64) ([]indexer.CachedBlock, bool) {
	key := cacheKey(path, mtime, size)
	if v, ok := s.lru.Get(key); ok {
		return v.([]indexer.CachedBlock), true
	}

	rows, err := s.db.Query(
		`SELECT weak, strong, offset, length FROM blocks WHERE path = ? AND mtime = ? AND size = ? ORDER BY seq`,
		path, mtime.UnixNano(), size,
	)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var blocks []indexer.CachedBlock
	for rows.Next() {
		var weak uint32
		var strongBytes []byte
		var offset, length int64
		if err := rows.Scan(&weak, &strongBytes, &offset, &length); err != nil {
			return nil, false
		}
		var strong [block.StrongSize]byte
		copy(strong[:], strongBytes)
		blocks = append(blocks, indexer.CachedBlock{Weak: weak, Strong: strong, Offset: offset, Length: length})
	}
	if err := rows.Err(); err != nil || len(blocks) == 0 {
		return nil, false
	}

	s.lru.Add(key, blocks)
	return blocks, true
}

// Store implements indexer.SignatureCache.
func (s *Store) Store(path string, mtime time.Time, size int64, blocks []indexer.CachedBlock) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "sigcache: beginning transaction")
	}

	if _, err := tx.Exec(`DELETE FROM blocks WHERE path = ?`, path); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "sigcache: clearing stale entries")
	}

	stmt, err := tx.Prepare(`INSERT INTO blocks (path, mtime, size, seq, weak, strong, offset, length) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "sigcache: preparing insert")
	}
	defer stmt.Close()

	for i, b := range blocks {
		if _, err := stmt.Exec(path, mtime.UnixNano(), size, i, b.Weak, b.Strong[:], b.Offset, b.Length); err != nil {
			tx.Rollback()
			return errors.Wrap(err, "sigcache: inserting block")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sigcache: committing")
	}

	s.evictLRU(path)
	s.lru.Add(cacheKey(path, mtime, size), blocks)
	return nil
}

// Remove drops every cached entry for path, mirroring index.rs's
// remove_file: once a file is gone, its old blocks must not be resurrected
// by Lookup if a different file is later created at the same path with a
// coincidentally matching (mtime, size).
func (s *Store) Remove(path string) error {
	if _, err := s.db.Exec(`DELETE FROM blocks WHERE path = ?`, path); err != nil {
		return errors.Wrap(err, "sigcache: removing "+path)
	}
	s.evictLRU(path)
	return nil
}

// Move re-keys every cached entry for oldPath to newPath, mirroring
// index.rs's move_file. Any existing entries already at newPath are
// dropped first, the same way move_file deletes the destination row
// before the rename.
func (s *Store) Move(oldPath, newPath string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "sigcache: beginning transaction")
	}
	if _, err := tx.Exec(`DELETE FROM blocks WHERE path = ?`, newPath); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "sigcache: clearing destination "+newPath)
	}
	if _, err := tx.Exec(`UPDATE blocks SET path = ? WHERE path = ?`, newPath, oldPath); err != nil {
		tx.Rollback()
		return errors.Wrap(err, "sigcache: moving "+oldPath+" to "+newPath)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sigcache: committing move")
	}
	s.evictLRU(oldPath)
	s.evictLRU(newPath)
	return nil
}

// Prune removes every cached entry whose path is not in keep, mirroring
// index.rs's remove_missing_files: a stale entry left behind by a file
// that no longer exists must not resurrect its old blocks for a new file
// later created at the same path.
func (s *Store) Prune(keep map[string]bool) error {
	rows, err := s.db.Query(`SELECT DISTINCT path FROM blocks`)
	if err != nil {
		return errors.Wrap(err, "sigcache: listing cached paths")
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return errors.Wrap(err, "sigcache: scanning cached path")
		}
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return errors.Wrap(err, "sigcache: listing cached paths")
	}
	rows.Close()

	for _, path := range stale {
		if err := s.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// evictLRU drops every in-memory entry for path regardless of its
// (mtime, size) suffix, since Remove/Move act on a path as a whole.
func (s *Store) evictLRU(path string) {
	prefix := path + "\x00"
	for _, k := range s.lru.Keys() {
		if ks, ok := k.(string); ok && (ks == path || len(ks) > len(prefix) && ks[:len(prefix)] == prefix) {
			s.lru.Remove(k)
		}
	}
}
