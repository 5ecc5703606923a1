// Package bptkv is an embedded, single-file, persistent key-value store
// built on a B+tree laid out across fixed-size, memory-mapped pages.
package bptkv

import "bptkv/internal/pagekv"

// Options configures a newly created database file. The zero value
// selects sensible defaults (the OS page size, 1024 reserved pages).
type Options = pagekv.Options

// DB is an open handle to one database file.
type DB struct {
	inner *pagekv.DB
}

// Tx is a single read-write transaction passed to the closure given to
// Update.
type Tx = pagekv.Tx

// Open opens path, creating it if it does not already exist.
func Open(path string, opts Options) (*DB, error) {
	inner, err := pagekv.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &DB{inner: inner}, nil
}

// Close unmaps the file and releases its descriptor.
func (db *DB) Close() error {
	return db.inner.Close()
}

// Get looks up key, returning (value, true) if present or (nil, false)
// if absent. Absence is not an error.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	return db.inner.Get(key)
}

// Update runs fn inside a read-write transaction and commits its
// effects. An error from fn, or from commit itself, leaves the file
// exactly as it was before Update was called.
func (db *DB) Update(fn func(tx *Tx) error) error {
	return db.inner.Update(fn)
}

// Inspect walks every page reachable from the current root, returning a
// summary of each and any invariant violation found along the way.
func (db *DB) Inspect() ([]pagekv.PageInfo, []string, error) {
	return db.inner.Inspect()
}
