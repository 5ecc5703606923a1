package pagekv

// ───────────────────────────────────────────────────────────────────────────
// Transaction façade
// ───────────────────────────────────────────────────────────────────────────
//
// One read-write transaction runs at a time, enforced by DB.mu.
// Read-only lookups bypass the node cache entirely and search the
// mapping directly (searchPage in btree.go).

// Tx is a single read-write transaction's view of the tree. Every Get
// and Put within one Tx goes through the shadow tree, so a Put is
// visible to a later Get in the *same* Tx even before commit.
type Tx struct {
	db    *DB
	cache *cache
	alloc *allocator
	order int
}

func (db *DB) begin() (*Tx, error) {
	m, err := db.metaView()
	if err != nil {
		return nil, err
	}
	return &Tx{
		db:    db,
		cache: newCache(db, PageID(m.RootPage)),
		alloc: newAllocator(db),
		order: defaultOrder,
	}, nil
}

// Put inserts or overwrites key with value. key longer than MaxKeySize
// is rejected; shorter keys are right-aligned and zero-padded.
func (tx *Tx) Put(key, value []byte) error {
	if len(key) > MaxKeySize {
		return wrapErr(ErrKeyTooLong, "key exceeds the 32-byte maximum", nil)
	}
	k := padKey(key)
	tx.cache.put(k, value, tx.order)
	return nil
}

// Get looks up key within this transaction's shadow tree, seeing any
// prior Put in the same transaction even though nothing has committed.
func (tx *Tx) Get(key []byte) ([]byte, bool, error) {
	if len(key) > MaxKeySize {
		return nil, false, wrapErr(ErrKeyTooLong, "key exceeds the 32-byte maximum", nil)
	}
	if tx.cache.rootID == noNodeID {
		return nil, false, nil
	}
	k := padKey(key)
	leafID := tx.cache.findLeaf(k[:])
	leaf := tx.cache.node(leafID)
	pos, exact := leafInsertPos(leaf.inodes, k[:])
	if !exact {
		return nil, false, nil
	}
	v := leaf.inodes[pos].value.bytes
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Get is the read-only path: it consults the mapping directly through
// searchPage, without allocating a node cache.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if len(key) > MaxKeySize {
		return nil, false, wrapErr(ErrKeyTooLong, "key exceeds the 32-byte maximum", nil)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.searchPage(padKey(key))
	return v, ok, nil
}

// Update runs fn against a fresh read-write transaction and commits the
// result. If fn returns an error, or commit itself fails (allocator
// exhaustion, I/O failure), the file is left exactly as it was: commit
// is all-or-nothing from the caller's perspective.
func (db *DB) Update(fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}
