package pagekv

// ───────────────────────────────────────────────────────────────────────────
// Shadow tree — the transaction-local mutable copy of touched nodes
// ───────────────────────────────────────────────────────────────────────────
//
// Grounded in an INodes enum (Mmaped{key, value} | Runtime{key, value})
// and in the parent-by-index shape of a toy boltdb clone's node/inode
// type: parents are held by index into a flat table, not by pointer, to
// sidestep the cyclic-ownership problem a child->parent pointer creates
// when the parent itself may later move (re-split).

// sourceKind tags which of the two backing stores a key or value lives
// in: a borrowed slice into the memory-mapped file, a freshly owned
// byte slice (written this transaction), or nothing at all (branch
// inodes carry no value).
type sourceKind uint8

const (
	sourceNone sourceKind = iota
	sourceMapped
	sourceOwned
)

// source is a tagged {Mapped | Owned | None} variant. bytes is the
// single uniform accessor field; callers never need to know which
// variant they hold.
type source struct {
	kind  sourceKind
	bytes []byte
}

func mappedSource(b []byte) source { return source{kind: sourceMapped, bytes: b} }
func ownedSource(b []byte) source  { return source{kind: sourceOwned, bytes: b} }
func noSource() source             { return source{kind: sourceNone} }

func (s source) isNone() bool { return s.kind == sourceNone }

// inode is one entry of a node: a key plus, for a leaf, a value; for a
// branch, the child page this key's subtree hangs off of.
type inode struct {
	key   source
	value source // sourceNone for branch inodes

	hasChild bool

	// A branch inode's child starts out unmaterialized: childPage names
	// the page to read it from, and childID is noNodeID until something
	// actually needs to descend into it (cache.childNode materializes
	// on first touch). A newly created inode (split, root promotion)
	// already has its child materialized, so childID is valid from the
	// start and childPage is unused.
	childID   nodeID
	childPage PageID
}

// nodeID is a dense index into a transaction's node table. Node ids are
// never persisted — only page ids are.
type nodeID int

const noNodeID nodeID = -1

// node is the in-memory, mutable representation of one tree page.
type node struct {
	id       nodeID
	isLeaf   bool
	parentID nodeID // noNodeID if this is the current root

	// sourcePageID is the page this node was materialized from. A node
	// created fresh during a split or root promotion (not yet backed by
	// any on-disk page) has hasSourcePage == false; the serializer
	// assigns it a page id at commit time.
	sourcePageID  PageID
	hasSourcePage bool

	// dirty marks a node the serializer must rewrite to a fresh page.
	// A node that was only read (materialized to descend through, never
	// mutated) keeps its existing sourcePageID and is never rewritten —
	// the commit traversal only touches the path actually modified.
	dirty bool

	inodes []inode
}

func (n *node) minKey() []byte {
	if len(n.inodes) == 0 {
		return nil
	}
	return n.inodes[0].key.bytes
}

// cache is the transaction-local shadow tree: the set of nodes
// materialized so far, keyed by the page they came from so that a given
// page is only ever read into memory once per transaction.
type cache struct {
	db     *DB
	nodes  []*node
	byPage map[PageID]nodeID
	rootID nodeID // current root's node id in this cache; noNodeID if the tree is empty
}

// newCache builds the shadow tree's starting point. rootPageID is the
// root page id named by the current meta page; the sentinel value 0
// means the tree is empty (no page allocated for it yet) — see file.go
// and the zero-value meaning of meta's root_page.
func newCache(db *DB, rootPageID PageID) *cache {
	c := &cache{db: db, byPage: make(map[PageID]nodeID), rootID: noNodeID}
	if rootPageID == 0 {
		return c
	}
	c.rootID = c.materialize(rootPageID)
	c.node(c.rootID).parentID = noNodeID
	return c
}

func (c *cache) node(id nodeID) *node { return c.nodes[id] }

// materialize reads pageID into a node if it has not already been
// brought into this transaction, returning its node id either way. A
// branch page's children are NOT materialized here — only this one
// page is read; each child is brought in lazily, on first descent,
// by childNode. Materialized inodes reference bytes in the mapping
// (sourceMapped) — no copy is made; mutations later replace individual
// key/value sources with sourceOwned without disturbing neighboring
// inodes.
func (c *cache) materialize(pageID PageID) nodeID {
	if id, ok := c.byPage[pageID]; ok {
		return id
	}

	p := c.db.page(pageID)
	n := &node{
		parentID:      noNodeID,
		sourcePageID:  pageID,
		hasSourcePage: true,
	}

	switch p.typeOf() {
	case FlagLeaf:
		n.isLeaf = true
		slots := p.leafSlots()
		n.inodes = make([]inode, len(slots))
		for i, s := range slots {
			n.inodes[i] = inode{key: mappedSource(s.Key()), value: mappedSource(s.Value())}
		}
	case FlagBranch:
		n.isLeaf = false
		slots := p.branchSlots()
		n.inodes = make([]inode, len(slots))
		for i, s := range slots {
			n.inodes[i] = inode{key: mappedSource(s.Key()), value: noSource(), hasChild: true, childID: noNodeID, childPage: s.PageID()}
		}
	default:
		panic("pagekv: materialize called on non-tree page")
	}

	id := nodeID(len(c.nodes))
	n.id = id
	c.nodes = append(c.nodes, n)
	c.byPage[pageID] = id
	return id
}

// childNode returns the node id of n's idx'th child, materializing it
// from childPage on first touch. n must be a branch node.
func (c *cache) childNode(n *node, idx int) nodeID {
	in := &n.inodes[idx]
	if in.childID == noNodeID {
		in.childID = c.materialize(in.childPage)
		c.node(in.childID).parentID = n.id
	}
	return in.childID
}

// markDirtyToRoot flags id and every ancestor up to the root as dirty.
// Any node whose child changes page id at commit must itself be
// rewritten to record the new id, so a mutation propagates dirty marks
// all the way up regardless of whether a split occurs at any given
// level. Stops as soon as it reaches a node already marked dirty: that
// node's own ancestors were already walked by an earlier call this
// transaction.
func (c *cache) markDirtyToRoot(id nodeID) {
	for id != noNodeID {
		n := c.node(id)
		if n.dirty {
			return
		}
		n.dirty = true
		id = n.parentID
	}
}
