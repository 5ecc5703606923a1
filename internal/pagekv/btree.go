package pagekv

import "bytes"

// defaultOrder is the fan-out bound used when a DB doesn't otherwise
// specify one: every non-root node holds at most this many inodes
// before it must split. Matches the value exercised throughout the
// scenarios this engine is tested against.
const defaultOrder = 4

// ───────────────────────────────────────────────────────────────────────────
// Read-only search: descends the mapping directly, no node cache
// ───────────────────────────────────────────────────────────────────────────

// searchPage walks from root straight through mapped pages to find key,
// without materializing anything into a node cache. This is the path
// DB.Get takes.
func (db *DB) searchPage(key [MaxKeySize]byte) ([]byte, bool) {
	m, err := db.metaView()
	if err != nil || m.RootPage == 0 {
		return nil, false
	}

	id := PageID(m.RootPage)
	for {
		p := db.page(id)
		switch p.typeOf() {
		case FlagLeaf:
			slots := p.leafSlots()
			i, found := leafSearch(slots, key[:])
			if !found {
				return nil, false
			}
			v := slots[i].Value()
			out := make([]byte, len(v))
			copy(out, v)
			return out, true
		case FlagBranch:
			slots := p.branchSlots()
			id = slots[branchDescend(slots, key[:])].PageID()
		default:
			return nil, false
		}
	}
}

// branchDescend returns the index of the child to follow: the slot
// immediately before the first slot whose key is strictly greater than
// target, or the last slot if none exceeds it. Equality with a slot key
// follows that slot, not the one before it.
func branchDescend(slots []branchSlot, target []byte) int {
	for i, s := range slots {
		if bytes.Compare(target, s.Key()) < 0 {
			if i == 0 {
				return 0
			}
			return i - 1
		}
	}
	return len(slots) - 1
}

// leafSearch binary-searches slots (already in strictly increasing key
// order) for target, returning its index and true if present.
func leafSearch(slots []leafSlot, target []byte) (int, bool) {
	lo, hi := 0, len(slots)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(slots[mid].Key(), target)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// leafInsertPos finds where target belongs among a node's leaf inodes,
// returning the index and whether an exact match already occupies it.
func leafInsertPos(inodes []inode, target []byte) (int, bool) {
	lo, hi := 0, len(inodes)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(inodes[mid].key.bytes, target)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// ───────────────────────────────────────────────────────────────────────────
// Shadow-tree search and insert, used by Tx.Put
// ───────────────────────────────────────────────────────────────────────────

// findLeaf descends the shadow tree from root to the leaf that owns (or
// would own) target, materializing branch and leaf nodes as it goes.
func (c *cache) findLeaf(target []byte) nodeID {
	id := c.rootID
	for {
		n := c.node(id)
		if n.isLeaf {
			return id
		}
		childIdx := branchDescendInodes(n.inodes, target)
		id = c.childNode(n, childIdx)
	}
}

func branchDescendInodes(inodes []inode, target []byte) int {
	for i, in := range inodes {
		if bytes.Compare(target, in.key.bytes) < 0 {
			if i == 0 {
				return 0
			}
			return i - 1
		}
	}
	return len(inodes) - 1
}

// put performs the 32-byte-key insert/update/split algorithm against
// the shadow tree rooted at c.rootID.
func (c *cache) put(key [MaxKeySize]byte, value []byte, order int) {
	newInode := inode{key: ownedSource(append([]byte(nil), key[:]...)), value: ownedSource(value)}

	if c.rootID == noNodeID {
		root := &node{isLeaf: true, parentID: noNodeID, dirty: true, inodes: []inode{newInode}}
		root.id = nodeID(len(c.nodes))
		c.nodes = append(c.nodes, root)
		c.rootID = root.id
		return
	}

	leafID := c.findLeaf(key[:])
	leaf := c.node(leafID)

	pos, exact := leafInsertPos(leaf.inodes, key[:])
	if exact {
		leaf.inodes[pos] = newInode
		leaf.dirty = true
		c.markDirtyToRoot(leaf.parentID)
		return
	}
	leaf.inodes = append(leaf.inodes, inode{})
	copy(leaf.inodes[pos+1:], leaf.inodes[pos:])
	leaf.inodes[pos] = newInode
	leaf.dirty = true

	if pos == 0 {
		// A new minimum for this leaf is also the new minimum of every
		// ancestor it hangs off slot 0 of: keep each such slot key equal
		// to its child's minimum key.
		for child := leaf; child.parentID != noNodeID; {
			parent := c.node(child.parentID)
			if parent.inodes[0].childID != child.id {
				break
			}
			parent.inodes[0].key = newInode.key
			child = parent
		}
	}

	if len(leaf.inodes) >= order {
		c.splitUp(leafID, order)
	} else {
		c.markDirtyToRoot(leaf.parentID)
	}
}

// splitUp splits the overfull node id and, if its parent becomes
// overfull as a result, continues splitting up the tree. A split at the
// root allocates a fresh root one level taller.
func (c *cache) splitUp(id nodeID, order int) {
	n := c.node(id)
	n.dirty = true
	mid := order / 2

	rightInodes := append([]inode(nil), n.inodes[mid:]...)
	n.inodes = n.inodes[:mid:mid]

	right := &node{isLeaf: n.isLeaf, parentID: n.parentID, dirty: true, inodes: rightInodes}
	rightID := nodeID(len(c.nodes))
	right.id = rightID
	c.nodes = append(c.nodes, right)
	if !right.isLeaf {
		for _, in := range right.inodes {
			// Children never descended into this transaction are still
			// unmaterialized (childID == noNodeID): they'll pick up the
			// right parentID lazily, from childNode, the first time
			// something actually touches them.
			if in.hasChild && in.childID != noNodeID {
				c.node(in.childID).parentID = rightID
			}
		}
	}

	// The promoted separator is R's own minimum key. Both leaves and
	// branches keep it in R's own slot array: the wire format pairs
	// every slot with a child/value 1:1 (see page.go's branchSlot),
	// so a branch can't drop its first slot without orphaning the
	// child it points at. The parent simply gains a redundant copy of
	// the same key.
	promotedKey := rightInodes[0].key

	if n.parentID == noNodeID {
		newRoot := &node{
			isLeaf:   false,
			parentID: noNodeID,
			dirty:    true,
			inodes: []inode{
				{key: n.inodes[0].key, value: noSource(), hasChild: true, childID: id},
				{key: promotedKey, value: noSource(), hasChild: true, childID: rightID},
			},
		}
		newRootID := nodeID(len(c.nodes))
		newRoot.id = newRootID
		c.nodes = append(c.nodes, newRoot)
		n.parentID = newRootID
		right.parentID = newRootID
		c.rootID = newRootID
		return
	}

	parent := c.node(n.parentID)
	parent.dirty = true
	right.parentID = n.parentID

	childIdx := -1
	for i, in := range parent.inodes {
		if in.hasChild && in.childID == id {
			childIdx = i
			break
		}
	}
	newEntry := inode{key: promotedKey, value: noSource(), hasChild: true, childID: rightID}
	parent.inodes = append(parent.inodes, inode{})
	copy(parent.inodes[childIdx+2:], parent.inodes[childIdx+1:])
	parent.inodes[childIdx+1] = newEntry

	if len(parent.inodes) >= order {
		c.splitUp(n.parentID, order)
	} else {
		// parent isn't overflowing, but its slot for id now points at a
		// page that will move at commit (id is dirty) and it has gained
		// a slot for right — parent itself, and everything above it,
		// still needs rewriting even though nothing above splits.
		c.markDirtyToRoot(parent.parentID)
	}
}
