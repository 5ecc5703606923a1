package pagekv

// ───────────────────────────────────────────────────────────────────────────
// Allocator and commit serializer
// ───────────────────────────────────────────────────────────────────────────
//
// Adapted from a free-list/allocator split (freelist.go, overflow.go)
// down to this format's simpler rule: no free-list reuse across commits,
// a single bump cursor over a fixed, preallocated page range (see
// file.go's ReservePages). Post-order traversal mirrors a split-then-
// write-parent commit shape.

// allocator hands out consecutive fresh page ids for one commit. It
// never revisits an id handed out by an earlier commit — that id may
// still be reachable from the previous root until this commit's meta
// write supersedes it.
type allocator struct {
	next PageID
	cap  PageID
}

func newAllocator(db *DB) *allocator {
	return &allocator{next: db.nextPageID, cap: db.capacityPages()}
}

// allocate reserves nPages consecutive ids, returning the first.
func (a *allocator) allocate(nPages int) (PageID, error) {
	if nPages < 1 {
		nPages = 1
	}
	if a.next+PageID(nPages) > a.cap {
		return 0, wrapErr(ErrAllocatorExhausted, "commit needs more pages than the file has reserved", nil)
	}
	id := a.next
	a.next += PageID(nPages)
	return id, nil
}

func slotSize(isLeaf bool) int {
	if isLeaf {
		return leafSlotSize
	}
	return branchSlotSize
}

// nodeByteSize computes how many bytes n needs once serialized: header,
// slot array, and packed key/value payloads.
func nodeByteSize(n *node) int {
	size := PageHeaderSize + len(n.inodes)*slotSize(n.isLeaf)
	for _, in := range n.inodes {
		size += len(in.key.bytes)
		if n.isLeaf {
			size += len(in.value.bytes)
		}
	}
	return size
}

// serializeNode assigns pages to id and everything beneath it that was
// touched this transaction, post-order (children before parents, since
// a branch's slots record its children's page ids). Untouched nodes
// keep the page they were materialized from and are not rewritten.
func (tx *Tx) serializeNode(id nodeID) (PageID, error) {
	n := tx.cache.node(id)
	if !n.dirty && n.hasSourcePage {
		return n.sourcePageID, nil
	}

	childPageIDs := make([]PageID, len(n.inodes))
	if !n.isLeaf {
		for i, in := range n.inodes {
			if !in.hasChild {
				continue
			}
			// A child never materialized this transaction was never
			// touched, so its page id (and everything beneath it) is
			// exactly what's already on disk — nothing to recurse into.
			if in.childID == noNodeID {
				childPageIDs[i] = in.childPage
				continue
			}
			pid, err := tx.serializeNode(in.childID)
			if err != nil {
				return 0, err
			}
			childPageIDs[i] = pid
		}
	}

	byteSize := nodeByteSize(n)
	pagesNeeded := (byteSize + int(tx.db.pageSize) - 1) / int(tx.db.pageSize)
	if pagesNeeded < 1 {
		pagesNeeded = 1
	}

	pageID, err := tx.alloc.allocate(pagesNeeded)
	if err != nil {
		return 0, err
	}

	off := uint64(pageID) * uint64(tx.db.pageSize)
	end := off + uint64(pagesNeeded)*uint64(tx.db.pageSize)
	buf := tx.db.data[off:end]

	flag := FlagBranch
	if n.isLeaf {
		flag = FlagLeaf
	}
	p := initPage(buf, pageID, flag)
	p.setOverflowCount(pagesNeeded - 1)
	p.setInodeCount(len(n.inodes))

	pos := uint32(PageHeaderSize + len(n.inodes)*slotSize(n.isLeaf))
	if n.isLeaf {
		for i, in := range n.inodes {
			k, v := in.key.bytes, in.value.bytes
			copy(buf[pos:], k)
			copy(buf[pos+uint32(len(k)):], v)
			p.leafSlotAt(i).set(pos, uint32(len(k)), uint32(len(v)))
			pos += uint32(len(k) + len(v))
		}
	} else {
		for i, in := range n.inodes {
			k := in.key.bytes
			copy(buf[pos:], k)
			p.branchSlotAt(i).set(pos, uint32(len(k)), childPageIDs[i])
			pos += uint32(len(k))
		}
	}

	n.sourcePageID = pageID
	n.hasSourcePage = true
	n.dirty = false
	return pageID, nil
}

// commit serializes the touched subtree, fsyncs it, then overwrites the
// meta page in place as the final write — the durability boundary a
// reader's "page 0 is always meta" assumption and this writer's
// "meta last" ordering both need to hold at once.
func (tx *Tx) commit() error {
	if tx.cache.rootID == noNodeID {
		// No puts happened; nothing to flush, nothing to swing.
		return nil
	}

	rootPageID, err := tx.serializeNode(tx.cache.rootID)
	if err != nil {
		return err
	}

	if err := tx.db.data.Flush(); err != nil {
		return wrapErr(ErrIO, "flush tree pages", err)
	}

	writeMeta(tx.db.data[:tx.db.pageSize], metaView{
		Magic:    MetaMagic,
		Version:  MetaVersion,
		PageSize: tx.db.pageSize,
		RootPage: uint32(rootPageID),
	})
	if err := tx.db.data.Flush(); err != nil {
		return wrapErr(ErrIO, "flush meta page", err)
	}

	tx.db.nextPageID = tx.alloc.next
	return nil
}
