package pagekv

import "fmt"

// PageInfo summarizes one page for diagnostic output. Grounded in the
// teacher's InspectPage/PageInfo (internal/storage/pager/inspect.go),
// trimmed to the fields this format actually has (no LSN, no CRC, no
// free list entries).
type PageInfo struct {
	ID            PageID
	Type          PageFlag
	InodeCount    int
	OverflowCount int
	MinKey        []byte // leaf/branch only
	MaxKey        []byte // leaf/branch only
}

// Inspect walks every page reachable from the current root (post-order
// is not required here; this is read-only diagnostics, not a commit)
// and reports one PageInfo per page visited, plus any invariant
// violation found along the way.
func (db *DB) Inspect() ([]PageInfo, []string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, err := db.metaView()
	if err != nil {
		return nil, nil, err
	}

	var infos []PageInfo
	var problems []string
	if m.RootPage == 0 {
		return infos, problems, nil
	}

	seen := make(map[PageID]bool)
	var walk func(id PageID, lo, hi []byte)
	walk = func(id PageID, lo, hi []byte) {
		if seen[id] {
			problems = append(problems, fmt.Sprintf("page %d visited more than once (cycle?)", id))
			return
		}
		seen[id] = true

		p := db.page(id)
		info := PageInfo{ID: id, Type: p.typeOf(), InodeCount: p.InodeCount(), OverflowCount: p.OverflowCount()}

		switch p.typeOf() {
		case FlagLeaf:
			slots := p.leafSlots()
			checkAscending(id, keysOfLeaf(slots), &problems)
			if len(slots) > 0 {
				info.MinKey = slots[0].Key()
				info.MaxKey = slots[len(slots)-1].Key()
				checkBounds(id, info.MinKey, info.MaxKey, lo, hi, &problems)
			}
			infos = append(infos, info)
		case FlagBranch:
			slots := p.branchSlots()
			checkAscending(id, keysOfBranch(slots), &problems)
			if len(slots) > 0 {
				info.MinKey = slots[0].Key()
				info.MaxKey = slots[len(slots)-1].Key()
			}
			infos = append(infos, info)
			for i, s := range slots {
				childLo := lo
				if i > 0 {
					childLo = slots[i].Key()
				}
				var childHi []byte
				if i+1 < len(slots) {
					childHi = slots[i+1].Key()
				} else {
					childHi = hi
				}
				walk(s.PageID(), childLo, childHi)
			}
		default:
			problems = append(problems, fmt.Sprintf("page %d: unexpected type %s reachable from tree", id, p.typeOf()))
			infos = append(infos, info)
		}
	}
	walk(PageID(m.RootPage), nil, nil)
	return infos, problems, nil
}

func keysOfLeaf(slots []leafSlot) [][]byte {
	out := make([][]byte, len(slots))
	for i, s := range slots {
		out[i] = s.Key()
	}
	return out
}

func keysOfBranch(slots []branchSlot) [][]byte {
	out := make([][]byte, len(slots))
	for i, s := range slots {
		out[i] = s.Key()
	}
	return out
}

func checkAscending(id PageID, keys [][]byte, problems *[]string) {
	for i := 1; i < len(keys); i++ {
		if !lessBytes(keys[i-1], keys[i]) {
			*problems = append(*problems, fmt.Sprintf("page %d: keys not strictly ascending at slot %d", id, i))
		}
	}
}

func checkBounds(id PageID, minKey, maxKey, lo, hi []byte, problems *[]string) {
	if lo != nil && lessBytes(minKey, lo) {
		*problems = append(*problems, fmt.Sprintf("page %d: min key below parent's lower bound", id))
	}
	if hi != nil && !lessBytes(maxKey, hi) {
		*problems = append(*problems, fmt.Sprintf("page %d: max key not below parent's upper bound", id))
	}
}

func lessBytes(a, b []byte) bool {
	return string(a) < string(b)
}
