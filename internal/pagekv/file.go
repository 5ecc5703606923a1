package pagekv

import (
	"errors"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// defaultReservePages is how many pages a brand-new database file is
// preallocated to hold. The allocator never grows the file past this
// point (see serialize.go) — the reservation is what lets Open map the
// file exactly once and hand out byte slices that stay valid for as
// long as the DB is open, per the no-remap-while-borrowed rule.
const defaultReservePages = 1024

// Options configures Open. Zero values select the defaults.
type Options struct {
	// PageSize overrides the page size used when creating a new file.
	// Ignored when opening an existing file (page size is read from its
	// meta page). Defaults to os.Getpagesize().
	PageSize int
	// ReservePages overrides how many pages a newly created file is
	// preallocated to. Ignored when opening an existing file.
	ReservePages int
}

// DB is an open handle to one database file. Only one read-write
// transaction may run against a DB at a time; mu enforces that.
type DB struct {
	mu sync.Mutex

	path     string
	file     *os.File
	data     mmap.MMap
	pageSize uint32

	// nextPageID is the allocator's bump cursor, reconstructed at Open
	// time by walking the reachable tree. It never decreases and is
	// never persisted — see serialize.go.
	nextPageID PageID
}

// Open opens path, creating it (preallocated per opts) if it does not
// exist, or validates and maps it if it does.
func Open(path string, opts Options) (*DB, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return create(path, opts)
	}
	if err != nil {
		return nil, wrapErr(ErrOpenFailed, "open "+path, err)
	}
	return openExisting(f)
}

func create(path string, opts Options) (*DB, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = os.Getpagesize()
	}
	reserve := opts.ReservePages
	if reserve == 0 {
		reserve = defaultReservePages
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, wrapErr(ErrOpenFailed, "create "+path, err)
	}
	if err := f.Truncate(int64(pageSize) * int64(reserve)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, wrapErr(ErrOpenFailed, "reserve pages", err)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, wrapErr(ErrOpenFailed, "mmap", err)
	}

	writeMeta(data[:pageSize], metaView{
		Magic:    MetaMagic,
		Version:  MetaVersion,
		PageSize: uint32(pageSize),
		RootPage: 0, // sentinel: empty tree, no root page allocated yet
	})
	if err := data.Flush(); err != nil {
		data.Unmap()
		f.Close()
		return nil, wrapErr(ErrIO, "flush initial meta", err)
	}

	db := &DB{path: path, file: f, data: data, pageSize: uint32(pageSize), nextPageID: 1}
	return db, nil
}

func openExisting(f *os.File) (*DB, error) {
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr(ErrOpenFailed, "stat", err)
	}
	if fi.Size() < int64(PageHeaderSize+metaBodySize) {
		f.Close()
		return nil, wrapErr(ErrOpenFailed, "file shorter than a meta page", nil)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, wrapErr(ErrOpenFailed, "mmap", err)
	}

	head := wrapPage(data[:PageHeaderSize+metaBodySize])
	m, err := head.metaOf()
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}
	if m.Magic != MetaMagic {
		data.Unmap()
		f.Close()
		return nil, wrapErr(ErrFormat, "bad magic", nil)
	}
	if m.Version != MetaVersion {
		data.Unmap()
		f.Close()
		return nil, wrapErr(ErrFormat, "unsupported version", nil)
	}
	if m.PageSize == 0 {
		data.Unmap()
		f.Close()
		return nil, wrapErr(ErrFormat, "impossible page size", nil)
	}
	if int64(m.PageSize) > fi.Size() {
		data.Unmap()
		f.Close()
		return nil, wrapErr(ErrOpenFailed, "file shorter than one page", nil)
	}

	db := &DB{path: f.Name(), file: f, data: data, pageSize: m.PageSize}
	db.scanHighWaterMark(m)
	return db, nil
}

// Close unmaps the file and releases its descriptor.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.data.Unmap(); err != nil {
		db.file.Close()
		return wrapErr(ErrIO, "unmap", err)
	}
	if err := db.file.Close(); err != nil {
		return wrapErr(ErrIO, "close", err)
	}
	return nil
}

// metaView decodes the current contents of page 0. Unlike every other
// page, meta is re-read fresh each time since commit rewrites it in
// place.
func (db *DB) metaView() (metaView, error) {
	return wrapPage(db.data[:PageHeaderSize+metaBodySize]).metaOf()
}

// page returns a typed window over the page at id. Pages carrying
// overflow (leaf pages whose value spills past one page) get a window
// wide enough to cover their full overflow run; header fields for every
// page type live in the first pageSize bytes regardless.
func (db *DB) page(id PageID) page {
	off := uint64(id) * uint64(db.pageSize)
	base := wrapPage(db.data[off : off+uint64(db.pageSize)])
	ovf := base.OverflowCount()
	if ovf == 0 {
		return base
	}
	end := off + uint64(ovf+1)*uint64(db.pageSize)
	return wrapPage(db.data[off:end])
}

// capacityPages is the number of page-sized slots the mapping covers,
// the fixed ceiling the allocator can never grow past.
func (db *DB) capacityPages() PageID {
	return PageID(len(db.data) / int(db.pageSize))
}

// scanHighWaterMark reconstructs the allocator's bump cursor by walking
// every page reachable from the current root. There is no persisted
// high-water mark in the wire format (meta carries only magic, version,
// page size, and root page), so a freshly opened DB derives it once,
// the same way it would derive used-block accounting for a serializer
// that keeps no separate free list.
func (db *DB) scanHighWaterMark(m metaView) {
	if m.RootPage == 0 {
		db.nextPageID = 1
		return
	}
	var max PageID
	visited := make(map[PageID]bool)
	var walk func(id PageID)
	walk = func(id PageID) {
		if visited[id] {
			return
		}
		visited[id] = true
		p := db.page(id)
		end := id + PageID(p.OverflowCount())
		if end > max {
			max = end
		}
		if p.typeOf() == FlagBranch {
			for _, s := range p.branchSlots() {
				walk(s.PageID())
			}
		}
	}
	walk(PageID(m.RootPage))
	db.nextPageID = max + 1
}
