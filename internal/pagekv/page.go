// Package pagekv implements the on-disk page format, B+tree index, and
// memory-mapped storage engine behind the bptkv key/value store.
package pagekv

import (
	"fmt"
	"unsafe"
)

// nativeEndian is the host's byte order. The file format is deliberately
// host-endian (not portable across architectures of differing
// endianness) — every multi-byte field on disk is written and read with
// this order rather than a fixed one.
var nativeEndian = func() byteOrder {
	var x uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&x))
	if b[0] == 1 {
		return littleEndian{}
	}
	return bigEndian{}
}()

// byteOrder is the minimal subset of encoding/binary.ByteOrder this
// package needs for the fixed-width fields in a page.
type byteOrder interface {
	Uint16([]byte) uint16
	PutUint16([]byte, uint16)
	Uint32([]byte) uint32
	PutUint32([]byte, uint32)
	Uint64([]byte) uint64
	PutUint64([]byte, uint64)
}

type littleEndian struct{}

func (littleEndian) Uint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
func (littleEndian) PutUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
func (littleEndian) Uint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func (littleEndian) PutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func (littleEndian) Uint64(b []byte) uint64 {
	return uint64(littleEndian{}.Uint32(b)) | uint64(littleEndian{}.Uint32(b[4:]))<<32
}
func (littleEndian) PutUint64(b []byte, v uint64) {
	littleEndian{}.PutUint32(b, uint32(v))
	littleEndian{}.PutUint32(b[4:], uint32(v>>32))
}

type bigEndian struct{}

func (bigEndian) Uint16(b []byte) uint16 {
	return uint16(b[1]) | uint16(b[0])<<8
}
func (bigEndian) PutUint16(b []byte, v uint16) {
	b[1] = byte(v)
	b[0] = byte(v >> 8)
}
func (bigEndian) Uint32(b []byte) uint32 {
	return uint32(b[3]) | uint32(b[2])<<8 | uint32(b[1])<<16 | uint32(b[0])<<24
}
func (bigEndian) PutUint32(b []byte, v uint32) {
	b[3] = byte(v)
	b[2] = byte(v >> 8)
	b[1] = byte(v >> 16)
	b[0] = byte(v >> 24)
}
func (bigEndian) Uint64(b []byte) uint64 {
	return uint64(bigEndian{}.Uint32(b[4:])) | uint64(bigEndian{}.Uint32(b))<<32
}
func (bigEndian) PutUint64(b []byte, v uint64) {
	bigEndian{}.PutUint32(b[4:], uint32(v))
	bigEndian{}.PutUint32(b, uint32(v>>32))
}

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

// PageID identifies a page by its offset from the start of the file,
// measured in pages (byte offset = id * page size).
type PageID uint64

// InvalidPageID is a page id value that names no page. Nothing in this
// package writes it: an empty tree is marked by root page 0, and an
// unmaterialized child by noNodeID.
const InvalidPageID PageID = 0xFFFFFFFF

// MaxKeySize is the fixed key width. Shorter keys are right-aligned
// (zero-padded on the left) into this width.
const MaxKeySize = 32

// PageHeaderSize is the size, in bytes, of the common header every page
// begins with: {id u64, flags u16, inode_count u32, overflow_count u32}.
const PageHeaderSize = 8 + 2 + 4 + 4 // 18

// PageFlag selects which variant a page's body is.
type PageFlag uint16

const (
	FlagLeaf     PageFlag = 0x01
	FlagBranch   PageFlag = 0x02
	FlagMeta     PageFlag = 0x04
	FlagFreeList PageFlag = 0x10
)

func (f PageFlag) String() string {
	switch f {
	case FlagLeaf:
		return "leaf"
	case FlagBranch:
		return "branch"
	case FlagMeta:
		return "meta"
	case FlagFreeList:
		return "freelist"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(f))
	}
}

// MetaMagic identifies a valid database file.
const MetaMagic uint32 = 0x9B9AB9EE

// MetaVersion is the only on-disk format version this build understands.
const MetaVersion uint32 = 1

// Branch slot layout: {pos u32, ksize u32, page_id u32} = 12 bytes.
const branchSlotSize = 4 + 4 + 4

// Leaf slot layout: {pos u32, ksize u32, vsize u32, page_id u32} = 16 bytes.
const leafSlotSize = 4 + 4 + 4 + 4

// metaBodySize is the size of a Meta page's body, immediately following
// the common header: {magic, version, page_size, root_page} all u32.
const metaBodySize = 4 + 4 + 4 + 4

// ───────────────────────────────────────────────────────────────────────────
// Raw page header access
// ───────────────────────────────────────────────────────────────────────────

// page is a typed window over a single page-sized byte range. It never
// copies: all accessors read directly out of buf.
type page struct {
	buf []byte
}

func wrapPage(buf []byte) page { return page{buf: buf} }

func (p page) ID() PageID {
	return PageID(nativeEndian.Uint64(p.buf[0:8]))
}

func (p page) setID(id PageID) {
	nativeEndian.PutUint64(p.buf[0:8], uint64(id))
}

func (p page) Flags() PageFlag {
	return PageFlag(nativeEndian.Uint16(p.buf[8:10]))
}

func (p page) setFlags(f PageFlag) {
	nativeEndian.PutUint16(p.buf[8:10], uint16(f))
}

func (p page) InodeCount() int {
	return int(nativeEndian.Uint32(p.buf[10:14]))
}

func (p page) setInodeCount(n int) {
	nativeEndian.PutUint32(p.buf[10:14], uint32(n))
}

func (p page) OverflowCount() int {
	return int(nativeEndian.Uint32(p.buf[14:18]))
}

func (p page) setOverflowCount(n int) {
	nativeEndian.PutUint32(p.buf[14:18], uint32(n))
}

// typeOf classifies a page by its flags bitmask.
func (p page) typeOf() PageFlag {
	switch {
	case p.Flags()&FlagMeta != 0:
		return FlagMeta
	case p.Flags()&FlagBranch != 0:
		return FlagBranch
	case p.Flags()&FlagLeaf != 0:
		return FlagLeaf
	case p.Flags()&FlagFreeList != 0:
		return FlagFreeList
	default:
		return 0
	}
}

func initPage(buf []byte, id PageID, flags PageFlag) page {
	p := wrapPage(buf)
	p.setID(id)
	p.setFlags(flags)
	p.setInodeCount(0)
	p.setOverflowCount(0)
	return p
}

// ───────────────────────────────────────────────────────────────────────────
// Meta page
// ───────────────────────────────────────────────────────────────────────────

// metaView is the decoded body of a meta page.
type metaView struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	RootPage uint32
}

// metaOf returns the decoded meta body, or an error if this page is not
// flagged as a meta page. Calling this on a non-meta page is a checked
// failure, not silently undefined behaviour.
func (p page) metaOf() (metaView, error) {
	if p.typeOf() != FlagMeta {
		return metaView{}, &Error{Kind: ErrTypeMismatch, Msg: fmt.Sprintf("page %d: metaOf called on %s page", p.ID(), p.typeOf())}
	}
	if len(p.buf) < PageHeaderSize+metaBodySize {
		return metaView{}, &Error{Kind: ErrFormat, Msg: fmt.Sprintf("page %d: too small for meta body", p.ID())}
	}
	b := p.buf[PageHeaderSize:]
	return metaView{
		Magic:    nativeEndian.Uint32(b[0:4]),
		Version:  nativeEndian.Uint32(b[4:8]),
		PageSize: nativeEndian.Uint32(b[8:12]),
		RootPage: nativeEndian.Uint32(b[12:16]),
	}, nil
}

// writeMeta initializes buf as a meta page with the given body.
func writeMeta(buf []byte, m metaView) {
	p := initPage(buf, 0, FlagMeta)
	b := p.buf[PageHeaderSize:]
	nativeEndian.PutUint32(b[0:4], m.Magic)
	nativeEndian.PutUint32(b[4:8], m.Version)
	nativeEndian.PutUint32(b[8:12], m.PageSize)
	nativeEndian.PutUint32(b[12:16], m.RootPage)
}

// ───────────────────────────────────────────────────────────────────────────
// Branch slots
// ───────────────────────────────────────────────────────────────────────────

// branchSlot is a view of one {pos, ksize, page_id} entry plus the key
// bytes it points at.
type branchSlot struct {
	p   page
	idx int
}

func (p page) branchSlotAt(i int) branchSlot {
	return branchSlot{p: p, idx: i}
}

func (s branchSlot) raw() []byte {
	off := PageHeaderSize + s.idx*branchSlotSize
	return s.p.buf[off : off+branchSlotSize]
}

func (s branchSlot) pos() uint32   { return nativeEndian.Uint32(s.raw()[0:4]) }
func (s branchSlot) ksize() uint32 { return nativeEndian.Uint32(s.raw()[4:8]) }
func (s branchSlot) PageID() PageID {
	return PageID(nativeEndian.Uint32(s.raw()[8:12]))
}

func (s branchSlot) Key() []byte {
	pos, ksize := s.pos(), s.ksize()
	return s.p.buf[pos : pos+ksize]
}

func (s branchSlot) set(pos, ksize uint32, childID PageID) {
	r := s.raw()
	nativeEndian.PutUint32(r[0:4], pos)
	nativeEndian.PutUint32(r[4:8], ksize)
	nativeEndian.PutUint32(r[8:12], uint32(childID))
}

// branchSlots returns a view of all inode_count branch slots in p. p must
// be a branch page; calling this on any other page type is a programmer
// error and panics rather than returning a zero value.
func (p page) branchSlots() []branchSlot {
	if p.typeOf() != FlagBranch {
		panic(fmt.Sprintf("pagekv: branchSlots called on %s page %d", p.typeOf(), p.ID()))
	}
	n := p.InodeCount()
	out := make([]branchSlot, n)
	for i := range out {
		out[i] = p.branchSlotAt(i)
	}
	return out
}

// ───────────────────────────────────────────────────────────────────────────
// Leaf slots
// ───────────────────────────────────────────────────────────────────────────

// leafSlot is a view of one {pos, ksize, vsize, page_id} entry plus the
// key and value bytes it points at. page_id is carried in the wire
// format for slot-layout symmetry with branch slots but unused by a
// leaf; it is always written as zero.
type leafSlot struct {
	p   page
	idx int
}

func (p page) leafSlotAt(i int) leafSlot {
	return leafSlot{p: p, idx: i}
}

func (s leafSlot) raw() []byte {
	off := PageHeaderSize + s.idx*leafSlotSize
	return s.p.buf[off : off+leafSlotSize]
}

func (s leafSlot) pos() uint32   { return nativeEndian.Uint32(s.raw()[0:4]) }
func (s leafSlot) ksize() uint32 { return nativeEndian.Uint32(s.raw()[4:8]) }
func (s leafSlot) vsize() uint32 { return nativeEndian.Uint32(s.raw()[8:12]) }

func (s leafSlot) Key() []byte {
	pos, ksize := s.pos(), s.ksize()
	return s.p.buf[pos : pos+ksize]
}

func (s leafSlot) Value() []byte {
	pos, ksize, vsize := s.pos(), s.ksize(), s.vsize()
	start := pos + ksize
	return s.p.buf[start : start+vsize]
}

func (s leafSlot) set(pos, ksize, vsize uint32) {
	r := s.raw()
	nativeEndian.PutUint32(r[0:4], pos)
	nativeEndian.PutUint32(r[4:8], ksize)
	nativeEndian.PutUint32(r[8:12], vsize)
	nativeEndian.PutUint32(r[12:16], 0)
}

// leafSlots returns a view of all inode_count leaf slots in p. p must be
// a leaf page; see branchSlots for the programmer-error contract.
func (p page) leafSlots() []leafSlot {
	if p.typeOf() != FlagLeaf {
		panic(fmt.Sprintf("pagekv: leafSlots called on %s page %d", p.typeOf(), p.ID()))
	}
	n := p.InodeCount()
	out := make([]leafSlot, n)
	for i := range out {
		out[i] = p.leafSlotAt(i)
	}
	return out
}

// padKey right-aligns src into a MaxKeySize-wide, zero-padded key. It
// panics if src is over the limit — see ErrKeyTooLong in errors.go for
// the recoverable form callers should check first.
func padKey(src []byte) [MaxKeySize]byte {
	var out [MaxKeySize]byte
	copy(out[MaxKeySize-len(src):], src)
	return out
}
