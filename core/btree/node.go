package btree

import (
	"encoding/binary"
	"sort"

	pagemanager "github.com/sushant-115/sukunadb/core/page_manager"
)

// NodeType is the leading byte of every node page. A zeroed page decodes
// as an empty leaf, which is what a freshly initialized root is.
type NodeType byte

const (
	NodeLeaf     NodeType = 0
	NodeInternal NodeType = 1
)

// On-disk node layout. The header is node_type at offset 0 and cells_num
// at offset 4; cells start at the first offset past the header that is
// aligned for the widest cell field (8 bytes).
const (
	offNodeType = 0
	offCellsNum = 4
	headerSize  = 8
	cellsStart  = 8

	// KeySize is the width of the engine key, a little-endian u64.
	KeySize = 8
	// ValueSize is the fixed length of the opaque record stored in leaf
	// cells. The engine never inspects it.
	ValueSize = 288

	leafCellSize     = KeySize + ValueSize
	internalCellSize = 16

	offInternalChild = 0
	offInternalKey   = 8
)

// Key is the engine key domain. All comparisons go through compareKeys
// so the key type could widen to a fixed-length byte sequence without
// touching the tree algorithms.
type Key = uint64

func compareKeys(a, b Key) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// node is a zero-copy view over a page buffer. Mutations through the
// view mutate the page; the pager is responsible for persistence.
type node struct {
	buf []byte
}

func (n node) typ() NodeType     { return NodeType(n.buf[offNodeType]) }
func (n node) setTyp(t NodeType) { n.buf[offNodeType] = byte(t) }

func (n node) cells() int {
	return int(binary.LittleEndian.Uint32(n.buf[offCellsNum:]))
}

func (n node) setCells(c int) {
	binary.LittleEndian.PutUint32(n.buf[offCellsNum:], uint32(c))
}

// --- Leaf cells ---

func leafCellOff(i int) int { return cellsStart + i*leafCellSize }

func (n node) leafKey(i int) Key {
	return binary.LittleEndian.Uint64(n.buf[leafCellOff(i):])
}

func (n node) leafValue(i int) []byte {
	off := leafCellOff(i) + KeySize
	return n.buf[off : off+ValueSize]
}

func (n node) writeLeafCell(i int, key Key, value []byte) {
	off := leafCellOff(i)
	binary.LittleEndian.PutUint64(n.buf[off:], key)
	copy(n.buf[off+KeySize:off+KeySize+ValueSize], value)
}

// insertLeafCell shifts cells [i, cells) one slot right and writes the
// new cell at i.
func (n node) insertLeafCell(i int, key Key, value []byte) {
	c := n.cells()
	copy(n.buf[leafCellOff(i+1):leafCellOff(c+1)], n.buf[leafCellOff(i):leafCellOff(c)])
	n.writeLeafCell(i, key, value)
	n.setCells(c + 1)
}

func (n node) removeLeafCell(i int) {
	c := n.cells()
	copy(n.buf[leafCellOff(i):leafCellOff(c-1)], n.buf[leafCellOff(i+1):leafCellOff(c)])
	n.setCells(c - 1)
}

// leafSearch binary-searches the leaf for key and returns the insertion
// point in [0, cells] and whether the key is present.
func (n node) leafSearch(key Key) (int, bool) {
	c := n.cells()
	pos := sort.Search(c, func(i int) bool {
		return compareKeys(n.leafKey(i), key) >= 0
	})
	return pos, pos < c && compareKeys(n.leafKey(pos), key) == 0
}

// --- Internal cells ---

func internalCellOff(i int) int { return cellsStart + i*internalCellSize }

func (n node) childAt(i int) pagemanager.PageIdx {
	return pagemanager.PageIdx(binary.LittleEndian.Uint32(n.buf[internalCellOff(i)+offInternalChild:]))
}

func (n node) keyAt(i int) Key {
	return binary.LittleEndian.Uint64(n.buf[internalCellOff(i)+offInternalKey:])
}

func (n node) setKeyAt(i int, key Key) {
	binary.LittleEndian.PutUint64(n.buf[internalCellOff(i)+offInternalKey:], key)
}

func (n node) writeInternalCell(i int, child pagemanager.PageIdx, key Key) {
	off := internalCellOff(i)
	binary.LittleEndian.PutUint32(n.buf[off+offInternalChild:], uint32(child))
	binary.LittleEndian.PutUint64(n.buf[off+offInternalKey:], key)
}

func (n node) insertInternalCell(i int, child pagemanager.PageIdx, key Key) {
	c := n.cells()
	copy(n.buf[internalCellOff(i+1):internalCellOff(c+1)], n.buf[internalCellOff(i):internalCellOff(c)])
	n.writeInternalCell(i, child, key)
	n.setCells(c + 1)
}

func (n node) removeInternalCell(i int) {
	c := n.cells()
	copy(n.buf[internalCellOff(i):internalCellOff(c-1)], n.buf[internalCellOff(i+1):internalCellOff(c)])
	n.setCells(c - 1)
}

// keyPos returns the child position to descend into for key: the
// smallest p with key <= keyAt(p), searching only the first cells-1
// keys. The last cell is the sentinel and always matches.
func (n node) keyPos(key Key) int {
	c := n.cells()
	return sort.Search(c-1, func(i int) bool {
		return compareKeys(key, n.keyAt(i)) <= 0
	})
}

// lastKey returns the key of the last cell: the greatest key for a
// leaf, the stored sentinel key for an internal node.
func (n node) lastKey() Key {
	if n.typ() == NodeLeaf {
		return n.leafKey(n.cells() - 1)
	}
	return n.keyAt(n.cells() - 1)
}
