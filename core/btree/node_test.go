package btree

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNodeHeaderWireFormat locks down the on-disk header layout: the
// node type byte at offset 0 and the little-endian cell count at
// offset 4.
func TestNodeHeaderWireFormat(t *testing.T) {
	buf := make([]byte, 4096)
	n := node{buf: buf}
	n.setTyp(NodeInternal)
	n.setCells(5)

	require.Equal(t, byte(1), buf[0])
	require.Equal(t, uint32(5), binary.LittleEndian.Uint32(buf[4:8]))

	n.setTyp(NodeLeaf)
	require.Equal(t, byte(0), buf[0])
}

// TestZeroPageIsEmptyLeaf confirms that a zero-filled page decodes as
// an empty leaf, which is what a freshly initialized root must be.
func TestZeroPageIsEmptyLeaf(t *testing.T) {
	n := node{buf: make([]byte, 4096)}
	require.Equal(t, NodeLeaf, n.typ())
	require.Equal(t, 0, n.cells())
}

// TestLeafCellWireFormat pins the first leaf cell to offset 8: the key
// as a little-endian u64 followed by the fixed-size value.
func TestLeafCellWireFormat(t *testing.T) {
	buf := make([]byte, 4096)
	n := node{buf: buf}
	n.setTyp(NodeLeaf)

	value := make([]byte, ValueSize)
	for i := range value {
		value[i] = byte(i)
	}
	n.insertLeafCell(0, 0xDEADBEEF, value)

	require.Equal(t, uint64(0xDEADBEEF), binary.LittleEndian.Uint64(buf[8:16]))
	require.Equal(t, value, buf[16:16+ValueSize])
	require.Equal(t, 1, n.cells())
}

// TestInternalCellWireFormat pins the internal cell layout: child index
// at the cell start, key 8 bytes in.
func TestInternalCellWireFormat(t *testing.T) {
	buf := make([]byte, 4096)
	n := node{buf: buf}
	n.setTyp(NodeInternal)
	n.insertInternalCell(0, 7, 99)

	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(buf[8:12]))
	require.Equal(t, uint64(99), binary.LittleEndian.Uint64(buf[16:24]))
}

// TestDefaultCapacityDerivation checks the capacity constants derived
// from a 4096-byte page.
func TestDefaultCapacityDerivation(t *testing.T) {
	caps, err := DefaultCapacity(4096)
	require.NoError(t, err)
	require.Equal(t, (4096-8)/(KeySize+ValueSize), caps.LeafMax)
	require.Equal(t, caps.LeafMax/2, caps.LeafMin)
	require.Equal(t, (4096-8)/16, caps.InternalMax)
	require.Equal(t, caps.InternalMax/2, caps.InternalMin)
}

// TestDefaultCapacityRejectsTinyPages: a page too small for the
// rebalancing preconditions is a configuration error.
func TestDefaultCapacityRejectsTinyPages(t *testing.T) {
	_, err := DefaultCapacity(1024)
	require.ErrorIs(t, err, ErrBadCapacity)
}

// TestLeafSearchInsertionPoint exercises the binary search over leaf
// cells.
func TestLeafSearchInsertionPoint(t *testing.T) {
	n := node{buf: make([]byte, 4096)}
	n.setTyp(NodeLeaf)
	value := make([]byte, ValueSize)
	for i, k := range []Key{10, 20, 30} {
		n.insertLeafCell(i, k, value)
	}

	pos, found := n.leafSearch(20)
	require.True(t, found)
	require.Equal(t, 1, pos)

	pos, found = n.leafSearch(25)
	require.False(t, found)
	require.Equal(t, 2, pos)

	pos, found = n.leafSearch(5)
	require.False(t, found)
	require.Equal(t, 0, pos)

	pos, found = n.leafSearch(35)
	require.False(t, found)
	require.Equal(t, 3, pos)
}

// TestKeyPosSkipsSentinel: the child search never inspects the last
// cell's key; anything beyond the real keys lands on the sentinel.
func TestKeyPosSkipsSentinel(t *testing.T) {
	n := node{buf: make([]byte, 4096)}
	n.setTyp(NodeInternal)
	n.insertInternalCell(0, 10, 5)
	n.insertInternalCell(1, 11, 9)
	n.insertInternalCell(2, 12, 0) // sentinel, key never read

	require.Equal(t, 0, n.keyPos(3))
	require.Equal(t, 0, n.keyPos(5))
	require.Equal(t, 1, n.keyPos(6))
	require.Equal(t, 1, n.keyPos(9))
	require.Equal(t, 2, n.keyPos(10))
	require.Equal(t, 2, n.keyPos(1000))
}
