// Package btree implements the on-disk B+-tree: typed views over raw
// pages and top-down search, insert and delete with proactive
// split/merge rebalancing, so that every operation touches a single
// root-to-leaf path.
package btree

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/sukunadb/core/page_manager"
)

var (
	ErrKeyNotFound  = errors.New("key not found")
	ErrDuplicateKey = errors.New("key already exists")
	ErrValueSize    = errors.New("value must be exactly ValueSize bytes")
)

// Pages supplies page buffers to the tree. The pager implements it for
// writers; read transactions plug in a view over the reader mmap whose
// mutating methods fail.
type Pages interface {
	PageByIdx(idx pagemanager.PageIdx) ([]byte, error)
	NextEmptyPage() (pagemanager.PageIdx, []byte, error)
	Reclaim(idx pagemanager.PageIdx) error
	MarkDirty(idx pagemanager.PageIdx)
}

// Stats counts structural events since the tree view was created.
type Stats struct {
	Splits    uint64
	Merges    uint64
	Transfers uint64
}

// Tree is a B+-tree view rooted at a page. It stores (Key, Value) pairs
// with unique keys; values are opaque fixed-size records.
type Tree struct {
	pages  Pages
	caps   Capacity
	root   pagemanager.PageIdx
	stats  Stats
	logger *zap.Logger
}

// New returns a tree view rooted at root.
func New(pages Pages, root pagemanager.PageIdx, caps Capacity, logger *zap.Logger) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tree{
		pages:  pages,
		caps:   caps,
		root:   root,
		logger: logger.Named("btree"),
	}
}

// Root returns the current root page index. It changes when the tree
// grows or shrinks in height.
func (t *Tree) Root() pagemanager.PageIdx { return t.root }

// Stats returns the structural event counters.
func (t *Tree) Stats() Stats { return t.stats }

func (t *Tree) node(idx pagemanager.PageIdx) (node, error) {
	buf, err := t.pages.PageByIdx(idx)
	if err != nil {
		return node{}, err
	}
	return node{buf: buf}, nil
}

func (t *Tree) maxFor(n node) int {
	if n.typ() == NodeLeaf {
		return t.caps.LeafMax
	}
	return t.caps.InternalMax
}

func (t *Tree) minFor(n node) int {
	if n.typ() == NodeLeaf {
		return t.caps.LeafMin
	}
	return t.caps.InternalMin
}

func (t *Tree) full(n node) bool { return n.cells() >= t.maxFor(n) }

// Get returns a copy of the value stored under key, or ok=false when
// the key is absent.
func (t *Tree) Get(key Key) ([]byte, bool, error) {
	idx := t.root
	for {
		n, err := t.node(idx)
		if err != nil {
			return nil, false, err
		}
		if n.typ() == NodeLeaf {
			pos, found := n.leafSearch(key)
			if !found {
				return nil, false, nil
			}
			out := make([]byte, ValueSize)
			copy(out, n.leafValue(pos))
			return out, true, nil
		}
		idx = n.childAt(n.keyPos(key))
	}
}

// Exists reports whether key is present.
func (t *Tree) Exists(key Key) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

// Insert stores value under key. Inserting a key that is already
// present fails with ErrDuplicateKey.
func (t *Tree) Insert(key Key, value []byte) error {
	if len(value) != ValueSize {
		return fmt.Errorf("got %d bytes, want %d: %w", len(value), ValueSize, ErrValueSize)
	}
	root, err := t.node(t.root)
	if err != nil {
		return err
	}
	if t.full(root) {
		// Grow in height: a fresh internal root whose sole (sentinel)
		// cell points at the old root, then split that child.
		newIdx, buf, err := t.pages.NextEmptyPage()
		if err != nil {
			return err
		}
		newRoot := node{buf: buf}
		newRoot.setTyp(NodeInternal)
		newRoot.writeInternalCell(0, t.root, 0)
		newRoot.setCells(1)
		t.pages.MarkDirty(newIdx)
		if err := t.splitChild(newRoot, newIdx, 0); err != nil {
			return err
		}
		t.logger.Debug("root split",
			zap.Uint32("old_root", uint32(t.root)),
			zap.Uint32("new_root", uint32(newIdx)))
		t.root = newIdx
	}
	return t.insertNonFull(t.root, key, value)
}

// insertNonFull descends from a node known to have room, splitting any
// full child before stepping into it.
func (t *Tree) insertNonFull(idx pagemanager.PageIdx, key Key, value []byte) error {
	n, err := t.node(idx)
	if err != nil {
		return err
	}
	if n.typ() == NodeLeaf {
		pos, found := n.leafSearch(key)
		if found {
			return fmt.Errorf("insert key %d: %w", key, ErrDuplicateKey)
		}
		n.insertLeafCell(pos, key, value)
		t.pages.MarkDirty(idx)
		return nil
	}
	p := n.keyPos(key)
	child, err := t.node(n.childAt(p))
	if err != nil {
		return err
	}
	if t.full(child) {
		if err := t.splitChild(n, idx, p); err != nil {
			return err
		}
		// Recompute which half holds the target key.
		if compareKeys(key, n.keyAt(p)) > 0 {
			p++
		}
	}
	return t.insertNonFull(n.childAt(p), key, value)
}

// splitChild splits the full child under parent cell p into two halves.
// The parent is guaranteed to have room; the left half keeps the lower
// cells, a fresh page takes the upper ones and is linked at p+1.
func (t *Tree) splitChild(parent node, parentIdx pagemanager.PageIdx, p int) error {
	if t.full(parent) {
		panic("btree: splitChild called with a full parent")
	}
	childIdx := parent.childAt(p)
	child, err := t.node(childIdx)
	if err != nil {
		return err
	}
	m := child.cells()
	mid := m / 2

	rightIdx, rbuf, err := t.pages.NextEmptyPage()
	if err != nil {
		return err
	}
	right := node{buf: rbuf}
	right.setTyp(child.typ())
	if child.typ() == NodeLeaf {
		copy(right.buf[cellsStart:], child.buf[leafCellOff(mid):leafCellOff(m)])
	} else {
		copy(right.buf[cellsStart:], child.buf[internalCellOff(mid):internalCellOff(m)])
	}
	right.setCells(m - mid)
	child.setCells(mid)

	// The right half inherits the child's old upper bound; the left half
	// is bounded by its new last key.
	bound := parent.keyAt(p)
	parent.setKeyAt(p, child.lastKey())
	parent.insertInternalCell(p+1, rightIdx, bound)

	t.pages.MarkDirty(childIdx)
	t.pages.MarkDirty(rightIdx)
	t.pages.MarkDirty(parentIdx)
	t.stats.Splits++
	t.logger.Debug("split child",
		zap.Uint32("child", uint32(childIdx)),
		zap.Uint32("sibling", uint32(rightIdx)),
		zap.Int("parent_pos", p))
	return nil
}

// Delete removes key from the tree. Deleting an absent key fails with
// ErrKeyNotFound.
func (t *Tree) Delete(key Key) error {
	root, err := t.node(t.root)
	if err != nil {
		return err
	}
	if root.typ() == NodeLeaf {
		// The root is the only node allowed to underflow; delete
		// locally with no rebalancing.
		pos, found := root.leafSearch(key)
		if !found {
			return fmt.Errorf("delete key %d: %w", key, ErrKeyNotFound)
		}
		root.removeLeafCell(pos)
		t.pages.MarkDirty(t.root)
		return nil
	}
	return t.deleteFrom(t.root, key)
}

// deleteFrom walks one level down from the internal node at idx,
// rebalancing any minimally filled child before entering it.
func (t *Tree) deleteFrom(idx pagemanager.PageIdx, key Key) error {
	n, err := t.node(idx)
	if err != nil {
		return err
	}
	p := n.keyPos(key)
	child, err := t.node(n.childAt(p))
	if err != nil {
		return err
	}

	if child.typ() == NodeLeaf {
		childIdx := n.childAt(p)
		pos, found := child.leafSearch(key)
		if !found {
			return fmt.Errorf("delete key %d: %w", key, ErrKeyNotFound)
		}
		child.removeLeafCell(pos)
		t.pages.MarkDirty(childIdx)
		if child.cells() < t.caps.LeafMin {
			if _, err := t.rebalance(n, idx, p); err != nil {
				return err
			}
			if err := t.collapseRoot(idx, n); err != nil {
				return err
			}
		}
		return nil
	}

	if child.cells() == t.caps.InternalMin {
		newPos, err := t.rebalance(n, idx, p)
		if err != nil {
			return err
		}
		p = newPos
		if idx == t.root && n.cells() == 1 {
			if err := t.collapseRoot(idx, n); err != nil {
				return err
			}
			// Height shrank; restart from the new root.
			return t.Delete(key)
		}
	}
	return t.deleteFrom(n.childAt(p), key)
}

// collapseRoot replaces a single-cell internal root with its only
// child, shrinking the height by one. Non-root nodes and wider roots
// are left alone.
func (t *Tree) collapseRoot(idx pagemanager.PageIdx, n node) error {
	if idx != t.root || n.typ() != NodeInternal || n.cells() != 1 {
		return nil
	}
	newRoot := n.childAt(0)
	if err := t.pages.Reclaim(idx); err != nil {
		return err
	}
	t.logger.Debug("root collapsed",
		zap.Uint32("old_root", uint32(idx)),
		zap.Uint32("new_root", uint32(newRoot)))
	t.root = newRoot
	return nil
}

// rebalance brings the child under parent cell p back above the
// minimum. It tries, in order: transfer from the right sibling,
// transfer from the left sibling, merge with the right sibling, merge
// with the left sibling. It returns the child's position afterwards
// (p-1 after a left merge). Falling through every case is an invariant
// violation.
func (t *Tree) rebalance(parent node, parentIdx pagemanager.PageIdx, p int) (int, error) {
	childIdx := parent.childAt(p)
	child, err := t.node(childIdx)
	if err != nil {
		return 0, err
	}
	leaf := child.typ() == NodeLeaf

	// Transfer from the right sibling.
	if p+1 < parent.cells() {
		rightIdx := parent.childAt(p + 1)
		right, err := t.node(rightIdx)
		if err != nil {
			return 0, err
		}
		if right.cells() > t.minFor(right) {
			if leaf {
				child.insertLeafCell(child.cells(), right.leafKey(0), right.leafValue(0))
				right.removeLeafCell(0)
			} else {
				child.insertInternalCell(child.cells(), right.childAt(0), right.keyAt(0))
				right.removeInternalCell(0)
			}
			parent.setKeyAt(p, child.lastKey())
			t.pages.MarkDirty(childIdx)
			t.pages.MarkDirty(rightIdx)
			t.pages.MarkDirty(parentIdx)
			t.stats.Transfers++
			return p, nil
		}
	}

	// Transfer from the left sibling.
	if p > 0 {
		leftIdx := parent.childAt(p - 1)
		left, err := t.node(leftIdx)
		if err != nil {
			return 0, err
		}
		if left.cells() > t.minFor(left) {
			last := left.cells() - 1
			if leaf {
				child.insertLeafCell(0, left.leafKey(last), left.leafValue(last))
				left.removeLeafCell(last)
			} else {
				child.insertInternalCell(0, left.childAt(last), left.keyAt(last))
				left.removeInternalCell(last)
			}
			parent.setKeyAt(p-1, left.lastKey())
			t.pages.MarkDirty(childIdx)
			t.pages.MarkDirty(leftIdx)
			t.pages.MarkDirty(parentIdx)
			t.stats.Transfers++
			return p, nil
		}
	}

	// Merge with the right sibling.
	if p+1 < parent.cells() {
		rightIdx := parent.childAt(p + 1)
		right, err := t.node(rightIdx)
		if err != nil {
			return 0, err
		}
		if !leaf {
			// The cell that had been the sentinel of the child takes
			// the separator key from the parent.
			child.setKeyAt(child.cells()-1, parent.keyAt(p))
		}
		t.appendCells(child, right)
		parent.setKeyAt(p, parent.keyAt(p+1))
		if err := t.pages.Reclaim(rightIdx); err != nil {
			return 0, err
		}
		parent.removeInternalCell(p + 1)
		t.pages.MarkDirty(childIdx)
		t.pages.MarkDirty(parentIdx)
		t.stats.Merges++
		t.logger.Debug("merged right sibling",
			zap.Uint32("child", uint32(childIdx)),
			zap.Uint32("sibling", uint32(rightIdx)))
		return p, nil
	}

	// Merge with the left sibling.
	if p > 0 {
		leftIdx := parent.childAt(p - 1)
		left, err := t.node(leftIdx)
		if err != nil {
			return 0, err
		}
		if !leaf {
			left.setKeyAt(left.cells()-1, parent.keyAt(p-1))
		}
		t.prependCells(child, left)
		if err := t.pages.Reclaim(leftIdx); err != nil {
			return 0, err
		}
		parent.removeInternalCell(p - 1)
		t.pages.MarkDirty(childIdx)
		t.pages.MarkDirty(parentIdx)
		t.stats.Merges++
		t.logger.Debug("merged left sibling",
			zap.Uint32("child", uint32(childIdx)),
			zap.Uint32("sibling", uint32(leftIdx)))
		return p - 1, nil
	}

	panic(fmt.Sprintf("btree: rebalance fell through at page %d pos %d; tree invariant violated", parentIdx, p))
}

// appendCells copies every cell of src onto the end of dst.
func (t *Tree) appendCells(dst, src node) {
	d, s := dst.cells(), src.cells()
	if dst.typ() == NodeLeaf {
		copy(dst.buf[leafCellOff(d):leafCellOff(d+s)], src.buf[leafCellOff(0):leafCellOff(s)])
	} else {
		copy(dst.buf[internalCellOff(d):internalCellOff(d+s)], src.buf[internalCellOff(0):internalCellOff(s)])
	}
	dst.setCells(d + s)
}

// prependCells shifts dst right and copies every cell of src in front.
func (t *Tree) prependCells(dst, src node) {
	d, s := dst.cells(), src.cells()
	if dst.typ() == NodeLeaf {
		copy(dst.buf[leafCellOff(s):leafCellOff(s+d)], dst.buf[leafCellOff(0):leafCellOff(d)])
		copy(dst.buf[leafCellOff(0):leafCellOff(s)], src.buf[leafCellOff(0):leafCellOff(s)])
	} else {
		copy(dst.buf[internalCellOff(s):internalCellOff(s+d)], dst.buf[internalCellOff(0):internalCellOff(d)])
		copy(dst.buf[internalCellOff(0):internalCellOff(s)], src.buf[internalCellOff(0):internalCellOff(s)])
	}
	dst.setCells(d + s)
}

// ForEach walks the tree in key order, invoking fn for every pair.
func (t *Tree) ForEach(fn func(key Key, value []byte) error) error {
	c := t.Cursor()
	for {
		key, value, ok, err := c.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
}
