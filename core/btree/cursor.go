package btree

import (
	pagemanager "github.com/sushant-115/sukunadb/core/page_manager"
)

// Cursor iterates the tree's leaves in key order. It keeps a stack of
// positions down the current root-to-leaf path; nodes need no sibling
// links or parent pointers.
type Cursor struct {
	t     *Tree
	stack []cursorFrame
	begun bool
}

type cursorFrame struct {
	idx pagemanager.PageIdx
	pos int
}

// Cursor returns an iterator positioned before the first key.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{t: t}
}

// Next advances the cursor and returns the next pair in key order. The
// returned value is a copy. ok is false once the tree is exhausted.
func (c *Cursor) Next() (key Key, value []byte, ok bool, err error) {
	if !c.begun {
		c.stack = append(c.stack, cursorFrame{idx: c.t.root})
		c.begun = true
	}
	for len(c.stack) > 0 {
		f := &c.stack[len(c.stack)-1]
		n, err := c.t.node(f.idx)
		if err != nil {
			return 0, nil, false, err
		}
		if n.typ() == NodeLeaf {
			if f.pos < n.cells() {
				key := n.leafKey(f.pos)
				value := make([]byte, ValueSize)
				copy(value, n.leafValue(f.pos))
				f.pos++
				return key, value, true, nil
			}
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		if f.pos < n.cells() {
			child := n.childAt(f.pos)
			f.pos++
			c.stack = append(c.stack, cursorFrame{idx: child})
			continue
		}
		c.stack = c.stack[:len(c.stack)-1]
	}
	return 0, nil, false, nil
}
