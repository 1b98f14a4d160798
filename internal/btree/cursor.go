package btree

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Cursors (§4.6)
// ───────────────────────────────────────────────────────────────────────────
//
// A Cursor is a positioned iterator over one BTree: a stack of (page,
// cell-index) frames from root to leaf. Every page on the stack stays
// pinned, by the Pager.Get that fetched it, while the cursor holds it;
// Close unwinds the stack, unpinning each page exactly once. Ascending a
// level to move to the next leaf returns to a parent frame the cursor
// already pins, so no page ever pins its parent and no pin cycle forms.
// Once a page's pin count reaches zero the pool's LRU may evict it; the
// destructor registered in txn.go does nothing further.

type cursorFrame struct {
	page  PageID
	cells []*Cell
	index int
}

// Cursor walks a BTree's leaves in key order. skipNext makes the next
// Next() call a no-op, so that positioning left behind by Delete (on the
// in-order successor) isn't skipped past by an immediately following
// advance (§4.6's cursor "skip_next" flag).
type Cursor struct {
	bt       *BTree
	frames   []cursorFrame
	valid    bool
	skipNext bool
	owner    *DB // set when opened via DB.OpenCursor; nil for a bare bt.OpenCursor
}

// OpenCursor returns a new, unpositioned cursor. Call First, Last, or
// MoveTo before reading.
func (bt *BTree) OpenCursor() *Cursor {
	return &Cursor{bt: bt}
}

// Close releases every page the cursor has pinned and, if the cursor was
// opened through DB.OpenCursor, unregisters it from the owning DB so a
// write transaction can begin once no cursor remains open.
func (c *Cursor) Close() {
	c.closeFrames()
	if c.owner != nil {
		owner := c.owner
		c.owner = nil
		owner.unregisterCursor(c)
	}
}

// closeFrames releases pins without touching the owning DB's bookkeeping;
// DB.closeCursorsLocked calls this directly because it already holds
// db.mu and manages db.cursors itself.
func (c *Cursor) closeFrames() {
	for _, f := range c.frames {
		c.bt.pager.Unref(f.page)
	}
	c.frames = nil
	c.valid = false
	c.skipNext = false
}

func (c *Cursor) pushLeftmostPath(pageID PageID) error {
	for {
		buf, err := c.bt.pager.Get(pageID)
		if err != nil {
			return wrapIOErr(err)
		}
		pv, err := decodePage(buf)
		if err != nil {
			c.bt.pager.Unref(pageID)
			return wrapCorrupt(err)
		}
		cells, err := pv.cells()
		if err != nil {
			c.bt.pager.Unref(pageID)
			return wrapCorrupt(err)
		}
		c.frames = append(c.frames, cursorFrame{page: pageID, cells: cells, index: 0})
		if pv.isLeaf() {
			return nil
		}
		if len(cells) == 0 {
			pageID = pv.rightChild
			continue
		}
		pageID = cells[0].LeftChild
	}
}

func (c *Cursor) pushRightmostPath(pageID PageID) error {
	for {
		buf, err := c.bt.pager.Get(pageID)
		if err != nil {
			return wrapIOErr(err)
		}
		pv, err := decodePage(buf)
		if err != nil {
			c.bt.pager.Unref(pageID)
			return wrapCorrupt(err)
		}
		cells, err := pv.cells()
		if err != nil {
			c.bt.pager.Unref(pageID)
			return wrapCorrupt(err)
		}
		idx := len(cells)
		if pv.isLeaf() {
			if idx > 0 {
				idx--
			}
			c.frames = append(c.frames, cursorFrame{page: pageID, cells: cells, index: idx})
			return nil
		}
		c.frames = append(c.frames, cursorFrame{page: pageID, cells: cells, index: idx})
		if pv.rightChild != 0 {
			pageID = pv.rightChild
		} else if idx > 0 {
			pageID = cells[idx-1].LeftChild
		} else {
			return nil
		}
	}
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() error {
	c.closeFrames()
	if err := c.pushLeftmostPath(c.bt.root); err != nil {
		return err
	}
	c.valid = len(c.top().cells) > 0
	return nil
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() error {
	c.closeFrames()
	if err := c.pushRightmostPath(c.bt.root); err != nil {
		return err
	}
	c.valid = len(c.top().cells) > 0
	return nil
}

// MoveTo positions the cursor at key if present, or at the smallest key
// greater than it otherwise. found reports an exact match.
func (c *Cursor) MoveTo(key []byte) (found bool, err error) {
	c.closeFrames()
	pageID := c.bt.root
	for {
		buf, gerr := c.bt.pager.Get(pageID)
		if gerr != nil {
			return false, wrapIOErr(gerr)
		}
		pv, derr := decodePage(buf)
		if derr != nil {
			c.bt.pager.Unref(pageID)
			return false, wrapCorrupt(derr)
		}
		cells, cerr := pv.cells()
		if cerr != nil {
			c.bt.pager.Unref(pageID)
			return false, wrapCorrupt(cerr)
		}

		// Interior dividers are routing-only separators: the cell they were
		// promoted from keeps its real data as the first entry of its right
		// subtree (see splitHalves), so an exact match on a divider key
		// still routes right, exactly like childFor. Only at a leaf does an
		// exact match mean "found it here".
		idx := 0
		matched := false
		for i, cell := range cells {
			d, derr := streamingCompare(c.bt.pager, cell, key, c.bt.cmp)
			if derr != nil {
				return false, derr
			}
			if pv.isLeaf() && d == 0 {
				idx, matched = i, true
				break
			}
			if d > 0 {
				idx = i
				break
			}
			idx = i + 1
		}
		c.frames = append(c.frames, cursorFrame{page: pageID, cells: cells, index: idx})

		if pv.isLeaf() {
			c.valid = idx < len(cells)
			if !c.valid && len(cells) > 0 {
				// Every key on this leaf is smaller than key: step on to the
				// first key of the next leaf, if there is one.
				c.top().index = len(cells) - 1
				c.valid = true
				if _, err := c.Next(); err != nil {
					return false, err
				}
			}
			return matched, nil
		}
		if idx < len(cells) {
			pageID = cells[idx].LeftChild
		} else {
			pageID = pv.rightChild
		}
	}
}

func (c *Cursor) top() *cursorFrame { return &c.frames[len(c.frames)-1] }

// Next advances to the following key. ok is false once past the last key.
// If the cursor was just repositioned by Delete, this first call is a
// no-op that simply reports the current (already-advanced-to) position,
// per the skip_next contract described in §4.6's Cursor state.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, nil
	}
	if c.skipNext {
		c.skipNext = false
		return c.valid, nil
	}
	f := c.top()
	if f.index+1 < len(f.cells) {
		f.index++
		return true, nil
	}
	// Ascend until we find an unvisited right sibling subtree, then
	// descend leftmost into it.
	for len(c.frames) > 1 {
		child := c.frames[len(c.frames)-1].page
		c.bt.pager.Unref(child)
		c.frames = c.frames[:len(c.frames)-1]
		parent := c.top()
		if parent.index < len(parent.cells) {
			var next PageID
			if parent.index+1 < len(parent.cells) {
				next = parent.cells[parent.index+1].LeftChild
			} else {
				pv, err := c.parentPageView(parent)
				if err != nil {
					return false, err
				}
				next = pv.rightChild
			}
			parent.index++
			if next != 0 {
				if err := c.pushLeftmostPath(next); err != nil {
					return false, err
				}
				c.valid = len(c.top().cells) > 0
				return c.valid, nil
			}
			c.valid = parent.index < len(parent.cells)
			return c.valid, nil
		}
	}
	c.valid = false
	return false, nil
}

func (c *Cursor) parentPageView(f *cursorFrame) (*pageView, error) {
	buf, err := c.bt.pager.Get(f.page)
	if err != nil {
		return nil, wrapIOErr(err)
	}
	defer c.bt.pager.Unref(f.page)
	return decodePage(buf)
}

// Prev moves to the preceding key.
func (c *Cursor) Prev() (bool, error) {
	if !c.valid {
		return false, nil
	}
	f := c.top()
	if f.index > 0 {
		f.index--
		return true, nil
	}
	for len(c.frames) > 1 {
		child := c.frames[len(c.frames)-1].page
		c.bt.pager.Unref(child)
		c.frames = c.frames[:len(c.frames)-1]
		parent := c.top()
		if parent.index > 0 {
			parent.index--
			prevChild := parent.cells[parent.index].LeftChild
			if prevChild != 0 {
				if err := c.pushRightmostPath(prevChild); err != nil {
					return false, err
				}
				c.valid = len(c.top().cells) > 0
				return c.valid, nil
			}
			c.valid = true
			return true, nil
		}
	}
	c.valid = false
	return false, nil
}

func (c *Cursor) current() (*Cell, error) {
	if !c.valid || len(c.frames) == 0 {
		return nil, fmt.Errorf("btree: cursor not positioned")
	}
	f := c.top()
	if f.index >= len(f.cells) {
		return nil, fmt.Errorf("btree: cursor past end")
	}
	return f.cells[f.index], nil
}

// Valid reports whether the cursor sits on a real entry.
func (c *Cursor) Valid() bool { return c.valid }

// KeySize returns the current entry's key length.
func (c *Cursor) KeySize() (int, error) {
	cell, err := c.current()
	if err != nil {
		return 0, err
	}
	return int(cell.KeyLen), nil
}

// Key returns the current entry's full key.
func (c *Cursor) Key() ([]byte, error) {
	cell, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.bt.cellKey(cell)
}

// DataSize returns the current entry's value length.
func (c *Cursor) DataSize() (int, error) {
	cell, err := c.current()
	if err != nil {
		return 0, err
	}
	return int(cell.DataLen), nil
}

// Data returns the current entry's full value.
func (c *Cursor) Data() ([]byte, error) {
	cell, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.bt.cellData(cell)
}

// DataAt reads a length-byte window of the current entry's value starting
// at off, without materialising bytes outside the window (§4.6).
func (c *Cursor) DataAt(off, length int) ([]byte, error) {
	cell, err := c.current()
	if err != nil {
		return nil, err
	}
	return c.bt.cellDataAt(cell, off, length)
}

// Insert adds or overwrites key/value through the cursor's BTree (the
// same search-then-addToPage-or-split path as BTree.Insert; §4.5), then
// repositions the cursor onto key. A split or rotate triggered by the
// insert can move cells to freshly allocated pages, so the cursor's old
// frame stack can't simply be reused — it is rebuilt via MoveTo exactly
// as a fresh positioning would.
func (c *Cursor) Insert(tx TxID, key, value []byte) error {
	if err := c.bt.Insert(tx, key, value); err != nil {
		return err
	}
	_, err := c.MoveTo(key)
	return err
}

// Delete removes the entry the cursor is currently positioned on, leaving
// the cursor positioned on the in-order successor (MoveTo's
// smallest-key-greater landing, since the deleted key itself is gone) and
// skip_next set — the cursor **State** paragraph of §4.6: "skip_next to
// make the next advance a no-op after a delete" — so that a caller's
// subsequent Next() reports the successor already reached rather than
// stepping past it.
func (c *Cursor) Delete(tx TxID) error {
	cell, err := c.current()
	if err != nil {
		return err
	}
	key, err := c.bt.cellKey(cell)
	if err != nil {
		return err
	}
	if err := c.bt.Delete(tx, key); err != nil {
		return err
	}
	if _, err := c.MoveTo(key); err != nil {
		return err
	}
	c.skipNext = true
	return nil
}
