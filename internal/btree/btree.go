// Package btree implements the ordered, page-based key/value store: named
// tables sharing one file, searched and mutated through cursors, under the
// commit/rollback control of a pcache.Pager. It consumes the pager's
// contract (fetch, pin/unpin, dirty-mark, journal) but does not implement
// paging or journaling itself — see package pcache for that.
package btree

import (
	"bytes"
	"fmt"

	"github.com/embeddb/embeddb/internal/pcache"
)

// PageID, TxID are re-exported so callers never need to import pcache
// directly just to talk to a BTree.
type (
	PageID = pcache.PageID
	TxID   = pcache.TxID
)

// Comparator orders keys. The default is plain byte-wise comparison;
// callers with richer ordering needs (e.g. typed SQL columns) can supply
// their own.
type Comparator interface {
	Compare(a, b []byte) int
}

type bytewiseComparator struct{}

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// DefaultComparator is plain byte-wise ordering.
var DefaultComparator Comparator = bytewiseComparator{}

// ───────────────────────────────────────────────────────────────────────────
// BTree
// ───────────────────────────────────────────────────────────────────────────

// BTree is one ordered key/value tree rooted at a page. Multiple BTrees
// share one pcache.Pager and file; the table directory (see table.go) maps
// names to roots.
type BTree struct {
	pager *pcache.Pager
	root  PageID
	cmp   Comparator
}

// New wraps an existing tree whose root page is already initialised.
func New(p *pcache.Pager, root PageID, cmp Comparator) *BTree {
	if cmp == nil {
		cmp = DefaultComparator
	}
	return &BTree{pager: p, root: root, cmp: cmp}
}

// allocPage hands back a free-list page if one is available, falling
// back to extending the file. Either way the returned page is pinned.
func allocPage(p *pcache.Pager, tx TxID) (PageID, []byte, error) {
	if id, buf, ok, err := popFreePage(p, tx); err != nil {
		return 0, nil, err
	} else if ok {
		return id, buf, nil
	}
	id, buf := p.AllocPage()
	return id, buf, nil
}

// Create allocates a new, empty leaf page and returns a handle to it.
func Create(p *pcache.Pager, tx TxID, cmp Comparator) (*BTree, error) {
	rootID, buf, err := allocPage(p, tx)
	if err != nil {
		return nil, err
	}
	initPage(buf, true)
	if err := p.Write(tx, rootID, buf); err != nil {
		p.Unref(rootID)
		return nil, wrapIOErr(err)
	}
	p.Unref(rootID)
	if cmp == nil {
		cmp = DefaultComparator
	}
	return &BTree{pager: p, root: rootID, cmp: cmp}, nil
}

// Root returns the tree's root page number.
func (bt *BTree) Root() PageID { return bt.root }

func wrapIOErr(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: IOERR, Err: err}
}

func wrapCorrupt(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: CORRUPT, Err: err}
}

// ───────────────────────────────────────────────────────────────────────────
// Search (§4.5)
// ───────────────────────────────────────────────────────────────────────────

// searchPath walks from the root to the leaf that would contain key,
// returning the full root-to-leaf path of page numbers.
func (bt *BTree) searchPath(key []byte) ([]PageID, error) {
	path := make([]PageID, 0, 8)
	pageID := bt.root
	for {
		path = append(path, pageID)
		buf, err := bt.pager.Get(pageID)
		if err != nil {
			return nil, wrapIOErr(err)
		}
		pv, err := decodePage(buf)
		if err != nil {
			bt.pager.Unref(pageID)
			return nil, wrapCorrupt(err)
		}
		if pv.isLeaf() {
			bt.pager.Unref(pageID)
			return path, nil
		}
		child, err := bt.childFor(pv, key)
		bt.pager.Unref(pageID)
		if err != nil {
			return nil, err
		}
		pageID = child
	}
}

// childFor returns the child a search for key should descend into: the
// left child of the first cell whose key compares greater, or the
// rightmost child if every cell's key is less than or equal to key.
func (bt *BTree) childFor(pv *pageView, key []byte) (PageID, error) {
	cells, err := pv.cells()
	if err != nil {
		return 0, wrapCorrupt(err)
	}
	for _, c := range cells {
		d, err := streamingCompare(bt.pager, c, key, bt.cmp)
		if err != nil {
			return 0, err
		}
		if d > 0 {
			return c.LeftChild, nil
		}
	}
	return pv.rightChild, nil
}

// cellKey materialises a cell's full key, pulling overflow bytes only as
// far as needed to complete it (the cell stores key bytes first, so a key
// that fits inline never touches the overflow chain).
func (bt *BTree) cellKey(c *Cell) ([]byte, error) {
	if int(c.KeyLen) <= len(c.Inline) {
		return c.Inline[:c.KeyLen], nil
	}
	out := make([]byte, c.KeyLen)
	n := copy(out, c.Inline)
	rest, err := readOverflow(bt.pager, c.OverflowHead, 0, int(c.KeyLen)-n)
	if err != nil {
		return nil, err
	}
	copy(out[n:], rest)
	return out, nil
}

// cellData materialises a cell's full value.
func (bt *BTree) cellData(c *Cell) ([]byte, error) {
	return bt.cellDataAt(c, 0, int(c.DataLen))
}

// cellDataAt reads a [off, off+length) window of a cell's value, pulling
// only as much of the overflow chain as the window actually needs (§4.6's
// "data(off,len,buf)" windowed-read contract). A cell's inline bytes hold
// key then value back to back, so a value byte at position off lives in
// the combined stream at KeyLen+off.
func (bt *BTree) cellDataAt(c *Cell, off, length int) ([]byte, error) {
	if off < 0 || length < 0 || off+length > int(c.DataLen) {
		return nil, fmt.Errorf("btree: data window [%d,%d) out of range (dataLen=%d)", off, off+length, c.DataLen)
	}
	out := make([]byte, 0, length)
	pos := int(c.KeyLen) + off
	end := pos + length
	inlineLen := len(c.Inline)
	if pos < inlineLen {
		n := inlineLen - pos
		if n > length {
			n = length
		}
		out = append(out, c.Inline[pos:pos+n]...)
		pos += n
	}
	if len(out) < length {
		skip := pos - inlineLen
		rest, err := readOverflow(bt.pager, c.OverflowHead, skip, end-pos)
		if err != nil {
			return nil, err
		}
		out = append(out, rest...)
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Get looks up an exact key. ok is false if no cell carries that key.
func (bt *BTree) Get(key []byte) (value []byte, ok bool, err error) {
	path, err := bt.searchPath(key)
	if err != nil {
		return nil, false, err
	}
	leafID := path[len(path)-1]
	buf, err := bt.pager.Get(leafID)
	if err != nil {
		return nil, false, wrapIOErr(err)
	}
	defer bt.pager.Unref(leafID)
	pv, err := decodePage(buf)
	if err != nil {
		return nil, false, wrapCorrupt(err)
	}
	cells, err := pv.cells()
	if err != nil {
		return nil, false, wrapCorrupt(err)
	}
	for _, c := range cells {
		ck, err := bt.cellKey(c)
		if err != nil {
			return nil, false, err
		}
		if bt.cmp.Compare(ck, key) == 0 {
			data, err := bt.cellData(c)
			if err != nil {
				return nil, false, err
			}
			return data, true, nil
		}
	}
	return nil, false, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Insert (§4.5)
// ───────────────────────────────────────────────────────────────────────────

// Insert adds or overwrites the value for key. If a cell for key already
// exists it is unlinked (and its overflow chain freed) before the new cell
// is laid down, so insert is idempotent-by-overwrite.
func (bt *BTree) Insert(tx TxID, key, value []byte) error {
	path, err := bt.searchPath(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	buf, err := bt.pager.Get(leafID)
	if err != nil {
		return wrapIOErr(err)
	}
	pv, err := decodePage(buf)
	if err != nil {
		bt.pager.Unref(leafID)
		return wrapCorrupt(err)
	}

	if err := bt.removeEqualCell(tx, pv, key); err != nil {
		bt.pager.Unref(leafID)
		return err
	}

	limit := inlineLimit(len(buf))
	cell, err := bt.buildCell(tx, 0, key, value, limit)
	if err != nil {
		bt.pager.Unref(leafID)
		return err
	}

	if bt.addToPage(pv, cell) {
		if err := bt.pager.Write(tx, leafID, pv.buf); err != nil {
			bt.pager.Unref(leafID)
			return wrapIOErr(err)
		}
		bt.pager.Unref(leafID)
		return nil
	}
	bt.pager.Unref(leafID)
	return bt.insertWithOverflowHandling(tx, path, cell)
}

// removeEqualCell deletes the cell matching key from pv, if one exists,
// freeing its overflow chain and in-page bytes.
func (bt *BTree) removeEqualCell(tx TxID, pv *pageView, key []byte) error {
	cells, err := pv.cells()
	if err != nil {
		return wrapCorrupt(err)
	}
	for _, c := range cells {
		ck, err := bt.cellKey(c)
		if err != nil {
			return err
		}
		if bt.cmp.Compare(ck, key) == 0 {
			if c.OverflowHead != 0 {
				if err := freeOverflowChain(bt.pager, tx, c.OverflowHead); err != nil {
					return err
				}
			}
			pv.unlinkCell(c)
			pv.freeBytes(c.offset, cellSize(c))
			return nil
		}
	}
	return nil
}

// buildCell lays key then value into the inline payload up to limit bytes;
// anything beyond spills into a fresh overflow chain.
func (bt *BTree) buildCell(tx TxID, leftChild PageID, key, value []byte, limit int) (*Cell, error) {
	total := len(key) + len(value)
	inline := total
	if inline > limit {
		inline = limit
	}
	combined := make([]byte, total)
	copy(combined, key)
	copy(combined[len(key):], value)

	c := &Cell{
		LeftChild: leftChild,
		KeyLen:    uint32(len(key)),
		DataLen:   uint32(len(value)),
		Inline:    combined[:inline],
	}
	if inline < total {
		head, err := writeOverflow(bt.pager, tx, combined[inline:])
		if err != nil {
			return nil, err
		}
		c.OverflowHead = head
	}
	return c, nil
}

// addToPage allocates space for cell in pv and splices it into the
// key-ordered linked list. Returns false if there isn't room.
func (bt *BTree) addToPage(pv *pageView, cell *Cell) bool {
	raw := marshalCell(cell)
	off, ok := pv.alloc(len(raw))
	if !ok {
		return false
	}
	copy(pv.buf[off:], raw)
	cell.offset = off
	pv.insertCellSorted(bt, cell)
	return true
}

// insertWithOverflowHandling runs split-root, rotate, or split until cell
// fits somewhere in the tree, per §4.5.
func (bt *BTree) insertWithOverflowHandling(tx TxID, path []PageID, cell *Cell) error {
	for depth := len(path) - 1; depth >= 0; depth-- {
		pageID := path[depth]
		buf, err := bt.pager.Get(pageID)
		if err != nil {
			return wrapIOErr(err)
		}
		pv, err := decodePage(buf)
		if err != nil {
			bt.pager.Unref(pageID)
			return wrapCorrupt(err)
		}

		if bt.addToPage(pv, cell) {
			err := bt.pager.Write(tx, pageID, pv.buf)
			bt.pager.Unref(pageID)
			return wrapIOErr(err)
		}

		if depth == 0 {
			// Root is full: split-root.
			bt.pager.Unref(pageID)
			return bt.splitRoot(tx, cell)
		}

		parentID := path[depth-1]
		if bt.tryRotate(tx, parentID, pageID, pv, cell) {
			bt.pager.Unref(pageID)
			return nil
		}

		center, rightID, err := bt.splitPage(tx, pageID, pv, cell)
		bt.pager.Unref(pageID)
		if err != nil {
			return err
		}
		center.LeftChild = pageID
		cell = center
		_ = rightID
		// Ascend: retry inserting the divider cell into the parent.
		path = path[:depth]
	}
	return fmt.Errorf("btree: insert loop exceeded tree height")
}

// splitRoot allocates a new right page, distributes the root's cells plus
// the overflowing cell across {root, right}, and turns the root into an
// interior node whose single divider cell points at the former root
// content (now moved) with rightmost child = the new right page.
func (bt *BTree) splitRoot(tx TxID, cell *Cell) error {
	oldBuf, err := bt.pager.Get(bt.root)
	if err != nil {
		return wrapIOErr(err)
	}
	oldPV, err := decodePage(oldBuf)
	if err != nil {
		bt.pager.Unref(bt.root)
		return wrapCorrupt(err)
	}
	wasLeaf := oldPV.isLeaf()

	leftID, leftBuf, err := allocPage(bt.pager, tx)
	if err != nil {
		return err
	}
	initPage(leftBuf, wasLeaf)
	leftPV, _ := decodePage(leftBuf)

	rightID, rightBuf, err := allocPage(bt.pager, tx)
	if err != nil {
		return err
	}
	initPage(rightBuf, wasLeaf)
	rightPV, _ := decodePage(rightBuf)

	all, err := bt.allCellsSorted(oldPV, cell)
	bt.pager.Unref(bt.root)
	if err != nil {
		bt.pager.Unref(leftID)
		bt.pager.Unref(rightID)
		return err
	}

	splitAt := bisectHalf(all)
	leftCells, centerCell, rightCells := splitHalves(all, splitAt, wasLeaf)
	if !wasLeaf {
		rightPV.rightChild = oldPV.rightChild
	}
	for _, c := range leftCells {
		bt.addToPage(leftPV, cloneCell(c))
	}
	for _, c := range rightCells {
		bt.addToPage(rightPV, cloneCell(c))
	}
	if !wasLeaf {
		leftPV.rightChild = centerCell.LeftChild
	}

	if err := bt.pager.Write(tx, leftID, leftPV.buf); err != nil {
		return wrapIOErr(err)
	}
	if err := bt.pager.Write(tx, rightID, rightPV.buf); err != nil {
		return wrapIOErr(err)
	}
	bt.pager.Unref(leftID)
	bt.pager.Unref(rightID)

	newRootBuf := make([]byte, len(oldBuf))
	initPage(newRootBuf, false)
	newRootPV, _ := decodePage(newRootBuf)
	newRootPV.rightChild = rightID
	divider := cloneCell(centerCell)
	divider.LeftChild = leftID
	divider.DataLen = 0
	divider.Inline = divider.Inline[:min(len(divider.Inline), int(divider.KeyLen))]
	bt.addToPage(newRootPV, divider)

	return wrapIOErr(bt.pager.Write(tx, bt.root, newRootPV.buf))
}

// allCellsSorted returns every cell currently on pv plus extra, sorted by
// key, with full keys/values materialised so they can be redistributed
// into freshly allocated pages.
func (bt *BTree) allCellsSorted(pv *pageView, extra *Cell) ([]*Cell, error) {
	cells, err := pv.cells()
	if err != nil {
		return nil, wrapCorrupt(err)
	}
	all := make([]*Cell, 0, len(cells)+1)
	all = append(all, cells...)
	all = append(all, extra)
	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 {
			ki, _ := bt.cellKey(all[j])
			kj, _ := bt.cellKey(all[j-1])
			if bt.cmp.Compare(ki, kj) >= 0 {
				break
			}
			all[j], all[j-1] = all[j-1], all[j]
			j--
		}
	}
	return all, nil
}

// splitHalves divides all at splitAt into the cells that stay on the left
// page and the cells that go to the right page, plus the divider cell to
// promote to the parent.
//
// On a leaf page the median cell carries real data that must not vanish:
// it is kept as the first entry of the right half (a B+-tree-style
// separator), and only its key — not its data — is promoted. On an
// interior page the median cell carries no payload of its own (its
// LeftChild becomes the new left page's rightmost child instead), so it
// is consumed entirely by the promotion and appears in neither half.
func splitHalves(all []*Cell, splitAt int, wasLeaf bool) (left []*Cell, center *Cell, right []*Cell) {
	if wasLeaf {
		left, right = all[:splitAt], all[splitAt:]
		return left, right[0], right
	}
	return all[:splitAt], all[splitAt], all[splitAt+1:]
}

// bisectHalf picks the split point minimising the byte-count difference
// between the two halves, giving the extra byte to the right half on a tie.
func bisectHalf(cells []*Cell) int {
	total := 0
	sizes := make([]int, len(cells))
	for i, c := range cells {
		sizes[i] = cellSize(c)
		total += sizes[i]
	}
	best, bestDiff := len(cells)/2, total
	running := 0
	for i := 0; i < len(cells); i++ {
		running += sizes[i]
		diff := abs((total - running) - running)
		if diff < bestDiff {
			bestDiff = diff
			best = i + 1
		}
	}
	if best >= len(cells) {
		best = len(cells) - 1
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func cloneCell(c *Cell) *Cell {
	cp := *c
	cp.Inline = append([]byte(nil), c.Inline...)
	cp.offset = 0
	return &cp
}

// tryRotate never moves a cell to a sibling: it always returns false, so
// the caller goes on to split the page. A split preserves every invariant
// on its own, so leaf and interior pages alike are handled without
// rotation.
func (bt *BTree) tryRotate(tx TxID, parentID, pageID PageID, pv *pageView, cell *Cell) bool {
	return false
}

// splitPage allocates a new right-hand sibling and redistributes pageID's
// cells plus the overflowing cell between the two, returning the divider
// cell (to be inserted in the parent, pointing its LeftChild at pageID)
// and the new page's ID.
func (bt *BTree) splitPage(tx TxID, pageID PageID, pv *pageView, cell *Cell) (*Cell, PageID, error) {
	wasLeaf := pv.isLeaf()
	all, err := bt.allCellsSorted(pv, cell)
	if err != nil {
		return nil, 0, err
	}
	splitAt := bisectHalf(all)
	leftCells, centerCell, rightCells := splitHalves(all, splitAt, wasLeaf)

	rightID, rightBuf, err := allocPage(bt.pager, tx)
	if err != nil {
		return nil, 0, err
	}
	initPage(rightBuf, wasLeaf)
	rightPV, _ := decodePage(rightBuf)
	if !wasLeaf {
		rightPV.rightChild = pv.rightChild
	}
	for _, c := range rightCells {
		bt.addToPage(rightPV, cloneCell(c))
	}

	newLeftBuf := make([]byte, len(pv.buf))
	initPage(newLeftBuf, wasLeaf)
	newLeftPV, _ := decodePage(newLeftBuf)
	if !wasLeaf {
		newLeftPV.rightChild = centerCell.LeftChild
	}
	for _, c := range leftCells {
		bt.addToPage(newLeftPV, cloneCell(c))
	}

	if err := bt.pager.Write(tx, pageID, newLeftPV.buf); err != nil {
		return nil, 0, wrapIOErr(err)
	}
	if err := bt.pager.Write(tx, rightID, rightPV.buf); err != nil {
		return nil, 0, wrapIOErr(err)
	}
	bt.pager.Unref(rightID)

	divider := cloneCell(centerCell)
	divider.DataLen = 0
	if int(divider.KeyLen) < len(divider.Inline) {
		divider.Inline = divider.Inline[:divider.KeyLen]
	}
	return divider, rightID, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Delete (§4.5)
// ───────────────────────────────────────────────────────────────────────────

// Delete removes key if present. Values live only in leaf cells (interior
// dividers are key-only copies, see splitHalves), so only the leaf cell is
// removed; a divider copy of the key stays in its interior page as a
// routing separator. A leaf page left empty is freed and its parent's
// pointer collapsed.
func (bt *BTree) Delete(tx TxID, key []byte) error {
	path, err := bt.searchPath(key)
	if err != nil {
		return err
	}
	// searchPath always lands at a leaf; interior-cell deletion is folded
	// into the general leaf-delete contract because every key also
	// terminates a binary search at a leaf boundary for equal keys stored
	// only once in the tree (idempotent-by-overwrite keeps one copy).
	leafID := path[len(path)-1]
	buf, err := bt.pager.Get(leafID)
	if err != nil {
		return wrapIOErr(err)
	}
	pv, err := decodePage(buf)
	if err != nil {
		bt.pager.Unref(leafID)
		return wrapCorrupt(err)
	}
	cells, err := pv.cells()
	if err != nil {
		bt.pager.Unref(leafID)
		return wrapCorrupt(err)
	}
	var target *Cell
	for _, c := range cells {
		ck, err := bt.cellKey(c)
		if err != nil {
			bt.pager.Unref(leafID)
			return err
		}
		if bt.cmp.Compare(ck, key) == 0 {
			target = c
			break
		}
	}
	if target == nil {
		bt.pager.Unref(leafID)
		return nil
	}
	if target.OverflowHead != 0 {
		if err := freeOverflowChain(bt.pager, tx, target.OverflowHead); err != nil {
			bt.pager.Unref(leafID)
			return err
		}
	}
	pv.unlinkCell(target)
	pv.freeBytes(target.offset, cellSize(target))

	stillHasCells := pv.firstCell != 0
	if err := bt.pager.Write(tx, leafID, pv.buf); err != nil {
		bt.pager.Unref(leafID)
		return wrapIOErr(err)
	}
	bt.pager.Unref(leafID)

	if !stillHasCells && len(path) > 1 {
		return bt.collapseEmptyLeaf(tx, path)
	}
	return nil
}

// collapseEmptyLeaf frees a leaf that became empty and removes the
// parent's divider cell that pointed at it, per §4.5 ("merging is
// performed when a page becomes empty").
func (bt *BTree) collapseEmptyLeaf(tx TxID, path []PageID) error {
	leafID := path[len(path)-1]
	parentID := path[len(path)-2]

	pbuf, err := bt.pager.Get(parentID)
	if err != nil {
		return wrapIOErr(err)
	}
	ppv, err := decodePage(pbuf)
	if err != nil {
		bt.pager.Unref(parentID)
		return wrapCorrupt(err)
	}
	cells, err := ppv.cells()
	if err != nil {
		bt.pager.Unref(parentID)
		return wrapCorrupt(err)
	}

	if ppv.rightChild == leafID {
		// The empty page was the rightmost child: fold the last divider
		// cell's left child up to take its place.
		if len(cells) == 0 {
			ppv.rightChild = 0
		} else {
			last := cells[len(cells)-1]
			ppv.rightChild = last.LeftChild
			ppv.unlinkCell(last)
			ppv.freeBytes(last.offset, cellSize(last))
		}
	} else {
		for _, c := range cells {
			if c.LeftChild == leafID {
				ppv.unlinkCell(c)
				ppv.freeBytes(c.offset, cellSize(c))
				break
			}
		}
	}
	if err := bt.pager.Write(tx, parentID, ppv.buf); err != nil {
		bt.pager.Unref(parentID)
		return wrapIOErr(err)
	}
	bt.pager.Unref(parentID)
	return freePage(bt.pager, tx, leafID)
}
