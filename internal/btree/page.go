package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/embeddb/embeddb/internal/pcache"
)

// ───────────────────────────────────────────────────────────────────────────
// Page layout
// ───────────────────────────────────────────────────────────────────────────
//
// Every page begins with the 32-byte common header (pcache.PageHeader),
// followed by an 8-byte page-specific header:
//
//   [32:36] RightChild      PageID  — rightmost child; 0 on a leaf
//   [36:38] FirstCell       uint16  — offset of the first cell, in key order
//   [38:40] FirstFreeblock  uint16  — offset of the first free block
//
// From contentStart to the end of the page, bytes belong either to a cell
// or to a free block. Cells are threaded together in ascending key order
// by the next-cell-offset field embedded in each cell; there is no
// separate slot directory. Free blocks form their own singly linked list,
// in ascending byte-offset order, each at least 4 bytes and 4-byte
// aligned: {size uint16, next uint16}.

const (
	pageSpecificHeaderSize = 8
	contentStart           = pcache.PageHeaderSize + pageSpecificHeaderSize

	kindLeaf     = 1
	kindInterior = 2
)

type pageView struct {
	buf            []byte
	rightChild     PageID
	firstCell      int
	firstFreeblock int
}

// initPage zeroes buf and writes an empty page header for a fresh leaf or
// interior page, with one free block spanning the whole content area.
func initPage(buf []byte, leaf bool) {
	for i := range buf {
		buf[i] = 0
	}
	kind := uint8(kindInterior)
	if leaf {
		kind = kindLeaf
	}
	h := &pcache.PageHeader{Kind: kind}
	pcache.MarshalHeader(h, buf)
	binary.LittleEndian.PutUint16(buf[36:38], 0)
	freeSize := len(buf) - contentStart
	binary.LittleEndian.PutUint16(buf[38:40], uint16(contentStart))
	binary.LittleEndian.PutUint16(buf[contentStart:contentStart+2], uint16(freeSize))
	binary.LittleEndian.PutUint16(buf[contentStart+2:contentStart+4], 0)
}

// decodePage parses a page's specific header into a pageView. The buffer
// itself is shared, not copied, so writes through pv.buf persist.
func decodePage(buf []byte) (*pageView, error) {
	if len(buf) < contentStart+4 {
		return nil, fmt.Errorf("btree: page too small (%d bytes)", len(buf))
	}
	if err := pcache.VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	pv := &pageView{
		buf:            buf,
		rightChild:     PageID(binary.LittleEndian.Uint32(buf[32:36])),
		firstCell:      int(binary.LittleEndian.Uint16(buf[36:38])),
		firstFreeblock: int(binary.LittleEndian.Uint16(buf[38:40])),
	}
	return pv, nil
}

func (pv *pageView) isLeaf() bool {
	return pv.rightChild == InvalidPageID
}

func (pv *pageView) syncHeader() {
	binary.LittleEndian.PutUint32(pv.buf[32:36], uint32(pv.rightChild))
	binary.LittleEndian.PutUint16(pv.buf[36:38], uint16(pv.firstCell))
	binary.LittleEndian.PutUint16(pv.buf[38:40], uint16(pv.firstFreeblock))
}

// ───────────────────────────────────────────────────────────────────────────
// Cell list (§4.1, §4.5)
// ───────────────────────────────────────────────────────────────────────────

// cells walks the in-page linked list and returns every cell in key order.
func (pv *pageView) cells() ([]*Cell, error) {
	var out []*Cell
	off := pv.firstCell
	seen := make(map[int]bool)
	for off != 0 {
		if seen[off] || off < contentStart || off >= len(pv.buf) {
			return nil, fmt.Errorf("btree: corrupt cell chain at offset %d", off)
		}
		seen[off] = true
		keyLen, dataLen := peekCellLens(pv.buf, off)
		inlineLen := int(keyLen + dataLen)
		if lim := inlineLimit(len(pv.buf)); inlineLen > lim {
			inlineLen = lim
		}
		c := unmarshalCell(pv.buf, off, inlineLen)
		out = append(out, c)
		off = cellNextOffset(pv.buf, off)
	}
	return out, nil
}

// insertCellSorted splices cell (already written at cell.offset) into the
// page's key-ordered linked list.
func (pv *pageView) insertCellSorted(bt *BTree, cell *Cell) {
	cellKey, _ := bt.cellKey(cell)
	prevOff := 0
	curOff := pv.firstCell
	for curOff != 0 {
		keyLen, dataLen := peekCellLens(pv.buf, curOff)
		inlineLen := int(keyLen + dataLen)
		if lim := inlineLimit(len(pv.buf)); inlineLen > lim {
			inlineLen = lim
		}
		cur := unmarshalCell(pv.buf, curOff, inlineLen)
		curKey, _ := bt.cellKey(cur)
		if bt.cmp.Compare(cellKey, curKey) < 0 {
			break
		}
		prevOff = curOff
		curOff = cellNextOffset(pv.buf, curOff)
	}
	setCellNextOffset(pv.buf, cell.offset, curOff)
	if prevOff == 0 {
		pv.firstCell = cell.offset
	} else {
		setCellNextOffset(pv.buf, prevOff, cell.offset)
	}
	pv.syncHeader()
}

// unlinkCell removes target from the page's linked list without freeing
// its bytes (the caller does that separately via freeBytes).
func (pv *pageView) unlinkCell(target *Cell) {
	prevOff := 0
	curOff := pv.firstCell
	for curOff != 0 {
		next := cellNextOffset(pv.buf, curOff)
		if curOff == target.offset {
			if prevOff == 0 {
				pv.firstCell = next
			} else {
				setCellNextOffset(pv.buf, prevOff, next)
			}
			pv.syncHeader()
			return
		}
		prevOff = curOff
		curOff = next
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Free-block allocator (§4.4)
// ───────────────────────────────────────────────────────────────────────────

// alloc finds (first-fit) or carves out n bytes from the free-block list.
// If no single block is large enough but the total free space is, it
// defragments the page (packing every live cell contiguously from
// contentStart, per §4.4) and retries once before giving up.
func (pv *pageView) alloc(n int) (int, bool) {
	n = roundUp4(n)
	if off, ok := pv.allocFirstFit(n); ok {
		return off, true
	}
	if pv.freeBytesTotal() < n {
		return 0, false
	}
	if err := pv.defragment(); err != nil {
		return 0, false
	}
	return pv.allocFirstFit(n)
}

// allocFirstFit is the plain first-fit pass alloc retries after a
// defragment; n must already be rounded up to a multiple of 4.
func (pv *pageView) allocFirstFit(n int) (int, bool) {
	prevOff := 0
	curOff := pv.firstFreeblock
	for curOff != 0 {
		size := int(binary.LittleEndian.Uint16(pv.buf[curOff : curOff+2]))
		next := int(binary.LittleEndian.Uint16(pv.buf[curOff+2 : curOff+4]))
		if size >= n {
			remaining := size - n
			if remaining < 4 {
				// Consume the whole block.
				if prevOff == 0 {
					pv.firstFreeblock = next
				} else {
					binary.LittleEndian.PutUint16(pv.buf[prevOff+2:prevOff+4], uint16(next))
				}
			} else {
				// Shrink the block in place, allocating from its tail so
				// the block's own offset (and the list pointing at it)
				// doesn't need to move.
				binary.LittleEndian.PutUint16(pv.buf[curOff:curOff+2], uint16(remaining))
				newOff := curOff + remaining
				binary.LittleEndian.PutUint16(pv.buf[newOff:newOff+2], uint16(n))
				pv.syncHeader()
				return newOff, true
			}
			pv.syncHeader()
			return curOff, true
		}
		prevOff = curOff
		curOff = next
	}
	return 0, false
}

// freeBytesTotal sums every free block's size.
func (pv *pageView) freeBytesTotal() int {
	total := 0
	for off := pv.firstFreeblock; off != 0; {
		size := int(binary.LittleEndian.Uint16(pv.buf[off : off+2]))
		total += size
		off = int(binary.LittleEndian.Uint16(pv.buf[off+2 : off+4]))
	}
	return total
}

// defragment rewrites the page so every live cell sits contiguously from
// contentStart in the same key order the linked list already carries,
// and collapses all free space into one trailing block.
func (pv *pageView) defragment() error {
	cells, err := pv.cells()
	if err != nil {
		return err
	}
	off := contentStart
	prevOff := 0
	pv.firstCell = 0
	for _, c := range cells {
		raw := marshalCell(c)
		size := cellSize(c)
		copy(pv.buf[off:off+len(raw)], raw)
		for i := len(raw); i < size; i++ {
			pv.buf[off+i] = 0
		}
		c.offset = off
		if prevOff == 0 {
			pv.firstCell = off
		} else {
			setCellNextOffset(pv.buf, prevOff, off)
		}
		prevOff = off
		off += size
	}
	if prevOff != 0 {
		setCellNextOffset(pv.buf, prevOff, 0)
	}
	for i := off; i < len(pv.buf); i++ {
		pv.buf[i] = 0
	}
	freeSize := len(pv.buf) - off
	if freeSize >= 4 {
		binary.LittleEndian.PutUint16(pv.buf[off:off+2], uint16(freeSize))
		binary.LittleEndian.PutUint16(pv.buf[off+2:off+4], 0)
		pv.firstFreeblock = off
	} else {
		pv.firstFreeblock = 0
	}
	pv.syncHeader()
	return nil
}

// freeBytes returns the n bytes at off to the free-block list, in
// ascending-offset order, coalescing with an immediately following block.
func (pv *pageView) freeBytes(off, n int) {
	n = roundUp4(n)
	prevOff := 0
	curOff := pv.firstFreeblock
	for curOff != 0 && curOff < off {
		prevOff = curOff
		curOff = int(binary.LittleEndian.Uint16(pv.buf[curOff+2 : curOff+4]))
	}
	if curOff == off+n {
		// Coalesce with the following block.
		followSize := int(binary.LittleEndian.Uint16(pv.buf[curOff : curOff+2]))
		followNext := int(binary.LittleEndian.Uint16(pv.buf[curOff+2 : curOff+4]))
		n += followSize
		curOff = followNext
	}
	binary.LittleEndian.PutUint16(pv.buf[off:off+2], uint16(n))
	binary.LittleEndian.PutUint16(pv.buf[off+2:off+4], uint16(curOff))
	if prevOff == 0 {
		pv.firstFreeblock = off
	} else {
		prevEnd := prevOff + int(binary.LittleEndian.Uint16(pv.buf[prevOff:prevOff+2]))
		if prevEnd == off {
			// Coalesce with the preceding block.
			prevSize := int(binary.LittleEndian.Uint16(pv.buf[prevOff : prevOff+2]))
			binary.LittleEndian.PutUint16(pv.buf[prevOff:prevOff+2], uint16(prevSize+n))
			binary.LittleEndian.PutUint16(pv.buf[prevOff+2:prevOff+4], uint16(curOff))
		} else {
			binary.LittleEndian.PutUint16(pv.buf[prevOff+2:prevOff+4], uint16(off))
		}
	}
	pv.syncHeader()
}
