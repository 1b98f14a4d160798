package btree

import (
	"fmt"

	"github.com/embeddb/embeddb/internal/pcache"
)

// ───────────────────────────────────────────────────────────────────────────
// Overflow chains (§4.2)
// ───────────────────────────────────────────────────────────────────────────
//
// A cell whose key+data can't fit inline spills its tail into a chain of
// pages, each carrying as much payload as fits plus a pointer to the next
// page. writeOverflow and readOverflow are the chain's only writers and
// readers; freeOverflowChain returns every page in a chain to the
// file-wide free list.

// writeOverflow lays payload across as many freshly allocated pages as
// needed and returns the chain's head page number.
func writeOverflow(p *pcache.Pager, tx TxID, payload []byte) (PageID, error) {
	capacity := chainPayloadCap(p.PageSize())
	var head PageID
	var prevID PageID
	var prevBuf []byte

	for off := 0; off < len(payload); off += capacity {
		end := off + capacity
		if end > len(payload) {
			end = len(payload)
		}
		id, buf, err := allocPage(p, tx)
		if err != nil {
			return 0, err
		}
		initChainPage(buf, 0, payload[off:end])
		if err := p.Write(tx, id, buf); err != nil {
			p.Unref(id)
			return 0, wrapIOErr(err)
		}
		if head == 0 {
			head = id
		}
		if prevID != 0 {
			setChainNext(prevBuf, id)
			if err := p.Write(tx, prevID, prevBuf); err != nil {
				p.Unref(id)
				return 0, wrapIOErr(err)
			}
			p.Unref(prevID)
		}
		prevID, prevBuf = id, buf
	}
	if prevID != 0 {
		p.Unref(prevID)
	}
	return head, nil
}

// readOverflow returns length bytes starting at skip bytes into the chain
// rooted at head. A chain that runs out of pages before length bytes have
// been collected is corrupt (§4.2: "short chain... reports corrupt").
func readOverflow(p *pcache.Pager, head PageID, skip, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	id := head
	for id != 0 && len(out) < length {
		buf, err := p.Get(id)
		if err != nil {
			return nil, wrapIOErr(err)
		}
		data := chainData(buf)
		if skip >= len(data) {
			skip -= len(data)
		} else {
			take := len(data) - skip
			if take > length-len(out) {
				take = length - len(out)
			}
			out = append(out, data[skip:skip+take]...)
			skip = 0
		}
		next := chainNext(buf)
		p.Unref(id)
		id = next
	}
	if len(out) < length {
		return nil, wrapCorrupt(fmt.Errorf("btree: overflow chain ended after %d bytes, wanted %d", len(out), length))
	}
	return out, nil
}

// freeOverflowChain walks the chain rooted at head, returning every page
// to the file-wide free list.
func freeOverflowChain(p *pcache.Pager, tx TxID, head PageID) error {
	id := head
	for id != 0 {
		buf, err := p.Get(id)
		if err != nil {
			return wrapIOErr(err)
		}
		next := chainNext(buf)
		p.Unref(id)
		if err := freePage(p, tx, id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
