package btree

import "github.com/embeddb/embeddb/internal/pcache"

// ───────────────────────────────────────────────────────────────────────────
// File-wide free-page list (§4.3)
// ───────────────────────────────────────────────────────────────────────────
//
// Freed pages are pushed onto a LIFO stack threaded through the same
// chain-page shape overflow pages use (see chain.go); the stack's head is
// recorded in the file header. Reusing a recently freed page is cheap
// because it is usually still warm in the cache.

// freePage pushes id onto the file-wide free list.
func freePage(p *pcache.Pager, tx TxID, id PageID) error {
	hdrBuf, err := p.Get(RootPageID)
	if err != nil {
		return wrapIOErr(err)
	}
	hdr, err := loadFileHeader(hdrBuf)
	if err != nil {
		p.Unref(RootPageID)
		return wrapCorrupt(err)
	}

	buf := make([]byte, p.PageSize())
	initChainPage(buf, hdr.freeListHead, nil)
	if err := p.Write(tx, id, buf); err != nil {
		p.Unref(RootPageID)
		return wrapIOErr(err)
	}

	hdr.freeListHead = id
	storeFileHeader(hdrBuf, hdr)
	err = p.Write(tx, RootPageID, hdrBuf)
	p.Unref(RootPageID)
	return wrapIOErr(err)
}

// popFreePage pops and returns a page from the file-wide free list. ok is
// false if the list is empty, in which case the caller should fall back
// to pcache.Pager.AllocPage.
func popFreePage(p *pcache.Pager, tx TxID) (id PageID, buf []byte, ok bool, err error) {
	hdrBuf, err := p.Get(RootPageID)
	if err != nil {
		return 0, nil, false, wrapIOErr(err)
	}
	hdr, err := loadFileHeader(hdrBuf)
	if err != nil {
		p.Unref(RootPageID)
		return 0, nil, false, wrapCorrupt(err)
	}
	if hdr.freeListHead == 0 {
		p.Unref(RootPageID)
		return 0, nil, false, nil
	}

	id = hdr.freeListHead
	pageBuf, err := p.Get(id)
	if err != nil {
		p.Unref(RootPageID)
		return 0, nil, false, wrapIOErr(err)
	}
	hdr.freeListHead = chainNext(pageBuf)
	storeFileHeader(hdrBuf, hdr)
	if err := p.Write(tx, RootPageID, hdrBuf); err != nil {
		p.Unref(id)
		p.Unref(RootPageID)
		return 0, nil, false, wrapIOErr(err)
	}
	p.Unref(RootPageID)
	return id, pageBuf, true, nil
}
