package btree

import (
	"encoding/binary"

	"github.com/embeddb/embeddb/internal/pcache"
)

// ───────────────────────────────────────────────────────────────────────────
// Shared chain-page layout
// ───────────────────────────────────────────────────────────────────────────
//
// Overflow pages and free-list pages are the same physical shape: a
// pointer to the next page in the chain plus a payload. What a chain page
// *means* is determined entirely by reachability — a page hanging off a
// cell's OverflowHead is payload storage; the same layout hanging off the
// file header's free-list head is an unused page waiting to be reused.
// There is no on-page type tag to distinguish them, mirroring the fact
// that nothing needs to: a page is never walked from both directions at
// once.
//
//   [32:36] Next     PageID  — 0 terminates the chain
//   [36:40] DataLen  uint32  — payload bytes used on this page (0 on a
//                              free-list page, since it carries no payload)
//   [40:]   Data

const chainHeaderSize = pcache.PageHeaderSize + 8

func chainPayloadCap(pageSize int) int { return pageSize - chainHeaderSize }

func initChainPage(buf []byte, next PageID, data []byte) {
	for i := range buf {
		buf[i] = 0
	}
	h := &pcache.PageHeader{Kind: kindChain}
	pcache.MarshalHeader(h, buf)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(next))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(len(data)))
	copy(buf[chainHeaderSize:], data)
}

func chainNext(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(buf[32:36]))
}

func setChainNext(buf []byte, next PageID) {
	binary.LittleEndian.PutUint32(buf[32:36], uint32(next))
}

func chainDataLen(buf []byte) int {
	return int(binary.LittleEndian.Uint32(buf[36:40]))
}

func chainData(buf []byte) []byte {
	n := chainDataLen(buf)
	return buf[chainHeaderSize : chainHeaderSize+n]
}

const kindChain = 3
