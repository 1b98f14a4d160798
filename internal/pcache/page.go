// Package pcache implements the page cache (pager) that the B-tree store
// builds on: a fixed-size page file with pin-counted in-memory frames, a
// write-ahead journal, and commit/rollback. The pager does not know
// anything about cells, keys, or B-trees — it hands out opaque page
// buffers by page number and guarantees that a write either lands
// durably at commit or is discarded at rollback.
package pcache

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultPageSize is the default page size in bytes.
	DefaultPageSize = 1024

	// MinPageSize is the smallest page size the pager accepts.
	MinPageSize = 512

	// MaxPageSize is the largest page size the pager accepts.
	MaxPageSize = 65536

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0]     Kind      (1 byte)  — opaque tag, interpreted by the client
	//   [1]     Flags     (1 byte)
	//   [2:4]   Reserved  (2 bytes)
	//   [4:8]   PageID    (4 bytes, uint32 LE)
	//   [8:16]  LSN       (8 bytes, uint64 LE)
	//   [16:20] CRC32     (4 bytes, uint32 LE)
	//   [20:32] Reserved  (12 bytes)
	PageHeaderSize = 32

	// InvalidPageID represents a null page pointer (0 means "no page").
	InvalidPageID PageID = 0

	// RootPageID is the only page with a fixed, well-known number: the
	// file header.
	RootPageID PageID = 1
)

// PageID is a 32-bit page number. 0 means "no page".
type PageID uint32

// LSN is a monotonically increasing log sequence number.
type LSN uint64

// TxID identifies one write transaction.
type TxID uint64

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the 32-byte header present at the start of every page.
// Clients (the B-tree layer) are free to use Kind/Flags however they like;
// the pager only reads ID, LSN, and CRC.
type PageHeader struct {
	Kind     uint8
	Flags    uint8
	Reserved uint16
	ID       PageID
	LSN      LSN
	CRC      uint32
	Pad      [12]byte
}

// MarshalHeader writes h into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("pcache: buffer too small for PageHeader")
	}
	buf[0] = h.Kind
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LSN))
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC)
	copy(buf[20:32], h.Pad[:])
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Kind = buf[0]
	h.Flags = buf[1]
	h.Reserved = binary.LittleEndian.Uint16(buf[2:4])
	h.ID = PageID(binary.LittleEndian.Uint32(buf[4:8]))
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[8:16]))
	h.CRC = binary.LittleEndian.Uint32(buf[16:20])
	copy(h.Pad[:], buf[20:32])
	return h
}

// ───────────────────────────────────────────────────────────────────────────
// CRC helpers
// ───────────────────────────────────────────────────────────────────────────

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 16:20) as zero during computation.
func ComputePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:16])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(page[20:])
	return h.Sum32()
}

// SetPageCRC computes and writes the CRC into the page header.
func SetPageCRC(page []byte) {
	binary.LittleEndian.PutUint32(page[16:20], ComputePageCRC(page))
}

// VerifyPageCRC reports whether the stored CRC matches the page contents.
func VerifyPageCRC(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[16:20])
	computed := ComputePageCRC(page)
	if stored != computed {
		pid := PageID(binary.LittleEndian.Uint32(page[4:8]))
		return fmt.Errorf("pcache: CRC mismatch on page %d: stored=%08x computed=%08x", pid, stored, computed)
	}
	return nil
}

// NewPage allocates a zeroed page buffer of the given size with its header set.
func NewPage(pageSize int, kind uint8, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &PageHeader{Kind: kind, ID: id}
	MarshalHeader(h, buf)
	return buf
}
