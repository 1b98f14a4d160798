package btree

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// File header (§3)
// ───────────────────────────────────────────────────────────────────────────
//
// Page 1 is a fixed, well-known page: two magic words identify the file
// as belonging to this store, followed by the head of the file-wide
// free-page list and the root page of the master table directory.
//
//   [32:36] Magic1        uint32
//   [36:40] Magic2        uint32
//   [40:44] FreeListHead  PageID
//   [44:48] MasterRoot    PageID

const (
	fileMagic1 = 0x4542_4442 // "EBDB"
	fileMagic2 = 0x4254_5245 // "BTRE"

	fileHeaderFreeListOff = 32 + 8
	fileHeaderMasterOff   = 32 + 12
)

type fileHeader struct {
	freeListHead PageID
	masterRoot   PageID
}

func initFileHeaderPage(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[32:36], fileMagic1)
	binary.LittleEndian.PutUint32(buf[36:40], fileMagic2)
}

func loadFileHeader(buf []byte) (*fileHeader, error) {
	if binary.LittleEndian.Uint32(buf[32:36]) != fileMagic1 ||
		binary.LittleEndian.Uint32(buf[36:40]) != fileMagic2 {
		return nil, fmt.Errorf("btree: bad file header magic")
	}
	return &fileHeader{
		freeListHead: PageID(binary.LittleEndian.Uint32(buf[fileHeaderFreeListOff : fileHeaderFreeListOff+4])),
		masterRoot:   PageID(binary.LittleEndian.Uint32(buf[fileHeaderMasterOff : fileHeaderMasterOff+4])),
	}, nil
}

func storeFileHeader(buf []byte, h *fileHeader) {
	binary.LittleEndian.PutUint32(buf[fileHeaderFreeListOff:fileHeaderFreeListOff+4], uint32(h.freeListHead))
	binary.LittleEndian.PutUint32(buf[fileHeaderMasterOff:fileHeaderMasterOff+4], uint32(h.masterRoot))
}
