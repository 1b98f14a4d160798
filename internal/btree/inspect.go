package btree

import "github.com/dustin/go-humanize"

// Stats summarises a database file's page usage for diagnostics and the
// command-line inspect tool.
type Stats struct {
	PageSize  int
	PageCount int
	FreePages int
}

// Inspect walks the file-wide free list and reports page usage.
func (db *DB) Inspect() (Stats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	hdrBuf, err := db.pager.Get(RootPageID)
	if err != nil {
		return Stats{}, wrapIOErr(err)
	}
	defer db.pager.Unref(RootPageID)
	hdr, err := loadFileHeader(hdrBuf)
	if err != nil {
		return Stats{}, wrapCorrupt(err)
	}

	free := 0
	id := hdr.freeListHead
	seen := map[PageID]bool{}
	for id != 0 && !seen[id] {
		seen[id] = true
		free++
		buf, err := db.pager.Get(id)
		if err != nil {
			return Stats{}, wrapIOErr(err)
		}
		next := chainNext(buf)
		db.pager.Unref(id)
		id = next
	}

	return Stats{
		PageSize:  db.pager.PageSize(),
		PageCount: db.pager.PageCount(),
		FreePages: free,
	}, nil
}

// String renders stats in human-friendly units.
func (s Stats) String() string {
	used := s.PageCount - s.FreePages
	return humanize.Comma(int64(used)) + " pages in use, " +
		humanize.Comma(int64(s.FreePages)) + " free, page size " +
		humanize.Bytes(uint64(s.PageSize))
}
