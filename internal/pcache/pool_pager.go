package pcache

import (
	"fmt"
	"os"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// ───────────────────────────────────────────────────────────────────────────
// Page frame / buffer pool
// ───────────────────────────────────────────────────────────────────────────

// PageFrame is one in-memory cached page.
type PageFrame struct {
	id     PageID
	buf    []byte
	dirty  bool
	lsn    LSN
	pinned int
	prev   *PageFrame
	next   *PageFrame
}

// pagePool is an LRU cache of page frames. Pages with a non-zero pin count
// are never evicted; eviction only reclaims clean, unpinned frames since a
// dirty frame still owes a write to the journal/file.
type pagePool struct {
	mu       sync.Mutex
	maxPages int
	pages    map[PageID]*PageFrame
	head     *PageFrame
	tail     *PageFrame
}

func newPagePool(maxPages int) *pagePool {
	if maxPages <= 0 {
		maxPages = 1024
	}
	return &pagePool{maxPages: maxPages, pages: make(map[PageID]*PageFrame, maxPages)}
}

func (pp *pagePool) get(id PageID) (*PageFrame, bool) {
	f, ok := pp.pages[id]
	if ok {
		pp.moveToFront(f)
	}
	return f, ok
}

func (pp *pagePool) put(f *PageFrame) {
	if _, exists := pp.pages[f.id]; exists {
		pp.moveToFront(f)
		return
	}
	for len(pp.pages) >= pp.maxPages {
		if !pp.evictOne() {
			break
		}
	}
	pp.pages[f.id] = f
	pp.pushFront(f)
}

func (pp *pagePool) remove(id PageID) {
	f, ok := pp.pages[id]
	if !ok {
		return
	}
	pp.unlink(f)
	delete(pp.pages, id)
}

func (pp *pagePool) evictOne() bool {
	for f := pp.tail; f != nil; f = f.prev {
		if f.pinned == 0 && !f.dirty {
			pp.unlink(f)
			delete(pp.pages, f.id)
			return true
		}
	}
	return false
}

func (pp *pagePool) pushFront(f *PageFrame) {
	f.prev = nil
	f.next = pp.head
	if pp.head != nil {
		pp.head.prev = f
	}
	pp.head = f
	if pp.tail == nil {
		pp.tail = f
	}
}

func (pp *pagePool) unlink(f *PageFrame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		pp.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		pp.tail = f.prev
	}
	f.prev, f.next = nil, nil
}

func (pp *pagePool) moveToFront(f *PageFrame) {
	pp.unlink(f)
	pp.pushFront(f)
}

// ───────────────────────────────────────────────────────────────────────────
// Pager
// ───────────────────────────────────────────────────────────────────────────

// Config configures a Pager.
type Config struct {
	Path          string // database file path
	WALPath       string // journal path; defaults to Path+".wal"
	PageSize      int    // 0 = DefaultPageSize
	MaxCachePages int    // buffer pool capacity (0 = default 1024)
}

// Pager is the page cache described by the design: it fetches pages by
// number, pins/unpins them, journals writes so a transaction can be rolled
// back, and durably commits dirty pages to the database file. It has no
// knowledge of cells, keys, or B-trees.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	wal      *WALFile
	pool     *pagePool
	pageSize int
	path     string
	walPath  string
	closed   bool

	pageCount  int // highest page number in the file (pages are numbered from 1)
	nextTx     TxID
	beforeImgs map[TxID]map[PageID][]byte // undo journal for the live transaction
	destructor func(PageID)
}

// Open opens or creates a page-based file and its journal.
func Open(cfg Config) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = DefaultPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return nil, fmt.Errorf("pcache: invalid page size %d", ps)
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pcache: open db file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	pageCount := int(fi.Size() / int64(ps))
	if pageCount > 0 {
		pageCount-- // page N sits at offset N*ps; the slot at offset 0 is unused
	}

	walPath := cfg.WALPath
	if walPath == "" {
		walPath = cfg.Path + ".wal"
	}
	wf, err := OpenWALFile(walPath, ps)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pcache: open journal: %w", err)
	}

	p := &Pager{
		file:       f,
		wal:        wf,
		pool:       newPagePool(cfg.MaxCachePages),
		pageSize:   ps,
		path:       cfg.Path,
		walPath:    walPath,
		pageCount:  pageCount,
		nextTx:     1,
		beforeImgs: make(map[TxID]map[PageID][]byte),
	}

	if pageCount > 0 {
		if err := p.recoverFromJournal(); err != nil {
			wf.Close()
			f.Close()
			return nil, fmt.Errorf("pcache: recovery: %w", err)
		}
	}

	return p, nil
}

func (p *Pager) readPageRaw(id PageID) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("pcache: read page %d: %w", id, err)
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *Pager) writePageRaw(id PageID, buf []byte) error {
	SetPageCRC(buf)
	off := int64(id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("pcache: write page %d: %w", id, err)
	}
	return nil
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// PageCount returns the highest page number in the file; pages are
// numbered from 1 and page N sits at offset N*PageSize.
func (p *Pager) PageCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageCount
}

// SetDestructor registers fn to be invoked whenever a page's pin count
// drops to zero. The B-tree layer registers a callback that does nothing;
// unpinned pages are left to the pool's LRU eviction.
func (p *Pager) SetDestructor(fn func(PageID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destructor = fn
}

// Get fetches and pins a page. Callers must Unref it when done.
func (p *Pager) Get(id PageID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.pool.mu.Lock()
	if f, ok := p.pool.get(id); ok {
		f.pinned++
		buf := f.buf
		p.pool.mu.Unlock()
		return buf, nil
	}
	p.pool.mu.Unlock()

	if int(id) > p.pageCount || id == InvalidPageID {
		return nil, fmt.Errorf("pcache: page %d out of range (count %d)", id, p.pageCount)
	}
	buf, err := p.readPageRaw(id)
	if err != nil {
		return nil, err
	}
	f := &PageFrame{id: id, buf: buf, pinned: 1}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return buf, nil
}

// Lookup returns a page's bytes if already resident in the cache, without
// pinning it. It returns nil if the page is not cached.
func (p *Pager) Lookup(id PageID) []byte {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.pages[id]; ok {
		return f.buf
	}
	return nil
}

// Ref increments a page's pin count. The page must already be resident.
func (p *Pager) Ref(id PageID) {
	p.pool.mu.Lock()
	defer p.pool.mu.Unlock()
	if f, ok := p.pool.pages[id]; ok {
		f.pinned++
	}
}

// Unref decrements a page's pin count, invoking the destructor callback
// (if set) when the count reaches zero.
func (p *Pager) Unref(id PageID) {
	p.pool.mu.Lock()
	var callDestructor bool
	if f, ok := p.pool.pages[id]; ok && f.pinned > 0 {
		f.pinned--
		callDestructor = f.pinned == 0
	}
	p.pool.mu.Unlock()
	if callDestructor && p.destructor != nil {
		p.destructor(id)
	}
}

// BeginTx starts a write transaction; its before-images accumulate until
// Commit or Rollback.
func (p *Pager) BeginTx() TxID {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx := p.nextTx
	p.nextTx++
	p.beforeImgs[tx] = make(map[PageID][]byte)
	return tx
}

// Write marks a page dirty under txID, keeps its before-image in memory
// (for Rollback) and journals its after-image (for crash recovery).
func (p *Pager) Write(txID TxID, id PageID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	bi := p.beforeImgs[txID]
	if bi == nil {
		bi = make(map[PageID][]byte)
		p.beforeImgs[txID] = bi
	}
	if _, captured := bi[id]; !captured {
		p.pool.mu.Lock()
		f, ok := p.pool.pages[id]
		p.pool.mu.Unlock()
		// Callers edit the cached buffer in place before calling Write, so
		// a page already in the file takes its before-image from disk.
		if before, err := p.readPageRaw(id); err == nil {
			bi[id] = before
		} else if ok {
			before := make([]byte, len(f.buf))
			copy(before, f.buf)
			bi[id] = before
		} else {
			bi[id] = nil // newly allocated page: before-image is "doesn't exist"
		}
	}

	cp := bytebufferpool.Get()
	defer bytebufferpool.Put(cp)
	cp.Write(buf)
	SetPageCRC(cp.B)

	rec := &WALRecord{Type: WALRecordPageImage, TxID: txID, PageID: id, Data: append([]byte{}, cp.B...)}
	lsn, err := p.wal.AppendRecord(rec)
	if err != nil {
		return fmt.Errorf("pcache: journal write page %d: %w", id, err)
	}

	p.pool.mu.Lock()
	f, ok := p.pool.pages[id]
	if !ok {
		f = &PageFrame{id: id}
		p.pool.put(f)
	}
	f.buf = append([]byte{}, cp.B...)
	f.dirty = true
	f.lsn = lsn
	p.pool.mu.Unlock()
	return nil
}

// AllocPage extends the file by one page and returns it pinned and zeroed.
// The B-tree layer's own free-page list is consulted first; AllocPage is
// the fallback when that list is empty.
func (p *Pager) AllocPage() (PageID, []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := PageID(p.pageCount + 1)
	p.pageCount++
	buf := make([]byte, p.pageSize)
	f := &PageFrame{id: id, buf: buf, pinned: 1, dirty: true}
	p.pool.mu.Lock()
	p.pool.put(f)
	p.pool.mu.Unlock()
	return id, buf
}

// Commit writes a COMMIT record, flushes every dirty page touched by txID
// to the database file, fsyncs, and discards the transaction's before-images.
func (p *Pager) Commit(txID TxID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &WALRecord{Type: WALRecordCommit, TxID: txID}
	if _, err := p.wal.AppendRecord(rec); err != nil {
		return err
	}
	if err := p.wal.Sync(); err != nil {
		return err
	}

	bi := p.beforeImgs[txID]
	p.pool.mu.Lock()
	for id := range bi {
		f, ok := p.pool.pages[id]
		if !ok {
			continue
		}
		if err := p.writePageRaw(id, f.buf); err != nil {
			p.pool.mu.Unlock()
			return fmt.Errorf("pcache: commit flush page %d: %w", id, err)
		}
		f.dirty = false
	}
	p.pool.mu.Unlock()
	delete(p.beforeImgs, txID)

	if err := p.file.Sync(); err != nil {
		return err
	}
	return p.wal.Truncate()
}

// Rollback restores every page touched by txID to its before-image and
// discards the transaction's dirty state.
func (p *Pager) Rollback(txID TxID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	bi := p.beforeImgs[txID]
	p.pool.mu.Lock()
	for id, before := range bi {
		if before == nil {
			p.pool.remove(id)
			continue
		}
		f, ok := p.pool.pages[id]
		if !ok {
			f = &PageFrame{id: id}
			p.pool.put(f)
		}
		f.buf = before
		f.dirty = false
	}
	p.pool.mu.Unlock()
	delete(p.beforeImgs, txID)

	rec := &WALRecord{Type: WALRecordAbort, TxID: txID}
	_, err := p.wal.AppendRecord(rec)
	return err
}

// Close flushes outstanding state and closes the underlying files.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.wal.Close(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// WALPath returns the journal file path.
func (p *Pager) WALPath() string { return p.walPath }
