package btree

import (
	"fmt"
	"sync"

	"github.com/embeddb/embeddb/internal/pcache"
)

// ───────────────────────────────────────────────────────────────────────────
// Transaction surface (§4.7, §6)
// ───────────────────────────────────────────────────────────────────────────
//
// DB is the public handle a caller opens once per database file. It owns
// the pcache.Pager, the master table directory, and every open cursor,
// and walks between three states: idle, in a read transaction, or in a
// write transaction. Cursors are tracked on DB rather than kept in any
// ambient/global registry, so closeCursorsLocked (called by Commit,
// Rollback and Close) always has a complete list to release.

type txState int

const (
	stateIdle txState = iota
	stateRead
	stateWrite
)

// DB is the public entry point: open it, begin a transaction, open
// cursors against named tables, commit or roll back.
type DB struct {
	mu     sync.Mutex
	pager  *pcache.Pager
	master *BTree // table directory, rooted at a well-known page
	cmp    Comparator

	state        txState
	tx           TxID
	cursors      []*Cursor
	implicitRead bool // state==stateRead was entered by a cursor, not an explicit Begin
}

// Open opens (creating if necessary) a database file at path.
func Open(path string, cmp Comparator) (*DB, error) {
	return OpenWithPageSize(path, pcache.DefaultPageSize, cmp)
}

// OpenWithPageSize is Open with an explicit page size, only meaningful
// the first time a file is created.
func OpenWithPageSize(path string, pageSize int, cmp Comparator) (*DB, error) {
	if cmp == nil {
		cmp = DefaultComparator
	}
	p, err := pcache.Open(pcache.Config{Path: path, PageSize: pageSize})
	if err != nil {
		return nil, &Error{Code: CANTOPEN, Err: err}
	}
	db := &DB{pager: p, cmp: cmp}
	p.SetDestructor(func(PageID) {
		// Pages are reference-counted purely in memory; nothing to do on
		// pin-count zero beyond letting the pool's own LRU reclaim it.
		// The hook exists so the B-tree layer never has to special-case
		// when a page holding a cursor's last reference becomes eligible
		// for eviction versus one that still has a live parent pointer.
	})

	if err := db.bootstrap(); err != nil {
		p.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) bootstrap() error {
	if db.pager.PageCount() > 0 {
		hdrBuf, err := db.pager.Get(RootPageID)
		if err != nil {
			return wrapIOErr(err)
		}
		defer db.pager.Unref(RootPageID)
		hdr, err := loadFileHeader(hdrBuf)
		if err != nil {
			return wrapCorrupt(err)
		}
		db.master = New(db.pager, hdr.masterRoot, DefaultComparator)
		return nil
	}

	tx := db.pager.BeginTx()
	hdrID, hdrBuf := db.pager.AllocPage()
	if hdrID != RootPageID {
		db.pager.Unref(hdrID)
		return fmt.Errorf("btree: expected file header at page %d, got %d", RootPageID, hdrID)
	}
	initFileHeaderPage(hdrBuf)

	master, err := Create(db.pager, tx, DefaultComparator)
	if err != nil {
		db.pager.Unref(hdrID)
		return err
	}

	h := &fileHeader{masterRoot: master.Root()}
	storeFileHeader(hdrBuf, h)
	if err := db.pager.Write(tx, hdrID, hdrBuf); err != nil {
		db.pager.Unref(hdrID)
		return wrapIOErr(err)
	}
	db.pager.Unref(hdrID)
	if err := db.pager.Commit(tx); err != nil {
		return wrapIOErr(err)
	}
	db.master = master
	return nil
}

// Begin starts a transaction. write selects a write transaction; a read
// transaction simply snapshots the current committed state (this store
// has no MVCC, so "snapshot" means "whatever is on disk right now"). Per
// §4.7/§7.3, a writer cannot start while any cursor is open, since an open
// cursor holds a pin mid-tree that a write transaction could invalidate
// out from under it.
func (db *DB) Begin(write bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if write && len(db.cursors) > 0 {
		return NewError(ERR, "cannot begin a write transaction while cursors are open")
	}
	if db.state != stateIdle {
		return NewError(BUSY, "transaction already in progress")
	}
	if write {
		db.tx = db.pager.BeginTx()
		db.state = stateWrite
	} else {
		db.state = stateRead
	}
	return nil
}

// Commit ends a write transaction, persisting every change. On a read
// transaction it is a no-op that simply returns to idle.
func (db *DB) Commit() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closeCursorsLocked()
	switch db.state {
	case stateWrite:
		err := db.pager.Commit(db.tx)
		db.state = stateIdle
		return wrapIOErr(err)
	case stateRead:
		db.state = stateIdle
		return nil
	default:
		return NewError(PROTOCOL, "no transaction in progress")
	}
}

// Rollback discards an in-progress write transaction's changes.
func (db *DB) Rollback() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closeCursorsLocked()
	switch db.state {
	case stateWrite:
		err := db.pager.Rollback(db.tx)
		db.state = stateIdle
		return wrapIOErr(err)
	case stateRead:
		db.state = stateIdle
		return nil
	default:
		return NewError(PROTOCOL, "no transaction in progress")
	}
}

// closeCursorsLocked force-closes every tracked cursor. It is always called
// with db.mu already held, so it releases each cursor's pins directly
// (closeFrames) rather than through the public, owner-aware Close, which
// would try to re-lock db.mu to unregister itself.
func (db *DB) closeCursorsLocked() {
	for _, c := range db.cursors {
		c.closeFrames()
		c.owner = nil
	}
	db.cursors = nil
	db.implicitRead = false
}

// Close ends any open transaction and releases the underlying pager.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.state == stateWrite {
		db.pager.Rollback(db.tx)
	}
	db.closeCursorsLocked()
	db.state = stateIdle
	db.mu.Unlock()
	return db.pager.Close()
}

// registerCursor tracks c on db so Commit/Rollback force-close it and Begin
// can refuse a write transaction while it is outstanding. Per §4.7 ("a read
// lock at the pager level, established lazily on the first cursor or the
// first transaction"), opening the first cursor while idle starts an
// implicit read transaction; it never overrides an already-running read or
// write transaction.
func (db *DB) registerCursor(c *Cursor) *Cursor {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state == stateIdle {
		db.state = stateRead
		db.implicitRead = true
	}
	c.owner = db
	db.cursors = append(db.cursors, c)
	return c
}

// unregisterCursor drops c from db's tracked cursors, called from
// Cursor.Close. If that was the last open cursor and the current read
// transaction was only ever the implicit one a cursor started, the DB
// reverts to idle — matching §4.7's "release cursors' implicit read lock
// when the last cursor closes and no transaction remains".
func (db *DB) unregisterCursor(c *Cursor) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i, cur := range db.cursors {
		if cur == c {
			db.cursors = append(db.cursors[:i], db.cursors[i+1:]...)
			break
		}
	}
	if len(db.cursors) == 0 && db.state == stateRead && db.implicitRead {
		db.state = stateIdle
		db.implicitRead = false
	}
}

func (db *DB) requireWrite() error {
	if db.state != stateWrite {
		return NewError(READONLY, "no write transaction in progress")
	}
	return nil
}
