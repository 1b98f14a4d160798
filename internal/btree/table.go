package btree

import (
	"encoding/binary"

	"golang.org/x/text/cases"
)

// ───────────────────────────────────────────────────────────────────────────
// Table directory (§3)
// ───────────────────────────────────────────────────────────────────────────
//
// The master table is an ordinary BTree, rooted at the page recorded in
// the file header, whose keys are case-folded table names and whose
// values are the table's own root page number. Name comparison folds
// case via golang.org/x/text/cases rather than strings.ToLower so that
// table names round-trip correctly for the full Unicode case-folding
// rules a Turkish "İ" or German "ß" would otherwise trip up.

var tableNameFolder = cases.Fold()

func foldTableName(name string) []byte {
	return []byte(tableNameFolder.String(name))
}

// CreateTable allocates a new, empty table and records it in the master
// directory under name. It is an error to create a table that already
// exists.
func (db *DB) CreateTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.requireWrite(); err != nil {
		return err
	}
	key := foldTableName(name)
	if _, ok, err := db.master.Get(key); err != nil {
		return err
	} else if ok {
		return NewError(ERR, "table already exists: "+name)
	}

	bt, err := Create(db.pager, db.tx, db.cmp)
	if err != nil {
		return err
	}
	var val [4]byte
	binary.LittleEndian.PutUint32(val[:], uint32(bt.Root()))
	return db.master.Insert(db.tx, key, val[:])
}

// DropTable removes a table's directory entry. The table's own pages are
// not reclaimed: walking and freeing an entire tree's pages belongs to a
// maintenance/vacuum pass, not to the hot delete path.
func (db *DB) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.requireWrite(); err != nil {
		return err
	}
	return db.master.Delete(db.tx, foldTableName(name))
}

// Tables lists every table name currently recorded in the master
// directory, in key (case-folded) order. It uses an unregistered cursor
// internal to the master tree rather than DB.OpenCursor, so it can be
// called whether or not a transaction is open.
func (db *DB) Tables() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cur := db.master.OpenCursor()
	defer cur.Close()
	if err := cur.First(); err != nil {
		return nil, err
	}
	var names []string
	for cur.Valid() {
		k, err := cur.Key()
		if err != nil {
			return nil, err
		}
		names = append(names, string(k))
		if _, err := cur.Next(); err != nil {
			return nil, err
		}
	}
	return names, nil
}

// Table returns a handle to an existing table's BTree.
func (db *DB) Table(name string) (*BTree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	val, ok, err := db.master.Get(foldTableName(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewError(NOTFOUND, "no such table: "+name)
	}
	root := PageID(binary.LittleEndian.Uint32(val))
	return New(db.pager, root, db.cmp), nil
}

// OpenCursor opens a cursor on the named table, tracked by the DB so it
// is force-closed at the next Commit or Rollback.
func (db *DB) OpenCursor(name string) (*Cursor, error) {
	bt, err := db.Table(name)
	if err != nil {
		return nil, err
	}
	return db.registerCursor(bt.OpenCursor()), nil
}

// Insert writes key/value into the named table under the current write
// transaction.
func (db *DB) Insert(table string, key, value []byte) error {
	db.mu.Lock()
	if err := db.requireWrite(); err != nil {
		db.mu.Unlock()
		return err
	}
	db.mu.Unlock()
	bt, err := db.Table(table)
	if err != nil {
		return err
	}
	return bt.Insert(db.tx, key, value)
}

// Delete removes key from the named table under the current write
// transaction.
func (db *DB) Delete(table string, key []byte) error {
	db.mu.Lock()
	if err := db.requireWrite(); err != nil {
		db.mu.Unlock()
		return err
	}
	db.mu.Unlock()
	bt, err := db.Table(table)
	if err != nil {
		return err
	}
	return bt.Delete(db.tx, key)
}
