package btree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"
)

// ───────────────────────────────────────────────────────────────────────────
// Page-codec invariants (1)-(3)
// ───────────────────────────────────────────────────────────────────────────

func TestPageInvariants_CellsHeaderFreeSumToPageSize(t *testing.T) {
	const pageSize = 512
	buf := make([]byte, pageSize)
	initPage(buf, true)
	pv, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	bt := &BTree{cmp: DefaultComparator}

	keys := []string{"banana", "apple", "cherry", "date"}
	for _, k := range keys {
		c, err := bt.buildCell(0, 0, []byte(k), []byte("v-"+k), inlineLimit(pageSize))
		if err != nil {
			t.Fatalf("buildCell: %v", err)
		}
		if !bt.addToPage(pv, c) {
			t.Fatalf("addToPage(%q) failed unexpectedly", k)
		}
	}

	cells, err := pv.cells()
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	used := 0
	for _, c := range cells {
		used += cellSize(c)
	}
	free := pv.freeBytesTotal()
	if used+free != pageSize-contentStart {
		t.Fatalf("used(%d)+free(%d) != content area(%d)", used, free, pageSize-contentStart)
	}
}

func TestPageInvariants_CellsAscendingByKey(t *testing.T) {
	const pageSize = 512
	buf := make([]byte, pageSize)
	initPage(buf, true)
	pv, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	bt := &BTree{cmp: DefaultComparator}

	// Insert out of order; the linked list must still thread them ascending.
	for _, k := range []string{"mango", "apple", "zebra", "fig", "kiwi"} {
		c, err := bt.buildCell(0, 0, []byte(k), []byte("x"), inlineLimit(pageSize))
		if err != nil {
			t.Fatalf("buildCell: %v", err)
		}
		if !bt.addToPage(pv, c) {
			t.Fatalf("addToPage(%q) failed", k)
		}
	}

	cells, err := pv.cells()
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	for i := 1; i < len(cells); i++ {
		prev, err := bt.cellKey(cells[i-1])
		if err != nil {
			t.Fatalf("cellKey: %v", err)
		}
		cur, err := bt.cellKey(cells[i])
		if err != nil {
			t.Fatalf("cellKey: %v", err)
		}
		if bytes.Compare(prev, cur) >= 0 {
			t.Fatalf("cells not strictly ascending: %q >= %q at index %d", prev, cur, i)
		}
	}
}

func TestPageInvariants_FreeListAscendingNonOverlapping(t *testing.T) {
	const pageSize = 512
	buf := make([]byte, pageSize)
	initPage(buf, true)
	pv, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	bt := &BTree{cmp: DefaultComparator}

	// Insert then delete every other cell so freeBytes must coalesce/splice
	// without creating an out-of-order or overlapping free list.
	var cells []*Cell
	for i := 0; i < 8; i++ {
		c, err := bt.buildCell(0, 0, []byte(fmt.Sprintf("k%02d", i)), []byte("value-payload"), inlineLimit(pageSize))
		if err != nil {
			t.Fatalf("buildCell: %v", err)
		}
		if !bt.addToPage(pv, c) {
			t.Fatalf("addToPage(%d) failed", i)
		}
		cells = append(cells, c)
	}
	for i := 0; i < len(cells); i += 2 {
		pv.unlinkCell(cells[i])
		pv.freeBytes(cells[i].offset, cellSize(cells[i]))
	}

	prevOff := -1
	prevEnd := -1
	for off := pv.firstFreeblock; off != 0; {
		if off <= prevOff {
			t.Fatalf("free list not ascending: %d after %d", off, prevOff)
		}
		if prevEnd != -1 && off < prevEnd {
			t.Fatalf("free blocks overlap: block ending %d, next starts %d", prevEnd, off)
		}
		size := int(cellNextOffsetUint16(pv.buf, off))
		prevOff = off
		prevEnd = off + size
		off = int(cellNextOffsetUint16(pv.buf, off+2))
	}
}

// cellNextOffsetUint16 reads a little-endian uint16 at off; used only to
// walk the free-block list's {size, next} pairs from the test without
// duplicating binary.LittleEndian boilerplate inline above.
func cellNextOffsetUint16(buf []byte, off int) uint16 {
	return uint16(buf[off]) | uint16(buf[off+1])<<8
}

// ───────────────────────────────────────────────────────────────────────────
// Round-trip / overwrite / delete invariants (5)-(7)
// ───────────────────────────────────────────────────────────────────────────

func openTestDB(t *testing.T, pageSize int) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := OpenWithPageSize(filepath.Join(dir, "test.db"), pageSize, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createAndInsert(t *testing.T, db *DB, table string, kv map[string]string) {
	t.Helper()
	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.CreateTable(table); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for k, v := range kv {
		if err := db.Insert(table, []byte(k), []byte(v)); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestInvariant_RoundTrip(t *testing.T) {
	db := openTestDB(t, 512)
	createAndInsert(t, db, "t", map[string]string{"k1": "v1", "k2": "v2"})

	if err := db.Begin(false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer db.Commit()
	bt, err := db.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	v, ok, err := bt.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("round trip failed: ok=%v v=%q", ok, v)
	}
}

func TestInvariant_IdempotentOverwrite(t *testing.T) {
	db := openTestDB(t, 512)
	createAndInsert(t, db, "t", map[string]string{"k": "first"})

	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.Insert("t", []byte("k"), []byte("second")); err != nil {
		t.Fatalf("overwrite insert: %v", err)
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.Begin(false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer db.Commit()
	bt, err := db.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	v, ok, err := bt.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(v) != "second" {
		t.Fatalf("expected overwritten value %q, got ok=%v v=%q", "second", ok, v)
	}

	cur := bt.OpenCursor()
	defer cur.Close()
	if err := cur.First(); err != nil {
		t.Fatalf("first: %v", err)
	}
	count := 0
	for cur.Valid() {
		count++
		if _, err := cur.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one surviving cell after overwrite, got %d", count)
	}
}

func TestInvariant_DeleteRemovesKey(t *testing.T) {
	db := openTestDB(t, 512)
	createAndInsert(t, db, "t", map[string]string{"k1": "v1", "k2": "v2"})

	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.Delete("t", []byte("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.Begin(false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer db.Commit()
	bt, err := db.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if _, ok, err := bt.Get([]byte("k1")); err != nil {
		t.Fatalf("get: %v", err)
	} else if ok {
		t.Fatalf("k1 still present after delete")
	}
	if _, ok, err := bt.Get([]byte("k2")); err != nil {
		t.Fatalf("get: %v", err)
	} else if !ok {
		t.Fatalf("k2 should still be present")
	}
}

// ───────────────────────────────────────────────────────────────────────────
// S1: small round trip
// ───────────────────────────────────────────────────────────────────────────

func TestScenario_SmallRoundTrip(t *testing.T) {
	db := openTestDB(t, 512)
	createAndInsert(t, db, "fruit", map[string]string{
		"apple":  "A",
		"banana": "B",
		"cherry": "C",
	})

	if err := db.Begin(false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer db.Commit()
	cur, err := db.OpenCursor("fruit")
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}
	defer cur.Close()
	found, err := cur.MoveTo([]byte("banana"))
	if err != nil {
		t.Fatalf("moveTo: %v", err)
	}
	if !found {
		t.Fatal("expected to find banana")
	}
	key, err := cur.Key()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	data, err := cur.Data()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if string(key) != "banana" || string(data) != "B" {
		t.Fatalf("got key=%q data=%q", key, data)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// S2: overflow payload
// ───────────────────────────────────────────────────────────────────────────

func TestScenario_OverflowPayload(t *testing.T) {
	const pageSize = 512
	db := openTestDB(t, pageSize)

	value := make([]byte, 5000)
	for i := range value {
		value[i] = byte(i % 251)
	}

	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.CreateTable("blobs"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := db.Insert("blobs", []byte("k"), value); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.Begin(false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer db.Commit()
	bt, err := db.Table("blobs")
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	got, ok, err := bt.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("key not found")
	}
	if !bytes.Equal(got, value) {
		t.Fatal("overflow value did not round-trip byte-exact")
	}

	// Confirm the payload actually spans multiple overflow pages (>= 4, per
	// the scenario's 5000-byte payload on a 512-byte page).
	path, err := bt.searchPath([]byte("k"))
	if err != nil {
		t.Fatalf("searchPath: %v", err)
	}
	leafID := path[len(path)-1]
	buf, err := bt.pager.Get(leafID)
	if err != nil {
		t.Fatalf("get leaf: %v", err)
	}
	defer bt.pager.Unref(leafID)
	pv, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	cells, err := pv.cells()
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	if len(cells) != 1 || cells[0].OverflowHead == 0 {
		t.Fatal("expected a single cell with a non-empty overflow chain")
	}
	n := 0
	for id := cells[0].OverflowHead; id != 0; {
		b, err := bt.pager.Get(id)
		if err != nil {
			t.Fatalf("get overflow page %d: %v", id, err)
		}
		next := chainNext(b)
		bt.pager.Unref(id)
		id = next
		n++
	}
	if n < 4 {
		t.Fatalf("expected >= 4 overflow pages for a 5000-byte value on a 512-byte page, got %d", n)
	}

	// Byte-exact windowed reads via the cursor at a few offsets: one inside
	// the inline bytes, one deep in the overflow chain, and one at the tail.
	cur, err := db.OpenCursor("blobs")
	if err != nil {
		t.Fatalf("open cursor: %v", err)
	}
	defer cur.Close()
	if found, err := cur.MoveTo([]byte("k")); err != nil || !found {
		t.Fatalf("moveTo: found=%v err=%v", found, err)
	}
	for _, off := range []int{0, 1000, 4990} {
		length := 10
		if off+length > len(value) {
			length = len(value) - off
		}
		window, err := cur.DataAt(off, length)
		if err != nil {
			t.Fatalf("DataAt(%d,%d): %v", off, length, err)
		}
		if !bytes.Equal(window, value[off:off+length]) {
			t.Fatalf("DataAt(%d,%d) mismatch: got %v want %v", off, length, window, value[off:off+length])
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// S3: split-root
// ───────────────────────────────────────────────────────────────────────────

func TestScenario_SplitRoot(t *testing.T) {
	const pageSize = 1024
	db := openTestDB(t, pageSize)

	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.CreateTable("t"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	value := bytes.Repeat([]byte("x"), 60)
	var keys []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%03d", i)
		keys = append(keys, k)
		if err := db.Insert("t", []byte(k), value); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.Begin(false); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer db.Commit()
	bt, err := db.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	buf, err := bt.pager.Get(bt.Root())
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer bt.pager.Unref(bt.Root())
	pv, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if pv.isLeaf() {
		t.Fatal("expected root to have split into an interior node")
	}
	cells, err := pv.cells()
	if err != nil {
		t.Fatalf("cells: %v", err)
	}
	children := len(cells) + 1 // +1 for rightChild
	if children < 2 {
		t.Fatalf("expected >= 2 children after split, got %d", children)
	}

	// Order must be preserved: a full cursor walk yields every key in
	// ascending order with its value intact.
	cur := bt.OpenCursor()
	defer cur.Close()
	if err := cur.First(); err != nil {
		t.Fatalf("first: %v", err)
	}
	var got []string
	for cur.Valid() {
		k, err := cur.Key()
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		v, err := cur.Data()
		if err != nil {
			t.Fatalf("data: %v", err)
		}
		if !bytes.Equal(v, value) {
			t.Fatalf("value mismatch for key %q", k)
		}
		got = append(got, string(k))
		if _, err := cur.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if len(got) != len(keys) {
		t.Fatalf("expected %d keys, got %d", len(keys), len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("keys out of order: %q >= %q", got[i-1], got[i])
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// S4: free-list reuse
// ───────────────────────────────────────────────────────────────────────────

func TestScenario_FreeListReuse(t *testing.T) {
	const pageSize = 512
	db := openTestDB(t, pageSize)

	bigValue := bytes.Repeat([]byte("y"), 600) // forces overflow on a 512-byte page

	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := db.CreateTable("t"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	var keys []string
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%04d", i)
		keys = append(keys, k)
		if err := db.Insert("t", []byte(k), bigValue); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 0; i < 100; i += 2 {
		if err := db.Delete("t", []byte(keys[i])); err != nil {
			t.Fatalf("delete %q: %v", keys[i], err)
		}
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	statsAfterDelete, err := db.Inspect()
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if statsAfterDelete.FreePages == 0 {
		t.Fatal("expected deleting overflow-bearing keys to free pages")
	}

	if err := db.Begin(true); err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 0; i < 40; i++ {
		k := fmt.Sprintf("new-%04d", i)
		if err := db.Insert("t", []byte(k), bigValue); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	statsAfterReuse, err := db.Inspect()
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if statsAfterReuse.FreePages >= statsAfterDelete.FreePages {
		t.Fatalf("expected free pages to be consumed by reuse: before=%d after=%d",
			statsAfterDelete.FreePages, statsAfterReuse.FreePages)
	}

	// The file should not have grown by a full complement of fresh pages
	// per new key: some of the 40 inserts must have been satisfied from the
	// free list rather than by extending the file.
	grew := statsAfterReuse.PageCount - statsAfterDelete.PageCount
	if grew >= statsAfterDelete.FreePages+40 {
		t.Fatalf("file grew by %d pages; expected meaningful free-page reuse", grew)
	}
}
