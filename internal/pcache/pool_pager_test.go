package pcache

import (
	"path/filepath"
	"testing"
)

func openTestPager(t *testing.T) *Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(Config{Path: filepath.Join(dir, "test.db"), PageSize: 512})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestAllocGetWritePersists(t *testing.T) {
	p := openTestPager(t)
	id, buf := p.AllocPage()
	copy(buf, []byte("hello"))
	tx := p.BeginTx()
	if err := p.Write(tx, id, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Commit(tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p.Unref(id)

	got, err := p.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer p.Unref(id)
	if string(got[:5]) != "hello" {
		t.Fatalf("got %q", got[:5])
	}
}

func TestRollbackRestoresBeforeImage(t *testing.T) {
	p := openTestPager(t)
	id, buf := p.AllocPage()
	copy(buf, []byte("original"))
	tx1 := p.BeginTx()
	if err := p.Write(tx1, id, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Commit(tx1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p.Unref(id)

	tx2 := p.BeginTx()
	buf2, err := p.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	copy(buf2, []byte("mutated!"))
	if err := p.Write(tx2, id, buf2); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.Unref(id)
	if err := p.Rollback(tx2); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, err := p.Get(id)
	if err != nil {
		t.Fatalf("get after rollback: %v", err)
	}
	defer p.Unref(id)
	if string(got[:8]) != "original" {
		t.Fatalf("rollback did not restore before-image: got %q", got[:8])
	}
}

func TestUnrefInvokesDestructorAtZero(t *testing.T) {
	p := openTestPager(t)
	var destructed []PageID
	p.SetDestructor(func(id PageID) { destructed = append(destructed, id) })

	id, _ := p.AllocPage()
	p.Ref(id)
	p.Unref(id)
	if len(destructed) != 0 {
		t.Fatalf("destructor fired early: %v", destructed)
	}
	p.Unref(id)
	if len(destructed) != 1 || destructed[0] != id {
		t.Fatalf("destructor did not fire at pin count zero: %v", destructed)
	}
}

func TestRecoveryReplaysCommittedTxOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recover.db")

	p, err := Open(Config{Path: path, PageSize: 512})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	committedID, cbuf := p.AllocPage()
	copy(cbuf, []byte("committed"))
	tx1 := p.BeginTx()
	if err := p.Write(tx1, committedID, cbuf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Commit(tx1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p.Unref(committedID)

	abortedID, abuf := p.AllocPage()
	copy(abuf, []byte("aborted!!"))
	tx2 := p.BeginTx()
	if err := p.Write(tx2, abortedID, abuf); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.Unref(abortedID)
	if err := p.Rollback(tx2); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p2, err := Open(Config{Path: path, PageSize: 512})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	got, err := p2.Get(committedID)
	if err != nil {
		t.Fatalf("get committed page: %v", err)
	}
	if string(got[:9]) != "committed" {
		t.Fatalf("committed page lost across reopen: %q", got[:9])
	}
	p2.Unref(committedID)
}

func TestPageCountGrows(t *testing.T) {
	p := openTestPager(t)
	start := p.PageCount()
	id, _ := p.AllocPage()
	if p.PageCount() != start+1 {
		t.Fatalf("page count did not grow: %d -> %d", start, p.PageCount())
	}
	p.Unref(id)
}
