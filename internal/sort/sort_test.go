package sort

import (
	"fmt"
	"testing"
)

// TestAccumulator_SortedPreservesInsertionOrderOnTies is a direct
// regression test for the binary-counter boundary: five equal-key
// records land in slots 0 and 2 (not one single power-of-two block),
// and Sorted() must still hand them back in original insertion order.
func TestAccumulator_SortedPreservesInsertionOrderOnTies(t *testing.T) {
	acc := NewAccumulator(DefaultComparator, 0, 0, false)
	for i := 1; i <= 5; i++ {
		acc.Add(Record{RowKey: []byte("k"), Payload: []byte(fmt.Sprintf("r%d", i))})
	}
	got := acc.Sorted()
	if len(got) != 5 {
		t.Fatalf("got %d records, want 5", len(got))
	}
	for i, r := range got {
		want := fmt.Sprintf("r%d", i+1)
		if string(r.Payload) != want {
			t.Fatalf("record %d = %q, want %q (insertion order not preserved across slot boundary)", i, r.Payload, want)
		}
	}
}

// TestMerger_TieBreaksFavorOlderReader exercises the tournament tree
// directly: two PMAs holding equal-keyed records must merge with the
// earlier-written PMA's records entirely ahead of the later one's.
func TestMerger_TieBreaksFavorOlderReader(t *testing.T) {
	dir := t.TempDir()
	f, err := NewTempFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var offset int64
	writePMA := func(vals []string) PMAInfo {
		recs := make([]Record, len(vals))
		for i, v := range vals {
			recs[i] = Record{RowKey: []byte("k"), Payload: []byte(v)}
		}
		info, err := WritePMA(f, offset, recs)
		if err != nil {
			t.Fatal(err)
		}
		offset += info.Length
		return info
	}
	infoOld := writePMA([]string{"old-a", "old-b"})
	infoNew := writePMA([]string{"new-a", "new-b"})

	keyFunc := func(p []byte) []byte { return []byte("k") }
	readers := []PMAReader{
		NewBufferedPMAReader(f, infoOld, keyFunc),
		NewBufferedPMAReader(f, infoNew, keyFunc),
	}
	m, err := NewMerger(DefaultComparator, readers)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	want := []string{"old-a", "old-b", "new-a", "new-b"}
	for i, w := range want {
		rec, ok, err := m.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected EOF", i)
		}
		if string(rec.Payload) != w {
			t.Fatalf("record %d = %q, want %q", i, rec.Payload, w)
		}
	}
	if _, ok, _ := m.Next(); ok {
		t.Fatal("expected EOF after 4 records")
	}
}

// TestScenario_InMemorySort (S5): with no flush thresholds configured,
// everything stays in the accumulator until Rewind, which still
// produces a correctly ordered merge.
func TestScenario_InMemorySort(t *testing.T) {
	s, err := New(Config{TempDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, p := range []string{"d", "b", "a", "c"} {
		if err := s.Write([]byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.pmas) != 0 {
		t.Fatalf("expected no PMA flushed before Rewind, got %d", len(s.pmas))
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}

	want := []string{"a", "b", "c", "d"}
	for i, w := range want {
		p, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected EOF", i)
		}
		if string(p) != w {
			t.Fatalf("record %d = %q, want %q", i, p, w)
		}
	}
	if _, ok, err := s.Next(); err != nil || ok {
		t.Fatalf("expected EOF after 4 records, got ok=%v err=%v", ok, err)
	}
}

// TestScenario_SpillToMultiplePMAs (S6): a small MaxFlushBytes forces
// reverse-order input through several flushes, which must still land
// back-to-back in the shared temp file and merge into ascending order.
func TestScenario_SpillToMultiplePMAs(t *testing.T) {
	s, err := New(Config{TempDir: t.TempDir(), MaxFlushBytes: 33})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for n := 10; n >= 1; n-- {
		if err := s.Write([]byte(fmt.Sprintf("%010d", n))); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.pmas) < 3 {
		t.Fatalf("expected at least 3 PMAs flushed during Write, got %d", len(s.pmas))
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}
	if len(s.pmas) < 4 {
		t.Fatalf("expected at least 4 PMAs total after Rewind's trailing flush, got %d", len(s.pmas))
	}
	for i := 1; i < len(s.pmas); i++ {
		prev := s.pmas[i-1]
		if s.pmas[i].Offset != prev.Offset+prev.Length {
			t.Fatalf("PMA %d not contiguous with PMA %d: prev ends at %d, this starts at %d",
				i, i-1, prev.Offset+prev.Length, s.pmas[i].Offset)
		}
	}

	for n := 1; n <= 10; n++ {
		p, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected EOF", n)
		}
		want := fmt.Sprintf("%010d", n)
		if string(p) != want {
			t.Fatalf("record %d = %q, want %q", n, p, want)
		}
	}
	if _, ok, _ := s.Next(); ok {
		t.Fatal("expected EOF after 10 records")
	}
}

// TestInvariant_RoundTripPermutation (8): every record written comes
// back out exactly once, in ascending key order.
func TestInvariant_RoundTripPermutation(t *testing.T) {
	shuffled := []int{7, 2, 9, 0, 4, 1, 8, 3, 6, 5}
	s, err := New(Config{TempDir: t.TempDir(), MaxFlushBytes: 24})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, n := range shuffled {
		if err := s.Write([]byte(fmt.Sprintf("%02d", n))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		p, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected EOF", i)
		}
		want := fmt.Sprintf("%02d", i)
		if string(p) != want {
			t.Fatalf("record %d = %q, want %q", i, p, want)
		}
	}
	if _, ok, _ := s.Next(); ok {
		t.Fatal("expected exhaustion after all 10 records")
	}
}

// TestInvariant_WorkerIndependence (10): with unique keys, the final
// merged order doesn't depend on how many workers produced the PMAs.
func TestInvariant_WorkerIndependence(t *testing.T) {
	input := []int{17, 3, 9, 0, 14, 1, 8, 19, 6, 11, 2, 15, 4, 18, 7, 10, 5, 16, 12, 13}
	var expected []string
	for i := 0; i < 20; i++ {
		expected = append(expected, fmt.Sprintf("%02d", i))
	}

	for _, workers := range []int{1, 2, 5} {
		s, err := New(Config{TempDir: t.TempDir(), Workers: workers, MaxFlushBytes: 64})
		if err != nil {
			t.Fatal(err)
		}
		payloads := make([][]byte, len(input))
		for i, n := range input {
			payloads[i] = []byte(fmt.Sprintf("%02d", n))
		}
		if err := s.WriteAll(payloads); err != nil {
			t.Fatal(err)
		}
		if err := s.Rewind(); err != nil {
			t.Fatal(err)
		}

		var got []string
		for {
			p, ok, err := s.Next()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			got = append(got, string(p))
		}
		if len(got) != len(expected) {
			t.Fatalf("workers=%d: got %d records, want %d", workers, len(got), len(expected))
		}
		for i := range expected {
			if got[i] != expected[i] {
				t.Fatalf("workers=%d: record %d = %q, want %q", workers, i, got[i], expected[i])
			}
		}
		s.Close()
	}
}

// TestScenario_StableAcrossWorkers (S7): four keys are routed one per
// worker by construction (round-robin assignment lines up with key
// identity), so each key's increasing "tag" suffix must still appear in
// increasing order after a concurrent, multi-PMA-per-worker sort.
func TestScenario_StableAcrossWorkers(t *testing.T) {
	const workers = 4
	const perKey = 5
	keys := []string{"k0", "k1", "k2", "k3"}

	var payloads [][]byte
	for tag := 0; tag < perKey; tag++ {
		for _, k := range keys {
			payloads = append(payloads, []byte(fmt.Sprintf("%s-%03d", k, tag)))
		}
	}
	keyFunc := func(p []byte) []byte { return p[:2] }

	s, err := New(Config{TempDir: t.TempDir(), Workers: workers, KeyFunc: keyFunc, MaxFlushBytes: 14})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.WriteAll(payloads); err != nil {
		t.Fatal(err)
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}

	lastTag := map[string]int{"k0": -1, "k1": -1, "k2": -1, "k3": -1}
	count := 0
	for {
		p, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		count++
		key := string(p[:2])
		var tag int
		if _, err := fmt.Sscanf(string(p[3:]), "%d", &tag); err != nil {
			t.Fatalf("parse tag from %q: %v", p, err)
		}
		if tag <= lastTag[key] {
			t.Fatalf("key %s: tag %d did not increase after %d — per-key order not preserved", key, tag, lastTag[key])
		}
		lastTag[key] = tag
	}
	if count != len(payloads) {
		t.Fatalf("got %d records, want %d", count, len(payloads))
	}
	for _, k := range keys {
		if lastTag[k] != perKey-1 {
			t.Fatalf("key %s: last tag seen=%d, want %d", k, lastTag[k], perKey-1)
		}
	}
}

// TestInvariant_BufferedAndMappedReadersAgree (11): the buffered and
// memory-mapped PMA readers must produce byte-identical merge output
// for the same input.
func TestInvariant_BufferedAndMappedReadersAgree(t *testing.T) {
	input := []int{9, 1, 6, 3, 8, 0, 5, 2, 7, 4}

	run := func(mapped bool) []string {
		s, err := New(Config{TempDir: t.TempDir(), MaxFlushBytes: 40, UseMappedReaders: mapped})
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()
		for _, n := range input {
			if err := s.Write([]byte(fmt.Sprintf("%03d", n))); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Rewind(); err != nil {
			t.Fatal(err)
		}
		var got []string
		for {
			p, ok, err := s.Next()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				break
			}
			got = append(got, string(p))
		}
		return got
	}

	buffered := run(false)
	mapped := run(true)
	if len(buffered) != len(mapped) {
		t.Fatalf("buffered produced %d records, mapped produced %d", len(buffered), len(mapped))
	}
	for i := range buffered {
		if buffered[i] != mapped[i] {
			t.Fatalf("record %d: buffered=%q mapped=%q", i, buffered[i], mapped[i])
		}
	}
	want := []string{"000", "001", "002", "003", "004", "005", "006", "007", "008", "009"}
	for i, w := range want {
		if buffered[i] != w {
			t.Fatalf("record %d = %q, want %q", i, buffered[i], w)
		}
	}
}

// TestSorter_RewindConsolidatesBeyondFanIn forces far more flushes than a
// small configured FanIn, then checks Rewind never hands the final merge
// more than FanIn PMAs — and that the merged order is still correct —
// exercising §4.10's multi-pass consolidation.
func TestSorter_RewindConsolidatesBeyondFanIn(t *testing.T) {
	const n = 50
	s, err := New(Config{TempDir: t.TempDir(), MaxFlushBytes: 9, FanIn: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := n - 1; i >= 0; i-- {
		if err := s.Write([]byte(fmt.Sprintf("%03d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.pmas) <= 4 {
		t.Fatalf("expected more than FanIn PMAs flushed before Rewind, got %d", len(s.pmas))
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}
	if len(s.pmas) > 4 {
		t.Fatalf("Rewind should have consolidated down to at most FanIn=4 PMAs, got %d", len(s.pmas))
	}

	for i := 0; i < n; i++ {
		p, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected EOF", i)
		}
		want := fmt.Sprintf("%03d", i)
		if string(p) != want {
			t.Fatalf("record %d = %q, want %q", i, p, want)
		}
	}
	if _, ok, _ := s.Next(); ok {
		t.Fatal("expected EOF after all records")
	}
}

// TestScheduler_RunConsolidatesBeyondFanIn checks the multi-worker path:
// enough workers and flushes to exceed a small FanIn must still come back
// from WriteAll/Rewind as at most FanIn PMAs, in correct merged order.
func TestScheduler_RunConsolidatesBeyondFanIn(t *testing.T) {
	const n = 60
	s, err := New(Config{TempDir: t.TempDir(), Workers: 5, MaxFlushBytes: 9, FanIn: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		payloads[i] = []byte(fmt.Sprintf("%03d", n-1-i))
	}
	if err := s.WriteAll(payloads); err != nil {
		t.Fatal(err)
	}
	if len(s.pmas) > 4 {
		t.Fatalf("WriteAll should have consolidated down to at most FanIn=4 PMAs, got %d", len(s.pmas))
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < n; i++ {
		p, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected EOF", i)
		}
		want := fmt.Sprintf("%03d", i)
		if string(p) != want {
			t.Fatalf("record %d = %q, want %q", i, p, want)
		}
	}
	if _, ok, _ := s.Next(); ok {
		t.Fatal("expected EOF after all records")
	}
}

// TestSorter_ResetAllowsReuse confirms Reset discards prior PMAs and
// buffered records so the same Sorter can run a second, independent sort.
func TestSorter_ResetAllowsReuse(t *testing.T) {
	s, err := New(Config{TempDir: t.TempDir(), MaxFlushBytes: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for _, p := range []string{"c", "a", "b"} {
		if err := s.Write([]byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if len(s.pmas) != 0 || s.acc.Len() != 0 {
		t.Fatalf("Reset left stale state: pmas=%d acc.Len=%d", len(s.pmas), s.acc.Len())
	}

	for _, p := range []string{"z", "x", "y"} {
		if err := s.Write([]byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Rewind(); err != nil {
		t.Fatal(err)
	}
	want := []string{"x", "y", "z"}
	for i, w := range want {
		p, ok, err := s.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("record %d: unexpected EOF", i)
		}
		if string(p) != w {
			t.Fatalf("record %d = %q, want %q", i, p, w)
		}
	}
}
