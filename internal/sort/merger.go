package sort

// ───────────────────────────────────────────────────────────────────────────
// Tournament-tree N-way merge (§4.10)
// ───────────────────────────────────────────────────────────────────────────
//
// aTree is a flat array of N leaves (N rounded up to a power of two, one
// per PMA reader, padded with permanently-EOF slots) with N-1 internal
// nodes above them packed into the same array: aTree[i] holds the index
// of the winning (smaller) leaf for the subtree rooted at i, aTree[1]
// being the overall winner. Advancing the winning iterator and
// recomputing just the log2(N) ancestors it touches keeps each Next()
// call to log2(N) comparisons instead of rescanning every reader.

// Merger streams records from multiple sorted readers in order, breaking
// ties in favor of the reader added earliest (the older PMA), which is
// what makes repeated merges of progressively coarser runs stable.
type Merger struct {
	cmp     Comparator
	readers []PMAReader
	current []Record
	atEOF   []bool
	n       int // number of leaves, a power of two >= len(readers)
	tree    []int
}

// NewMerger builds a tournament tree over readers, oldest first.
func NewMerger(cmp Comparator, readers []PMAReader) (*Merger, error) {
	if cmp == nil {
		cmp = DefaultComparator
	}
	n := 2
	for n < len(readers) {
		n *= 2
	}
	m := &Merger{
		cmp:     cmp,
		readers: readers,
		current: make([]Record, n),
		atEOF:   make([]bool, n),
		n:       n,
		tree:    make([]int, n),
	}
	for i := range readers {
		if err := m.advance(i); err != nil {
			return nil, err
		}
	}
	for i := len(readers); i < n; i++ {
		m.atEOF[i] = true
	}
	for i := n - 1; i >= 1; i-- {
		m.tree[i] = m.computeNode(i)
	}
	return m, nil
}

// advance pulls the next record from reader i into m.current[i],
// marking it EOF if the reader is exhausted.
func (m *Merger) advance(i int) error {
	rec, ok, err := m.readers[i].Next()
	if err != nil {
		return err
	}
	if !ok {
		m.atEOF[i] = true
		return nil
	}
	m.current[i] = rec
	m.atEOF[i] = false
	return nil
}

// winnerOfPair returns whichever of a, b should advance first: the
// smaller key, or whichever isn't at EOF, or the lower (older) index on
// a tie.
func (m *Merger) winnerOfPair(a, b int) int {
	if m.atEOF[a] && m.atEOF[b] {
		return a
	}
	if m.atEOF[a] {
		return b
	}
	if m.atEOF[b] {
		return a
	}
	if m.cmp.Compare(m.current[a].RowKey, m.current[b].RowKey) <= 0 {
		return a
	}
	return b
}

// computeNode evaluates the winner of the subtree rooted at internal
// node i (1-indexed, leaves begin at m.n).
func (m *Merger) computeNode(i int) int {
	left, right := m.child(i)
	return m.winnerOfPair(left, right)
}

// child returns the two indices (leaf or already-resolved internal
// winners) that feed into internal node i.
func (m *Merger) child(i int) (int, int) {
	if 2*i >= m.n {
		return leafAt(2*i - m.n, m.n), leafAt(2*i-m.n+1, m.n)
	}
	return m.tree[2*i], m.tree[2*i+1]
}

// leafAt maps a position in the conceptual "2N-1 node tree" back to its
// leaf index; since leaves and internal nodes share one flat array sized
// N, a leaf position at or past the half-way point addresses itself.
func leafAt(pos, n int) int {
	if pos >= n {
		return n - 1
	}
	return pos
}

func parent(i int) int { return i / 2 }

// Valid reports whether the merge has any record remaining.
func (m *Merger) Valid() bool {
	if len(m.tree) == 0 {
		return false
	}
	return !m.atEOF[m.tree[1]]
}

// Peek returns the current overall-smallest record without consuming it.
func (m *Merger) Peek() Record { return m.current[m.tree[1]] }

// Next consumes and returns the overall-smallest record, then refills
// its source and recomputes the log2(N) tree nodes above it.
func (m *Merger) Next() (Record, bool, error) {
	if !m.Valid() {
		return Record{}, false, nil
	}
	winner := m.tree[1]
	rec := m.current[winner]

	if err := m.advance(winner); err != nil {
		return Record{}, false, err
	}

	i := winner + m.n
	for i > 1 {
		i = parent(i)
		m.tree[i] = m.computeNode(i)
	}
	return rec, true, nil
}

// Close closes every underlying reader.
func (m *Merger) Close() error {
	var firstErr error
	for _, r := range m.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
