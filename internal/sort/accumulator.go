package sort

// ───────────────────────────────────────────────────────────────────────────
// In-memory accumulator (§4.8)
// ───────────────────────────────────────────────────────────────────────────
//
// Records are kept in a binary-counter structure of 64 slots: slot i, if
// occupied, holds a sorted run of (up to) 2^i records. Adding a record
// starts a one-element run at slot 0 and carries upward exactly like
// incrementing a binary counter, merging runs pairwise as it goes. This
// keeps the accumulator always holding at most 64 sorted runs and turns
// the final "sort everything" step into one bounded fan-in merge instead
// of an O(n log n) sort over the whole set at flush time.

const numSlots = 64

// Accumulator buffers records in memory until a flush policy decides it
// is time to drain them to a PMA.
type Accumulator struct {
	cmp   Comparator
	slots [numSlots][]Record

	bytes int
	count int

	minFlushBytes int
	maxFlushBytes int

	arena    []byte // only populated when per-record allocation is disabled
	useArena bool
}

// NewAccumulator builds an accumulator that flushes once it holds at
// least minFlushBytes (ShouldFlush) and must flush once it reaches
// maxFlushBytes (MustFlush), per the bounded-memory budget a sorter is
// configured with.
func NewAccumulator(cmp Comparator, minFlushBytes, maxFlushBytes int, useArena bool) *Accumulator {
	if cmp == nil {
		cmp = DefaultComparator
	}
	return &Accumulator{cmp: cmp, minFlushBytes: minFlushBytes, maxFlushBytes: maxFlushBytes, useArena: useArena}
}

// Add inserts rec into the accumulator, merging it into the binary-
// counter slot structure.
func (a *Accumulator) Add(rec Record) {
	if a.useArena {
		// Arena mode copies payload bytes into one growing backing array
		// instead of letting each record own a separately allocated
		// slice, trading per-record allocator overhead for one large
		// amortized-growth buffer; the record's Payload field is
		// re-sliced to point into the arena.
		start := len(a.arena)
		a.arena = append(a.arena, rec.Payload...)
		rec.Payload = a.arena[start : start+len(rec.Payload)]
		if len(rec.RowKey) > 0 && &rec.RowKey[0] == &rec.Payload[0] {
			rec.RowKey = rec.Payload[:len(rec.RowKey)]
		}
	}

	run := []Record{rec}
	for i := 0; i < numSlots; i++ {
		if a.slots[i] == nil {
			a.slots[i] = run
			run = nil
			break
		}
		run = a.mergeSorted(a.slots[i], run)
		a.slots[i] = nil
	}
	if run != nil {
		// 2^64 records in one accumulator cannot happen in practice; fold
		// any overflow into the top slot rather than grow the array.
		a.slots[numSlots-1] = a.mergeSorted(a.slots[numSlots-1], run)
	}
	a.bytes += size(rec)
	a.count++
}

// Len returns the number of buffered records.
func (a *Accumulator) Len() int { return a.count }

// Bytes returns the buffered payload byte total (used against the flush
// thresholds).
func (a *Accumulator) Bytes() int { return a.bytes }

// ShouldFlush reports whether the accumulator has reached its soft
// (minimum) flush threshold.
func (a *Accumulator) ShouldFlush() bool {
	return a.minFlushBytes > 0 && a.bytes >= a.minFlushBytes
}

// MustFlush reports whether the accumulator has reached its hard
// (maximum) flush threshold and cannot accept more records first.
func (a *Accumulator) MustFlush() bool {
	return a.maxFlushBytes > 0 && a.bytes >= a.maxFlushBytes
}

// Sorted merges every occupied slot into one fully sorted run and resets
// the accumulator. Slots are folded from the highest index down: a carry
// into slot i always predates whatever is later parked in slot j<i (a
// lower slot only holds content once it's been cleared and refilled by
// something newer), so flattening high-to-low keeps the oldest records on
// the left of each merge and preserves global insertion order on ties.
func (a *Accumulator) Sorted() []Record {
	var out []Record
	for i := numSlots - 1; i >= 0; i-- {
		if a.slots[i] != nil {
			out = a.mergeSorted(out, a.slots[i])
			a.slots[i] = nil
		}
	}
	a.bytes = 0
	a.count = 0
	a.arena = nil
	return out
}

// mergeSorted stably merges two already-sorted runs; ties favor the left
// run, keeping insertion order stable across repeated merges.
func (a *Accumulator) mergeSorted(left, right []Record) []Record {
	if len(left) == 0 {
		return right
	}
	if len(right) == 0 {
		return left
	}
	out := make([]Record, 0, len(left)+len(right))
	i, j := 0, 0
	for i < len(left) && j < len(right) {
		if a.cmp.Compare(left[i].RowKey, right[j].RowKey) <= 0 {
			out = append(out, left[i])
			i++
		} else {
			out = append(out, right[j])
			j++
		}
	}
	out = append(out, left[i:]...)
	out = append(out, right[j:]...)
	return out
}
