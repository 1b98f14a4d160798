// Package sort implements bounded-memory external sorting over byte-slice
// records: an in-memory accumulator flushes sorted runs to Packed Memory
// Arrays on disk, which a tournament-tree N-way merge then streams back
// in order.
package sort

// ───────────────────────────────────────────────────────────────────────────
// Varint codec (§9)
// ───────────────────────────────────────────────────────────────────────────
//
// Every record on disk is prefixed with its length as a varint: 7 payload
// bits per byte, low-to-high, with the high bit set on every byte but the
// last. A length fits in 1 to 9 bytes (the 9th byte, if needed, carries
// the final bit of a full 64-bit length with no continuation bit at all).

// putUvarint writes v into buf (which must have room for at least 9
// bytes) and returns the number of bytes written. It is bit-compatible
// with encoding/binary.PutUvarint; reimplemented locally so the on-disk
// format has no dependency on that package's internal constant choices.
func putUvarint(buf []byte, v uint64) int {
	i := 0
	for v >= 0x80 {
		buf[i] = byte(v) | 0x80
		v >>= 7
		i++
	}
	buf[i] = byte(v)
	return i + 1
}

func uvarintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// getUvarint decodes a varint from buf, returning the value and the
// number of bytes consumed. n is 0 if buf does not hold a complete
// varint (ran out of bytes still carrying the continuation bit, or
// exceeded 9 bytes without terminating).
func getUvarint(buf []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i := 0; i < len(buf) && i < 9; i++ {
		b := buf[i]
		if i == 8 {
			v |= uint64(b) << shift
			return v, i + 1
		}
		if b < 0x80 {
			v |= uint64(b) << shift
			return v, i + 1
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, 0
}
