package sort

import (
	"bufio"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
)

// ───────────────────────────────────────────────────────────────────────────
// Packed Memory Arrays (§4.9)
// ───────────────────────────────────────────────────────────────────────────
//
// A PMA is a contiguous byte range within the sorter's shared temp file
// holding `<len varint><payload bytes>` repeated once per record, in key
// order. Multiple PMAs accumulate in the same file, back to back; each is
// addressed purely by its [offset, offset+length) range, recorded by the
// caller (see sorter.go) rather than by any on-disk directory.

// PMAInfo locates one previously written PMA within the shared temp file.
type PMAInfo struct {
	Offset int64
	Length int64
}

// WritePMA appends records (already sorted) to f starting at offset,
// returning the byte range they occupy.
func WritePMA(f TempFile, offset int64, records []Record) (PMAInfo, error) {
	var lenBuf [9]byte
	w := &offsetWriter{f: f, off: offset}
	bw := bufio.NewWriterSize(w, 64*1024)
	for _, r := range records {
		n := putUvarint(lenBuf[:], uint64(len(r.Payload)))
		if _, err := bw.Write(lenBuf[:n]); err != nil {
			return PMAInfo{}, err
		}
		if _, err := bw.Write(r.Payload); err != nil {
			return PMAInfo{}, err
		}
	}
	if err := bw.Flush(); err != nil {
		return PMAInfo{}, err
	}
	return PMAInfo{Offset: offset, Length: w.off - offset}, nil
}

// offsetWriter adapts a TempFile's WriteAt into an io.Writer that tracks
// its own running offset, so bufio.Writer can be layered over it.
type offsetWriter struct {
	f   TempFile
	off int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

// PMAReader yields a PMA's records in order. Implementations are either
// buffered (plain ReadAt through a bufio.Reader) or memory-mapped.
type PMAReader interface {
	// Next returns the next record, or ok=false at the PMA's end.
	Next() (rec Record, ok bool, err error)
	Close() error
}

// ───────────────────────────────────────────────────────────────────────────
// Buffered reader
// ───────────────────────────────────────────────────────────────────────────

type bufferedPMAReader struct {
	r        *bufio.Reader
	remain   int64
	keyFunc  func([]byte) []byte
	sectionF *io.SectionReader
}

// NewBufferedPMAReader reads a PMA through an ordinary buffered
// io.SectionReader — appropriate for PMAs read once, start to finish,
// during a merge.
func NewBufferedPMAReader(f io.ReaderAt, info PMAInfo, keyFunc func([]byte) []byte) PMAReader {
	sr := io.NewSectionReader(f, info.Offset, info.Length)
	return &bufferedPMAReader{r: bufio.NewReaderSize(sr, 64*1024), remain: info.Length, keyFunc: keyFunc, sectionF: sr}
}

func (b *bufferedPMAReader) Next() (Record, bool, error) {
	if b.remain <= 0 {
		return Record{}, false, nil
	}
	length, n, err := readUvarintFrom(b.r)
	if err != nil {
		return Record{}, false, err
	}
	b.remain -= int64(n)
	payload := make([]byte, length)
	if _, err := io.ReadFull(b.r, payload); err != nil {
		return Record{}, false, fmt.Errorf("sort: truncated PMA record: %w", err)
	}
	b.remain -= int64(length)
	return Record{Payload: payload, RowKey: b.keyFunc(payload)}, true, nil
}

func (b *bufferedPMAReader) Close() error { return nil }

func readUvarintFrom(r *bufio.Reader) (uint64, int, error) {
	var buf [9]byte
	for i := 0; i < 9; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		buf[i] = b
		if b < 0x80 {
			v, n := getUvarint(buf[:i+1])
			return v, n, nil
		}
	}
	return 0, 0, fmt.Errorf("sort: varint too long")
}

// ───────────────────────────────────────────────────────────────────────────
// Memory-mapped reader
// ───────────────────────────────────────────────────────────────────────────

// mappedPMAReader serves records directly out of an mmap'd view of the
// temp file, avoiding a read syscall per buffer refill once the OS has
// paged the range in. Appropriate for merges over many small PMAs, where
// buffered-reader setup cost dominates.
type mappedPMAReader struct {
	ra      *mmap.ReaderAt
	base    int64
	pos     int64
	end     int64
	keyFunc func([]byte) []byte
}

// NewMappedPMAReader opens path as a memory-mapped file and returns a
// reader over the PMA described by info.
func NewMappedPMAReader(path string, info PMAInfo, keyFunc func([]byte) []byte) (PMAReader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &mappedPMAReader{ra: ra, base: info.Offset, pos: info.Offset, end: info.Offset + info.Length, keyFunc: keyFunc}, nil
}

func (m *mappedPMAReader) Next() (Record, bool, error) {
	if m.pos >= m.end {
		return Record{}, false, nil
	}
	var lenBuf [9]byte
	maxN := m.end - m.pos
	if maxN > 9 {
		maxN = 9
	}
	if _, err := m.ra.ReadAt(lenBuf[:maxN], m.pos); err != nil && err != io.EOF {
		return Record{}, false, err
	}
	length, n := getUvarint(lenBuf[:maxN])
	if n == 0 {
		return Record{}, false, fmt.Errorf("sort: corrupt PMA varint at offset %d", m.pos)
	}
	m.pos += int64(n)
	payload := make([]byte, length)
	if _, err := m.ra.ReadAt(payload, m.pos); err != nil && err != io.EOF {
		return Record{}, false, err
	}
	m.pos += int64(length)
	return Record{Payload: payload, RowKey: m.keyFunc(payload)}, true, nil
}

func (m *mappedPMAReader) Close() error { return m.ra.Close() }
