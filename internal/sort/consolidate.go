package sort

import "bufio"

// ───────────────────────────────────────────────────────────────────────────
// Fan-in capped consolidation (§4.10, §4.11)
// ───────────────────────────────────────────────────────────────────────────
//
// A tournament Merger opens one reader — and, in mapped mode, one mmap'd
// file handle — per PMA, so handing it every PMA a long sort ever flushed
// would make that cost unbounded. consolidatePMAs keeps the reader count
// any single Merger ever sees at or below fanIn: it repeatedly merges the
// oldest chunks of up to fanIn PMAs into one new PMA apiece — each pass
// reading the previous pass's output and writing a fresh one — until at
// most fanIn PMAs remain.

// DefaultFanIn is the merge fan-in used when a Config or Scheduler leaves
// FanIn unset.
const DefaultFanIn = 16

func resolveFanIn(fanIn int) int {
	if fanIn <= 0 {
		return DefaultFanIn
	}
	return fanIn
}

// consolidatePMAs merges pmas down to at most fanIn PMAs, running as many
// passes as needed.
func consolidatePMAs(cmp Comparator, file TempFile, keyFunc func([]byte) []byte, useMapped bool, reserve func(int64) int64, pmas []PMAInfo, fanIn int) ([]PMAInfo, error) {
	fanIn = resolveFanIn(fanIn)
	for len(pmas) > fanIn {
		next := make([]PMAInfo, 0, (len(pmas)+fanIn-1)/fanIn)
		for i := 0; i < len(pmas); i += fanIn {
			end := i + fanIn
			if end > len(pmas) {
				end = len(pmas)
			}
			chunk := pmas[i:end]
			if len(chunk) == 1 {
				next = append(next, chunk[0])
				continue
			}
			merged, err := mergePMAs(cmp, file, keyFunc, useMapped, reserve, chunk)
			if err != nil {
				return nil, err
			}
			next = append(next, merged)
		}
		pmas = next
	}
	return pmas, nil
}

// mergePMAs streams chunk's records through a Merger straight into a
// freshly reserved region of file, without materialising the merged run in
// memory.
func mergePMAs(cmp Comparator, file TempFile, keyFunc func([]byte) []byte, useMapped bool, reserve func(int64) int64, chunk []PMAInfo) (PMAInfo, error) {
	readers := make([]PMAReader, 0, len(chunk))
	for _, info := range chunk {
		if useMapped {
			r, err := NewMappedPMAReader(file.Name(), info, keyFunc)
			if err != nil {
				return PMAInfo{}, err
			}
			readers = append(readers, r)
			continue
		}
		readers = append(readers, NewBufferedPMAReader(file, info, keyFunc))
	}
	m, err := NewMerger(cmp, readers)
	if err != nil {
		return PMAInfo{}, err
	}
	defer m.Close()

	var need int64
	for _, info := range chunk {
		need += info.Length
	}
	off := reserve(need)
	w := &offsetWriter{f: file, off: off}
	bw := bufio.NewWriterSize(w, 64*1024)
	var lenBuf [9]byte
	for {
		rec, ok, err := m.Next()
		if err != nil {
			return PMAInfo{}, err
		}
		if !ok {
			break
		}
		n := putUvarint(lenBuf[:], uint64(len(rec.Payload)))
		if _, err := bw.Write(lenBuf[:n]); err != nil {
			return PMAInfo{}, err
		}
		if _, err := bw.Write(rec.Payload); err != nil {
			return PMAInfo{}, err
		}
	}
	if err := bw.Flush(); err != nil {
		return PMAInfo{}, err
	}
	return PMAInfo{Offset: off, Length: w.off - off}, nil
}

// level is one rung of a subtask's PMA pipeline (§4.11): pmas holds PMAs
// produced directly at this rung. Once a rung holds fanIn of them, they
// are merged into a single PMA that becomes an input one rung up, keeping
// any one rung's width bounded without waiting for the whole sort to
// finish. A fanIn below 2 disables the cascade.
type level struct {
	pmas []PMAInfo
	next *level
}

// appendLevel adds info to lv's lowest rung (creating lv if nil), cascading
// a merge-and-promote up the chain for every rung that reaches fanIn.
func appendLevel(lv *level, info PMAInfo, fanIn int, merge func([]PMAInfo) (PMAInfo, error)) (*level, error) {
	if lv == nil {
		lv = &level{}
	}
	cur := lv
	cur.pmas = append(cur.pmas, info)
	for fanIn > 1 && len(cur.pmas) >= fanIn {
		merged, err := merge(cur.pmas)
		if err != nil {
			return lv, err
		}
		cur.pmas = nil
		if cur.next == nil {
			cur.next = &level{}
		}
		cur = cur.next
		cur.pmas = append(cur.pmas, merged)
	}
	return lv, nil
}

// flattenLevels collects every PMA remaining across a level chain, oldest
// first: a higher rung holds an earlier, already-consolidated merge, so it
// is emitted before the lowest rung's not-yet-cascaded tail.
func flattenLevels(lv *level) []PMAInfo {
	if lv == nil {
		return nil
	}
	out := flattenLevels(lv.next)
	return append(out, lv.pmas...)
}
