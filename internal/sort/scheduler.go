package sort

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// ───────────────────────────────────────────────────────────────────────────
// Worker scheduler (§4.11)
// ───────────────────────────────────────────────────────────────────────────
//
// When a sorter is configured with more than one worker, incoming records
// are distributed round-robin across per-worker subtasks. Each worker
// runs its own Accumulator and flushes PMAs independently and in
// parallel, feeding each flush into its own level chain (see
// consolidate.go) so no single subtask ever accumulates more than fanIn
// PMAs before cascading a merge. Once every worker has finished, its
// remaining level chain is flattened into the deterministic (subtask id,
// sequence within that subtask) order, and the combined result across
// all subtasks is consolidated once more down to at most fanIn PMAs —
// the bound the final tournament merge in Sorter.Rewind relies on.

type workerMsg struct {
	subtask int
	seq     int
	rec     Record
	flush   bool // true on the final message for this subtask (no rec)
}

// pmaResult is one flushed PMA, tagged with where it came from so
// results can be reassembled deterministically.
type pmaResult struct {
	subtask int
	seq     int
	info    PMAInfo
}

// Scheduler fans a stream of records out across nWorkers goroutines, each
// accumulating and flushing its own PMAs to the shared temp file.
type Scheduler struct {
	nWorkers  int
	cmp       Comparator
	minFlush  int
	maxFlush  int
	useArena  bool
	file      TempFile
	keyFunc   func([]byte) []byte
	useMapped bool
	fanIn     int

	mu     sync.Mutex
	offset int64
}

// NewScheduler builds a scheduler that writes every worker's PMAs into
// the same backing file, serializing only the brief offset reservation
// each flush needs. keyFunc and useMapped mirror the Sorter's own
// configuration, since a subtask's level-chain cascade reads its own
// just-written PMAs back through the same reader machinery the final
// merge uses; fanIn caps both a subtask's level width and, at the end of
// Run, the overall PMA count handed back to the caller (§4.11).
func NewScheduler(nWorkers int, cmp Comparator, minFlush, maxFlush int, useArena bool, file TempFile, keyFunc func([]byte) []byte, useMapped bool, fanIn int) *Scheduler {
	if nWorkers < 1 {
		nWorkers = 1
	}
	if keyFunc == nil {
		keyFunc = func(p []byte) []byte { return p }
	}
	return &Scheduler{
		nWorkers:  nWorkers,
		cmp:       cmp,
		minFlush:  minFlush,
		maxFlush:  maxFlush,
		useArena:  useArena,
		file:      file,
		keyFunc:   keyFunc,
		useMapped: useMapped,
		fanIn:     resolveFanIn(fanIn),
	}
}

func (s *Scheduler) reserve(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := s.offset
	s.offset += n
	return off
}

// Run distributes records (consumed in order from the records channel)
// round-robin across workers and returns the resulting PMAs, consolidated
// down to at most fanIn and ordered by (subtask, sequence) so repeated
// runs over the same input always produce the same PMA ordering for the
// merge stage.
func (s *Scheduler) Run(records <-chan Record) ([]PMAInfo, error) {
	in := make([]chan workerMsg, s.nWorkers)
	for i := range in {
		in[i] = make(chan workerMsg, 64)
	}

	results := make(chan pmaResult, s.nWorkers*4)
	errs := make(chan error, s.nWorkers)
	var wg sync.WaitGroup
	wg.Add(s.nWorkers)
	for w := 0; w < s.nWorkers; w++ {
		go s.runWorker(w, in[w], results, errs, &wg)
	}

	go func() {
		seqs := make([]int, s.nWorkers)
		w := 0
		for rec := range records {
			in[w] <- workerMsg{subtask: w, seq: seqs[w], rec: rec}
			seqs[w]++
			w = (w + 1) % s.nWorkers
		}
		for i := range in {
			in[i] <- workerMsg{subtask: i, seq: seqs[i], flush: true}
			close(in[i])
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var out []pmaResult
	for r := range results {
		out = append(out, r)
	}
	select {
	case err := <-errs:
		if err != nil {
			return nil, err
		}
	default:
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].subtask != out[j].subtask {
			return out[i].subtask < out[j].subtask
		}
		return out[i].seq < out[j].seq
	})
	infos := lo.Map(out, func(r pmaResult, _ int) PMAInfo { return r.info })

	infos, err := consolidatePMAs(s.cmp, s.file, s.keyFunc, s.useMapped, s.reserve, infos, s.fanIn)
	if err != nil {
		return nil, err
	}
	return infos, nil
}

func (s *Scheduler) runWorker(id int, in <-chan workerMsg, results chan<- pmaResult, errs chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()
	acc := NewAccumulator(s.cmp, s.minFlush, s.maxFlush, s.useArena)
	var lv *level
	merge := func(pmas []PMAInfo) (PMAInfo, error) {
		return mergePMAs(s.cmp, s.file, s.keyFunc, s.useMapped, s.reserve, pmas)
	}
	flush := func() error {
		if acc.Len() == 0 {
			return nil
		}
		sorted := acc.Sorted()
		var need int64
		for _, r := range sorted {
			need += int64(size(r))
		}
		off := s.reserve(need)
		info, err := WritePMA(s.file, off, sorted)
		if err != nil {
			return err
		}
		var lerr error
		lv, lerr = appendLevel(lv, info, s.fanIn, merge)
		return lerr
	}

	for msg := range in {
		if msg.flush {
			if err := flush(); err != nil {
				errs <- err
				return
			}
			seq := 0
			for _, info := range flattenLevels(lv) {
				results <- pmaResult{subtask: id, seq: seq, info: info}
				seq++
			}
			return
		}
		acc.Add(msg.rec)
		if acc.MustFlush() {
			if err := flush(); err != nil {
				errs <- err
				return
			}
		}
	}
}
