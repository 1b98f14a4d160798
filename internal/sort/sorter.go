package sort

import "fmt"

// Config configures a Sorter's bounded-memory behaviour.
type Config struct {
	// KeyFunc extracts a record's sort key from its payload bytes. If
	// nil, the payload itself is used as the key.
	KeyFunc func(payload []byte) []byte
	// Comparator orders two keys. If nil, bytes are compared lexically.
	Comparator Comparator
	// MinFlushBytes is the soft threshold reported by
	// Accumulator.ShouldFlush. Write and the worker scheduler flush only
	// on MaxFlushBytes; neither flushes early on reaching this size.
	MinFlushBytes int
	// MaxFlushBytes is the hard threshold: Write forces a flush at this
	// size regardless of caller pacing.
	MaxFlushBytes int
	// UseArena batches record payloads into one growing buffer instead
	// of one allocation per record.
	UseArena bool
	// Workers, if > 1, fans writes across that many goroutines, each
	// producing its own PMAs in parallel (see scheduler.go). A Sorter
	// used this way requires its input to be supplied up front via
	// WriteAll rather than incrementally via Write.
	Workers int
	// TempDir overrides where the backing temp file is created.
	TempDir string
	// UseMappedReaders selects memory-mapped PMA readers during the
	// merge instead of buffered ones.
	UseMappedReaders bool
	// FanIn caps how many PMAs any single merge pass reads at once,
	// including the final one Rewind builds. Zero uses DefaultFanIn.
	// When flushing accumulates more PMAs than this, Rewind (and, with
	// multiple workers, the scheduler's per-subtask level chain) merges
	// them down in passes before the caller ever sees a Merger opening
	// more than FanIn readers at a time (§4.10, §4.11).
	FanIn int
}

// Sorter is the public external-merge-sort handle: write records in any
// order, then rewind and read them back in key order.
type Sorter struct {
	cfg     Config
	keyFunc func([]byte) []byte
	cmp     Comparator

	file TempFile
	acc  *Accumulator

	pmas   []PMAInfo
	offset int64
	fanIn  int

	merger *Merger
}

// New creates a Sorter backed by a fresh temp file.
func New(cfg Config) (*Sorter, error) {
	f, err := NewTempFile(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("sort: open temp file: %w", err)
	}
	kf := cfg.KeyFunc
	if kf == nil {
		kf = func(p []byte) []byte { return p }
	}
	cmp := cfg.Comparator
	if cmp == nil {
		cmp = DefaultComparator
	}
	s := &Sorter{cfg: cfg, keyFunc: kf, cmp: cmp, file: f, fanIn: resolveFanIn(cfg.FanIn)}
	s.acc = NewAccumulator(cmp, cfg.MinFlushBytes, cfg.MaxFlushBytes, cfg.UseArena)
	return s, nil
}

// Write adds one record's payload to the sorter, flushing a PMA to disk
// first if the accumulator has reached its hard threshold.
func (s *Sorter) Write(payload []byte) error {
	if s.acc.MustFlush() {
		if err := s.flush(); err != nil {
			return err
		}
	}
	key := s.keyFunc(payload)
	s.acc.Add(Record{RowKey: key, Payload: payload})
	return nil
}

func (s *Sorter) flush() error {
	if s.acc.Len() == 0 {
		return nil
	}
	sorted := s.acc.Sorted()
	info, err := WritePMA(s.file, s.offset, sorted)
	if err != nil {
		return err
	}
	s.offset += info.Length
	s.pmas = append(s.pmas, info)
	return nil
}

// WriteAll writes every payload in payloads, using the configured number
// of parallel workers if Workers > 1.
func (s *Sorter) WriteAll(payloads [][]byte) error {
	if s.cfg.Workers <= 1 {
		for _, p := range payloads {
			if err := s.Write(p); err != nil {
				return err
			}
		}
		return nil
	}

	ch := make(chan Record, 256)
	sched := NewScheduler(s.cfg.Workers, s.cmp, s.cfg.MinFlushBytes, s.cfg.MaxFlushBytes, s.cfg.UseArena, s.file, s.keyFunc, s.cfg.UseMappedReaders, s.fanIn)
	errCh := make(chan error, 1)
	var infos []PMAInfo
	done := make(chan struct{})
	go func() {
		var err error
		infos, err = sched.Run(ch)
		errCh <- err
		close(done)
	}()

	for _, p := range payloads {
		ch <- Record{RowKey: s.keyFunc(p), Payload: p}
	}
	close(ch)
	<-done
	if err := <-errCh; err != nil {
		return err
	}
	s.pmas = append(s.pmas, infos...)
	if len(infos) > 0 {
		last := infos[len(infos)-1]
		if end := last.Offset + last.Length; end > s.offset {
			s.offset = end
		}
	}
	return nil
}

// Rewind flushes any buffered records, consolidates down to at most FanIn
// PMAs if more accumulated (§4.10), and opens the tournament-tree merge
// over the result, oldest first.
func (s *Sorter) Rewind() error {
	if err := s.flush(); err != nil {
		return err
	}
	pmas, err := consolidatePMAs(s.cmp, s.file, s.keyFunc, s.cfg.UseMappedReaders, func(n int64) int64 {
		off := s.offset
		s.offset += n
		return off
	}, s.pmas, s.fanIn)
	if err != nil {
		return err
	}
	s.pmas = pmas

	readers := make([]PMAReader, 0, len(s.pmas))
	for _, info := range s.pmas {
		if s.cfg.UseMappedReaders {
			r, err := NewMappedPMAReader(s.file.Name(), info, s.keyFunc)
			if err != nil {
				return err
			}
			readers = append(readers, r)
			continue
		}
		readers = append(readers, NewBufferedPMAReader(s.file, info, s.keyFunc))
	}
	m, err := NewMerger(s.cmp, readers)
	if err != nil {
		return err
	}
	s.merger = m
	return nil
}

// Next returns the next record in key order, or ok=false once the merge
// is exhausted.
func (s *Sorter) Next() (payload []byte, ok bool, err error) {
	if s.merger == nil {
		return nil, false, fmt.Errorf("sort: Next called before Rewind")
	}
	rec, ok, err := s.merger.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Payload, true, nil
}

// RowKey returns the sort key the configured KeyFunc derives from payload.
func (s *Sorter) RowKey(payload []byte) []byte { return s.keyFunc(payload) }

// Compare orders two keys using the configured Comparator.
func (s *Sorter) Compare(a, b []byte) int { return s.cmp.Compare(a, b) }

// Reset discards all buffered and flushed state so the Sorter can be
// reused for a new sort without reopening a temp file.
func (s *Sorter) Reset() error {
	if s.merger != nil {
		s.merger.Close()
		s.merger = nil
	}
	s.pmas = nil
	s.offset = 0
	s.acc = NewAccumulator(s.cmp, s.cfg.MinFlushBytes, s.cfg.MaxFlushBytes, s.cfg.UseArena)
	return nil
}

// Close releases the sorter's backing temp file.
func (s *Sorter) Close() error {
	if s.merger != nil {
		s.merger.Close()
	}
	return s.file.Close()
}
