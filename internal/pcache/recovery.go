package pcache

import (
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Crash recovery
// ───────────────────────────────────────────────────────────────────────────
//
// recoverFromJournal reads the journal from the beginning and replays only
// fully committed transactions. Uncommitted or aborted transactions are
// discarded: their page images are simply never applied to the database
// file, which is exactly the effect a live Rollback has, so no separate
// "undo" pass is needed during recovery.

// recoverFromJournal replays the journal and applies committed transactions.
func (p *Pager) recoverFromJournal() error {
	records, err := ReadAllRecords(p.walPath)
	if err != nil {
		return fmt.Errorf("recover: read journal: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	type txRecords struct {
		pages     []*WALRecord
		committed bool
		aborted   bool
	}
	txMap := make(map[TxID]*txRecords)

	var maxLSN LSN
	for _, rec := range records {
		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}
		switch rec.Type {
		case WALRecordBegin:
			if _, ok := txMap[rec.TxID]; !ok {
				txMap[rec.TxID] = &txRecords{}
			}
		case WALRecordPageImage:
			tr, ok := txMap[rec.TxID]
			if !ok {
				tr = &txRecords{}
				txMap[rec.TxID] = tr
			}
			tr.pages = append(tr.pages, rec)
		case WALRecordCommit:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.committed = true
			}
		case WALRecordAbort:
			if tr, ok := txMap[rec.TxID]; ok {
				tr.aborted = true
			}
		}
	}

	var applied int
	for _, tr := range txMap {
		if !tr.committed || tr.aborted {
			continue
		}
		for _, rec := range tr.pages {
			if int(rec.PageID) > p.pageCount {
				p.pageCount = int(rec.PageID)
			}
			if err := p.writePageRaw(rec.PageID, rec.Data); err != nil {
				return fmt.Errorf("recover: apply page %d: %w", rec.PageID, err)
			}
			applied++
		}
	}

	if applied > 0 {
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	p.wal.SetNextLSN(maxLSN + 1)
	return p.wal.Truncate()
}
