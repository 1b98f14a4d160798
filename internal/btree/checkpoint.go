package btree

// ───────────────────────────────────────────────────────────────────────────
// Checkpoint (§6, pager contract)
// ───────────────────────────────────────────────────────────────────────────
//
// A checkpoint is an otherwise-empty write transaction: Commit already
// flushes every dirty page to the database file and truncates the
// journal back to its header (see pcache.Pager.Commit), so forcing one
// on a timer is enough to keep the WAL from growing unboundedly between
// application-driven commits. Stats are returned so a caller (e.g. a
// cron-scheduled background job) can log page usage alongside each run.

// Checkpoint forces a journal truncation and reports current page usage.
// It is safe to call with no transaction in progress; it begins and
// commits its own.
func (db *DB) Checkpoint() (Stats, error) {
	db.mu.Lock()
	idle := db.state == stateIdle
	db.mu.Unlock()

	if idle {
		if err := db.Begin(true); err != nil {
			return Stats{}, err
		}
		if err := db.Commit(); err != nil {
			return Stats{}, err
		}
	}
	return db.Inspect()
}
