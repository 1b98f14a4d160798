// Package checkpoint runs a database's background checkpoint on a cron
// schedule, the way the example stack's job scheduler drives periodic
// SQL jobs, stripped down to the one job a pager actually needs: forcing
// a journal truncation so the WAL doesn't grow without bound between
// foreground commits.
package checkpoint

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/embeddb/embeddb/internal/btree"
)

// Checkpointer is anything a Scheduler can periodically checkpoint; *btree.DB
// satisfies it.
type Checkpointer interface {
	Checkpoint() (btree.Stats, error)
}

// Scheduler drives Checkpointer.Checkpoint on a standard five-field cron
// expression, skipping a run if the previous one hasn't finished yet.
type Scheduler struct {
	db   Checkpointer
	cron *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewScheduler builds a Scheduler for db. expr is a standard five-field
// cron expression (minute hour day-of-month month day-of-week); an empty
// expr makes Start a no-op, matching config.Config.CheckpointCron's
// "empty disables background checkpointing" contract.
func NewScheduler(db Checkpointer, expr string) (*Scheduler, error) {
	s := &Scheduler{db: db, cron: cron.New()}
	if expr == "" {
		return s, nil
	}
	_, err := s.cron.AddFunc(expr, s.runOnce)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule; it is a no-op if no cron expression was
// configured.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight checkpoint to
// finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) runOnce() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Printf("checkpoint: previous run still in progress, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	stats, err := s.db.Checkpoint()
	if err != nil {
		log.Printf("checkpoint: failed: %v", err)
		return
	}
	log.Printf("checkpoint: %s", stats.String())
}
