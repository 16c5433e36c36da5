// Package scheduler runs a periodic embedding-backfill and memory
// curation sweep on a cron schedule.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ctxfold/sidecar/internal/config"
	. "github.com/ctxfold/sidecar/internal/logging"
	"github.com/ctxfold/sidecar/internal/memoryindex"
	"github.com/ctxfold/sidecar/internal/store"
)

// Scheduler owns the cron.Cron instance driving the embed+curate sweep.
type Scheduler struct {
	cron *cron.Cron
	st   store.Store
	idx  *memoryindex.Index
	cfg  config.CurationConfig
}

// New builds a Scheduler. It does not start running until Start is
// called.
func New(st store.Store, idx *memoryindex.Index, cfg config.CurationConfig) *Scheduler {
	return &Scheduler{cron: cron.New(), st: st, idx: idx, cfg: cfg}
}

// Start registers the sweep on an "@every <IntervalMinutes>m" schedule
// and starts the cron scheduler in its own goroutine.
func (s *Scheduler) Start() error {
	interval := s.cfg.IntervalMinutes
	if interval <= 0 {
		interval = 10
	}
	spec := "@every " + (time.Duration(interval) * time.Minute).String()
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweep embeds pending memories and curates oversized sessions across
// every currently active session: embedding runs first, curation
// immediately after, for every session whose memory count exceeds
// MemoryCeiling.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	sessions, err := s.st.ListActive(ctx)
	if err != nil {
		L_warn("scheduler: list active sessions failed", "error", err)
		return
	}

	for _, sess := range sessions {
		result, err := s.idx.EmbedSessionMemories(ctx, sess.ID, s.cfg.EmbedBatchSize)
		if err != nil {
			L_debug("scheduler: embed sweep skipped", "session", sess.ID, "error", err)
		} else if result.Embedded > 0 || result.Failed > 0 {
			L_info("scheduler: embed sweep", "session", sess.ID, "embedded", result.Embedded, "failed", result.Failed)
		}

		memories, err := s.st.ListSessionMemories(ctx, sess.ID)
		if err != nil {
			continue
		}
		if s.cfg.MemoryCeiling > 0 && len(memories) > s.cfg.MemoryCeiling {
			keepTop := s.cfg.KeepTop
			if keepTop <= 0 {
				keepTop = s.cfg.MemoryCeiling
			}
			cr, err := s.idx.Curate(ctx, sess.ID, keepTop)
			if err != nil {
				L_warn("scheduler: curate sweep failed", "session", sess.ID, "error", err)
				continue
			}
			if cr.Removed > 0 {
				L_info("scheduler: curate sweep", "session", sess.ID, "removed", cr.Removed, "remaining", cr.Remaining)
			}
		}
	}
}
