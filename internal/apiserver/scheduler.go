package apiserver

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Start launches the background tickers: idle-session reaping every 5
// minutes and shell-session stats flushing every 5 seconds (plus, when an
// orchestrator is configured, environment idle-reap every 5 minutes). Both
// run as cron jobs rather than raw time.Tickers; their schedule specs are
// fixed here and are not read from configuration. Start returns
// immediately; call Stop to shut the scheduler down.
func (s *Server) Start(ctx context.Context) *cron.Cron {
	c := cron.New()

	if _, err := c.AddFunc("*/5 * * * *", func() { s.reapIdleSessions(ctx) }); err != nil {
		s.logger.Printf("failed to schedule idle-reap: %v", err)
	}
	if _, err := c.AddFunc("@every 5s", func() { s.flushShellStats(ctx) }); err != nil {
		s.logger.Printf("failed to schedule shell-stats flush: %v", err)
	}
	if s.deps.Orchestrator != nil {
		if _, err := c.AddFunc("*/5 * * * *", func() { s.cleanupIdleEnvironments(ctx) }); err != nil {
			s.logger.Printf("failed to schedule environment idle-reap: %v", err)
		}
	}

	c.Start()
	return c
}

func (s *Server) reapIdleSessions(ctx context.Context) {
	if s.deps.Shells == nil {
		return
	}
	closed := s.deps.Shells.CleanupIdleSessions()
	if len(closed) > 0 {
		s.logger.Printf("idle-reap: closed %d shell session(s): %v", len(closed), closed)
	}
}

// flushShellStats logs each active session's accumulated byte counters.
// Shellsession.Manager keeps these in memory (spec §4.G); this is the
// batched flush point an operator-facing metrics sink would hook into.
func (s *Server) flushShellStats(ctx context.Context) {
	if s.deps.Shells == nil {
		return
	}
	for _, snap := range s.deps.Shells.AllActiveStats() {
		s.logger.Printf("shell-stats: session=%s user=%s project=%s bytes_in=%d bytes_out=%d",
			snap.ID, snap.User, snap.Project, snap.BytesIn, snap.BytesOut)
	}
}

func (s *Server) cleanupIdleEnvironments(ctx context.Context) {
	closed, err := s.deps.Orchestrator.CleanupIdle(ctx, 30*time.Minute)
	if err != nil {
		s.logger.Printf("environment idle-reap failed: %v", err)
		return
	}
	if len(closed) > 0 {
		s.logger.Printf("environment idle-reap: stopped %d environment(s): %v", len(closed), closed)
	}
}
