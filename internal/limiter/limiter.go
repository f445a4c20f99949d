// Package limiter implements the process-wide resource budget (spec §4.E):
// global and per-run caps on cumulative cost and iteration count, shared by
// every agent run in the process.
package limiter

import (
	"fmt"
	"sync"
)

// Defaults per spec §4.E: $20 / 1000 iterations globally, $5 / 50
// iterations per run.
const (
	DefaultMaxCost             = 20.0
	DefaultMaxIterations       = 1000
	DefaultMaxCostPerRun       = 5.0
	DefaultMaxIterationsPerRun = 50
)

// ResourceLimitExceeded is raised by any operation that would breach a cap.
type ResourceLimitExceeded struct {
	Reason string
}

func (e *ResourceLimitExceeded) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s", e.Reason)
}

type runStats struct {
	cost       float64
	iterations int
}

// Stats is a point-in-time snapshot returned by GetStats.
type Stats struct {
	GlobalCost       float64 `json:"global_cost"`
	GlobalIterations int     `json:"global_iterations"`
	RunCost          float64 `json:"run_cost"`
	RunIterations    int     `json:"run_iterations"`
	HasRun           bool    `json:"has_run"`
}

// Limiter is the process-wide resource budget singleton.
type Limiter struct {
	mu sync.Mutex

	maxCost             float64
	maxIterations       int
	maxCostPerRun       float64
	maxIterationsPerRun int

	globalCost       float64
	globalIterations int
	runs             map[string]*runStats
}

// New constructs a Limiter with the given caps. Pass the Default* constants
// for spec-default behavior.
func New(maxCost float64, maxIterations int, maxCostPerRun float64, maxIterationsPerRun int) *Limiter {
	return &Limiter{
		maxCost:             maxCost,
		maxIterations:       maxIterations,
		maxCostPerRun:       maxCostPerRun,
		maxIterationsPerRun: maxIterationsPerRun,
		runs:                make(map[string]*runStats),
	}
}

// NewDefault constructs a Limiter using the spec's default caps.
func NewDefault() *Limiter {
	return New(DefaultMaxCost, DefaultMaxIterations, DefaultMaxCostPerRun, DefaultMaxIterationsPerRun)
}

func (l *Limiter) runFor(runID string) *runStats {
	rs, ok := l.runs[runID]
	if !ok {
		rs = &runStats{}
		l.runs[runID] = rs
	}
	return rs
}

// AddCost adds amount to the global cost counter and, if runID is non-empty,
// to that run's cost counter, then checks both caps. The counters are
// updated before the check so a rejected run still reflects its actual
// spend in GetStats.
func (l *Limiter) AddCost(amount float64, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalCost += amount
	if runID != "" {
		l.runFor(runID).cost += amount
	}
	return l.checkLimitsLocked(runID)
}

// AddIteration increments the global iteration counter and, if runID is
// non-empty, that run's iteration counter, then checks both caps.
func (l *Limiter) AddIteration(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalIterations++
	if runID != "" {
		l.runFor(runID).iterations++
	}
	return l.checkLimitsLocked(runID)
}

// CheckLimits re-validates the current counters without mutating them.
func (l *Limiter) CheckLimits(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLimitsLocked(runID)
}

func (l *Limiter) checkLimitsLocked(runID string) error {
	if l.globalCost > l.maxCost {
		return &ResourceLimitExceeded{Reason: fmt.Sprintf("global cost %.4f exceeds max %.4f", l.globalCost, l.maxCost)}
	}
	if l.globalIterations > l.maxIterations {
		return &ResourceLimitExceeded{Reason: fmt.Sprintf("global iterations %d exceeds max %d", l.globalIterations, l.maxIterations)}
	}
	if runID == "" {
		return nil
	}
	rs, ok := l.runs[runID]
	if !ok {
		return nil
	}
	if rs.cost > l.maxCostPerRun {
		return &ResourceLimitExceeded{Reason: fmt.Sprintf("run %s cost %.4f exceeds max %.4f", runID, rs.cost, l.maxCostPerRun)}
	}
	if rs.iterations > l.maxIterationsPerRun {
		return &ResourceLimitExceeded{Reason: fmt.Sprintf("run %s iterations %d exceeds max %d", runID, rs.iterations, l.maxIterationsPerRun)}
	}
	return nil
}

// GetStats returns a snapshot of global counters, plus per-run counters
// when runID names a run that still has an entry.
func (l *Limiter) GetStats(runID string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := Stats{GlobalCost: l.globalCost, GlobalIterations: l.globalIterations}
	if runID == "" {
		return stats
	}
	if rs, ok := l.runs[runID]; ok {
		stats.RunCost = rs.cost
		stats.RunIterations = rs.iterations
		stats.HasRun = true
	}
	return stats
}

// CleanupRun frees a run's per-run entry. The global counters retain
// whatever cost/iterations that run contributed.
func (l *Limiter) CleanupRun(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runs, runID)
}

// Reset clears every counter, global and per-run.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalCost = 0
	l.globalIterations = 0
	l.runs = make(map[string]*runStats)
}
