package orchestrator

import (
	"sync"

	"github.com/basket/conductor/internal/task"
)

// Stats accumulates dispatch outcome counters.
type Stats struct {
	mu            sync.Mutex
	completed     int64
	failed        int64
	timedOut      int64
	totalExecSecs float64
}

// StatsSnapshot is a read-only copy of the counters.
type StatsSnapshot struct {
	TasksCompleted   int64
	TasksFailed      int64
	TasksTimedOut    int64
	TotalExecSeconds float64
	AvgExecSeconds   float64
}

// Record folds one result into the counters.
func (s *Stats) Record(res task.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch res.Status {
	case task.StatusSuccess, task.StatusPartial:
		s.completed++
	case task.StatusTimeout:
		s.timedOut++
	default:
		s.failed++
	}
	s.totalExecSecs += res.ExecutionTime
}

// Snapshot returns the counters with the derived average.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		TasksCompleted:   s.completed,
		TasksFailed:      s.failed,
		TasksTimedOut:    s.timedOut,
		TotalExecSeconds: s.totalExecSecs,
	}
	if total := s.completed + s.failed + s.timedOut; total > 0 {
		snap.AvgExecSeconds = s.totalExecSecs / float64(total)
	}
	return snap
}
