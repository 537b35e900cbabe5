package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// executionStats holds in-process automation execution counters.
type executionStats struct {
	total     uint64
	scheduled uint64
	mu        sync.Mutex
	byStatus  map[string]uint64
	last      time.Time
}

var ex executionStats

// Snapshot is a copy of the execution counters.
type Snapshot struct {
	Total           uint64            `json:"total"`
	ByStatus        map[string]uint64 `json:"by_status"`
	ScheduledPasses uint64            `json:"scheduled_passes"`
	LastExecutionAt *time.Time        `json:"last_execution_at,omitempty"`
}

// IncExecution counts one execution with the given status.
// An empty status is counted as "unknown".
func IncExecution(status string, at time.Time) {
	if status == "" {
		status = "unknown"
	}
	atomic.AddUint64(&ex.total, 1)
	ex.mu.Lock()
	if ex.byStatus == nil {
		ex.byStatus = make(map[string]uint64)
	}
	ex.byStatus[status]++
	if at.After(ex.last) {
		ex.last = at
	}
	ex.mu.Unlock()
}

// IncScheduledPass counts one scheduled pass.
func IncScheduledPass() {
	atomic.AddUint64(&ex.scheduled, 1)
}

// ExecutionSnapshot returns a copy of the current counters.
func ExecutionSnapshot() Snapshot {
	s := Snapshot{
		Total:           atomic.LoadUint64(&ex.total),
		ScheduledPasses: atomic.LoadUint64(&ex.scheduled),
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	s.ByStatus = make(map[string]uint64, len(ex.byStatus))
	for k, v := range ex.byStatus {
		s.ByStatus[k] = v
	}
	if !ex.last.IsZero() {
		last := ex.last
		s.LastExecutionAt = &last
	}
	return s
}
