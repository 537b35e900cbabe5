package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SchedulerStatus 调度器运行状态
type SchedulerStatus struct {
	Running   bool       `json:"running"`
	Interval  string     `json:"interval"`
	Passes    int64      `json:"passes"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Scheduler drives AutomationService.RunScheduled on a fixed interval.
type Scheduler struct {
	svc      *AutomationService
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.RWMutex
	running bool
	passes  int64
	lastRun time.Time
	lastErr string
}

func NewScheduler(svc *AutomationService, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{svc: svc, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, running one pass immediately and then
// one per interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.setRunning(true)
	defer s.setRunning(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("automation: scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs a single scheduled pass and records its outcome.
func (s *Scheduler) Tick(ctx context.Context) {
	report, err := s.svc.RunScheduled(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes++
	s.lastRun = time.Now()
	if err != nil {
		s.lastErr = err.Error()
		s.logger.Errorf("automation: scheduled pass failed: %v", err)
		return
	}
	s.lastErr = ""
	if len(report.Errors) > 0 {
		s.lastErr = report.Errors[len(report.Errors)-1]
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SchedulerStatus{
		Running:   s.running,
		Interval:  s.interval.String(),
		Passes:    s.passes,
		LastError: s.lastErr,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRunAt = &t
	}
	return st
}
