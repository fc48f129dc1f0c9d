package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/task"
)

// Run drives the supervision sweep until ctx is cancelled. Enforcement is
// advisory: a task may overrun its timeout by up to one sweep interval.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler sweep stopping")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep force-fails running executions past their task timeout and cancels
// pending tasks past their deadline. Exposed for deterministic tests.
func (s *Scheduler) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	var overdue []*runningEntry
	for _, entry := range s.running {
		if entry.task.Timeout > 0 && now.Sub(entry.exec.StartedAt) > entry.task.Timeout {
			overdue = append(overdue, entry)
		}
	}
	for _, entry := range overdue {
		s.log.Warn("execution exceeded timeout",
			zap.String("task_id", entry.exec.TaskID),
			zap.Duration("timeout", entry.task.Timeout),
			zap.Duration("elapsed", now.Sub(entry.exec.StartedAt)))
		s.finishLocked(entry, task.ExecutionTimeout, "timeout", "")
	}

	var expired []string
	for id, t := range s.pending {
		if t.Deadline != nil && t.Deadline.Before(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		_ = s.cancelLocked(id, "deadline exceeded")
	}
}
