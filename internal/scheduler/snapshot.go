package scheduler

import (
	"fmt"

	"github.com/taskmesh/taskmesh/internal/task"
)

// TaskState classifies where a task currently lives.
type TaskState string

const (
	StatePending TaskState = "pending"
	StateRunning TaskState = "running"
	StateDone    TaskState = "done"
)

// Snapshot is a point-in-time view of a task for status queries.
type Snapshot struct {
	State     TaskState
	Task      *task.Task      // set while pending
	Execution *task.Execution // set while running or done
}

// Lookup returns a snapshot of the task across pending, running, and
// completed storage.
func (s *Scheduler) Lookup(taskID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[taskID]; ok {
		return Snapshot{State: StatePending, Task: t.Clone()}, nil
	}
	if entry, ok := s.running[taskID]; ok {
		return Snapshot{State: StateRunning, Task: entry.task.Clone(), Execution: entry.exec.Clone()}, nil
	}
	if exec, ok := s.completed[taskID]; ok {
		return Snapshot{State: StateDone, Execution: exec.Clone()}, nil
	}
	return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Stats summarizes queue depth for observability and the demo binary.
type Stats struct {
	Pending   int
	Running   int
	Completed int
}

// Stats returns current queue depths.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pending: len(s.pending), Running: len(s.running), Completed: len(s.completed)}
}
