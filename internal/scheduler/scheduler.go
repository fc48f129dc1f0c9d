// Package scheduler admits tasks, releases them in priority order once their
// dependencies are satisfied, and supervises timeouts and deadlines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/task"
)

// Sentinel errors surfaced synchronously to callers.
var (
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrTaskNotFound  = errors.New("task not found")
	ErrCycle         = errors.New("dependency cycle")
)

// DefaultHistoryLimit bounds the completed-execution ring buffer.
const DefaultHistoryLimit = 1024

// Archiver receives terminal executions for out-of-band archiving.
// Archiving is fire-and-forget; failures are logged, never propagated.
type Archiver interface {
	ArchiveExecution(ctx context.Context, exec *task.Execution) error
}

// Config wires the scheduler's collaborators. Only Logger is commonly set;
// everything else defaults to disabled or a sane bound.
type Config struct {
	Logger       *zap.Logger
	Bus          *events.Bus // optional lifecycle event bus
	Archive      Archiver    // optional terminal-execution archive
	HistoryLimit int         // completed ring size, DefaultHistoryLimit if <= 0
	Now          func() time.Time
}

type runningEntry struct {
	task *task.Task
	exec *task.Execution
}

// Scheduler owns all Task and Execution storage. A single mutex guards the
// maps; no lock is held across any external call.
type Scheduler struct {
	log *zap.Logger
	bus *events.Bus
	arc Archiver
	now func() time.Time

	mu           sync.Mutex
	pending      map[string]*task.Task
	buckets      map[task.Priority][]string
	running      map[string]*runningEntry
	completed    map[string]*task.Execution
	evictOrder   []string
	historyLimit int

	dependents map[string][]string // dep -> tasks waiting on it
	attempts   map[string]int
	retries    map[string][]task.Attempt
}

// New creates an empty scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		log:          cfg.Logger,
		bus:          cfg.Bus,
		arc:          cfg.Archive,
		now:          cfg.Now,
		pending:      make(map[string]*task.Task),
		buckets:      make(map[task.Priority][]string),
		running:      make(map[string]*runningEntry),
		completed:    make(map[string]*task.Execution),
		historyLimit: cfg.HistoryLimit,
		dependents:   make(map[string][]string),
		attempts:     make(map[string]int),
		retries:      make(map[string][]task.Attempt),
	}
}

// Enqueue admits a task. It rejects IDs that duplicate a pending or running
// task and dependency sets that would close a cycle among admitted tasks.
func (s *Scheduler) Enqueue(t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	if _, ok := s.running[t.ID]; ok {
		return fmt.Errorf("%w: %s is running", ErrDuplicateTask, t.ID)
	}
	if err := s.checkCycleLocked(t); err != nil {
		return err
	}

	stored := t.Clone()
	s.pending[stored.ID] = stored
	s.buckets[stored.Priority] = append(s.buckets[stored.Priority], stored.ID)
	for _, dep := range stored.DependsOn {
		s.dependents[dep] = append(s.dependents[dep], stored.ID)
	}

	s.log.Debug("task enqueued",
		zap.String("task_id", stored.ID),
		zap.String("priority", stored.Priority.String()),
		zap.Int("dependencies", len(stored.DependsOn)))
	s.publish(events.TopicTask, events.TaskEnqueuedEvent{
		ID: stored.ID, Name: stored.Name, Priority: stored.Priority, Timestamp: s.now(),
	})
	return nil
}

// Cancel removes a pending task or cancels a running execution.
// Returns ErrTaskNotFound if the ID is neither pending nor running.
func (s *Scheduler) Cancel(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(taskID, reason)
}

func (s *Scheduler) cancelLocked(taskID, reason string) error {
	if _, ok := s.pending[taskID]; ok {
		delete(s.pending, taskID)
		// Bucket entry is removed lazily on the next scan.
		s.log.Info("pending task cancelled", zap.String("task_id", taskID), zap.String("reason", reason))
		s.publish(events.TopicTask, events.TaskCancelledEvent{ID: taskID, Reason: reason, Timestamp: s.now()})
		return nil
	}
	if entry, ok := s.running[taskID]; ok {
		s.finishLocked(entry, task.ExecutionCancelled, reason, "")
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Next releases the highest-priority eligible task, or nil if none is
// eligible after a full scan. Released tasks leave pending storage; the
// orchestrator must either start an execution or Requeue.
func (s *Scheduler) Next() *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, p := range task.Priorities {
		queue := s.buckets[p]
		if len(queue) == 0 {
			continue
		}

		retained := make([]string, 0, len(queue))
		var notDue []string
		for i, id := range queue {
			t, ok := s.pending[id]
			if !ok {
				continue // cancelled or already released, drop
			}
			if !s.dependenciesMetLocked(t) {
				retained = append(retained, id)
				continue
			}
			if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
				notDue = append(notDue, id) // re-queued at the tail
				continue
			}

			delete(s.pending, id)
			retained = append(retained, queue[i+1:]...)
			s.buckets[p] = append(retained, notDue...)
			return t.Clone()
		}
		s.buckets[p] = append(retained, notDue...)
	}
	return nil
}

// Requeue re-admits a task that was released but could not be dispatched.
// It lands at the tail of its priority bucket. Idempotent.
func (s *Scheduler) Requeue(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[t.ID]; ok {
		return
	}
	if _, ok := s.running[t.ID]; ok {
		return
	}
	s.pending[t.ID] = t.Clone()
	s.buckets[t.Priority] = appendOnce(s.buckets[t.Priority], t.ID)
	s.log.Debug("task requeued", zap.String("task_id", t.ID))
}

// StartExecution records a running execution for a released task.
func (s *Scheduler) StartExecution(t *task.Task, agentID string) *task.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts[t.ID]++
	exec := &task.Execution{
		ID:           uuid.NewString(),
		TaskID:       t.ID,
		AgentID:      agentID,
		Status:       task.ExecutionRunning,
		StartedAt:    s.now(),
		Attempt:      s.attempts[t.ID],
		RetryHistory: append([]task.Attempt(nil), s.retries[t.ID]...),
	}
	s.running[t.ID] = &runningEntry{task: t.Clone(), exec: exec}

	s.log.Info("execution started",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", exec.Attempt))
	s.publish(events.TopicTask, events.TaskStartedEvent{
		ID: t.ID, AgentID: agentID, Attempt: exec.Attempt, Timestamp: exec.StartedAt,
	})
	return exec.Clone()
}

// Progress records a checkpoint on a running execution. Regressions are
// ignored per the monotonic progress invariant.
func (s *Scheduler) Progress(taskID string, progress float64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.running[taskID]
	if !ok {
		return fmt.Errorf("%w: %s is not running", ErrTaskNotFound, taskID)
	}
	if entry.exec.AdvanceProgress(progress, note, s.now()) {
		s.publish(events.TopicTask, events.TaskProgressEvent{
			ID: taskID, Progress: progress, Note: note, Timestamp: s.now(),
		})
	}
	return nil
}

// Complete transitions a running execution to completed and releases any
// dependents whose dependency sets are now fully satisfied.
func (s *Scheduler) Complete(taskID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.running[taskID]
	if !ok {
		return fmt.Errorf("%w: %s is not running", ErrTaskNotFound, taskID)
	}
	entry.exec.Output = output
	s.finishLocked(entry, task.ExecutionCompleted, "", "")
	s.releaseDependentsLocked(taskID)
	return nil
}

// Fail transitions a running execution to failed. Dependents stay blocked.
func (s *Scheduler) Fail(taskID, message, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.running[taskID]
	if !ok {
		return fmt.Errorf("%w: %s is not running", ErrTaskNotFound, taskID)
	}
	s.finishLocked(entry, task.ExecutionFailed, message, detail)
	return nil
}

// Abandon discards a running execution whose dispatch never reached the
// agent. No terminal state is recorded; the attempt lands in the retry
// history so a later execution carries it. The orchestrator follows up
// with Requeue.
func (s *Scheduler) Abandon(taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.running[taskID]
	if !ok {
		return fmt.Errorf("%w: %s is not running", ErrTaskNotFound, taskID)
	}
	delete(s.running, taskID)
	s.retries[taskID] = append(s.retries[taskID], task.Attempt{
		Number: entry.exec.Attempt, AgentID: entry.exec.AgentID,
		Status: task.ExecutionFailed, Error: reason, EndedAt: s.now(),
	})
	s.log.Warn("execution abandoned", zap.String("task_id", taskID), zap.String("reason", reason))
	return nil
}

// finishLocked stamps the terminal state, moves the execution to the
// completed ring, and notifies the bus and archive.
func (s *Scheduler) finishLocked(entry *runningEntry, status task.ExecutionStatus, message, detail string) {
	exec := entry.exec
	exec.Status = status
	exec.EndedAt = s.now()
	exec.Error = message
	exec.ErrorDetail = detail

	delete(s.running, exec.TaskID)
	s.completed[exec.TaskID] = exec
	s.evictOrder = append(s.evictOrder, exec.TaskID)
	s.retries[exec.TaskID] = append(s.retries[exec.TaskID], task.Attempt{
		Number: exec.Attempt, AgentID: exec.AgentID, Status: status, Error: message, EndedAt: exec.EndedAt,
	})
	s.evictLocked()

	switch status {
	case task.ExecutionCompleted:
		s.log.Info("execution completed",
			zap.String("task_id", exec.TaskID),
			zap.Duration("duration", exec.Duration(s.now())))
		s.publish(events.TopicTask, events.TaskCompletedEvent{
			ID: exec.TaskID, AgentID: exec.AgentID, Duration: exec.Duration(s.now()), Timestamp: exec.EndedAt,
		})
	case task.ExecutionCancelled:
		s.log.Info("execution cancelled", zap.String("task_id", exec.TaskID), zap.String("reason", message))
		s.publish(events.TopicTask, events.TaskCancelledEvent{ID: exec.TaskID, Reason: message, Timestamp: exec.EndedAt})
	default:
		s.log.Warn("execution failed",
			zap.String("task_id", exec.TaskID),
			zap.String("status", string(status)),
			zap.String("error", message))
		s.publish(events.TopicTask, events.TaskFailedEvent{
			ID: exec.TaskID, AgentID: exec.AgentID, Reason: message,
			Timeout: status == task.ExecutionTimeout, Timestamp: exec.EndedAt,
		})
	}

	if s.arc != nil {
		// Copy before leaving the lock's protection; the archive call runs
		// on its own goroutine so a slow store cannot stall scheduling.
		cp := exec.Clone()
		go func() {
			if err := s.arc.ArchiveExecution(context.Background(), cp); err != nil {
				s.log.Warn("archive write failed", zap.String("task_id", cp.TaskID), zap.Error(err))
			}
		}()
	}
}

// releaseDependentsLocked re-queues every dependent of taskID whose
// dependencies are now fully satisfied. Insertion is idempotent.
func (s *Scheduler) releaseDependentsLocked(taskID string) {
	for _, depID := range s.dependents[taskID] {
		t, ok := s.pending[depID]
		if !ok || !s.dependenciesMetLocked(t) {
			continue
		}
		s.buckets[t.Priority] = appendOnce(s.buckets[t.Priority], depID)
	}
	delete(s.dependents, taskID)
}

// dependenciesMetLocked reports whether every dependency has a completed
// execution. Failed, cancelled, timed-out, and unknown dependencies block.
func (s *Scheduler) dependenciesMetLocked(t *task.Task) bool {
	for _, dep := range t.DependsOn {
		exec, ok := s.completed[dep]
		if !ok || exec.Status != task.ExecutionCompleted {
			return false
		}
	}
	return true
}

// evictLocked trims the completed ring to the history limit, oldest first.
func (s *Scheduler) evictLocked() {
	for len(s.evictOrder) > s.historyLimit {
		oldest := s.evictOrder[0]
		s.evictOrder = s.evictOrder[1:]
		delete(s.completed, oldest)
		delete(s.attempts, oldest)
		delete(s.retries, oldest)
		delete(s.dependents, oldest)
	}
}

func (s *Scheduler) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

// appendOnce appends id to queue unless it is already present.
func appendOnce(queue []string, id string) []string {
	for _, q := range queue {
		if q == id {
			return queue
		}
	}
	return append(queue, id)
}
