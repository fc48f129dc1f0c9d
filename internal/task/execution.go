package task

import (
	"time"
)

// ExecutionStatus is the state of a single runtime attempt.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// Checkpoint is one progress observation on a running execution.
type Checkpoint struct {
	Progress float64
	Note     string
	At       time.Time
}

// Attempt records one prior try of a task, kept for caller-driven retry.
type Attempt struct {
	Number  int
	AgentID string
	Status  ExecutionStatus
	Error   string
	EndedAt time.Time
}

// Execution is one runtime attempt of a task. The scheduler owns storage;
// the orchestrator writes progress and results through scheduler methods.
type Execution struct {
	ID           string
	TaskID       string
	AgentID      string
	Status       ExecutionStatus
	StartedAt    time.Time
	EndedAt      time.Time
	Output       map[string]any
	Error        string
	ErrorDetail  string
	Progress     float64 // 0..100, monotonically increasing
	Checkpoints  []Checkpoint
	Attempt      int
	RetryHistory []Attempt
}

// Duration returns elapsed time, using now for still-running executions.
func (e *Execution) Duration(now time.Time) time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	end := e.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(e.StartedAt)
}

// AdvanceProgress records a checkpoint. Regressions and out-of-range values
// are ignored so progress only ever moves forward.
func (e *Execution) AdvanceProgress(progress float64, note string, now time.Time) bool {
	if progress < e.Progress || progress < 0 || progress > 100 {
		return false
	}
	e.Progress = progress
	e.Checkpoints = append(e.Checkpoints, Checkpoint{Progress: progress, Note: note, At: now})
	return true
}

// Clone returns a copy safe to hand outside the owning component.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Checkpoints = append([]Checkpoint(nil), e.Checkpoints...)
	cp.RetryHistory = append([]Attempt(nil), e.RetryHistory...)
	return &cp
}
