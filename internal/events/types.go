package events

import (
	"time"

	"github.com/taskmesh/taskmesh/internal/task"
)

// Event is the base interface for all bus events.
type Event interface {
	EventType() string
	Subject() string // task ID or proposal ID
}

// Topic constants
const (
	TopicTask      = "task"
	TopicConsensus = "consensus"
)

// Event type constants
const (
	EventTypeTaskEnqueued    = "task.enqueued"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskProgress    = "task.progress"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskCancelled   = "task.cancelled"
	EventTypeTaskTimeout     = "task.timeout"
	EventTypeProposalCreated = "consensus.proposed"
	EventTypeProposalDecided = "consensus.decided"
)

// TaskEnqueuedEvent is published when the scheduler admits a task.
type TaskEnqueuedEvent struct {
	ID        string
	Name      string
	Priority  task.Priority
	Timestamp time.Time
}

func (e TaskEnqueuedEvent) EventType() string { return EventTypeTaskEnqueued }
func (e TaskEnqueuedEvent) Subject() string   { return e.ID }

// TaskStartedEvent is published when an execution begins on an agent.
type TaskStartedEvent struct {
	ID        string
	AgentID   string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Subject() string   { return e.ID }

// TaskProgressEvent is published when a running execution checkpoints.
type TaskProgressEvent struct {
	ID        string
	Progress  float64
	Note      string
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) Subject() string   { return e.ID }

// TaskCompletedEvent is published when an execution finishes successfully.
type TaskCompletedEvent struct {
	ID        string
	AgentID   string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Subject() string   { return e.ID }

// TaskFailedEvent is published when an execution fails, including forced
// timeout failures from the supervision sweep.
type TaskFailedEvent struct {
	ID        string
	AgentID   string
	Reason    string
	Timeout   bool
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string {
	if e.Timeout {
		return EventTypeTaskTimeout
	}
	return EventTypeTaskFailed
}
func (e TaskFailedEvent) Subject() string { return e.ID }

// TaskCancelledEvent is published when a pending or running task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) Subject() string   { return e.ID }

// ProposalCreatedEvent is published when a consensus proposal opens for votes.
type ProposalCreatedEvent struct {
	ID        string
	Proposer  string
	Type      string
	Timestamp time.Time
}

func (e ProposalCreatedEvent) EventType() string { return EventTypeProposalCreated }
func (e ProposalCreatedEvent) Subject() string   { return e.ID }

// ProposalDecidedEvent is published when a proposal reaches a terminal state.
type ProposalDecidedEvent struct {
	ID        string
	Status    string // "accepted" or "timeout"
	YesVotes  int
	NoVotes   int
	Timestamp time.Time
}

func (e ProposalDecidedEvent) EventType() string { return EventTypeProposalDecided }
func (e ProposalDecidedEvent) Subject() string   { return e.ID }
