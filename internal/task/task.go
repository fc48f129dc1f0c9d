// Package task defines the task and execution records shared by the
// scheduler, orchestrator, and coordinator.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks for release. Higher values are released first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityUrgent
)

// Priorities lists all levels from most to least urgent, the order the
// scheduler scans its buckets in.
var Priorities = []Priority{PriorityUrgent, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ErrInvalidSpec is wrapped by all Spec validation failures.
var ErrInvalidSpec = errors.New("invalid task spec")

// Task is an immutable unit of work. The scheduler owns task storage;
// everything handed out of it is a defensive copy.
type Task struct {
	ID                   string
	Name                 string
	Type                 string
	RequiredCapabilities []string
	PreferredAgents      []string
	ExcludedAgents       []string
	Input                map[string]any
	Timeout              time.Duration
	MaxRetries           int
	Priority             Priority
	ScheduledAt          *time.Time // do not release before this instant
	Deadline             *time.Time // cancel if still pending past this instant
	DependsOn            []string
	Metadata             map[string]string
	Tags                 []string
	CreatedAt            time.Time
}

// Spec is the caller-facing submission form for a task.
// Zero values get sensible defaults in Build.
type Spec struct {
	ID                   string
	Name                 string
	Type                 string
	RequiredCapabilities []string
	PreferredAgents      []string
	ExcludedAgents       []string
	Input                map[string]any
	Timeout              time.Duration
	MaxRetries           int
	Priority             Priority
	ScheduledAt          *time.Time
	Deadline             *time.Time
	DependsOn            []string
	Metadata             map[string]string
	Tags                 []string
}

// Build validates the spec and materializes a Task. A missing ID is minted
// as a UUID. now stamps CreatedAt so callers control the clock in tests.
func (s Spec) Build(now time.Time) (*Task, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if s.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout %v", ErrInvalidSpec, s.Timeout)
	}
	if s.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative retry budget %d", ErrInvalidSpec, s.MaxRetries)
	}
	if s.Priority < PriorityLow || s.Priority > PriorityUrgent {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrInvalidSpec, s.Priority)
	}

	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	for _, dep := range s.DependsOn {
		if dep == id {
			return nil, fmt.Errorf("%w: task %q depends on itself", ErrInvalidSpec, id)
		}
	}

	t := &Task{
		ID:                   id,
		Name:                 s.Name,
		Type:                 s.Type,
		RequiredCapabilities: append([]string(nil), s.RequiredCapabilities...),
		PreferredAgents:      append([]string(nil), s.PreferredAgents...),
		ExcludedAgents:       append([]string(nil), s.ExcludedAgents...),
		Input:                s.Input,
		Timeout:              s.Timeout,
		MaxRetries:           s.MaxRetries,
		Priority:             s.Priority,
		ScheduledAt:          s.ScheduledAt,
		Deadline:             s.Deadline,
		DependsOn:            append([]string(nil), s.DependsOn...),
		Metadata:             s.Metadata,
		Tags:                 append([]string(nil), s.Tags...),
		CreatedAt:            now,
	}
	return t, nil
}

// Clone returns a deep-enough copy for handing across component boundaries.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	cp.PreferredAgents = append([]string(nil), t.PreferredAgents...)
	cp.ExcludedAgents = append([]string(nil), t.ExcludedAgents...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.Tags = append([]string(nil), t.Tags...)
	return &cp
}

// Excludes reports whether agentID is on the task's exclusion list.
func (t *Task) Excludes(agentID string) bool {
	for _, id := range t.ExcludedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}
