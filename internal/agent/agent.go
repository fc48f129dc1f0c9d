// Package agent defines the collaborator interfaces the orchestration core
// depends on: a directory that discovers candidate agents and a channel that
// executes tasks on them. Both are supplied by the embedding application.
package agent

import (
	"context"

	"github.com/taskmesh/taskmesh/internal/task"
)

// Info describes one remote agent as reported by the directory.
type Info struct {
	AgentID      string
	Capabilities []string
	ServiceID    string
}

// Has reports whether the agent advertises the given capability.
func (i Info) Has(capability string) bool {
	for _, c := range i.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Directory discovers candidate agents. Discover with an empty capability
// returns the full roster.
type Directory interface {
	Discover(ctx context.Context, capability string) ([]Info, error)
}

// Result is the outcome of a remote execution, delivered through the
// channel's callback.
type Result struct {
	TaskID  string
	Output  map[string]any
	Err     error
	Detail  string
	AgentID string
}

// ResultFunc receives execution outcomes. The orchestrator wires this back
// into the scheduler.
type ResultFunc func(Result)

// Channel executes a task on a remote agent. Execute returns once the task
// has been handed off; the outcome arrives later through the ResultFunc the
// channel was constructed with. Implementations must honor ctx for the
// handoff itself.
type Channel interface {
	Execute(ctx context.Context, t *task.Task, agentID string) error
}
