package agent

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/task"
)

// Roster is an in-memory Directory for tests and the demo binary.
type Roster struct {
	mu     sync.RWMutex
	agents []Info
}

// NewRoster creates a roster seeded with the given agents.
func NewRoster(agents ...Info) *Roster {
	return &Roster{agents: append([]Info(nil), agents...)}
}

// Add registers an agent. Re-adding an ID replaces the previous entry.
func (r *Roster) Add(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.agents {
		if a.AgentID == info.AgentID {
			r.agents[i] = info
			return
		}
	}
	r.agents = append(r.agents, info)
}

// Remove drops an agent from the roster.
func (r *Roster) Remove(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, a := range r.agents {
		if a.AgentID == agentID {
			r.agents = append(r.agents[:i], r.agents[i+1:]...)
			return
		}
	}
}

// Discover returns agents advertising the capability, or the whole roster
// when capability is empty. Order is registration order.
func (r *Roster) Discover(_ context.Context, capability string) ([]Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		if capability == "" || a.Has(capability) {
			out = append(out, a)
		}
	}
	return out, nil
}

// LoopbackChannel executes tasks in-process after a simulated delay,
// reporting outcomes through the ResultFunc. It stands in for a real
// transport in tests and the demo binary.
type LoopbackChannel struct {
	delay  time.Duration
	report ResultFunc

	mu   sync.Mutex
	fail map[string]error // taskID -> injected failure
}

// NewLoopbackChannel creates a channel that completes every task with its
// input echoed back after delay.
func NewLoopbackChannel(delay time.Duration, report ResultFunc) *LoopbackChannel {
	return &LoopbackChannel{
		delay:  delay,
		report: report,
		fail:   make(map[string]error),
	}
}

// FailTask makes the next execution of taskID report the given error.
func (c *LoopbackChannel) FailTask(taskID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[taskID] = err
}

// Execute hands the task off to a goroutine that reports the result after
// the configured delay. The handoff itself never blocks.
func (c *LoopbackChannel) Execute(ctx context.Context, t *task.Task, agentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	injected := c.fail[t.ID]
	delete(c.fail, t.ID)
	c.mu.Unlock()

	go func() {
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		res := Result{TaskID: t.ID, AgentID: agentID}
		if injected != nil {
			res.Err = injected
			res.Detail = "loopback injected failure"
		} else {
			res.Output = map[string]any{"echo": t.Input}
		}
		c.report(res)
	}()

	return nil
}
