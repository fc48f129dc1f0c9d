// Package coordinator is the single entry point to the orchestration core.
// It composes the scheduler, orchestrator, and consensus coordinator,
// optionally gating task submission and cancellation behind a vote.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/consensus"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/task"
)

// ErrSubmissionRejected is returned when a consensus gate does not accept.
var ErrSubmissionRejected = errors.New("submission rejected by consensus")

// Intervals sets the sweep cadence for the three supervisory loops.
type Intervals struct {
	Scheduler    time.Duration // default 1s
	Orchestrator time.Duration // default 500ms
	Consensus    time.Duration // default 1s
}

func (i Intervals) withDefaults() Intervals {
	if i.Scheduler <= 0 {
		i.Scheduler = time.Second
	}
	if i.Orchestrator <= 0 {
		i.Orchestrator = 500 * time.Millisecond
	}
	if i.Consensus <= 0 {
		i.Consensus = time.Second
	}
	return i
}

// Config wires the facade.
type Config struct {
	Logger          *zap.Logger
	Scheduler       *scheduler.Scheduler
	Orchestrator    *orchestrator.Orchestrator
	Consensus       *consensus.Coordinator
	Bus             *events.Bus // optional, used to invalidate assignments
	Intervals       Intervals
	ProposalTimeout time.Duration // voting window for gates, default 30s
	GatePoll        time.Duration // gate poll cadence, default 50ms
	Now             func() time.Time
}

// Coordinator composes the three components. It holds no task state of its
// own; every mutation flows through the owning component.
type Coordinator struct {
	log             *zap.Logger
	sched           *scheduler.Scheduler
	orch            *orchestrator.Orchestrator
	cons            *consensus.Coordinator
	bus             *events.Bus
	intervals       Intervals
	proposalTimeout time.Duration
	gatePoll        time.Duration
	now             func() time.Time
}

// New creates the facade.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ProposalTimeout <= 0 {
		cfg.ProposalTimeout = 30 * time.Second
	}
	if cfg.GatePoll <= 0 {
		cfg.GatePoll = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		log:             cfg.Logger,
		sched:           cfg.Scheduler,
		orch:            cfg.Orchestrator,
		cons:            cfg.Consensus,
		bus:             cfg.Bus,
		intervals:       cfg.Intervals.withDefaults(),
		proposalTimeout: cfg.ProposalTimeout,
		gatePoll:        cfg.GatePoll,
		now:             cfg.Now,
	}
}

// Run drives the three sweeps until ctx is cancelled. Stopping is
// cooperative: each sweep observes cancellation on its next iteration.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.sched.Run(gctx, c.intervals.Scheduler)
		return nil
	})
	g.Go(func() error {
		c.orch.Run(gctx, c.intervals.Orchestrator)
		return nil
	})
	g.Go(func() error {
		c.cons.Run(gctx, c.intervals.Consensus)
		return nil
	})
	if c.bus != nil {
		sub := c.bus.Subscribe(events.TopicTask, 256)
		g.Go(func() error {
			c.consumeTaskEvents(gctx, sub)
			return nil
		})
	}

	err := g.Wait()
	c.log.Info("coordinator stopped")
	return err
}

// consumeTaskEvents invalidates orchestrator assignments for tasks that
// reach a terminal state outside the channel callback, such as a timeout
// sweep or an out-of-band cancel.
func (c *Coordinator) consumeTaskEvents(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.EventType() {
			case events.EventTypeTaskCompleted:
				c.orch.OnTaskFinished(ev.Subject(), true)
			case events.EventTypeTaskFailed, events.EventTypeTaskTimeout, events.EventTypeTaskCancelled:
				c.orch.OnTaskFinished(ev.Subject(), false)
			}
		}
	}
}

// SubmitTask validates and enqueues a task, optionally behind a consensus
// gate. Returns the task ID.
func (c *Coordinator) SubmitTask(ctx context.Context, spec task.Spec, requireConsensus bool, rule consensus.Rule) (string, error) {
	t, err := spec.Build(c.now())
	if err != nil {
		return "", err
	}

	if requireConsensus {
		payload := map[string]any{"task_id": t.ID, "name": t.Name, "type": t.Type}
		if err := c.gate(ctx, "task_submission", payload, rule); err != nil {
			return "", err
		}
	}

	if err := c.sched.Enqueue(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// CancelTask cancels a pending or running task, optionally behind a
// consensus gate.
func (c *Coordinator) CancelTask(ctx context.Context, taskID string, requireConsensus bool, rule consensus.Rule) error {
	if requireConsensus {
		payload := map[string]any{"task_id": taskID}
		if err := c.gate(ctx, "task_cancellation", payload, rule); err != nil {
			return err
		}
	}

	if err := c.sched.Cancel(taskID, "cancelled by caller"); err != nil {
		return err
	}
	c.orch.OnTaskFinished(taskID, false)
	return nil
}

// GetTaskStatus returns the task's current state and execution detail.
func (c *Coordinator) GetTaskStatus(taskID string) (scheduler.Snapshot, error) {
	return c.sched.Lookup(taskID)
}

// ProposeDecision opens an ungated consensus proposal.
func (c *Coordinator) ProposeDecision(ctx context.Context, proposer, kind string, payload map[string]any, rule consensus.Rule, timeout time.Duration) (string, error) {
	return c.cons.Propose(ctx, proposer, kind, payload, rule, timeout)
}

// CastVote records an agent's vote on a proposal.
func (c *Coordinator) CastVote(proposalID, agentID string, vote bool, weight float64) (bool, error) {
	return c.cons.Vote(proposalID, agentID, vote, weight)
}

// GetDecisionStatus returns a proposal snapshot.
func (c *Coordinator) GetDecisionStatus(proposalID string) (consensus.ProposalSnapshot, error) {
	return c.cons.Status(proposalID)
}

// GetAgentWorkload returns an agent's live assignment count and track record.
func (c *Coordinator) GetAgentWorkload(agentID string) orchestrator.Workload {
	return c.orch.Workload(agentID)
}

// WorkflowStatus reports how a workflow submission ended.
type WorkflowStatus string

const (
	WorkflowStarted  WorkflowStatus = "started"
	WorkflowRejected WorkflowStatus = "rejected"
)

// WorkflowResult is the outcome of CoordinateWorkflow.
type WorkflowResult struct {
	Name    string
	Status  WorkflowStatus
	TaskIDs []string
}

// CoordinateWorkflow optionally gates a whole workflow behind one vote,
// then submits each task sequentially and ungated. An enqueue failure after
// an approved gate aborts the rest; already-submitted IDs are returned.
func (c *Coordinator) CoordinateWorkflow(ctx context.Context, name string, specs []task.Spec, requireConsensus bool, rule consensus.Rule) (WorkflowResult, error) {
	res := WorkflowResult{Name: name, Status: WorkflowStarted}

	if requireConsensus {
		payload := map[string]any{"workflow": name, "tasks": len(specs)}
		if err := c.gate(ctx, "workflow_submission", payload, rule); err != nil {
			res.Status = WorkflowRejected
			return res, err
		}
	}

	for _, spec := range specs {
		id, err := c.SubmitTask(ctx, spec, false, rule)
		if err != nil {
			return res, fmt.Errorf("workflow %q: submitting task %q: %w", name, spec.Name, err)
		}
		res.TaskIDs = append(res.TaskIDs, id)
	}

	c.log.Info("workflow started", zap.String("workflow", name), zap.Int("tasks", len(res.TaskIDs)))
	return res, nil
}

// gate opens a proposal and polls it to resolution. Only an accepted
// proposal lets the operation proceed; a timed-out or otherwise unresolved
// vote is a rejection the caller can distinguish via the wrapped status.
func (c *Coordinator) gate(ctx context.Context, kind string, payload map[string]any, rule consensus.Rule) error {
	proposalID, err := c.cons.Propose(ctx, "coordinator", kind, payload, rule, c.proposalTimeout)
	if err != nil {
		return fmt.Errorf("opening %s gate: %w", kind, err)
	}

	ticker := time.NewTicker(c.gatePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := c.cons.Status(proposalID)
			if err != nil {
				return err
			}
			if !snap.Status.Terminal() {
				// The background sweep may not be running; enforce the
				// voting window from here as well.
				if c.now().After(snap.ExpiresAt) {
					c.cons.Sweep()
				}
				continue
			}
			if snap.Status == consensus.StatusAccepted {
				return nil
			}
			return fmt.Errorf("%w: %s proposal %s settled as %s", ErrSubmissionRejected, kind, proposalID, snap.Status)
		}
	}
}
