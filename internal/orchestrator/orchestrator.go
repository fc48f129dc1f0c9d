// Package orchestrator bridges released tasks to remote agents: it pulls
// eligible tasks from the scheduler, selects an agent by load-aware scoring,
// and dispatches through the agent channel.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/task"
)

const (
	// DefaultLoadPenalty is subtracted from an agent's score per assigned task.
	DefaultLoadPenalty = 10.0
	// DefaultDispatchTimeout bounds directory and channel calls made from the sweep.
	DefaultDispatchTimeout = 10 * time.Second
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Logger          *zap.Logger
	Scheduler       *scheduler.Scheduler
	Directory       agent.Directory
	Channel         agent.Channel
	LoadPenalty     float64       // DefaultLoadPenalty if 0
	DispatchTimeout time.Duration // DefaultDispatchTimeout if 0
	Retry           RetryConfig   // zero value gets defaults
}

// Orchestrator holds only transient assignment maps; the scheduler owns all
// task and execution state. A single mutex guards the maps and is never
// held across directory or channel calls.
type Orchestrator struct {
	log             *zap.Logger
	sched           *scheduler.Scheduler
	dir             agent.Directory
	channel         agent.Channel
	loadPenalty     float64
	dispatchTimeout time.Duration
	retryCfg        RetryConfig
	breakers        *BreakerRegistry

	mu          sync.Mutex
	assignments map[string]map[string]struct{} // agentID -> task IDs in flight
	taskAgent   map[string]string              // taskID -> agentID
	totals      map[string]int                 // tasks ever dispatched per agent
	completed   map[string]int                 // tasks completed per agent
	firstSeen   map[string]int                 // agentID -> discovery order, tie-break
	seen        int
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LoadPenalty == 0 {
		cfg.LoadPenalty = DefaultLoadPenalty
	}
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &Orchestrator{
		log:             cfg.Logger,
		sched:           cfg.Scheduler,
		dir:             cfg.Directory,
		channel:         cfg.Channel,
		loadPenalty:     cfg.LoadPenalty,
		dispatchTimeout: cfg.DispatchTimeout,
		retryCfg:        cfg.Retry,
		breakers:        NewBreakerRegistry(cfg.Logger),
		assignments:     make(map[string]map[string]struct{}),
		taskAgent:       make(map[string]string),
		totals:          make(map[string]int),
		completed:       make(map[string]int),
		firstSeen:       make(map[string]int),
	}
}

// Run drives the orchestration sweep until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("orchestration sweep stopping")
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick pulls one released task and dispatches it. Tasks that cannot be
// placed go back to the tail of their priority bucket rather than being
// dropped, so scheduling is at-least-once.
func (o *Orchestrator) Tick(ctx context.Context) {
	t := o.sched.Next()
	if t == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, o.dispatchTimeout)
	defer cancel()

	info, ok := o.selectAgent(callCtx, t)
	if !ok {
		o.log.Debug("no agent qualifies, requeuing", zap.String("task_id", t.ID))
		o.sched.Requeue(t)
		return
	}
	o.dispatch(callCtx, t, info)
}

// selectAgent picks an agent for the task: preferred agents first, then the
// union of capability lookups, then the full roster; excluded agents are
// always filtered. Candidates are scored successRate − penalty×load with
// first-seen order breaking ties.
func (o *Orchestrator) selectAgent(ctx context.Context, t *task.Task) (agent.Info, bool) {
	if len(t.PreferredAgents) > 0 {
		roster, err := o.dir.Discover(ctx, "")
		if err != nil {
			o.log.Warn("agent discovery failed", zap.Error(err))
			return agent.Info{}, false
		}
		byID := make(map[string]agent.Info, len(roster))
		for _, info := range roster {
			byID[info.AgentID] = info
		}
		for _, id := range t.PreferredAgents {
			if info, ok := byID[id]; ok && !t.Excludes(id) {
				return info, true
			}
		}
		// Preferred agents unavailable, fall through to scoring.
	}

	candidates, err := o.candidates(ctx, t)
	if err != nil {
		o.log.Warn("agent discovery failed", zap.Error(err))
		return agent.Info{}, false
	}
	if len(candidates) == 0 {
		return agent.Info{}, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	best := candidates[0]
	bestScore := o.scoreLocked(best.AgentID)
	for _, cand := range candidates[1:] {
		score := o.scoreLocked(cand.AgentID)
		// Ties go to the agent discovered earliest, across sweeps.
		if score > bestScore || (score == bestScore && o.firstSeen[cand.AgentID] < o.firstSeen[best.AgentID]) {
			best, bestScore = cand, score
		}
	}
	return best, true
}

// candidates returns the deduplicated, exclusion-filtered candidate list in
// discovery order.
func (o *Orchestrator) candidates(ctx context.Context, t *task.Task) ([]agent.Info, error) {
	var pool []agent.Info
	if len(t.RequiredCapabilities) == 0 {
		roster, err := o.dir.Discover(ctx, "")
		if err != nil {
			return nil, err
		}
		pool = roster
	} else {
		for _, cap := range t.RequiredCapabilities {
			found, err := o.dir.Discover(ctx, cap)
			if err != nil {
				return nil, err
			}
			pool = append(pool, found...)
		}
	}

	seen := make(map[string]struct{}, len(pool))
	out := make([]agent.Info, 0, len(pool))
	for _, info := range pool {
		if t.Excludes(info.AgentID) {
			continue
		}
		if _, dup := seen[info.AgentID]; dup {
			continue
		}
		seen[info.AgentID] = struct{}{}
		out = append(out, info)
		o.noteSeen(info.AgentID)
	}
	return out, nil
}

func (o *Orchestrator) noteSeen(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.firstSeen[agentID]; !ok {
		o.firstSeen[agentID] = o.seen
		o.seen++
	}
}

// scoreLocked computes successRate − penalty×currentLoad. Success rate is a
// percentage; agents with no record score as if perfect so new agents are
// not starved.
func (o *Orchestrator) scoreLocked(agentID string) float64 {
	rate := 100.0
	if total := o.totals[agentID]; total > 0 {
		rate = 100.0 * float64(o.completed[agentID]) / float64(total)
	}
	return rate - o.loadPenalty*float64(len(o.assignments[agentID]))
}

// dispatch records the assignment and hands the task to the channel through
// the per-agent circuit breaker. Channel errors abandon the execution and
// requeue the task.
func (o *Orchestrator) dispatch(ctx context.Context, t *task.Task, info agent.Info) {
	o.sched.StartExecution(t, info.AgentID)

	o.mu.Lock()
	if o.assignments[info.AgentID] == nil {
		o.assignments[info.AgentID] = make(map[string]struct{})
	}
	o.assignments[info.AgentID][t.ID] = struct{}{}
	o.taskAgent[t.ID] = info.AgentID
	o.totals[info.AgentID]++
	o.mu.Unlock()

	o.log.Info("task dispatched",
		zap.String("task_id", t.ID),
		zap.String("agent_id", info.AgentID))

	if err := o.executeWithRetry(ctx, t, info.AgentID); err != nil {
		o.log.Warn("dispatch failed, requeuing",
			zap.String("task_id", t.ID),
			zap.String("agent_id", info.AgentID),
			zap.Error(err))
		o.clearAssignment(t.ID, false)
		_ = o.sched.Abandon(t.ID, err.Error())
		o.sched.Requeue(t)
	}
}

// HandleResult is the channel callback: it feeds the outcome into the
// scheduler and invalidates the assignment entry. Wire it as the channel's
// ResultFunc.
func (o *Orchestrator) HandleResult(res agent.Result) {
	if res.Err != nil {
		if err := o.sched.Fail(res.TaskID, res.Err.Error(), res.Detail); err != nil {
			o.log.Warn("result for unknown execution", zap.String("task_id", res.TaskID), zap.Error(err))
			return
		}
		o.clearAssignment(res.TaskID, false)
		return
	}
	if err := o.sched.Complete(res.TaskID, res.Output); err != nil {
		o.log.Warn("result for unknown execution", zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}
	o.clearAssignment(res.TaskID, true)
}

// OnTaskFinished invalidates the assignment for a task that reached a
// terminal state outside the channel callback (cancel, timeout sweep).
func (o *Orchestrator) OnTaskFinished(taskID string, success bool) {
	o.clearAssignment(taskID, success)
}

func (o *Orchestrator) clearAssignment(taskID string, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	agentID, ok := o.taskAgent[taskID]
	if !ok {
		return
	}
	delete(o.taskAgent, taskID)
	delete(o.assignments[agentID], taskID)
	if success {
		o.completed[agentID]++
	}
}

// Workload reports an agent's live assignment count and track record.
type Workload struct {
	AgentID     string
	Current     int
	Total       int
	Completed   int
	SuccessRate float64 // percent
}

// Workload returns the current workload snapshot for an agent.
func (o *Orchestrator) Workload(agentID string) Workload {
	o.mu.Lock()
	defer o.mu.Unlock()

	w := Workload{
		AgentID:   agentID,
		Current:   len(o.assignments[agentID]),
		Total:     o.totals[agentID],
		Completed: o.completed[agentID],
	}
	if w.Total > 0 {
		w.SuccessRate = 100.0 * float64(w.Completed) / float64(w.Total)
	}
	return w
}
