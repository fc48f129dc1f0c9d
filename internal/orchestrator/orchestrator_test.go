package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/task"
)

// stubChannel records dispatches and fails on demand. Execute is
// synchronous; results are reported by the test itself.
type stubChannel struct {
	mu       sync.Mutex
	err      error
	executed []string // "taskID@agentID"
}

func (c *stubChannel) Execute(ctx context.Context, t *task.Task, agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed = append(c.executed, t.ID+"@"+agentID)
	return c.err
}

func (c *stubChannel) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// fastRetry keeps dispatch-failure tests from sleeping through real backoff.
// The window fits at most four attempts, below the breaker's trip count.
var fastRetry = RetryConfig{
	InitialInterval:     time.Millisecond,
	MaxInterval:         2 * time.Millisecond,
	MaxElapsedTime:      3 * time.Millisecond,
	Multiplier:          1.5,
	RandomizationFactor: 0.1,
}

func newTestOrchestrator(t *testing.T, roster *agent.Roster, channel agent.Channel) (*Orchestrator, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{})
	orch := New(Config{
		Logger:    zap.NewNop(),
		Scheduler: sched,
		Directory: roster,
		Channel:   channel,
		Retry:     fastRetry,
	})
	return orch, sched
}

func TestSelectAgentScoring(t *testing.T) {
	roster := agent.NewRoster(
		agent.Info{AgentID: "agent-x", Capabilities: []string{"compute"}},
		agent.Info{AgentID: "agent-y", Capabilities: []string{"compute"}},
	)
	orch, _ := newTestOrchestrator(t, roster, &stubChannel{})

	// agent-x: 90% success, 2 tasks in flight. agent-y: 95%, idle.
	// Scores: 90 - 20 = 70 vs 95 - 0 = 95.
	orch.totals["agent-x"] = 10
	orch.completed["agent-x"] = 9
	orch.assignments["agent-x"] = map[string]struct{}{"t1": {}, "t2": {}}
	orch.totals["agent-y"] = 20
	orch.completed["agent-y"] = 19

	tk := &task.Task{ID: "t3", Name: "t3", RequiredCapabilities: []string{"compute"}}
	info, ok := orch.selectAgent(context.Background(), tk)
	if !ok {
		t.Fatal("expected an agent to qualify")
	}
	if info.AgentID != "agent-y" {
		t.Fatalf("selected %s, want agent-y", info.AgentID)
	}
}

func TestSelectAgentTieBreakKeepsEarliestSeen(t *testing.T) {
	roster := agent.NewRoster(
		agent.Info{AgentID: "agent-a"},
		agent.Info{AgentID: "agent-b"},
	)
	orch, _ := newTestOrchestrator(t, roster, &stubChannel{})

	// Both agents are unseen and score 100; discovery order wins.
	info, ok := orch.selectAgent(context.Background(), &task.Task{ID: "t1", Name: "t1"})
	if !ok || info.AgentID != "agent-a" {
		t.Fatalf("selected %v, want agent-a", info)
	}
}

func TestSelectAgentTieBreakPersistsAcrossCalls(t *testing.T) {
	roster := agent.NewRoster(
		agent.Info{AgentID: "agent-a", Capabilities: []string{"compute"}},
		agent.Info{AgentID: "agent-b", Capabilities: []string{"io"}},
	)
	orch, _ := newTestOrchestrator(t, roster, &stubChannel{})

	// A capability-restricted lookup discovers agent-b first.
	tk := &task.Task{ID: "t1", Name: "t1", RequiredCapabilities: []string{"io"}}
	if info, ok := orch.selectAgent(context.Background(), tk); !ok || info.AgentID != "agent-b" {
		t.Fatalf("selected %v, want agent-b", info)
	}

	// A later unrestricted lookup lists agent-a first, but the tie still
	// goes to the agent seen earliest overall.
	info, ok := orch.selectAgent(context.Background(), &task.Task{ID: "t2", Name: "t2"})
	if !ok || info.AgentID != "agent-b" {
		t.Fatalf("selected %v, want agent-b (earliest seen)", info)
	}
}

func TestSelectAgentPreferred(t *testing.T) {
	roster := agent.NewRoster(
		agent.Info{AgentID: "agent-1"},
		agent.Info{AgentID: "agent-2"},
		agent.Info{AgentID: "agent-3"},
	)
	orch, _ := newTestOrchestrator(t, roster, &stubChannel{})

	tests := []struct {
		name string
		task *task.Task
		want string
	}{
		{
			name: "first preferred agent in roster wins",
			task: &task.Task{ID: "t1", Name: "t1", PreferredAgents: []string{"agent-3", "agent-1"}},
			want: "agent-3",
		},
		{
			name: "excluded preferred agent is skipped",
			task: &task.Task{ID: "t2", Name: "t2", PreferredAgents: []string{"agent-3"}, ExcludedAgents: []string{"agent-3"}},
			want: "agent-1", // falls through to scoring, all tied
		},
		{
			name: "unknown preferred agent falls through",
			task: &task.Task{ID: "t3", Name: "t3", PreferredAgents: []string{"agent-99"}},
			want: "agent-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := orch.selectAgent(context.Background(), tt.task)
			if !ok {
				t.Fatal("expected an agent to qualify")
			}
			if info.AgentID != tt.want {
				t.Fatalf("selected %s, want %s", info.AgentID, tt.want)
			}
		})
	}
}

func TestSelectAgentCapabilityFilter(t *testing.T) {
	roster := agent.NewRoster(
		agent.Info{AgentID: "agent-1", Capabilities: []string{"compute"}},
		agent.Info{AgentID: "agent-2", Capabilities: []string{"io"}},
	)
	orch, _ := newTestOrchestrator(t, roster, &stubChannel{})

	tk := &task.Task{ID: "t1", Name: "t1", RequiredCapabilities: []string{"io"}}
	info, ok := orch.selectAgent(context.Background(), tk)
	if !ok || info.AgentID != "agent-2" {
		t.Fatalf("selected %v, want agent-2", info)
	}

	tk = &task.Task{ID: "t2", Name: "t2", RequiredCapabilities: []string{"gpu"}}
	if _, ok := orch.selectAgent(context.Background(), tk); ok {
		t.Fatal("no agent advertises gpu, expected no selection")
	}
}

func TestTickDispatches(t *testing.T) {
	roster := agent.NewRoster(agent.Info{AgentID: "agent-1", Capabilities: []string{"compute"}})
	channel := &stubChannel{}
	orch, sched := newTestOrchestrator(t, roster, channel)

	tk := &task.Task{ID: "t1", Name: "t1", RequiredCapabilities: []string{"compute"}}
	if err := sched.Enqueue(tk); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	orch.Tick(context.Background())

	if calls := channel.calls(); len(calls) != 1 || calls[0] != "t1@agent-1" {
		t.Fatalf("channel calls = %v, want [t1@agent-1]", calls)
	}
	snap, err := sched.Lookup("t1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if snap.State != scheduler.StateRunning {
		t.Fatalf("state = %s, want running", snap.State)
	}
	if w := orch.Workload("agent-1"); w.Current != 1 || w.Total != 1 {
		t.Fatalf("workload = %+v, want current 1 total 1", w)
	}
}

func TestTickRequeuesWhenNoAgentQualifies(t *testing.T) {
	roster := agent.NewRoster(agent.Info{AgentID: "agent-1", Capabilities: []string{"compute"}})
	channel := &stubChannel{}
	orch, sched := newTestOrchestrator(t, roster, channel)

	tk := &task.Task{ID: "t1", Name: "t1", RequiredCapabilities: []string{"gpu"}}
	if err := sched.Enqueue(tk); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	orch.Tick(context.Background())

	if calls := channel.calls(); len(calls) != 0 {
		t.Fatalf("channel calls = %v, want none", calls)
	}
	snap, err := sched.Lookup("t1")
	if err != nil {
		t.Fatalf("Lookup after requeue: %v", err)
	}
	if snap.State != scheduler.StatePending {
		t.Fatalf("state = %s, want pending", snap.State)
	}
}

func TestDispatchFailureAbandonsAndRequeues(t *testing.T) {
	roster := agent.NewRoster(agent.Info{AgentID: "agent-1"})
	channel := &stubChannel{err: errors.New("transport down")}
	orch, sched := newTestOrchestrator(t, roster, channel)

	tk := &task.Task{ID: "t1", Name: "t1"}
	if err := sched.Enqueue(tk); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	orch.Tick(context.Background())

	// Back in the queue, no terminal execution recorded.
	snap, err := sched.Lookup("t1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if snap.State != scheduler.StatePending {
		t.Fatalf("state = %s, want pending", snap.State)
	}
	if w := orch.Workload("agent-1"); w.Current != 0 {
		t.Fatalf("current load = %d, want 0 after failed dispatch", w.Current)
	}

	// A later successful dispatch carries the abandoned attempt.
	channel.mu.Lock()
	channel.err = nil
	channel.mu.Unlock()
	orch.Tick(context.Background())

	snap, err = sched.Lookup("t1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if snap.State != scheduler.StateRunning {
		t.Fatalf("state = %s, want running", snap.State)
	}
	if snap.Execution.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", snap.Execution.Attempt)
	}
	if len(snap.Execution.RetryHistory) != 1 {
		t.Fatalf("retry history = %+v, want one entry", snap.Execution.RetryHistory)
	}
}

func TestHandleResult(t *testing.T) {
	roster := agent.NewRoster(agent.Info{AgentID: "agent-1"})
	channel := &stubChannel{}
	orch, sched := newTestOrchestrator(t, roster, channel)

	enqueueAndTick := func(id string) {
		t.Helper()
		if err := sched.Enqueue(&task.Task{ID: id, Name: id}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
		orch.Tick(context.Background())
	}

	enqueueAndTick("ok")
	orch.HandleResult(agent.Result{TaskID: "ok", AgentID: "agent-1", Output: map[string]any{"rows": 3}})

	enqueueAndTick("bad")
	orch.HandleResult(agent.Result{TaskID: "bad", AgentID: "agent-1", Err: errors.New("boom"), Detail: "stack"})

	snap, _ := sched.Lookup("ok")
	if snap.Execution.Status != task.ExecutionCompleted {
		t.Fatalf("ok status = %s, want completed", snap.Execution.Status)
	}
	snap, _ = sched.Lookup("bad")
	if snap.Execution.Status != task.ExecutionFailed || snap.Execution.Error != "boom" {
		t.Fatalf("bad execution = %+v, want failed/boom", snap.Execution)
	}

	w := orch.Workload("agent-1")
	if w.Current != 0 || w.Total != 2 || w.Completed != 1 {
		t.Fatalf("workload = %+v, want current 0 total 2 completed 1", w)
	}
	if w.SuccessRate != 50.0 {
		t.Fatalf("success rate = %v, want 50", w.SuccessRate)
	}
}

func TestHandleResultForUnknownTask(t *testing.T) {
	orch, _ := newTestOrchestrator(t, agent.NewRoster(), &stubChannel{})
	// Must not panic or corrupt state.
	orch.HandleResult(agent.Result{TaskID: "ghost", AgentID: "agent-1", Output: nil})
	if w := orch.Workload("agent-1"); w.Total != 0 {
		t.Fatalf("workload = %+v, want empty", w)
	}
}

func TestOnTaskFinishedIsIdempotent(t *testing.T) {
	roster := agent.NewRoster(agent.Info{AgentID: "agent-1"})
	orch, sched := newTestOrchestrator(t, roster, &stubChannel{})

	if err := sched.Enqueue(&task.Task{ID: "t1", Name: "t1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	orch.Tick(context.Background())

	orch.OnTaskFinished("t1", true)
	orch.OnTaskFinished("t1", true) // second call must not double-count

	w := orch.Workload("agent-1")
	if w.Completed != 1 {
		t.Fatalf("completed = %d, want 1", w.Completed)
	}
	if w.Current != 0 {
		t.Fatalf("current = %d, want 0", w.Current)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	reg := NewBreakerRegistry(zap.NewNop())
	cb := reg.Get("agent-1")

	fail := func() (interface{}, error) { return nil, errors.New("down") }
	for i := 0; i < 5; i++ {
		if _, err := cb.Execute(fail); err == nil {
			t.Fatalf("execution %d unexpectedly succeeded", i+1)
		}
	}

	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %s, want open", cb.State())
	}
	if _, err := cb.Execute(fail); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("execute on open breaker = %v, want ErrOpenState", err)
	}

	// Same agent gets the same breaker; a different agent gets a fresh one.
	if reg.Get("agent-1") != cb {
		t.Error("registry returned a different breaker for the same agent")
	}
	if reg.Get("agent-2") == cb {
		t.Error("registry shared a breaker across agents")
	}
}

func TestOpenBreakerStopsRetriesQuickly(t *testing.T) {
	roster := agent.NewRoster(agent.Info{AgentID: "agent-1"})
	channel := &stubChannel{err: errors.New("down")}
	orch, sched := newTestOrchestrator(t, roster, channel)

	cb := orch.breakers.Get("agent-1")
	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errors.New("down") })
	}

	if err := sched.Enqueue(&task.Task{ID: "t1", Name: "t1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	start := time.Now()
	orch.Tick(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("tick against open breaker took %v, want immediate permanent failure", elapsed)
	}

	snap, err := sched.Lookup("t1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if snap.State != scheduler.StatePending {
		t.Fatalf("state = %s, want pending (requeued)", snap.State)
	}
}
