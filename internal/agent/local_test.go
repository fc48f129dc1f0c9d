package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/task"
)

func TestRosterDiscover(t *testing.T) {
	r := NewRoster(
		Info{AgentID: "agent-1", Capabilities: []string{"compute"}},
		Info{AgentID: "agent-2", Capabilities: []string{"compute", "io"}},
		Info{AgentID: "agent-3", Capabilities: []string{"io"}},
	)

	tests := []struct {
		capability string
		want       []string
	}{
		{"", []string{"agent-1", "agent-2", "agent-3"}},
		{"compute", []string{"agent-1", "agent-2"}},
		{"io", []string{"agent-2", "agent-3"}},
		{"gpu", nil},
	}

	for _, tt := range tests {
		got, err := r.Discover(context.Background(), tt.capability)
		if err != nil {
			t.Fatalf("Discover(%q): %v", tt.capability, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("Discover(%q) = %v, want %v", tt.capability, got, tt.want)
		}
		for i, info := range got {
			if info.AgentID != tt.want[i] {
				t.Errorf("Discover(%q)[%d] = %s, want %s", tt.capability, i, info.AgentID, tt.want[i])
			}
		}
	}
}

func TestRosterAddReplacesAndRemove(t *testing.T) {
	r := NewRoster(Info{AgentID: "agent-1", Capabilities: []string{"compute"}})

	r.Add(Info{AgentID: "agent-1", Capabilities: []string{"io"}})
	got, _ := r.Discover(context.Background(), "io")
	if len(got) != 1 {
		t.Fatalf("re-added agent not updated: %v", got)
	}

	r.Remove("agent-1")
	got, _ = r.Discover(context.Background(), "")
	if len(got) != 0 {
		t.Fatalf("roster after remove = %v, want empty", got)
	}
}

func TestLoopbackChannelReportsResult(t *testing.T) {
	results := make(chan Result, 1)
	ch := NewLoopbackChannel(0, func(res Result) { results <- res })

	tk := &task.Task{ID: "t1", Name: "t1", Input: map[string]any{"n": 1}}
	if err := ch.Execute(context.Background(), tk, "agent-1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	select {
	case res := <-results:
		if res.TaskID != "t1" || res.AgentID != "agent-1" || res.Err != nil {
			t.Fatalf("result = %+v", res)
		}
		if res.Output["echo"] == nil {
			t.Fatalf("output = %+v, want echoed input", res.Output)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}
}

func TestLoopbackChannelInjectedFailure(t *testing.T) {
	results := make(chan Result, 1)
	ch := NewLoopbackChannel(0, func(res Result) { results <- res })

	boom := errors.New("boom")
	ch.FailTask("t1", boom)

	if err := ch.Execute(context.Background(), &task.Task{ID: "t1", Name: "t1"}, "agent-1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case res := <-results:
		if !errors.Is(res.Err, boom) {
			t.Fatalf("err = %v, want injected failure", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}

	// Injection is one-shot; the next run succeeds.
	if err := ch.Execute(context.Background(), &task.Task{ID: "t1", Name: "t1"}, "agent-1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case res := <-results:
		if res.Err != nil {
			t.Fatalf("second run err = %v, want nil", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second result")
	}
}

func TestLoopbackChannelHonorsContext(t *testing.T) {
	ch := NewLoopbackChannel(0, func(Result) { t.Error("cancelled handoff must not report") })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ch.Execute(ctx, &task.Task{ID: "t1", Name: "t1"}, "agent-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute with cancelled ctx = %v, want context.Canceled", err)
	}
}
