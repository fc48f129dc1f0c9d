// Command taskmesh runs the orchestration core against a set of in-process
// loopback agents: it submits a small dependent workload, gates one task
// behind a consensus vote, and reports queue stats until everything drains.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/consensus"
	"github.com/taskmesh/taskmesh/internal/coordinator"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/history"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/orchestrator"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/task"
)

// autoVoter approves every proposal after a short delay, standing in for
// remote agents' voting logic.
type autoVoter struct {
	cons *consensus.Coordinator
}

func (v *autoVoter) NotifyVote(ctx context.Context, snap consensus.ProposalSnapshot, info agent.Info) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	_, err := v.cons.Vote(snap.ID, info.AgentID, true, 1.0)
	return err
}

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	agentDelay := flag.Duration("agent-delay", 200*time.Millisecond, "simulated agent execution time")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Build(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	bus := events.NewBus()
	defer bus.Close()

	roster := agent.NewRoster(
		agent.Info{AgentID: "agent-1", Capabilities: []string{"compute"}, ServiceID: "svc-1"},
		agent.Info{AgentID: "agent-2", Capabilities: []string{"compute", "io"}, ServiceID: "svc-2"},
		agent.Info{AgentID: "agent-3", Capabilities: []string{"io"}, ServiceID: "svc-3"},
	)

	var (
		archive         scheduler.Archiver
		proposalArchive consensus.Archiver
	)
	if cfg.History.Enabled {
		store, err := history.NewSQLiteStore(ctx, cfg.History.Path)
		if err != nil {
			log.Fatal("opening history archive", zap.Error(err))
		}
		defer store.Close()
		archive = store
		proposalArchive = store
	}

	sched := scheduler.New(scheduler.Config{
		Logger:       log.Named("scheduler"),
		Bus:          bus,
		Archive:      archive,
		HistoryLimit: cfg.Scheduler.HistoryLimit,
	})

	// The channel reports into the orchestrator, which doesn't exist yet;
	// bind through a variable captured by the callback.
	var orch *orchestrator.Orchestrator
	channel := agent.NewLoopbackChannel(*agentDelay, func(res agent.Result) {
		orch.HandleResult(res)
	})

	orch = orchestrator.New(orchestrator.Config{
		Logger:          log.Named("orchestrator"),
		Scheduler:       sched,
		Directory:       roster,
		Channel:         channel,
		LoadPenalty:     cfg.Orchestrator.LoadPenalty,
		DispatchTimeout: cfg.Orchestrator.DispatchTimeout,
	})

	voter := &autoVoter{}
	cons := consensus.New(consensus.Config{
		Logger:   log.Named("consensus"),
		Director: roster,
		Notifier: voter,
		Archive:  proposalArchive,
		Bus:      bus,
	})
	voter.cons = cons

	coord := coordinator.New(coordinator.Config{
		Logger:       log.Named("coordinator"),
		Scheduler:    sched,
		Orchestrator: orch,
		Consensus:    cons,
		Bus:          bus,
		Intervals: coordinator.Intervals{
			Scheduler:    cfg.Scheduler.SweepInterval,
			Orchestrator: cfg.Orchestrator.SweepInterval,
			Consensus:    cfg.Consensus.SweepInterval,
		},
		ProposalTimeout: cfg.Consensus.ProposalTimeout,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(ctx) }()

	res, err := coord.CoordinateWorkflow(ctx, "demo", []task.Spec{
		{ID: "ingest", Name: "ingest", Type: "batch", RequiredCapabilities: []string{"io"}, Priority: task.PriorityUrgent, Timeout: 30 * time.Second},
		{ID: "transform", Name: "transform", Type: "batch", RequiredCapabilities: []string{"compute"}, Priority: task.PriorityNormal, DependsOn: []string{"ingest"}, Timeout: 30 * time.Second},
		{ID: "publish", Name: "publish", Type: "batch", RequiredCapabilities: []string{"io"}, Priority: task.PriorityLow, DependsOn: []string{"transform"}, Timeout: 30 * time.Second},
	}, false, consensus.RuleMajority)
	if err != nil {
		log.Fatal("starting workflow", zap.Error(err))
	}
	log.Info("workflow submitted", zap.Strings("task_ids", res.TaskIDs))

	gatedID, err := coord.SubmitTask(ctx, task.Spec{
		Name:     "gated-report",
		Type:     "report",
		Priority: task.PriorityHigh,
		Timeout:  30 * time.Second,
	}, true, consensus.RuleMajority)
	if err != nil {
		log.Warn("gated submission not accepted", zap.Error(err))
	} else {
		log.Info("gated task accepted by vote", zap.String("task_id", gatedID))
	}

	want := len(res.TaskIDs)
	if gatedID != "" {
		want++
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received")
			<-runDone
			return
		case <-ticker.C:
			stats := sched.Stats()
			log.Info("queue stats",
				zap.Int("pending", stats.Pending),
				zap.Int("running", stats.Running),
				zap.Int("completed", stats.Completed))
			if stats.Completed >= want && stats.Pending == 0 && stats.Running == 0 {
				for _, id := range res.TaskIDs {
					snap, err := coord.GetTaskStatus(id)
					if err != nil {
						continue
					}
					log.Info("task finished",
						zap.String("task_id", id),
						zap.String("status", string(snap.Execution.Status)),
						zap.String("agent_id", snap.Execution.AgentID))
				}
				for _, agentID := range []string{"agent-1", "agent-2", "agent-3"} {
					w := coord.GetAgentWorkload(agentID)
					log.Info("agent workload",
						zap.String("agent_id", agentID),
						zap.Int("total", w.Total),
						zap.Float64("success_rate", w.SuccessRate))
				}
				stop()
				<-runDone
				log.Info("demo complete")
				return
			}
		}
	}
}
