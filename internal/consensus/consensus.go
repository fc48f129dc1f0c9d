// Package consensus runs quorum-based approval votes among known agents.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/internal/agent"
	"github.com/taskmesh/taskmesh/internal/events"
)

// ErrProposalNotFound is returned for unknown proposal IDs.
var ErrProposalNotFound = errors.New("proposal not found")

// Rule selects the vote-counting policy for a proposal.
type Rule string

const (
	RuleMajority  Rule = "majority"
	RuleUnanimous Rule = "unanimous"
	RuleWeighted  Rule = "weighted"
	RuleThreshold Rule = "threshold"
)

// Status is the lifecycle state of a proposal. Once it leaves StatusPending
// it never changes. A proposal that never reaches quorum settles to
// StatusTimeout; StatusRejected is never produced by vote counting.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusPending }

type proposal struct {
	id            string
	proposer      string
	kind          string
	payload       map[string]any
	rule          Rule
	requiredVotes int
	votes         map[string]bool
	weights       map[string]float64
	status        Status
	createdAt     time.Time
	expiresAt     time.Time
	decidedAt     time.Time
}

// ProposalSnapshot is a defensive copy handed to callers.
type ProposalSnapshot struct {
	ID            string
	Proposer      string
	Type          string
	Payload       map[string]any
	Rule          Rule
	RequiredVotes int
	Votes         map[string]bool
	Weights       map[string]float64
	Status        Status
	CreatedAt     time.Time
	ExpiresAt     time.Time
	DecidedAt     time.Time
}

// Notifier delivers a vote request to one agent. Notification is
// fire-and-forget: failures are logged and do not affect the proposal.
type Notifier interface {
	NotifyVote(ctx context.Context, snapshot ProposalSnapshot, agent agent.Info) error
}

// Archiver receives decided proposals for out-of-band archiving.
// Archiving is fire-and-forget; failures are logged, never propagated.
type Archiver interface {
	ArchiveProposal(ctx context.Context, snapshot ProposalSnapshot) error
}

// Config wires the coordinator's collaborators.
type Config struct {
	Logger   *zap.Logger
	Director agent.Directory // roster source for vote snapshots
	Notifier Notifier        // optional vote notification fan-out
	Archive  Archiver        // optional decided-proposal archive
	Bus      *events.Bus     // optional
	Now      func() time.Time
}

// Coordinator owns all proposal storage behind a single mutex. No lock is
// held across directory or notifier calls.
type Coordinator struct {
	log      *zap.Logger
	dir      agent.Directory
	notifier Notifier
	arc      Archiver
	bus      *events.Bus
	now      func() time.Time

	mu        sync.Mutex
	proposals map[string]*proposal
}

// New creates an empty coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		log:       cfg.Logger,
		dir:       cfg.Director,
		notifier:  cfg.Notifier,
		arc:       cfg.Archive,
		bus:       cfg.Bus,
		now:       cfg.Now,
		proposals: make(map[string]*proposal),
	}
}

// Propose snapshots the current roster, stores a pending proposal, and
// asynchronously asks every known agent to vote. The required vote count is
// fixed here from the roster snapshot; RuleThreshold and RuleUnanimous
// consult it, while majority and weighted derive their condition from live
// vote counts (a deliberate asymmetry).
func (c *Coordinator) Propose(ctx context.Context, proposer, kind string, payload map[string]any, rule Rule, timeout time.Duration) (string, error) {
	roster, err := c.dir.Discover(ctx, "")
	if err != nil {
		return "", fmt.Errorf("snapshotting agent roster: %w", err)
	}

	now := c.now()
	p := &proposal{
		id:            uuid.NewString(),
		proposer:      proposer,
		kind:          kind,
		payload:       payload,
		rule:          rule,
		requiredVotes: requiredVotes(rule, len(roster)),
		votes:         make(map[string]bool),
		weights:       make(map[string]float64),
		status:        StatusPending,
		createdAt:     now,
		expiresAt:     now.Add(timeout),
	}

	c.mu.Lock()
	c.proposals[p.id] = p
	snap := snapshotLocked(p)
	c.mu.Unlock()

	c.log.Info("proposal opened",
		zap.String("proposal_id", p.id),
		zap.String("proposer", proposer),
		zap.String("rule", string(rule)),
		zap.Int("required_votes", p.requiredVotes),
		zap.Int("roster", len(roster)))
	c.publish(events.ProposalCreatedEvent{ID: p.id, Proposer: proposer, Type: kind, Timestamp: now})

	if c.notifier != nil {
		for _, info := range roster {
			info := info
			go func() {
				nctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := c.notifier.NotifyVote(nctx, snap, info); err != nil {
					c.log.Warn("vote notification failed",
						zap.String("proposal_id", snap.ID),
						zap.String("agent_id", info.AgentID),
						zap.Error(err))
				}
			}()
		}
	}
	return p.id, nil
}

// Vote records one agent's vote. A later vote from the same agent replaces
// the earlier one. The quorum rule is evaluated immediately against the
// votes received so far, so a proposal can be accepted before every agent
// has voted. Votes on non-pending proposals are ignored (ok=false).
func (c *Coordinator) Vote(proposalID, agentID string, vote bool, weight float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[proposalID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	if p.status != StatusPending {
		return false, nil
	}

	p.votes[agentID] = vote
	p.weights[agentID] = weight
	c.log.Debug("vote recorded",
		zap.String("proposal_id", proposalID),
		zap.String("agent_id", agentID),
		zap.Bool("vote", vote))

	if quorumMet(p) {
		c.decideLocked(p, StatusAccepted)
	}
	return true, nil
}

// Status returns a snapshot of the proposal.
func (c *Coordinator) Status(proposalID string) (ProposalSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[proposalID]
	if !ok {
		return ProposalSnapshot{}, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	return snapshotLocked(p), nil
}

// Run drives the voting-window sweep until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consensus sweep stopping")
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep finalizes pending proposals whose voting window has elapsed as
// StatusTimeout. Exposed for deterministic tests.
func (c *Coordinator) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, p := range c.proposals {
		if p.status == StatusPending && now.After(p.expiresAt) {
			c.decideLocked(p, StatusTimeout)
		}
	}
}

func (c *Coordinator) decideLocked(p *proposal, status Status) {
	p.status = status
	p.decidedAt = c.now()

	yes, no := tally(p.votes)
	c.log.Info("proposal decided",
		zap.String("proposal_id", p.id),
		zap.String("status", string(status)),
		zap.Int("yes", yes),
		zap.Int("no", no))
	c.publish(events.ProposalDecidedEvent{
		ID: p.id, Status: string(status), YesVotes: yes, NoVotes: no, Timestamp: p.decidedAt,
	})

	if c.arc != nil {
		// Snapshot under the lock; the archive call runs on its own
		// goroutine so a slow store cannot stall voting.
		snap := snapshotLocked(p)
		go func() {
			if err := c.arc.ArchiveProposal(context.Background(), snap); err != nil {
				c.log.Warn("archive write failed", zap.String("proposal_id", snap.ID), zap.Error(err))
			}
		}()
	}
}

func (c *Coordinator) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(events.TopicConsensus, ev)
	}
}

func snapshotLocked(p *proposal) ProposalSnapshot {
	votes := make(map[string]bool, len(p.votes))
	for k, v := range p.votes {
		votes[k] = v
	}
	weights := make(map[string]float64, len(p.weights))
	for k, v := range p.weights {
		weights[k] = v
	}
	return ProposalSnapshot{
		ID:            p.id,
		Proposer:      p.proposer,
		Type:          p.kind,
		Payload:       p.payload,
		Rule:          p.rule,
		RequiredVotes: p.requiredVotes,
		Votes:         votes,
		Weights:       weights,
		Status:        p.status,
		CreatedAt:     p.createdAt,
		ExpiresAt:     p.expiresAt,
		DecidedAt:     p.decidedAt,
	}
}
