package consensus

// requiredVotes fixes the vote requirement at proposal creation from the
// roster size. An empty roster still requires one vote so a proposal can
// never auto-accept.
func requiredVotes(rule Rule, rosterSize int) int {
	if rosterSize == 0 {
		return 1
	}
	switch rule {
	case RuleMajority:
		return rosterSize/2 + 1
	case RuleUnanimous:
		return rosterSize
	default:
		if n := rosterSize / 2; n > 1 {
			return n
		}
		return 1
	}
}

// quorumMet evaluates the proposal's rule against the votes received so
// far. Majority and weighted re-derive their condition from live counts;
// unanimous and threshold consult the vote requirement fixed at creation.
func quorumMet(p *proposal) bool {
	yes, no := tally(p.votes)

	switch p.rule {
	case RuleMajority:
		return yes > no
	case RuleUnanimous:
		// Every roster member must have voted yes; a single no blocks
		// acceptance for the proposal's lifetime (unless overwritten).
		return no == 0 && yes >= p.requiredVotes
	case RuleWeighted:
		var yesWeight, noWeight float64
		for agentID, vote := range p.votes {
			if vote {
				yesWeight += p.weights[agentID]
			} else {
				noWeight += p.weights[agentID]
			}
		}
		return yesWeight > noWeight
	default: // RuleThreshold
		return yes >= p.requiredVotes
	}
}

func tally(votes map[string]bool) (yes, no int) {
	for _, v := range votes {
		if v {
			yes++
		} else {
			no++
		}
	}
	return yes, no
}
