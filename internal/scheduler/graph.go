package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"

	"github.com/taskmesh/taskmesh/internal/task"
)

// checkCycleLocked rejects a candidate task whose dependency edges would
// close a cycle among admitted (pending or running) tasks. Edges into
// completed tasks cannot participate in a cycle and are ignored, as are
// edges into tasks the scheduler has never seen (they block release but
// are not a cycle).
func (s *Scheduler) checkCycleLocked(candidate *task.Task) error {
	if len(candidate.DependsOn) == 0 {
		return nil
	}

	admitted := func(id string) bool {
		if id == candidate.ID {
			return true
		}
		if _, ok := s.pending[id]; ok {
			return true
		}
		_, ok := s.running[id]
		return ok
	}

	var edges []toposort.Edge
	addEdges := func(t *task.Task) {
		for _, dep := range t.DependsOn {
			if admitted(dep) {
				edges = append(edges, toposort.Edge{dep, t.ID})
			}
		}
	}
	addEdges(candidate)
	for _, t := range s.pending {
		addEdges(t)
	}
	for _, entry := range s.running {
		addEdges(entry.task)
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: task %s: %v", ErrCycle, candidate.ID, err)
	}
	return nil
}
