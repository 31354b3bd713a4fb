// Package scheduler computes execution waves over a Plan's task graph and
// runs the bounded-concurrency admission loop that drives tasks through the
// Supervisor.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/harrison/conductor-engine/internal/models"
)

// ComputeWaves groups tasks into the transient Wave structure: each wave is
// the maximal set of not-yet-completed tasks whose dependencies are already
// satisfied by a prior wave (or have none). Within a wave, tasks are
// ordered by priority (Critical, High, Medium, Low) then by their original
// position in the task list. A graph with a duplicate id, a missing
// dependency or a cycle fails ValidateTasks and is rejected as a whole with
// that error: no partial waves are returned for its well-formed tasks, and
// the unreachable slice stays empty.
func ComputeWaves(tasks []models.Task) (waves []models.Wave, unreachable []string, err error) {
	if err := models.ValidateTasks(tasks); err != nil {
		return nil, nil, err
	}

	order := make(map[string]int, len(tasks))
	byID := make(map[string]models.Task, len(tasks))
	for i, t := range tasks {
		order[t.ID] = i
		byID[t.ID] = t
	}

	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.State == models.StateCompleted || t.State == models.StateSkipped {
			completed[t.ID] = true
		}
	}

	remaining := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if !completed[t.ID] {
			remaining[t.ID] = true
		}
	}

	waveIndex := 0
	for len(remaining) > 0 {
		var ready []string
		for id := range remaining {
			t := byID[id]
			if eligible(t, completed) {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			// Nothing more can become eligible: whatever remains is
			// unreachable (dangling on an uncompleted or nonexistent dep).
			for id := range remaining {
				unreachable = append(unreachable, id)
			}
			break
		}

		sort.Slice(ready, func(i, j int) bool {
			pi, pj := byID[ready[i]].Priority.Rank(), byID[ready[j]].Priority.Rank()
			if pi != pj {
				return pi < pj
			}
			return order[ready[i]] < order[ready[j]]
		})

		waves = append(waves, models.Wave{Index: waveIndex, TaskIDs: ready})
		for _, id := range ready {
			completed[id] = true
			delete(remaining, id)
		}
		waveIndex++
	}

	sort.Strings(unreachable)
	return waves, unreachable, nil
}

// eligible reports whether t's dependencies are all satisfied, independent
// of t's current lifecycle state (ComputeWaves only cares about the graph;
// the admission loop applies State.Admissible separately).
func eligible(t models.Task, completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// ValidateFileOverlaps reports an error if two tasks within the same wave
// declare overlapping artifact paths; FileGuard enforces this at admission
// time, but callers that precompute a full wave plan can check it eagerly.
func ValidateFileOverlaps(waves []models.Wave, byID map[string]models.Task) error {
	for _, wave := range waves {
		owners := make(map[string]string)
		for _, id := range wave.TaskIDs {
			task := byID[id]
			for _, file := range task.Artifacts {
				if owner, exists := owners[file]; exists && owner != id {
					return fmt.Errorf("wave %d: file %q is claimed by both task %s and task %s", wave.Index, file, owner, id)
				}
				owners[file] = id
			}
		}
	}
	return nil
}
