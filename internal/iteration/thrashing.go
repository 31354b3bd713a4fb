package iteration

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/conductor-engine/internal/models"
)

// Thresholds for thrashing and goal-loop detection. Named per the design
// notes' "thresholds are policy, not invariants" guidance, so an operator
// tuning these doesn't have to go hunting through control flow.
const (
	minIterationForThrashCheck   = 2
	minIterationForGoalLoopCheck = 3

	thrashKillCountThreshold    = 3
	thrashBlockedCount          = 2
	thrashBlockedByIteration    = 3
	thrashAccuracyMinDataPoints = 3
	thrashCompletionRatio       = 0.30
	thrashCompletionMinIter     = 4

	goalLoopMinMatches = 2
	goalLoopSimilarity = 0.6
)

// ThrashingAnnotation is prefixed to the follow-up context handed to the
// next planning pass when the thrashing detector fires, so the planner
// knows its prior approach is suspect rather than just trying the same
// thing again with a new goal string.
const ThrashingAnnotation = "THRASHING DETECTED — change approach"

// detectThrashing evaluates the four plan-wide thrashing signals from
// §4.6: any task killed ≥3 times, ≥2 tasks Blocked by the third iteration,
// a persona whose bad estimates outnumber its accurate ones (given enough
// data to judge), or sub-30% completion four or more iterations in. The
// first signal that fires is reported; callers only need to know whether
// to annotate the follow-up context, not which of possibly several signals
// tripped.
func (l *Loop) detectThrashing(ctx context.Context, plan *models.Plan) (bool, string) {
	for _, t := range plan.Tasks {
		if t.KillCount >= thrashKillCountThreshold {
			return true, fmt.Sprintf("task %s killed %d times", t.ID, t.KillCount)
		}
	}

	if plan.Iteration >= thrashBlockedByIteration {
		blocked := 0
		for _, t := range plan.Tasks {
			if t.State == models.StateBlocked {
				blocked++
			}
		}
		if blocked >= thrashBlockedCount {
			return true, fmt.Sprintf("%d tasks blocked by iteration %d", blocked, plan.Iteration)
		}
	}

	if l.Metrics != nil {
		if counts, err := l.Metrics.PersonaAccuracyCounts(ctx); err == nil {
			for persona, c := range counts {
				bad, accurate := c[0], c[1]
				if bad+accurate >= thrashAccuracyMinDataPoints && bad > accurate {
					return true, fmt.Sprintf("persona %s estimate accuracy degraded: %d bad vs %d accurate", persona, bad, accurate)
				}
			}
		}
	}

	if plan.Iteration >= thrashCompletionMinIter {
		if ratio := completionRatio(plan); ratio < thrashCompletionRatio {
			return true, fmt.Sprintf("only %.0f%% complete after %d iterations", ratio*100, plan.Iteration)
		}
	}

	return false, ""
}

func completionRatio(plan *models.Plan) float64 {
	if len(plan.Tasks) == 0 {
		return 1.0
	}
	done := 0
	for _, t := range plan.Tasks {
		if t.State == models.StateCompleted {
			done++
		}
	}
	return float64(done) / float64(len(plan.Tasks))
}

// detectGoalLoop reports whether newGoal is substring-similar to at least
// goalLoopMinMatches of the recent follow-up goals, signalling the critic
// keeps asking for the same thing it already asked for. Similarity is a
// simple normalized word-overlap ratio: exact restatements and minor
// rewordings both score high without requiring an LLM call on the hot path.
func detectGoalLoop(newGoal string, recent []string) (bool, string) {
	if newGoal == "" {
		return false, ""
	}
	matches := 0
	for _, prior := range recent {
		if wordOverlap(newGoal, prior) >= goalLoopSimilarity {
			matches++
		}
	}
	if matches >= goalLoopMinMatches {
		return true, "goal appears impossible with this approach"
	}
	return false, ""
}

func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	smaller := len(wa)
	if len(wb) < smaller {
		smaller = len(wb)
	}
	return float64(shared) / float64(smaller)
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}
