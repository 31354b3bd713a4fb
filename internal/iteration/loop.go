// Package iteration runs the engine's outer loop: plan, execute, ask a
// critic whether the goal was met, and if not, replan around the critic's
// follow-up goal. Planning itself and the critic's judgement are both
// external collaborators the loop only talks to through interfaces; this
// package owns the loop's control flow, not plan generation or evaluation.
package iteration

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/conductor-engine/internal/events"
	"github.com/harrison/conductor-engine/internal/models"
)

// ErrMaxIterationsReached is returned when MaxIterations is configured and
// reached without the critic reporting success.
var ErrMaxIterationsReached = errors.New("iteration: max iterations reached without success")

// ErrGoalLoopDetected is returned when the goal-loop detector trips.
var ErrGoalLoopDetected = errors.New("iteration: goal loop detected")

// Verdict mirrors the critic's structured response.
type Verdict struct {
	Success         bool
	Reasoning       string
	FollowUpGoal    string
	FollowUpContext string
}

// Critic judges whether a plan's goal was met after a run, and what to try
// next if not.
type Critic interface {
	Evaluate(ctx context.Context, plan *models.Plan) (Verdict, error)
}

// Planner proposes the tasks a re-planning pass should append for the
// follow-up goal. The Loop owns every plan mutation around the call: it
// resets non-terminal tasks and updates Goal/Context before invoking Plan,
// and appends the returned tasks through Plan.AddTask so the Sprint
// scope-lock discipline applies (re-planning is its explicit force path).
type Planner interface {
	Plan(ctx context.Context, plan *models.Plan, followUpGoal, followUpContext string) ([]models.Task, error)
}

// Runner executes a plan to a fixed point (every task terminal or blocked).
// A *scheduler.Scheduler built for the plan satisfies this directly.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFactory builds a Runner for the given plan; the Loop calls it once
// per iteration since a scheduler is bound to one plan's run.
type RunnerFactory func(plan *models.Plan) Runner

// AccuracyCounter supplies the thrashing detector's per-persona
// estimate-accuracy signal. *metrics.Store satisfies this.
type AccuracyCounter interface {
	PersonaAccuracyCounts(ctx context.Context) (map[string][2]int, error)
}

// Loop drives the plan/execute/critique/replan cycle.
type Loop struct {
	Planner       Planner
	Critic        Critic
	NewRunner     RunnerFactory
	MaxIterations int
	Metrics       AccuracyCounter

	// Sink receives iteration_started and critic_verdict events; a nil Sink
	// discards them, matching every other fire-and-forget event producer in
	// the engine.
	Sink events.Sink
}

func (l *Loop) emit(e events.Event) {
	if l.Sink == nil {
		return
	}
	l.Sink.Emit(e)
}

// Run executes plan until the critic reports success, a stopping condition
// (max iterations, goal loop) trips, or ctx is cancelled. Thrashing does not
// stop the loop; it only annotates the next planning pass. The plan is
// updated in place and holds its final state when Run returns.
func (l *Loop) Run(ctx context.Context, plan *models.Plan) error {
	var followUpGoal, followUpContext string

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.emit(events.Event{Kind: events.KindIterationStarted, Iteration: plan.Iteration})

		if plan.Iteration > 0 {
			plan.ResetNonTerminal()
			if followUpGoal != "" {
				plan.Goal = followUpGoal
			}
			if followUpContext != "" {
				if plan.Context != "" {
					plan.Context += "\n\n"
				}
				plan.Context += followUpContext
			}
			added, err := l.Planner.Plan(ctx, plan, followUpGoal, followUpContext)
			if err != nil {
				return fmt.Errorf("iteration %d: planning failed: %w", plan.Iteration, err)
			}
			for _, task := range added {
				// Re-planning is the explicit override the Sprint scope
				// lock reserves, so force is always set here.
				if err := plan.AddTask(task, true); err != nil {
					return fmt.Errorf("iteration %d: adding planned task %s: %w", plan.Iteration, task.ID, err)
				}
			}
		}

		runner := l.NewRunner(plan)
		if err := runner.Run(ctx); err != nil {
			return fmt.Errorf("iteration %d: execution failed: %w", plan.Iteration, err)
		}

		verdict, err := l.Critic.Evaluate(ctx, plan)
		if err != nil {
			// Per the engine's error taxonomy, a critic call failure is
			// logged and treated as success-unknown: the loop finishes this
			// iteration rather than looping on a judgement it never got.
			reasoning := fmt.Sprintf("critic call failed, treating as success-unknown: %v", err)
			plan.RecordVerdict(models.CriticVerdict{
				Success:   false,
				Reasoning: reasoning,
			})
			l.emit(events.Event{Kind: events.KindCriticVerdict, Success: false, Reasoning: reasoning})
			return nil
		}

		completedIteration := plan.Iteration
		priorFollowUpGoals := plan.RecentFollowUpGoals(2)
		l.emit(events.Event{Kind: events.KindCriticVerdict, Success: verdict.Success, Reasoning: verdict.Reasoning})
		plan.RecordVerdict(models.CriticVerdict{
			Success:      verdict.Success,
			Reasoning:    verdict.Reasoning,
			FollowUpGoal: verdict.FollowUpGoal,
		})

		if verdict.Success {
			return nil
		}

		if l.MaxIterations > 0 && plan.Iteration >= l.MaxIterations {
			return ErrMaxIterationsReached
		}

		if completedIteration+1 >= minIterationForGoalLoopCheck {
			if looping, reason := detectGoalLoop(verdict.FollowUpGoal, priorFollowUpGoals); looping {
				return fmt.Errorf("%w: %s", ErrGoalLoopDetected, reason)
			}
		}

		followUpGoal = verdict.FollowUpGoal
		followUpContext = verdict.FollowUpContext

		// Thrashing only annotates the next planning pass's context; it is
		// evidence the approach needs to change, not a reason to give up.
		if completedIteration+1 >= minIterationForThrashCheck {
			if thrashing, reason := l.detectThrashing(ctx, plan); thrashing {
				followUpContext = fmt.Sprintf("%s (%s)\n\n%s", ThrashingAnnotation, reason, followUpContext)
			}
		}
	}
}
