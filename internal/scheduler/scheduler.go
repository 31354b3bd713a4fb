package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/harrison/conductor-engine/internal/architecture"
	"github.com/harrison/conductor-engine/internal/events"
	"github.com/harrison/conductor-engine/internal/models"
	"github.com/harrison/conductor-engine/internal/persistence"
	"github.com/harrison/conductor-engine/internal/resurrection"
	"github.com/harrison/conductor-engine/internal/supervisor"
)

// Named re-estimation thresholds. These resolve the scheduler's only open
// design question: how many kills of which flavor warrant asking whether the
// estimate itself was wrong, versus just asking the guardian to let the task
// try again. A silent kill is cheaper evidence of "this is bigger than we
// thought" than a loud one (a loop or a bad process state), so silent kills
// get one extra attempt before re-estimation kicks in.
const (
	killCountBlockThreshold         = 10
	silentReEstimationKillThreshold = 3
	loudReEstimationKillThreshold   = 2
)

// pollInterval bounds how long the admission loop waits for any running
// Supervisor to finish before re-checking for newly eligible work.
const pollInterval = 500 * time.Millisecond

// EstimateRecorder persists a completed task's estimate-vs-actual outcome
// for the iteration loop's thrashing detector. *metrics.Store satisfies
// this directly.
type EstimateRecorder interface {
	RecordEstimate(ctx context.Context, persona string, task *models.Task) error
}

// TaskRunner runs exactly one attempt of one task to a terminal Outcome.
// *supervisor.Supervisor is the production implementation; tests substitute
// a fake to exercise the scheduler's outcome routing without subprocesses.
type TaskRunner interface {
	Run(ctx context.Context, task *models.Task, prompt string) supervisor.Outcome
}

// FinishReason classifies how a Run drained its plan.
type FinishReason string

const (
	// FinishSuccess means every task reached Completed or Skipped.
	FinishSuccess FinishReason = "success"
	// FinishTasksBlocked means at least one task ended Blocked and nothing
	// else could proceed.
	FinishTasksBlocked FinishReason = "tasks blocked"
	// FinishUnreachable means non-terminal, non-blocked tasks remain whose
	// dependencies can never complete.
	FinishUnreachable FinishReason = "circular or dangling dependency"
	// FinishCancelled means the run context was cancelled mid-flight.
	FinishCancelled FinishReason = "cancelled"
)

// PromptBuilder renders the prompt sent to a task's LLM subprocess. The
// default implementation folds in the plan's goal, the task's own
// description, and any architecture material accumulated so far.
type PromptBuilder func(plan *models.Plan, task *models.Task) string

// DefaultPromptBuilder is used when a Scheduler doesn't override PromptBuilder.
func DefaultPromptBuilder(plan *models.Plan, task *models.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", plan.Goal)
	if plan.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", plan.Context)
	}
	fmt.Fprintf(&b, "\nTask: %s\n%s\n", task.Name, task.Description)
	if len(task.AcceptanceCriteria) > 0 {
		fmt.Fprintf(&b, "\nAcceptance criteria:\n- %s\n", strings.Join(task.AcceptanceCriteria, "\n- "))
	}
	if plan.ArchitectureContract != "" && task.Kind == models.KindImplementation {
		fmt.Fprintf(&b, "\n=== BINDING CONTRACT ===\n%s\n=== END BINDING CONTRACT ===\n", plan.ArchitectureContract)
	}
	if len(plan.IntegrationNotes) > 0 {
		fmt.Fprintf(&b, "\nIntegration notes from prior waves:\n- %s\n", strings.Join(plan.IntegrationNotes, "\n- "))
	}
	return b.String()
}

// Scheduler runs the bounded-concurrency wave admission loop: it admits
// eligible tasks up to MaxParallel (further bounded by Kanban WIP), routes
// each Supervisor outcome to completion, blocking, re-estimation, or
// resurrection, and persists the plan after every transition.
type Scheduler struct {
	Plan        *models.Plan
	MaxParallel int

	Runner       TaskRunner
	Negotiator   *resurrection.Negotiator
	ReEstimator  *resurrection.ReEstimator
	Architecture *architecture.Checker
	Store        *persistence.Store
	Metrics      EstimateRecorder
	Sink         events.Sink

	PromptBuilder PromptBuilder

	mu      sync.Mutex
	running map[string]bool

	// wave is the membership of the currently open integration wave: the
	// full antichain of tasks that were eligible when the wave opened,
	// regardless of how admission staggers them (slots, WIP, FileGuard).
	// The integration check fires only once every member is terminal or
	// blocked, never on a partially executed wave.
	wave map[string]bool
	// waveDone collects the wave's Implementation members as they complete;
	// pendingDone holds Implementation completions that landed outside any
	// open wave (admitted early from the next frontier) until that wave
	// opens and claims them.
	waveDone    []string
	pendingDone []string
	waveIndex   int
	finish      FinishReason

	// sem bounds how many Supervisor.Run calls (and thus LLM subprocesses)
	// are actually in flight at once; group tracks them for Run so it can
	// wait out any still-live goroutines before returning, including on
	// context cancellation.
	sem   *semaphore.Weighted
	group *errgroup.Group
}

// New builds a Scheduler. Architecture, Negotiator, ReEstimator, and Store
// may all be nil; a nil Architecture skips integration checks, a nil
// ReEstimator sends every surviving kill to negotiation, a nil Negotiator
// blocks a killed task whenever re-estimation does not apply, and a nil
// Store skips persistence.
func New(plan *models.Plan, maxParallel int, runner TaskRunner) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Scheduler{
		Plan:          plan,
		MaxParallel:   maxParallel,
		Runner:        runner,
		Sink:          events.NopSink{},
		PromptBuilder: DefaultPromptBuilder,
		running:       make(map[string]bool),
		sem:           semaphore.NewWeighted(int64(maxParallel)),
		group:         &errgroup.Group{},
	}
}

type taskResult struct {
	taskID  string
	outcome supervisor.Outcome
}

// Run drives the plan until every task is Completed, Skipped, or Blocked, no
// remaining task can ever become eligible (those stay in their current
// state), or ctx is cancelled. It returns nil on normal completion (even if
// some tasks ended up Blocked or unreachable; Finish tells which) and the
// context error if cancelled mid-flight.
func (s *Scheduler) Run(ctx context.Context) error {
	s.emitSprintStarted()

	resultCh := make(chan taskResult, s.MaxParallel)

	runErr := s.runLoop(ctx, resultCh)
	_ = s.group.Wait() // let any still-live Supervisor.Run goroutines exit cleanly first
	if runErr != nil {
		s.finish = FinishCancelled
	} else {
		s.finish = s.classifyFinish()
	}
	return runErr
}

// Finish reports how the last Run drained the plan; valid once Run returns.
func (s *Scheduler) Finish() FinishReason {
	return s.finish
}

func (s *Scheduler) classifyFinish() FinishReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocked := false
	for _, t := range s.Plan.Tasks {
		switch {
		case t.State.Terminal():
		case t.State == models.StateBlocked:
			blocked = true
		default:
			// Non-terminal, non-blocked, and the loop still exited: its
			// dependencies can never complete.
			return FinishUnreachable
		}
	}
	if blocked {
		return FinishTasksBlocked
	}
	return FinishSuccess
}

// emitSprintStarted reports the plan's precomputed wave layout before a
// single Supervisor is launched. A plan with a cyclic or dangling
// dependency fails ComputeWaves' validation, so its sprint_started carries
// no wave lists and no wave_plan_created follows; the admission loop never
// admits the affected tasks, they stay in their current state, and Finish
// reports FinishUnreachable.
func (s *Scheduler) emitSprintStarted() {
	s.mu.Lock()
	taskIDs := make([]string, len(s.Plan.Tasks))
	for i, t := range s.Plan.Tasks {
		taskIDs[i] = t.ID
	}
	waves, _, err := ComputeWaves(s.Plan.Tasks)
	s.mu.Unlock()

	var waveLists [][]string
	for _, w := range waves {
		waveLists = append(waveLists, w.TaskIDs)
	}

	s.emit(events.Event{Kind: events.KindSprintStarted, TotalTasks: len(taskIDs), TaskIDs: taskIDs, Waves: waveLists})
	if err != nil || len(waveLists) == 0 {
		return
	}
	s.emit(events.Event{Kind: events.KindWavePlanCreated, Waves: waveLists})
}

func (s *Scheduler) runLoop(ctx context.Context, resultCh chan taskResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		admitted := s.admitReady(ctx, resultCh)
		if admitted > 0 {
			s.persist()
		}

		s.mu.Lock()
		stillRunning := len(s.running) > 0
		s.mu.Unlock()

		if !stillRunning && admitted == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-resultCh:
			s.onOutcome(ctx, res)
		case <-time.After(pollInterval):
		}
	}
}

// admitReady selects every eligible, non-running, non-terminal task (up to
// available slots), launches a Supervisor for each, and returns how many
// were admitted this pass.
func (s *Scheduler) admitReady(ctx context.Context, resultCh chan<- taskResult) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := s.Plan.CompletedSet()
	order := make(map[string]int, len(s.Plan.Tasks))
	for i, t := range s.Plan.Tasks {
		order[t.ID] = i
	}

	var ready []*models.Task
	for i := range s.Plan.Tasks {
		t := &s.Plan.Tasks[i]
		if s.running[t.ID] || t.State.Terminal() || t.State == models.StateBlocked {
			continue
		}
		if t.Eligible(completed) {
			ready = append(ready, t)
		}
	}

	// Open the next integration wave once the previous one has fully
	// settled: membership is the whole eligible antichain plus anything
	// already running, captured before slots/WIP/FileGuard stagger the
	// actual admissions.
	if len(s.wave) == 0 && len(ready) > 0 {
		s.wave = make(map[string]bool, len(ready)+len(s.running))
		for _, t := range ready {
			s.wave[t.ID] = true
		}
		for id := range s.running {
			s.wave[id] = true
		}
		s.waveDone = append(s.waveDone, s.pendingDone...)
		s.pendingDone = nil
	}

	sort.Slice(ready, func(i, j int) bool {
		pi, pj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return order[ready[i].ID] < order[ready[j].ID]
	})

	slots := s.MaxParallel - len(s.running)
	if s.Plan.Mode == models.ModeKanban && s.Plan.WIPLimit > 0 {
		kanbanSlots := s.Plan.WIPLimit - s.Plan.InProgressCount()
		if kanbanSlots < slots {
			slots = kanbanSlots
		}
	}
	if slots <= 0 {
		return 0
	}

	claimed := s.runningArtifacts()
	admitted := 0
	for _, t := range ready {
		if admitted >= slots {
			break
		}
		if fileConflict(t.Artifacts, claimed) {
			continue // FileGuard: leave for a later pass once the conflict clears
		}
		for _, f := range t.Artifacts {
			claimed[f] = t.ID
		}

		s.Plan.MarkAdmitted(t.ID)
		s.running[t.ID] = true
		admitted++

		task := t
		prompt := s.PromptBuilder(s.Plan, task)
		s.group.Go(func() error {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer s.sem.Release(1)
			outcome := s.Runner.Run(ctx, task, prompt)
			resultCh <- taskResult{taskID: task.ID, outcome: outcome}
			return nil
		})
	}
	return admitted
}

// runningArtifacts must be called with mu held.
func (s *Scheduler) runningArtifacts() map[string]string {
	claimed := make(map[string]string)
	for id := range s.running {
		t := s.Plan.TaskByID(id)
		if t == nil {
			continue
		}
		for _, f := range t.Artifacts {
			claimed[f] = id
		}
	}
	return claimed
}

func fileConflict(files []string, claimed map[string]string) bool {
	for _, f := range files {
		if _, exists := claimed[f]; exists {
			return true
		}
	}
	return false
}

// onOutcome classifies a finished Supervisor run and advances the task's
// state accordingly. The resurrection negotiation, re-estimation
// deliberation, and architecture integration check are all blocking LLM
// calls, so none of them run while mu is held: only the short bookkeeping
// steps before and after do.
func (s *Scheduler) onOutcome(ctx context.Context, res taskResult) {
	s.mu.Lock()
	task := s.Plan.TaskByID(res.taskID)
	s.mu.Unlock()

	if task == nil {
		s.clearRunning(res.taskID)
		return
	}

	switch res.outcome.Kind {
	case models.OutcomeCompleted:
		s.clearRunning(res.taskID)
		s.completeTask(ctx, task, res.outcome)
		s.persist()
	case models.OutcomeFailedOther:
		s.clearRunning(res.taskID)
		s.blockTask(ctx, task, res.outcome.Err.Error())
		s.persist()
	case models.OutcomeKilled:
		// The recovery deliberations are blocking LLM calls lasting
		// seconds to minutes. Run them off the admission loop so other
		// tasks keep completing and admitting in the meantime; the task
		// stays in running until its deliberation resolves, which both
		// prevents readmission and keeps the loop from exiting early.
		s.group.Go(func() error {
			s.handleKilled(ctx, task, res.outcome)
			s.clearRunning(res.taskID)
			s.persist()
			return nil
		})
	}
}

func (s *Scheduler) clearRunning(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

func (s *Scheduler) completeTask(ctx context.Context, task *models.Task, outcome supervisor.Outcome) {
	s.mu.Lock()
	now := time.Now().UTC()
	task.State = models.StateCompleted
	task.CompletedAt = &now
	if len(outcome.Artifacts) > 0 {
		task.Artifacts = outcome.Artifacts
	}
	task.ActualComplexity = outcome.ActualComplexity
	task.Notes = outcome.Notes
	if task.Kind == models.KindImplementation {
		if s.wave[task.ID] {
			s.waveDone = append(s.waveDone, task.ID)
		} else {
			s.pendingDone = append(s.pendingDone, task.ID)
		}
	}
	s.mu.Unlock()

	s.emit(events.Event{
		Kind:             events.KindTaskCompleted,
		TaskID:           task.ID,
		Artifacts:        task.Artifacts,
		ActualComplexity: string(task.ActualComplexity),
		Progress:         100,
	})

	if s.Metrics != nil {
		if err := s.Metrics.RecordEstimate(ctx, task.AssignedTo, task); err != nil {
			// Non-fatal: a metrics write failure must never block task
			// completion; the thrashing detector just sees one fewer
			// data point.
			_ = err
		}
	}

	s.finishWaveIfSettled(ctx)
}

// waveSettledLocked reports whether every member of the open integration
// wave has reached a terminal or blocked state. Must be called with mu held.
func (s *Scheduler) waveSettledLocked() bool {
	if len(s.wave) == 0 {
		return false
	}
	for id := range s.wave {
		t := s.Plan.TaskByID(id)
		if t == nil {
			continue
		}
		if !t.State.Terminal() && t.State != models.StateBlocked {
			return false
		}
	}
	return true
}

// finishWaveIfSettled closes the open integration wave once all its members
// are terminal or blocked, and runs the architecture integration check over
// the wave's completed Implementation tasks. The check is a blocking LLM
// call; running it here, before the next admission pass, is deliberate:
// every subsequent task's prompt must already carry whatever deviations
// this wave introduced.
func (s *Scheduler) finishWaveIfSettled(ctx context.Context) {
	s.mu.Lock()
	if !s.waveSettledLocked() {
		s.mu.Unlock()
		return
	}
	waveIDs := s.waveDone
	s.waveDone = nil
	s.wave = nil
	waveIndex := s.waveIndex
	s.waveIndex++
	s.mu.Unlock()

	if s.Architecture == nil || len(waveIDs) == 0 {
		return
	}

	wave := models.Wave{Index: waveIndex, TaskIDs: waveIDs}
	deviations, err := s.Architecture.CheckWave(ctx, s.Plan, wave)
	if err != nil || len(deviations) == 0 {
		return
	}

	s.mu.Lock()
	s.Plan.IntegrationNotes = append(s.Plan.IntegrationNotes, deviations...)
	s.mu.Unlock()
}

// blockTask parks a task permanently and, since a Blocked member settles its
// wave the same way a Completed one does, re-checks whether the open
// integration wave can now close.
func (s *Scheduler) blockTask(ctx context.Context, task *models.Task, reason string) {
	s.mu.Lock()
	task.State = models.StateBlocked
	task.BlockReason = reason
	s.mu.Unlock()
	s.emit(events.Event{Kind: events.KindTaskBlocked, TaskID: task.ID, BlockReason: reason})
	s.finishWaveIfSettled(ctx)
}

// handleKilled routes a killed task to re-estimation or resurrection
// negotiation and, regardless of how that deliberation comes out, resets
// the task to Backlog for another attempt — per the engine's error-handling
// policy, a failed or inconclusive deliberation LLM call is logged and
// answered with a safe default, never escalated to blocking the task.
// Blocking only happens when the kill budget itself is exhausted, or when
// neither recovery path is configured at all.
func (s *Scheduler) handleKilled(ctx context.Context, task *models.Task, outcome supervisor.Outcome) {
	s.mu.Lock()
	task.RecordKill(task.AssignedTo, outcome.KillReason, task.Notes, outcome.WasSilence, time.Duration(outcome.ElapsedSeconds*float64(time.Second)))
	killCount := task.KillCount
	fromComplexity := task.Complexity
	s.mu.Unlock()

	s.emit(events.Event{
		Kind:       events.KindTaskKilled,
		TaskID:     task.ID,
		KillReason: outcome.KillReason,
		WasSilence: outcome.WasSilence,
		Attempt:    killCount,
	})

	if killCount >= killCountBlockThreshold {
		s.blockTask(ctx, task, fmt.Sprintf("killed %d times, exceeding the retry budget", killCount))
		return
	}

	needsReEstimation := (outcome.WasSilence && killCount >= silentReEstimationKillThreshold) ||
		(!outcome.WasSilence && killCount >= loudReEstimationKillThreshold)

	if needsReEstimation && s.ReEstimator != nil {
		result, err := s.ReEstimator.ReEstimate(ctx, task)
		if err != nil {
			// Non-fatal per the engine's error taxonomy: log and leave the
			// complexity unchanged rather than blocking the task.
			result = resurrection.ReEstimateResult{NewComplexity: task.Complexity, Reasoning: err.Error()}
		}

		s.mu.Lock()
		task.Complexity = result.NewComplexity
		task.State = models.StateBacklog
		task.StartedAt = nil
		s.mu.Unlock()

		s.emit(events.Event{
			Kind:           events.KindReEstimationDecided,
			TaskID:         task.ID,
			FromComplexity: string(fromComplexity),
			NewComplexity:  string(result.NewComplexity),
			Consensus:      result.Consensus,
			Reasoning:      result.Reasoning,
		})
		return
	}

	if s.Negotiator != nil {
		negotiated, err := s.Negotiator.Negotiate(ctx, task, outcome.KillReason, task.Notes)
		if err != nil {
			negotiated = resurrection.Result{Adjustment: "previous approaches failed; try differently", Reasoning: err.Error(), FallbackApplied: true}
		}

		s.mu.Lock()
		if negotiated.Adjustment != "" {
			task.Notes = fmt.Sprintf("[resurrection adjustment] %s\n%s", negotiated.Adjustment, task.Notes)
		}
		task.State = models.StateBacklog
		task.StartedAt = nil
		s.mu.Unlock()
		return
	}

	s.blockTask(ctx, task, "killed with no resurrection path configured")
}

// persist serializes the plan under the Plan mutex, so a concurrent
// deliberation goroutine finishing its transition can never hand the store
// a half-mutated plan. Persistence failures are non-fatal to scheduling;
// the next transition retries the write.
func (s *Scheduler) persist() {
	if s.Store == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Plan.UpdatedAt = time.Now().UTC()
	_ = s.Store.Save(s.Plan)
}

func (s *Scheduler) emit(e events.Event) {
	e.Timestamp = time.Now().UTC()
	s.Sink.Emit(e)
}
