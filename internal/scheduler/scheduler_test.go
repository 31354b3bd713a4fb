package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/conductor-engine/internal/architecture"
	"github.com/harrison/conductor-engine/internal/events"
	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/models"
	"github.com/harrison/conductor-engine/internal/resurrection"
	"github.com/harrison/conductor-engine/internal/supervisor"
)

func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-llm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, script string) *supervisor.Supervisor {
	bin := writeFakeBinary(t, script)
	sup := supervisor.New(llmproc.New(bin), nil)
	sup.TickInterval = 20 * time.Millisecond
	return sup
}

// TestScheduler_Run_DiamondCompletesAllTasks exercises a diamond dependency
// graph (a -> {b, c} -> d) and checks the scheduler drives every task to
// completion without violating dependency order.
func TestScheduler_Run_DiamondCompletesAllTasks(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null; echo '{"content":"{\"status\":\"success\",\"summary\":\"ok\"}"}'`)

	plan := models.NewPlan("p1", "diamond goal", models.ModeSprint)
	a := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	b := models.NewTask("b", "task b", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	b.DependsOn = []string{"a"}
	c := models.NewTask("c", "task c", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	c.DependsOn = []string{"a"}
	d := models.NewTask("d", "task d", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	d.DependsOn = []string{"b", "c"}
	plan.Tasks = []models.Task{*a, *b, *c, *d}

	s := New(plan, 4, sup)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, err)

	for _, task := range plan.Tasks {
		assert.Equal(t, models.StateCompleted, task.State, "task %s", task.ID)
	}
}

func TestScheduler_Run_FailedStatusBlocksTask(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null; echo '{"content":"{\"status\":\"failed\",\"summary\":\"nope\",\"errors\":[\"boom\"]}"}'`)

	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	task := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	plan.Tasks = []models.Task{*task}

	s := New(plan, 2, sup)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, models.StateBlocked, plan.Tasks[0].State)
	assert.NotEmpty(t, plan.Tasks[0].BlockReason)
}

// TestScheduler_Run_CyclicDependencyNeverAdmitsAndTerminates covers the
// §4 boundary case where a -> b -> a: neither task's Eligible check can ever
// be satisfied, so admitReady never admits either one and runLoop's
// no-eligible/no-running exit fires instead of hanging.
func TestScheduler_Run_CyclicDependencyNeverAdmitsAndTerminates(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null; echo '{"content":"{\"status\":\"success\",\"summary\":\"ok\"}"}'`)

	plan := models.NewPlan("p1", "cyclic goal", models.ModeSprint)
	a := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	a.DependsOn = []string{"b"}
	b := models.NewTask("b", "task b", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	b.DependsOn = []string{"a"}
	// Assigned directly rather than through Plan.AddTask/Validate, since a
	// cyclic task graph is rejected there; this mirrors how a corrupt or
	// hand-edited plan file would reach the scheduler.
	plan.Tasks = []models.Task{*a, *b}

	s := New(plan, 4, sup)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	require.NoError(t, err)

	for _, task := range plan.Tasks {
		assert.Equal(t, models.StateBacklog, task.State, "task %s should never be admitted", task.ID)
	}
	assert.Equal(t, FinishUnreachable, s.Finish())
}

func TestScheduler_HandleKilled_NoNegotiatorBlocksImmediately(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null`)
	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	task := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	plan.Tasks = []models.Task{*task}
	s := New(plan, 1, sup)

	outcome := supervisor.Killed("loop: x", time.Second, false)
	s.handleKilled(context.Background(), &plan.Tasks[0], outcome)

	assert.Equal(t, models.StateBlocked, plan.Tasks[0].State)
	assert.Equal(t, 1, plan.Tasks[0].KillCount)
}

func TestScheduler_HandleKilled_ExceedsKillBudgetBlocks(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null`)
	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	task := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	task.KillCount = killCountBlockThreshold - 1
	plan.Tasks = []models.Task{*task}
	s := New(plan, 1, sup)
	negBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"verdict\":\"APPROVED\",\"reasoning\":\"ok\"}"}'`)
	s.Negotiator = resurrection.NewNegotiator(llmproc.New(negBin))

	outcome := supervisor.Killed("loop: x", time.Second, false)
	s.handleKilled(context.Background(), &plan.Tasks[0], outcome)

	assert.Equal(t, models.StateBlocked, plan.Tasks[0].State)
	assert.Contains(t, plan.Tasks[0].BlockReason, "retry budget")
}

func TestScheduler_HandleKilled_SilentKillsTriggerReEstimation(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null`)
	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	task := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	task.KillCount = silentReEstimationKillThreshold - 1
	plan.Tasks = []models.Task{*task}
	s := New(plan, 1, sup)

	reBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"consensus\":true,\"new_complexity\":\"large\",\"reasoning\":\"bigger than thought\"}"}'`)
	s.ReEstimator = resurrection.NewReEstimator(llmproc.New(reBin))
	s.ReEstimator.Personas = []string{"estimator"}

	outcome := supervisor.Killed("no heartbeat; silent > 15 min", time.Second, true)
	s.handleKilled(context.Background(), &plan.Tasks[0], outcome)

	assert.Equal(t, models.StateBacklog, plan.Tasks[0].State)
	assert.Equal(t, models.ComplexityLarge, plan.Tasks[0].Complexity)
}

func TestScheduler_HandleKilled_NegotiationApprovedResumesTask(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null`)
	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	task := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	plan.Tasks = []models.Task{*task}
	s := New(plan, 1, sup)

	negBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"verdict\":\"APPROVED\",\"reasoning\":\"looks fine\"}"}'`)
	s.Negotiator = resurrection.NewNegotiator(llmproc.New(negBin))

	outcome := supervisor.Killed("bad state: zombie", time.Second, false)
	s.handleKilled(context.Background(), &plan.Tasks[0], outcome)

	assert.Equal(t, models.StateBacklog, plan.Tasks[0].State)
}

// fakeRunner returns scripted outcomes per task id, consuming one entry per
// attempt; once a task's script is exhausted, the last entry repeats.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[string][]supervisor.Outcome
	attempts map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcomes: make(map[string][]supervisor.Outcome),
		attempts: make(map[string]int),
	}
}

func (f *fakeRunner) script(taskID string, outcomes ...supervisor.Outcome) {
	f.outcomes[taskID] = outcomes
}

func (f *fakeRunner) Run(ctx context.Context, task *models.Task, prompt string) supervisor.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.attempts[task.ID]
	f.attempts[task.ID]++
	script := f.outcomes[task.ID]
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i]
}

// TestScheduler_Run_TenKillsBlocksPermanently covers the kill-budget
// boundary: a task whose every attempt is killed must transition to Blocked
// exactly once, after the tenth kill, with no eleventh attempt.
func TestScheduler_Run_TenKillsBlocksPermanently(t *testing.T) {
	runner := newFakeRunner()
	runner.script("a", supervisor.Killed("loop: same line", time.Second, false))

	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	task := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	plan.Tasks = []models.Task{*task}

	s := New(plan, 1, runner)
	negBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"verdict\":\"APPROVED\",\"reasoning\":\"ok\"}"}'`)
	s.Negotiator = resurrection.NewNegotiator(llmproc.New(negBin))
	reBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"consensus\":false,\"new_complexity\":\"small\",\"reasoning\":\"estimate fine\"}"}'`)
	s.ReEstimator = resurrection.NewReEstimator(llmproc.New(reBin))
	s.ReEstimator.Personas = []string{"estimator"}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	got := plan.Tasks[0]
	assert.Equal(t, models.StateBlocked, got.State)
	assert.Contains(t, got.BlockReason, "10")
	assert.Equal(t, killCountBlockThreshold, got.KillCount)
	assert.Len(t, got.ResurrectionHistory, killCountBlockThreshold)
	assert.Equal(t, killCountBlockThreshold, runner.attempts["a"], "no attempt after the budget is spent")
	assert.Equal(t, FinishTasksBlocked, s.Finish())
}

// TestScheduler_Run_SilenceKillsThenResizeThenCompletes walks the
// silence-kill path end to end: three silent kills push the task into
// re-estimation, consensus grows it to medium, and the next attempt
// completes with the new estimate in place.
func TestScheduler_Run_SilenceKillsThenResizeThenCompletes(t *testing.T) {
	killed := supervisor.Killed("no heartbeat; silent > 15 min", time.Second, true)
	runner := newFakeRunner()
	runner.script("a", killed, killed, killed, supervisor.Completed(nil, models.ComplexityMedium, "done"))

	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	task := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	plan.Tasks = []models.Task{*task}

	s := New(plan, 1, runner)
	negBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"verdict\":\"APPROVED\",\"reasoning\":\"ok\"}"}'`)
	s.Negotiator = resurrection.NewNegotiator(llmproc.New(negBin))
	reBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"consensus\":true,\"new_complexity\":\"medium\",\"reasoning\":\"bigger than estimated\"}"}'`)
	s.ReEstimator = resurrection.NewReEstimator(llmproc.New(reBin))
	s.ReEstimator.Personas = []string{"estimator"}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	got := plan.Tasks[0]
	assert.Equal(t, models.StateCompleted, got.State)
	assert.Equal(t, models.ComplexityMedium, got.Complexity)
	assert.GreaterOrEqual(t, len(got.ResurrectionHistory), 3)
	assert.Equal(t, FinishSuccess, s.Finish())
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// TestScheduler_Run_TrivialTasksProgressDuringDeliberation asserts that the
// blocking recovery deliberations for one killed task do not stall the
// admission loop: three instantly-completing tasks must have their
// completions processed while the killed task's negotiation (a deliberately
// slow fake) is still in flight.
func TestScheduler_Run_TrivialTasksProgressDuringDeliberation(t *testing.T) {
	killed := supervisor.Killed("loop: same line", time.Second, false)
	runner := newFakeRunner()
	runner.script("slow", killed, killed, supervisor.Completed(nil, models.ComplexitySmall, "finally"))
	for _, id := range []string{"t1", "t2", "t3"} {
		runner.script(id, supervisor.Completed(nil, models.ComplexityTrivial, "ok"))
	}

	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	slow := models.NewTask("slow", "stubborn task", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	t1 := models.NewTask("t1", "quick one", models.KindImplementation, models.ComplexityTrivial, models.PriorityMedium)
	t2 := models.NewTask("t2", "quick two", models.KindImplementation, models.ComplexityTrivial, models.PriorityMedium)
	t3 := models.NewTask("t3", "quick three", models.KindImplementation, models.ComplexityTrivial, models.PriorityMedium)
	plan.Tasks = []models.Task{*slow, *t1, *t2, *t3}

	s := New(plan, 4, runner)
	sink := &recordingSink{}
	s.Sink = sink
	negBin := writeFakeBinary(t, `cat >/dev/null; sleep 1; echo '{"content":"{\"verdict\":\"APPROVED\",\"reasoning\":\"ok\"}"}'`)
	s.Negotiator = resurrection.NewNegotiator(llmproc.New(negBin))
	reBin := writeFakeBinary(t, `cat >/dev/null; sleep 1; echo '{"content":"{\"consensus\":false,\"new_complexity\":\"small\",\"reasoning\":\"estimate fine\"}"}'`)
	s.ReEstimator = resurrection.NewReEstimator(llmproc.New(reBin))
	s.ReEstimator.Personas = []string{"estimator"}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	for _, task := range plan.Tasks {
		assert.Equal(t, models.StateCompleted, task.State, "task %s", task.ID)
	}

	recorded := sink.snapshot()
	reEstimatedAt := -1
	trivialDone := 0
	for i, e := range recorded {
		if e.Kind == events.KindReEstimationDecided && reEstimatedAt == -1 {
			reEstimatedAt = i
		}
		if e.Kind == events.KindTaskCompleted && e.TaskID != "slow" && (reEstimatedAt == -1 || i < reEstimatedAt) {
			trivialDone++
		}
	}
	require.NotEqual(t, -1, reEstimatedAt, "the slow task's second kill must trigger re-estimation")
	assert.Equal(t, 3, trivialDone, "every quick task must complete while the slow task is still deliberating")
}

func TestScheduler_Finish_Classification(t *testing.T) {
	runner := newFakeRunner()
	runner.script("a", supervisor.Completed(nil, models.ComplexitySmall, "ok"))

	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	a := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	plan.Tasks = []models.Task{*a}

	s := New(plan, 1, runner)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.Equal(t, FinishSuccess, s.Finish())
}

// TestScheduler_IntegrationCheckWaitsForFileGuardDeferredSibling pins the
// wave-membership semantics of the integration check: two tasks in the same
// wave claiming the same artifact are admitted one after the other by the
// FileGuard, and the check must run exactly once, only after both complete —
// never over the half-executed wave.
func TestScheduler_IntegrationCheckWaitsForFileGuardDeferredSibling(t *testing.T) {
	runner := newFakeRunner()
	runner.script("a", supervisor.Completed([]string{"shared.go"}, models.ComplexitySmall, "ok"))
	runner.script("b", supervisor.Completed([]string{"shared.go"}, models.ComplexitySmall, "ok"))

	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	a := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	a.Artifacts = []string{"shared.go"}
	b := models.NewTask("b", "task b", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	b.Artifacts = []string{"shared.go"}
	plan.Tasks = []models.Task{*a, *b}
	plan.ArchitectureContract = "both tasks share shared.go"

	s := New(plan, 4, runner)
	archBin := writeFakeBinary(t, `cat >/dev/null; echo '{"content":"{\"all_clear\":false,\"deviations\":[\"one deviation\"]}"}'`)
	s.Architecture = architecture.NewChecker(llmproc.New(archBin), t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, models.StateCompleted, plan.Tasks[0].State)
	assert.Equal(t, models.StateCompleted, plan.Tasks[1].State)
	// One wave, so one check: a second entry would mean a check fired over
	// the partial wave while the deferred sibling was still pending.
	assert.Equal(t, []string{"one deviation"}, plan.IntegrationNotes)
}

func TestScheduler_Run_EmptyPlanCompletesImmediately(t *testing.T) {
	plan := models.NewPlan("p1", "nothing to do", models.ModeSprint)
	s := New(plan, 4, newFakeRunner())
	sink := &recordingSink{}
	s.Sink = sink

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, FinishSuccess, s.Finish())
	recorded := sink.snapshot()
	require.NotEmpty(t, recorded)
	assert.Equal(t, events.KindSprintStarted, recorded[0].Kind)
	assert.Equal(t, 0, recorded[0].TotalTasks)
}

func TestScheduler_AdmitReady_RespectsFileGuard(t *testing.T) {
	sup := newTestSupervisor(t, `cat >/dev/null; sleep 5`)
	plan := models.NewPlan("p1", "goal", models.ModeSprint)
	a := models.NewTask("a", "task a", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	a.Artifacts = []string{"shared.go"}
	b := models.NewTask("b", "task b", models.KindImplementation, models.ComplexitySmall, models.PriorityHigh)
	b.Artifacts = []string{"shared.go"}
	plan.Tasks = []models.Task{*a, *b}

	s := New(plan, 4, sup)
	resultCh := make(chan taskResult, 4)
	admitted := s.admitReady(context.Background(), resultCh)

	assert.Equal(t, 1, admitted, "only one of two tasks claiming the same file should be admitted")
}
