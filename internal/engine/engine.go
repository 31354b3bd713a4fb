// Package engine wires the Scheduler, Supervisor, Subprocess Channel,
// resurrection/re-estimation deliberations, architecture checker, metrics
// store, and outer iteration loop into a single entry point, the way the
// teacher's internal/executor.Orchestrator wires its WaveExecutor, Logger,
// and learning store from an OrchestratorConfig. Planning and the critic
// remain external collaborators supplied by the caller; this package owns
// only the wiring, not their implementations.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harrison/conductor-engine/internal/architecture"
	"github.com/harrison/conductor-engine/internal/consolelog"
	"github.com/harrison/conductor-engine/internal/events"
	"github.com/harrison/conductor-engine/internal/iteration"
	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/metrics"
	"github.com/harrison/conductor-engine/internal/models"
	"github.com/harrison/conductor-engine/internal/persistence"
	"github.com/harrison/conductor-engine/internal/resurrection"
	"github.com/harrison/conductor-engine/internal/scheduler"
	"github.com/harrison/conductor-engine/internal/supervisor"
)

// Engine is the top-level façade a front-end builds once per run. It holds
// every long-lived collaborator (LLM channel, metrics store, event sink) and
// builds a fresh Scheduler for each iteration, since a Scheduler is bound to
// one Plan's run.
type Engine struct {
	Config Config

	Channel *llmproc.Channel
	Sink    events.Sink
	Metrics *metrics.Store
	Store   *persistence.Store

	Negotiator   *resurrection.Negotiator
	ReEstimator  *resurrection.ReEstimator
	Architecture *architecture.Checker

	Loop *iteration.Loop
}

// New builds an Engine from cfg. planner and critic are the caller's
// planning-conversation and critic implementations; metrics and persistence
// are opened eagerly so a construction failure surfaces before any task
// runs rather than mid-iteration. Either cfg.MetricsDBPath or cfg.PlanPath
// being empty disables the corresponding subsystem rather than erroring.
func New(cfg Config, planner iteration.Planner, critic iteration.Critic) (*Engine, error) {
	if cfg.LLMBinaryPath == "" {
		panic("engine: Config.LLMBinaryPath cannot be empty")
	}
	if planner == nil {
		panic("engine: planner cannot be nil")
	}
	if critic == nil {
		panic("engine: critic cannot be nil")
	}

	channel := llmproc.New(cfg.LLMBinaryPath)

	var metricsStore *metrics.Store
	if cfg.MetricsDBPath != "" {
		var err error
		metricsStore, err = metrics.NewStore(cfg.MetricsDBPath)
		if err != nil {
			return nil, fmt.Errorf("engine: failed to open metrics store: %w", err)
		}
	}

	var store *persistence.Store
	if cfg.PlanPath != "" {
		store = persistence.NewStore(cfg.PlanPath)
	}

	sink := events.Sink(events.NopSink{})
	if cfg.Sink != nil {
		sink = cfg.Sink
	}

	negotiator := resurrection.NewNegotiator(channel)
	negotiator.MaxRounds = cfg.Resurrection.MaxNegotiationRounds
	negotiator.Timeout = cfg.Timeouts.Negotiation

	reEstimator := resurrection.NewReEstimator(channel)
	if len(cfg.Resurrection.ReEstimationPersonas) > 0 {
		reEstimator.Personas = cfg.Resurrection.ReEstimationPersonas
	}
	reEstimator.Timeout = cfg.Timeouts.ReEstimation

	archChecker := architecture.NewChecker(channel, cfg.ProjectRoot)
	archChecker.Timeout = cfg.Timeouts.Architecture

	e := &Engine{
		Config:       cfg,
		Channel:      channel,
		Sink:         sink,
		Metrics:      metricsStore,
		Store:        store,
		Negotiator:   negotiator,
		ReEstimator:  reEstimator,
		Architecture: archChecker,
	}

	var accuracy iteration.AccuracyCounter
	if metricsStore != nil {
		accuracy = metricsStore
	}

	e.Loop = &iteration.Loop{
		Planner:       planner,
		Critic:        critic,
		MaxIterations: cfg.MaxIterations,
		Metrics:       accuracy,
		Sink:          sink,
		NewRunner: func(plan *models.Plan) iteration.Runner {
			return e.newScheduler(plan)
		},
	}

	return e, nil
}

// newScheduler builds a Scheduler for one iteration's plan, wiring in every
// collaborator the Engine was constructed with.
func (e *Engine) newScheduler(plan *models.Plan) *scheduler.Scheduler {
	sup := supervisor.New(e.Channel, e.Sink)
	sup.Deliberate = supervisor.NewDeliberator(e.Channel)
	if e.Config.Liveness.TickInterval > 0 {
		sup.TickInterval = e.Config.Liveness.TickInterval
	}
	if e.Config.Liveness.EnforceComplexityTimeouts {
		sup.TimeoutsFor = supervisor.DefaultAttemptTimeouts
	}

	sched := scheduler.New(plan, e.Config.MaxParallel, sup)
	sched.Negotiator = e.Negotiator
	sched.ReEstimator = e.ReEstimator
	sched.Store = e.Store
	if e.Metrics != nil {
		sched.Metrics = e.Metrics
	}
	sched.Sink = e.Sink
	if architecture.ShouldGenerateContract(plan) {
		sched.Architecture = e.Architecture
	}
	return sched
}

// Run drives plan through the full iteration loop (plan/execute/critique/
// replan) to a stopping condition, installing a SIGINT/SIGTERM handler so an
// operator interrupt cancels the run context the same way the teacher's
// Orchestrator.ExecutePlan does, rather than leaving subprocesses orphaned.
func (e *Engine) Run(ctx context.Context, plan *models.Plan) error {
	if plan.ArchitectureContract == "" && architecture.ShouldGenerateContract(plan) {
		contract, err := e.Architecture.GenerateContract(ctx, plan)
		if err != nil {
			// Non-fatal: the engine's error taxonomy treats a failed
			// architecture-generation call as "no contract this run"
			// rather than aborting before a single task has executed.
			e.emit(fmt.Sprintf("architecture contract generation failed, continuing without one: %v", err))
		} else {
			plan.ArchitectureContract = contract
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	return e.Loop.Run(runCtx, plan)
}

// Close releases the Engine's long-lived resources: the metrics database,
// and the default buffered sink's drain goroutine when one is wired in.
func (e *Engine) Close() error {
	if buffered, ok := e.Sink.(*events.BufferedSink); ok {
		buffered.Close()
	}
	if e.Metrics != nil {
		return e.Metrics.Close()
	}
	return nil
}

func (e *Engine) emit(line string) {
	e.Sink.Emit(events.Event{Kind: events.KindTaskOutput, Line: line})
}

// defaultSinkBuffer bounds how many events the default sink can queue ahead
// of the terminal before drop-oldest kicks in.
const defaultSinkBuffer = 256

// DefaultSink returns the colorized console sink writing to os.Stderr,
// wrapped in a drop-oldest buffer so a slow or blocked terminal can never
// stall the engine. Engine.Close drains and stops the buffer.
func DefaultSink() events.Sink {
	return events.NewBufferedSink(consolelog.New(os.Stderr), defaultSinkBuffer)
}
