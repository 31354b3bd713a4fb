// Package main is a thin cobra front door that loads a plan document from
// disk and drives it through one engine.Engine.Run call. It exists only to
// exercise the engine package end to end; the planning conversation and the
// critic are out of the core's scope (spec.md §1), so this binary supplies
// the simplest possible stand-ins rather than a real multi-agent planner.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrison/conductor-engine/internal/engine"
	"github.com/harrison/conductor-engine/internal/iteration"
	"github.com/harrison/conductor-engine/internal/models"
	"github.com/harrison/conductor-engine/internal/persistence"
)

// Version is injected at build time via -ldflags, matching the teacher's
// cmd/conductor convention.
var Version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conductorctl",
		Short:   "Run a conductor-engine plan document to completion",
		Version: Version,
		// Silence usage on errors to avoid duplicate help text, matching
		// the teacher's root command.
		SilenceUsage: true,
	}
	cmd.AddCommand(newRunCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var (
		planPath      string
		llmBinary     string
		projectRoot   string
		maxParallel   int
		maxIterations int
		metricsDB     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a plan document and run it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := persistence.NewStore(planPath)
			plan, err := store.Load()
			if err != nil {
				return fmt.Errorf("conductorctl: failed to load plan %s: %w", planPath, err)
			}

			cfg := engine.DefaultConfig()
			cfg.LLMBinaryPath = llmBinary
			cfg.ProjectRoot = projectRoot
			cfg.MaxParallel = maxParallel
			cfg.MaxIterations = maxIterations
			cfg.MetricsDBPath = metricsDB
			cfg.PlanPath = planPath
			cfg.Sink = engine.DefaultSink()

			e, err := engine.New(cfg, singlePassPlanner{}, alwaysSuccessCritic{})
			if err != nil {
				return fmt.Errorf("conductorctl: failed to build engine: %w", err)
			}
			defer e.Close()

			return e.Run(cmd.Context(), plan)
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "path to the plan YAML document (required)")
	cmd.Flags().StringVar(&llmBinary, "llm-binary", "claude", "external LLM CLI binary to invoke")
	cmd.Flags().StringVar(&projectRoot, "project-root", ".", "project root task artifact paths resolve against")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 4, "maximum concurrent tasks")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "maximum outer iterations (0 = unbounded)")
	cmd.Flags().StringVar(&metricsDB, "metrics-db", "", "sqlite path for persona accuracy metrics (empty disables)")
	cmd.MarkFlagRequired("plan")

	return cmd
}

// singlePassPlanner never proposes new tasks; it satisfies
// iteration.Planner for a caller running a pre-built plan with no real
// planning conversation wired in (the loop itself carries the follow-up
// goal and context onto the plan). A production front-end replaces this
// with the actual multi-agent planning conversation.
type singlePassPlanner struct{}

func (singlePassPlanner) Plan(ctx context.Context, plan *models.Plan, followUpGoal, followUpContext string) ([]models.Task, error) {
	return nil, nil
}

// alwaysSuccessCritic reports success whenever the scheduler run returns,
// whatever state the tasks ended in, skipping the real critic conversation (spec.md §1, out of
// scope). A production front-end supplies the real critic.
type alwaysSuccessCritic struct{}

func (alwaysSuccessCritic) Evaluate(ctx context.Context, plan *models.Plan) (iteration.Verdict, error) {
	return iteration.Verdict{Success: true, Reasoning: "scheduler run finished; success is reported unconditionally"}, nil
}
