package engine

import (
	"time"

	"github.com/harrison/conductor-engine/internal/events"
)

// TimeoutConfig bounds the engine's blocking LLM calls.
// Grouped the way the teacher groups related settings into named
// sub-configs, rather than as flat fields on Config.
type TimeoutConfig struct {
	Negotiation  time.Duration
	ReEstimation time.Duration
	Architecture time.Duration
	// Deliberation is not applied: the watchdog's deliberative liveness
	// check uses the supervisor package's own fixed 30-second bound.
	Deliberation time.Duration
}

// DefaultTimeoutConfig returns the timeouts this lineage has shipped with.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Negotiation:  45 * time.Second,
		ReEstimation: 45 * time.Second,
		Architecture: 60 * time.Second,
		Deliberation: 30 * time.Second,
	}
}

// LivenessConfig tunes the per-task watchdog's sampling cadence. The
// decision thresholds themselves (warm-up grace, loop window, silence
// threshold) are invariants of the watchdog's rule order, not configuration;
// the sampling interval and the opt-in complexity timeouts are the only
// policy knobs.
type LivenessConfig struct {
	TickInterval time.Duration

	// EnforceComplexityTimeouts opts in to hard per-attempt deadlines scaled
	// by task complexity. Off by default: the liveness heuristics alone
	// decide when an attempt dies.
	EnforceComplexityTimeouts bool
}

// DefaultLivenessConfig returns the watchdog's default sampling cadence.
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{TickInterval: 30 * time.Second}
}

// ResurrectionConfig tunes the negotiation and re-estimation deliberations
// a killed task goes through before the Scheduler gives up on it.
type ResurrectionConfig struct {
	MaxNegotiationRounds int
	ReEstimationPersonas []string
}

// DefaultResurrectionConfig returns the default negotiation round limit and
// re-estimation persona panel.
func DefaultResurrectionConfig() ResurrectionConfig {
	return ResurrectionConfig{
		MaxNegotiationRounds: 3,
		ReEstimationPersonas: []string{"implementer", "skeptic", "estimator"},
	}
}

// Config is everything the caller must supply to build an Engine. Per the
// core's scope, this module never reads or writes a config file itself; a
// caller that wants file-backed configuration loads one and populates this
// struct, the way the teacher's own cmd/ layer loads config.Config before
// handing it to the orchestrator.
type Config struct {
	// LLMBinaryPath is the external LLM CLI every Subprocess Channel spawns.
	LLMBinaryPath string
	// ProjectRoot is where task artifact paths resolve for the architecture
	// integration check.
	ProjectRoot string
	// MaxParallel bounds the Scheduler's worker pool.
	MaxParallel int
	// MaxIterations bounds the outer iteration loop; 0 means unbounded.
	MaxIterations int
	// MetricsDBPath is the sqlite database backing per-persona estimate
	// accuracy. ":memory:" is valid for a run with no durable history.
	MetricsDBPath string
	// PlanPath, if non-empty, durably persists the plan after every
	// Scheduler transition. Empty disables persistence.
	PlanPath string

	// Sink receives the engine's event stream. Nil falls back to a
	// discarding sink; callers that want the teacher-style console output
	// pass engine.DefaultSink().
	Sink events.Sink

	Timeouts     TimeoutConfig
	Liveness     LivenessConfig
	Resurrection ResurrectionConfig
}

// DefaultConfig returns a Config with every sub-config defaulted and
// MaxParallel set to 4; the caller still must set LLMBinaryPath and
// ProjectRoot.
func DefaultConfig() Config {
	return Config{
		MaxParallel:  4,
		Timeouts:     DefaultTimeoutConfig(),
		Liveness:     DefaultLivenessConfig(),
		Resurrection: DefaultResurrectionConfig(),
	}
}
