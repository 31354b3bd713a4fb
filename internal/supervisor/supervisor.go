package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/conductor-engine/internal/events"
	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/models"
	"github.com/harrison/conductor-engine/internal/probe"
)

// tickInterval is how often the watchdog samples the subprocess and
// re-evaluates liveness. Coarse on purpose: the decision thresholds are all
// measured in minutes, so sampling more often buys nothing. Independent of
// heartbeatInterval, which is the cadence the subprocess itself is expected
// to self-report on.
const tickInterval = 30 * time.Second

// recentLinesKept bounds how much scrollback the liveness rules see; it
// matches loopWindowLines so the loop detector always has a full window
// once the process has produced enough output.
const recentLinesKept = loopWindowLines

// DeliberateFunc asks an LLM for a judgement call when EvaluateLiveness
// returns DecisionAmbiguous. A nil DeliberateFunc is treated as "continue":
// the watchdog fails open rather than killing on indecision.
type DeliberateFunc func(ctx context.Context, task *models.Task, recent []string) (kill bool, reason string)

// ProbeFactory builds a process prober for a pid; overridable in tests.
type ProbeFactory func(pid int) *probe.Prober

// Supervisor runs a single task's LLM subprocess to completion, applying the
// liveness watchdog every tick and reporting an Outcome to its caller.
type Supervisor struct {
	Channel      *llmproc.Channel
	Sink         events.Sink
	Deliberate   DeliberateFunc
	NewProber    ProbeFactory
	TickInterval time.Duration

	// TimeoutsFor, when non-nil, maps a task's current complexity to this
	// attempt's warn threshold and hard kill deadline. Nil (the default)
	// leaves attempts unbounded; only the liveness rules can kill.
	TimeoutsFor func(models.Complexity) AttemptTimeouts
}

// New builds a Supervisor around channel. sink may be nil, in which case
// events are discarded.
func New(channel *llmproc.Channel, sink events.Sink) *Supervisor {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Supervisor{
		Channel:      channel,
		Sink:         sink,
		NewProber:    probe.NewProber,
		TickInterval: tickInterval,
	}
}

type taskOutput struct {
	Status           string   `json:"status"`
	Summary          string   `json:"summary"`
	FilesModified    []string `json:"files_modified"`
	ActualComplexity string   `json:"actual_complexity"`
	Errors           []string `json:"errors"`
}

// Run drives task's prompt through a subprocess to completion, watching
// liveness on every tick, and returns the Outcome the Scheduler should act
// on. It blocks until the task reaches a terminal state for this attempt.
func (s *Supervisor) Run(ctx context.Context, task *models.Task, prompt string) Outcome {
	s.emit(events.Event{Kind: events.KindTaskStarted, TaskID: task.ID, Title: task.Name})

	proc, err := s.Channel.Spawn(ctx, llmproc.Request{
		Prompt:          prompt,
		Schema:          models.TaskOutputSchema(),
		ResumeSessionID: task.SessionID,
	})
	if err != nil {
		return FailedOther(fmt.Errorf("supervisor: failed to spawn task %s: %w", task.ID, err))
	}

	prober := s.NewProber(proc.PID())
	ticker := time.NewTicker(s.tickDuration())
	defer ticker.Stop()

	start := time.Now()
	lastOutputAt := start
	lineCount := 0
	warned := false
	var recent []string
	var transcript strings.Builder

	appendLine := func(line string) {
		transcript.WriteString(line)
		transcript.WriteByte('\n')
		recent = append(recent, line)
		if len(recent) > recentLinesKept {
			recent = recent[len(recent)-recentLinesKept:]
		}
		lineCount++
		lastOutputAt = time.Now()
		s.emit(events.Event{
			Kind:     events.KindTaskOutput,
			TaskID:   task.ID,
			Line:     line,
			Progress: estimateProgress(time.Since(start), lineCount),
		})
	}

	lines := proc.Lines
	for {
		select {
		case <-ctx.Done():
			proc.Kill()
			<-proc.Done
			return killedOutcome("cancelled", time.Since(start))

		case line, ok := <-lines:
			if !ok {
				// Lines is closed strictly before Done; park this case and
				// let the Done branch drain whatever it already consumed.
				lines = nil
				continue
			}
			appendLine(line)

		case <-proc.Done:
			// Drain any buffered output so the trailing structured result
			// reaches the transcript before parsing.
			for line := range proc.Lines {
				appendLine(line)
			}
			return s.finish(task, transcript.String(), proc.Wait())

		case <-ticker.C:
			if s.TimeoutsFor != nil {
				limits := s.TimeoutsFor(task.Complexity)
				elapsed := time.Since(start)
				if limits.Kill > 0 && elapsed > limits.Kill {
					proc.Kill()
					<-proc.Done
					return killedOutcome(fmt.Sprintf("timeout: attempt exceeded %s for %s task", limits.Kill, task.Complexity), elapsed)
				}
				if !warned && limits.Warn > 0 && elapsed > limits.Warn {
					warned = true
					s.emit(events.Event{
						Kind:   events.KindTaskOutput,
						TaskID: task.ID,
						Line:   fmt.Sprintf("[watchdog] attempt has run %s, past the %s warn threshold for a %s task", elapsed.Round(time.Second), limits.Warn, task.Complexity),
					})
				}
			}

			snap := prober.Sample()
			result := EvaluateLiveness(LivenessInputs{
				Elapsed:        time.Since(start),
				Silence:        time.Since(lastOutputAt),
				Recent:         recent,
				ProbeAvailable: snap.Available,
				CPUPercent:     snap.CPUPercent,
				State:          snap.State,
				NetConns:       snap.NetConns,
			})

			switch result.Decision {
			case DecisionKill:
				proc.Kill()
				<-proc.Done
				return killedOutcome(result.Reason, time.Since(start))
			case DecisionAmbiguous:
				if s.Deliberate == nil {
					continue
				}
				if kill, reason := s.Deliberate(ctx, task, recent); kill {
					proc.Kill()
					<-proc.Done
					return killedOutcome(reason, time.Since(start))
				}
			}
		}
	}
}

// estimateProgress turns elapsed wall time and output volume into a rough
// monotone percentage for progress sinks, capped at 90 until the attempt
// actually terminates.
func estimateProgress(elapsed time.Duration, lineCount int) int {
	p := int(elapsed.Minutes())*2 + lineCount/5
	if p > 90 {
		p = 90
	}
	return p
}

func (s *Supervisor) tickDuration() time.Duration {
	if s.TickInterval > 0 {
		return s.TickInterval
	}
	return tickInterval
}

// killedOutcome classifies a kill reason into the silence/non-silence
// distinction the re-estimation policy keys on. The task_killed event is
// emitted by the Scheduler, which knows the attempt number.
func killedOutcome(reason string, elapsed time.Duration) Outcome {
	return Killed(reason, elapsed, isSilenceReason(reason))
}

var silenceMarkers = []string{"silen", "heartbeat", "hang", "unresponsive", "no output", "no-output"}

func isSilenceReason(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range silenceMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// finish classifies a subprocess that exited on its own, either because it
// finished cleanly or crashed. A non-zero exit is always FailedOther: the
// Spike/Implementation distinction below only governs how a *clean* exit
// with unparsable output is handled, not a crash.
func (s *Supervisor) finish(task *models.Task, rawTranscript string, waitErr error) Outcome {
	if waitErr != nil {
		return FailedOther(fmt.Errorf("supervisor: task %s subprocess exited with error: %w", task.ID, waitErr))
	}

	content, _, parseErr := llmproc.ParseResponse([]byte(rawTranscript))
	if parseErr != nil || content == "" {
		return s.unparsedOutcome(task, rawTranscript)
	}

	var out taskOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return s.unparsedOutcome(task, rawTranscript)
	}

	if out.Status == "failed" {
		return FailedOther(fmt.Errorf("task %s reported failure: %s (%s)", task.ID, out.Summary, strings.Join(out.Errors, "; ")))
	}

	return Completed(out.FilesModified, reportedComplexity(out.ActualComplexity, task.Complexity), out.Summary)
}

// reportedComplexity trusts the subprocess's self-reported actual_complexity
// when it is a valid, non-unknown enum value; a missing or malformed value
// falls back to the task's original estimate rather than guessing.
func reportedComplexity(reported string, original models.Complexity) models.Complexity {
	c := models.Complexity(reported)
	if c.Valid() && c != models.ComplexityUnknown {
		return c
	}
	return original
}

// unparsedOutcome implements the differing recovery semantics for a clean
// exit whose final message didn't satisfy the task output schema: a Spike
// has no artifacts to lose, so its entire transcript becomes its notes and
// it's deemed trivially done; an Implementation task keeps its complexity
// unknown rather than guessing, but still completes rather than blocking,
// since the subprocess did exit zero.
func (s *Supervisor) unparsedOutcome(task *models.Task, rawTranscript string) Outcome {
	if task.Kind == models.KindSpike {
		return Completed(nil, models.ComplexityTrivial, truncateNotes(rawTranscript))
	}
	return Completed(nil, models.ComplexityUnknown, "subprocess exited cleanly but produced no parsable structured output")
}

func truncateNotes(s string) string {
	const maxNotes = 4000
	if len(s) <= maxNotes {
		return s
	}
	return s[:maxNotes] + "...(truncated)"
}

func (s *Supervisor) emit(e events.Event) {
	e.Timestamp = time.Now().UTC()
	s.Sink.Emit(e)
}
