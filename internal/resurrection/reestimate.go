package resurrection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/models"
)

// defaultPersonas is the fixed round-robin panel consulted for every
// re-estimation deliberation. Order matters: only the last persona is asked
// for the binding consensus verdict, the earlier ones build context for it.
var defaultPersonas = []string{"implementer", "skeptic", "estimator"}

// ReEstimateResult is the deliberation's verdict on a task's complexity.
// Consensus reports whether the panel actually agreed; Changed additionally
// requires the agreed value to differ from the current estimate.
type ReEstimateResult struct {
	NewComplexity models.Complexity
	Consensus     bool
	Changed       bool
	Reasoning     string
}

// ReEstimator runs the multi-persona re-estimation deliberation entirely
// outside the Plan's mutex: it is a sequence of blocking LLM calls that must
// never hold up other tasks' admission.
type ReEstimator struct {
	Channel  *llmproc.Channel
	Personas []string
	Timeout  time.Duration
}

// NewReEstimator builds a ReEstimator with the default persona panel.
func NewReEstimator(channel *llmproc.Channel) *ReEstimator {
	return &ReEstimator{Channel: channel, Personas: defaultPersonas, Timeout: 45 * time.Second}
}

// ReEstimate deliberates over whether task's complexity was wrong, given its
// resurrection history. A parse failure on the final consensus message is
// non-fatal: the task's complexity is left unchanged rather than treated as
// an error, since a bad LLM response here shouldn't block the task.
func (r *ReEstimator) ReEstimate(ctx context.Context, task *models.Task) (ReEstimateResult, error) {
	personas := r.Personas
	if len(personas) == 0 {
		personas = defaultPersonas
	}
	unchanged := ReEstimateResult{NewComplexity: task.Complexity}

	var sessionID string
	for i, persona := range personas {
		isFinal := i == len(personas)-1
		prompt := r.personaPrompt(persona, task, i+1, len(personas))

		req := llmproc.Request{
			Prompt:          prompt,
			ResumeSessionID: sessionID,
			Timeout:         r.Timeout,
		}
		if isFinal {
			req.Schema = models.ReEstimationSchema()
		}

		result, err := r.Channel.Run(ctx, req)
		if err != nil {
			return ReEstimateResult{}, fmt.Errorf("resurrection: re-estimation persona %q failed: %w", persona, err)
		}
		if result.SessionID != "" {
			sessionID = result.SessionID
		}

		if !isFinal {
			continue
		}

		var out struct {
			Consensus     bool   `json:"consensus"`
			NewComplexity string `json:"new_complexity"`
			Reasoning     string `json:"reasoning"`
		}
		if err := unmarshalLenient(result.Content, &out); err != nil {
			return unchanged, nil
		}
		if !out.Consensus {
			unchanged.Reasoning = out.Reasoning
			return unchanged, nil
		}

		newComplexity := models.Complexity(out.NewComplexity)
		if !newComplexity.Valid() || newComplexity == models.ComplexityUnknown {
			unchanged.Reasoning = out.Reasoning
			return unchanged, nil
		}

		return ReEstimateResult{
			NewComplexity: newComplexity,
			Consensus:     true,
			Changed:       newComplexity != task.Complexity,
			Reasoning:     out.Reasoning,
		}, nil
	}

	return unchanged, nil
}

func (r *ReEstimator) personaPrompt(persona string, task *models.Task, turn, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %q voice in a %d-persona re-estimation panel for a task that has been killed %d time(s).\n", persona, total, task.KillCount)
	fmt.Fprintf(&b, "Task: %s\nOriginal estimate: %s\n", task.Name, task.Complexity)
	for _, rec := range task.ResurrectionHistory {
		fmt.Fprintf(&b, "- killed: %s (silence=%v)\n", rec.KillReason, rec.WasSilence)
	}
	if turn < total {
		fmt.Fprintf(&b, "Give your %s assessment of whether the original complexity estimate was wrong.\n", persona)
	} else {
		fmt.Fprintf(&b, "As the %s, state the panel's consensus: did the estimate need to change, and to what?\n", persona)
	}
	return b.String()
}
