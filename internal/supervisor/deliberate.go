package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/models"
)

// deliberationRecentLines bounds how much of the subprocess's recent output
// is summarised into the deliberation prompt; the watchdog has already kept
// up to recentLinesKept, this trims further since only the tail matters for
// "is anything happening".
const deliberationRecentLines = 20

// deliberationTimeout bounds the judgement call itself; a hung deliberation
// must not hang the watchdog that's asking it to break a tie.
const deliberationTimeout = 30 * time.Second

// NewDeliberator builds the DeliberateFunc the watchdog falls back to when
// EvaluateLiveness returns DecisionAmbiguous (rule 7: silent, probe-available,
// zero CPU, zero net connections, no heartbeat violation yet fired). It asks
// the model for a KILL/CONTINUE judgement on a short summary of the
// situation; a call that errors or fails to parse defaults to CONTINUE, since
// the watchdog fails open rather than killing on an inconclusive check.
func NewDeliberator(channel *llmproc.Channel) DeliberateFunc {
	return func(ctx context.Context, task *models.Task, recent []string) (bool, string) {
		result, err := channel.Run(ctx, llmproc.Request{
			Prompt:  deliberationPrompt(task, recent),
			Schema:  models.LivenessVerdictSchema(),
			Timeout: deliberationTimeout,
		})
		if err != nil {
			return false, fmt.Sprintf("deliberation call failed, continuing: %v", err)
		}

		var out struct {
			Verdict   string `json:"verdict"`
			Reasoning string `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
			return false, fmt.Sprintf("deliberation response unparsable, continuing: %v", err)
		}
		return out.Verdict == "KILL", out.Reasoning
	}
}

func deliberationPrompt(task *models.Task, recent []string) string {
	tail := recent
	if len(tail) > deliberationRecentLines {
		tail = tail[len(tail)-deliberationRecentLines:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A subprocess running task %q has gone quiet: no output for over 15 minutes,\n", task.Name)
	b.WriteString("but it is still alive, using no CPU, and holding no open network connections.\n")
	b.WriteString("No deterministic rule could classify this as a loop, an I/O wait, or a crash.\n\n")
	if len(tail) > 0 {
		fmt.Fprintf(&b, "Its last output before going silent:\n%s\n\n", strings.Join(tail, "\n"))
	} else {
		b.WriteString("It produced no output at all before going silent.\n\n")
	}
	b.WriteString("Decide KILL (this process is stuck and should be terminated) or CONTINUE\n")
	b.WriteString("(there's a plausible reason it could still make progress).")
	return b.String()
}
