package supervisor

import (
	"time"

	"github.com/harrison/conductor-engine/internal/models"
)

// Outcome is the sum type a Supervisor hands back to the Scheduler. Exactly
// one of the three constructors below produces a valid Outcome; the
// Scheduler switches on Kind rather than comparing errors.
type Outcome struct {
	Kind models.OutcomeKind

	// Completed fields.
	Artifacts        []string
	ActualComplexity models.Complexity
	Notes            string

	// FailedOther fields.
	Err error

	// Killed fields.
	KillReason     string
	ElapsedSeconds float64
	WasSilence     bool
}

// Completed builds a successful Outcome.
func Completed(artifacts []string, actualComplexity models.Complexity, notes string) Outcome {
	return Outcome{Kind: models.OutcomeCompleted, Artifacts: artifacts, ActualComplexity: actualComplexity, Notes: notes}
}

// FailedOther builds a non-retried failure Outcome.
func FailedOther(err error) Outcome {
	return Outcome{Kind: models.OutcomeFailedOther, Err: err}
}

// Killed builds a killed Outcome, eligible for resurrection or re-estimation.
func Killed(reason string, elapsed time.Duration, wasSilence bool) Outcome {
	return Outcome{
		Kind:           models.OutcomeKilled,
		KillReason:     reason,
		ElapsedSeconds: elapsed.Seconds(),
		WasSilence:     wasSilence,
	}
}
