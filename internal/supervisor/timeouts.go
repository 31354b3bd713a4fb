package supervisor

import (
	"time"

	"github.com/harrison/conductor-engine/internal/models"
)

// AttemptTimeouts bounds one attempt of one task: past Warn, the watchdog
// announces the overrun on the progress stream; past Kill, it terminates
// the subprocess unconditionally. Zero values disable the respective bound.
type AttemptTimeouts struct {
	Warn time.Duration
	Kill time.Duration
}

// DefaultAttemptTimeouts maps a task's current complexity to the stock
// warn/kill budget. These are opt-in: a Supervisor only enforces them when
// its TimeoutsFor is set, so by default only the liveness heuristics can
// terminate an attempt.
func DefaultAttemptTimeouts(c models.Complexity) AttemptTimeouts {
	switch c {
	case models.ComplexityTrivial:
		return AttemptTimeouts{Warn: 8 * time.Minute, Kill: 20 * time.Minute}
	case models.ComplexitySmall:
		return AttemptTimeouts{Warn: 20 * time.Minute, Kill: 60 * time.Minute}
	case models.ComplexityMedium:
		return AttemptTimeouts{Warn: 60 * time.Minute, Kill: 180 * time.Minute}
	case models.ComplexityLarge:
		return AttemptTimeouts{Warn: 180 * time.Minute, Kill: 480 * time.Minute}
	default:
		return AttemptTimeouts{Warn: 60 * time.Minute, Kill: 240 * time.Minute}
	}
}
