package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/harrison/conductor-engine/internal/probe"
)

// Tuning constants for the liveness watchdog. These are policy, not
// invariants: an engine operator could reasonably want different numbers,
// but the decision order and the relationships between them are load-bearing.
const (
	warmUpGraceElapsed  = 1800 * time.Second
	warmUpGraceShort    = 60 * time.Second
	warmUpGraceMinLines = 3
	loopWindowLines     = 50
	loopRepeatThreshold = 30
	silenceThreshold    = 900 * time.Second
	heartbeatInterval   = 60 * time.Second
	heartbeatHardLimit  = 1800 * time.Second
	activeComputeCPUPct = 50.0
	heartbeatToken      = "[HEARTBEAT]"
)

// Decision is the watchdog's ruling for one tick.
type Decision int

const (
	// DecisionContinue means do nothing this tick.
	DecisionContinue Decision = iota
	// DecisionKill means terminate the subprocess with the given reason.
	DecisionKill
	// DecisionAmbiguous means no deterministic rule fired; the caller must
	// ask an LLM for a judgement call and honour its verdict.
	DecisionAmbiguous
)

// LivenessInputs is one tick's worth of observed subprocess state.
type LivenessInputs struct {
	Elapsed time.Duration
	Silence time.Duration
	Recent  []string

	ProbeAvailable bool
	CPUPercent     float64
	State          probe.State
	NetConns       int
}

// LivenessResult is the watchdog's verdict for one tick.
type LivenessResult struct {
	Decision Decision
	Reason   string
}

func continueResult() LivenessResult { return LivenessResult{Decision: DecisionContinue} }

func kill(format string, args ...interface{}) LivenessResult {
	return LivenessResult{Decision: DecisionKill, Reason: fmt.Sprintf(format, args...)}
}

// EvaluateLiveness applies the watchdog's ordered rule list; the first rule
// that fires wins.
func EvaluateLiveness(in LivenessInputs) LivenessResult {
	// 1. Warm-up grace.
	if len(in.Recent) == 0 && in.Elapsed < warmUpGraceElapsed {
		return continueResult()
	}
	if in.Elapsed < warmUpGraceShort && len(in.Recent) < warmUpGraceMinLines {
		return continueResult()
	}

	// 2. Infinite-loop detection.
	window := in.Recent
	if len(window) > loopWindowLines {
		window = window[len(window)-loopWindowLines:]
	}
	if len(window) >= loopRepeatThreshold {
		counts := make(map[string]int, len(window))
		for _, line := range window {
			counts[line]++
			if counts[line] >= loopRepeatThreshold {
				return kill("loop: %s", line)
			}
		}
	}

	if in.Silence <= silenceThreshold {
		return continueResult()
	}

	// 3. Waiting for I/O.
	if in.ProbeAvailable && in.NetConns > 0 {
		return continueResult()
	}

	// 4. Active compute.
	if in.ProbeAvailable && in.CPUPercent > activeComputeCPUPct {
		return continueResult()
	}

	// 5. Process in bad state.
	if in.ProbeAvailable && (in.State == probe.StateZombie || in.State == probe.StateDiskSleep) {
		return kill("bad state: %s", in.State)
	}

	// 6. Heartbeat protocol. Applies only once the process has produced
	// output at all: a process that never printed anything cannot have
	// broken the heartbeat contract, so that case falls through to the
	// deliberative fallback below.
	if len(in.Recent) > 0 {
		lastIdx := len(in.Recent) - 1
		heartbeatIdx := -1
		for i := lastIdx; i >= 0; i-- {
			if strings.Contains(in.Recent[i], heartbeatToken) {
				heartbeatIdx = i
				break
			}
		}
		if heartbeatIdx < 0 {
			return kill("no heartbeat; silent > 15 min")
		}
		if heartbeatIdx != lastIdx {
			linesAgo := lastIdx - heartbeatIdx
			return kill("last heartbeat %d lines ago; silent > 15 min", linesAgo)
		}
		if in.Silence >= heartbeatHardLimit {
			return kill("silent > 30 min despite heartbeat")
		}
		return continueResult()
	}

	// 7. Fallback to deliberative check.
	if in.ProbeAvailable && in.CPUPercent == 0 && in.NetConns == 0 {
		return LivenessResult{Decision: DecisionAmbiguous}
	}

	// 8. Otherwise continue.
	return continueResult()
}
