// Package resurrection implements the two recovery conversations a killed
// task can go through before the Scheduler gives up on it: a short
// agent/guardian negotiation over whether to simply resume, and a
// multi-persona re-estimation deliberation over whether the task's
// complexity was wrong in the first place.
package resurrection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/conductor-engine/internal/llmproc"
	"github.com/harrison/conductor-engine/internal/models"
)

// defaultMaxRounds bounds how many times the guardian gets asked before the
// negotiation gives up and falls back to a generic adjustment.
const defaultMaxRounds = 3

const agentPersona = "agent"
const guardianPersona = "guardian"

// Verdict is the guardian's decision for one round.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictRejected Verdict = "REJECTED"
)

// Result is the negotiation's final outcome. Adjustment is the text the
// caller should prefix onto the task's notes before the next attempt,
// whether it came from an approved proposal or the generic fallback.
type Result struct {
	Approved        bool
	Adjustment      string
	Reasoning       string
	RoundsUsed      int
	FallbackApplied bool
}

// Negotiator runs the agent/guardian negotiation protocol for a killed task.
type Negotiator struct {
	Channel   *llmproc.Channel
	MaxRounds int
	Timeout   time.Duration
}

// NewNegotiator builds a Negotiator with the default round limit.
func NewNegotiator(channel *llmproc.Channel) *Negotiator {
	return &Negotiator{Channel: channel, MaxRounds: defaultMaxRounds, Timeout: 45 * time.Second}
}

// Negotiate runs the two-role recovery review, up to MaxRounds times: the
// agent persona proposes a concrete adjustment to the approach, then the
// guardian persona reviews that specific proposal and decides APPROVED or
// REJECTED. A guardian response that parses to neither, or fails to parse
// at all, is treated as a rejection: resurrection only proceeds on an
// explicit, well-formed approval. A rejection is fed back into the next
// round's agent prompt so the proposal can be revised. Once rounds are
// exhausted without approval, a generic fallback adjustment is returned
// rather than looping forever.
func (n *Negotiator) Negotiate(ctx context.Context, task *models.Task, killReason, partialNotes string) (Result, error) {
	maxRounds := n.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}

	var lastProposal, lastRejection string
	sessionID := task.SessionID

	for round := 1; round <= maxRounds; round++ {
		proposalPrompt := n.proposalPrompt(task, killReason, partialNotes, round, lastRejection)
		proposalResult, err := n.Channel.Run(ctx, llmproc.Request{
			Prompt:          proposalPrompt,
			Schema:          models.ResurrectionProposalSchema(),
			ResumeSessionID: sessionID,
			Timeout:         n.Timeout,
		})
		if err != nil {
			return Result{}, fmt.Errorf("resurrection: negotiation round %d agent proposal failed: %w", round, err)
		}
		if proposalResult.SessionID != "" {
			sessionID = proposalResult.SessionID
		}
		lastProposal = parseProposal(proposalResult.Content)

		verdictPrompt := n.verdictPrompt(task, killReason, lastProposal, round)
		verdictResult, err := n.Channel.Run(ctx, llmproc.Request{
			Prompt:          verdictPrompt,
			Schema:          models.ResurrectionVerdictSchema(),
			ResumeSessionID: sessionID,
			Timeout:         n.Timeout,
		})
		if err != nil {
			return Result{}, fmt.Errorf("resurrection: negotiation round %d guardian verdict failed: %w", round, err)
		}
		if verdictResult.SessionID != "" {
			sessionID = verdictResult.SessionID
		}

		verdict, reasoning := parseVerdict(verdictResult.Content)

		if verdict == VerdictApproved {
			return Result{Approved: true, Adjustment: lastProposal, Reasoning: reasoning, RoundsUsed: round}, nil
		}
		lastRejection = reasoning
	}

	return Result{
		Approved:        false,
		Adjustment:      fallbackAdjustment(lastProposal, maxRounds),
		Reasoning:       fallbackReasoning(lastRejection, maxRounds),
		RoundsUsed:      maxRounds,
		FallbackApplied: true,
	}, nil
}

func (n *Negotiator) proposalPrompt(task *models.Task, killReason, partialNotes string, round int, priorRejection string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s for a task that was killed by the watchdog. Task %q.\n", agentPersona, task.Name)
	fmt.Fprintf(&b, "Kill reason: %s\n", killReason)
	if partialNotes != "" {
		fmt.Fprintf(&b, "Partial progress notes: %s\n", partialNotes)
	}
	fmt.Fprintf(&b, "Prior kill count for this task: %d\n", task.KillCount)
	for _, rec := range lastRecords(task, 3) {
		fmt.Fprintf(&b, "- prior kill: %s (silence=%v)\n", rec.KillReason, rec.WasSilence)
	}
	if priorRejection != "" {
		fmt.Fprintf(&b, "The guardian rejected your previous proposal, reasoning: %s\n", priorRejection)
	}
	fmt.Fprintf(&b, "This is round %d. Propose one concrete, specific adjustment to the approach that addresses the kill reason — not a vague restatement of the task.\n", round)
	return b.String()
}

func (n *Negotiator) verdictPrompt(task *models.Task, killReason, proposal string, round int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s reviewing a recovery proposal for task %q, killed by the watchdog.\n", guardianPersona, task.Name)
	fmt.Fprintf(&b, "Kill reason: %s\n", killReason)
	fmt.Fprintf(&b, "The agent's proposed adjustment: %s\n", proposal)
	fmt.Fprintf(&b, "This is round %d of the review. Decide APPROVED (the proposal is concrete enough to resume with) or REJECTED (it is not).\n", round)
	return b.String()
}

// lastRecords returns up to the n most recent resurrection records.
func lastRecords(task *models.Task, n int) []models.ResurrectionRecord {
	h := task.ResurrectionHistory
	if len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

func parseProposal(content string) string {
	var out struct {
		Adjustment string `json:"adjustment"`
	}
	if err := unmarshalLenient(content, &out); err != nil || out.Adjustment == "" {
		return strings.TrimSpace(content)
	}
	return out.Adjustment
}

func fallbackAdjustment(lastProposal string, rounds int) string {
	if lastProposal == "" {
		return "previous approaches failed; try differently"
	}
	return fmt.Sprintf("guardian would not approve any of %d proposed adjustments (last tried: %s); try a fundamentally different approach", rounds, lastProposal)
}

func parseVerdict(content string) (Verdict, string) {
	var out struct {
		Verdict   string `json:"verdict"`
		Reasoning string `json:"reasoning"`
	}
	if err := unmarshalLenient(content, &out); err != nil {
		return VerdictRejected, ""
	}
	switch Verdict(out.Verdict) {
	case VerdictApproved:
		return VerdictApproved, out.Reasoning
	default:
		return VerdictRejected, out.Reasoning
	}
}

func fallbackReasoning(lastReasoning string, rounds int) string {
	if lastReasoning == "" {
		return fmt.Sprintf("negotiation exhausted after %d rounds without approval; applying generic fallback", rounds)
	}
	return fmt.Sprintf("negotiation exhausted after %d rounds (last reasoning: %s); applying generic fallback", rounds, lastReasoning)
}
