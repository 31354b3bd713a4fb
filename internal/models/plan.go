package models

import (
	"errors"
	"fmt"
	"time"
)

// CriticVerdict is one outer-loop iteration's judgement, recorded for
// goal-loop detection and for the durable history shown to operators.
type CriticVerdict struct {
	Iteration    int       `yaml:"iteration" json:"iteration"`
	Success      bool      `yaml:"success" json:"success"`
	Reasoning    string    `yaml:"reasoning,omitempty" json:"reasoning,omitempty"`
	FollowUpGoal string    `yaml:"follow_up_goal,omitempty" json:"follow_up_goal,omitempty"`
	DecidedAt    time.Time `yaml:"decided_at" json:"decided_at"`
}

// Plan (called a Board in Kanban mode) is the durable root of the engine's
// state: a goal, a task graph, and the running history of how the engine
// has tried to reach that goal.
type Plan struct {
	ID      string   `yaml:"id" json:"id"`
	Goal    string   `yaml:"goal" json:"goal"`
	Context string   `yaml:"context,omitempty" json:"context,omitempty"`
	Mode    PlanMode `yaml:"mode" json:"mode"`

	// WIPLimit bounds concurrently in-progress tasks in Kanban mode. Ignored
	// in Sprint mode, where scope itself is the bound.
	WIPLimit int `yaml:"wip_limit,omitempty" json:"wip_limit,omitempty"`

	// ScopeLocked is set the first time a Sprint-mode plan admits a task;
	// after that, AddTask rejects new tasks unless called with force.
	ScopeLocked bool `yaml:"scope_locked" json:"scope_locked"`

	Tasks []Task `yaml:"tasks" json:"tasks"`

	Risks            []string `yaml:"risks,omitempty" json:"risks,omitempty"`
	Assumptions      []string `yaml:"assumptions,omitempty" json:"assumptions,omitempty"`
	OutOfScope       []string `yaml:"out_of_scope,omitempty" json:"out_of_scope,omitempty"`
	DefinitionOfDone []string `yaml:"definition_of_done,omitempty" json:"definition_of_done,omitempty"`

	// ArchitectureContract is generated once a plan has at least two
	// Implementation tasks (see internal/architecture) and is empty until then.
	ArchitectureContract string `yaml:"architecture_contract,omitempty" json:"architecture_contract,omitempty"`

	// IntegrationNotes accumulates the per-wave integration check's
	// deviation reports; ALL_CLEAR waves append nothing.
	IntegrationNotes []string `yaml:"integration_notes,omitempty" json:"integration_notes,omitempty"`

	Iteration      int             `yaml:"iteration" json:"iteration"`
	CriticVerdicts []CriticVerdict `yaml:"critic_verdicts,omitempty" json:"critic_verdicts,omitempty"`

	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`

	// ValidateSteps are the shell commands run to confirm the plan's work,
	// in order. UnmarshalYAML also accepts the legacy scalar validate_cmd
	// field and folds it into a one-element slice here.
	ValidateSteps []string `yaml:"validate_steps,omitempty" json:"validate_steps,omitempty"`
}

// NewPlan constructs a zero-iteration Plan in the given mode.
func NewPlan(id, goal string, mode PlanMode) *Plan {
	if id == "" {
		panic("plan id cannot be empty")
	}
	now := time.Now().UTC()
	return &Plan{
		ID:        id,
		Goal:      goal,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TaskByID returns a pointer to the task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// CompletedSet returns the set of task ids currently in a terminal
// successful state, used by wave computation and dependency checks.
func (p *Plan) CompletedSet() map[string]bool {
	completed := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.State == StateCompleted {
			completed[t.ID] = true
		}
	}
	return completed
}

// InProgressCount returns the number of tasks currently admitted into
// execution, used by Kanban mode's WIP gate.
func (p *Plan) InProgressCount() int {
	n := 0
	for _, t := range p.Tasks {
		if t.State == StateInProgress {
			n++
		}
	}
	return n
}

// CanAdmitMore reports whether the plan's WIP policy allows admitting
// another task right now.
func (p *Plan) CanAdmitMore() bool {
	if p.Mode != ModeKanban || p.WIPLimit <= 0 {
		return true
	}
	return p.InProgressCount() < p.WIPLimit
}

// AddTask appends a task to the plan. In Sprint mode, once scope locks on
// the first admission, additions are rejected unless force is set; force is
// the explicit override reserved for re-planning, where the critic has
// already decided the scope must grow.
func (p *Plan) AddTask(t Task, force bool) error {
	if p.Mode == ModeSprint && p.ScopeLocked && !force {
		return fmt.Errorf("plan %s: scope locked, cannot add task %s without force", p.ID, t.ID)
	}
	p.Tasks = append(p.Tasks, t)
	return nil
}

// MarkAdmitted transitions a task to InProgress, stamping StartedAt and, in
// Sprint mode, locking scope on the plan's first admission.
func (p *Plan) MarkAdmitted(id string) error {
	t := p.TaskByID(id)
	if t == nil {
		return fmt.Errorf("plan %s: unknown task %s", p.ID, id)
	}
	now := time.Now().UTC()
	t.State = StateInProgress
	t.StartedAt = &now
	if p.Mode == ModeSprint {
		p.ScopeLocked = true
	}
	return nil
}

// ImplementationTaskCount counts Implementation-kind tasks, used to decide
// whether an architecture contract is warranted.
func (p *Plan) ImplementationTaskCount() int {
	n := 0
	for _, t := range p.Tasks {
		if t.Kind == KindImplementation {
			n++
		}
	}
	return n
}

// ResetNonTerminal resets every non-terminal task back to Backlog and clears
// its StartedAt, used when the outer iteration loop re-plans.
func (p *Plan) ResetNonTerminal() {
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.State.Terminal() {
			continue
		}
		t.State = StateBacklog
		t.StartedAt = nil
	}
}

// RecordVerdict appends a CriticVerdict and advances the iteration counter.
func (p *Plan) RecordVerdict(v CriticVerdict) {
	v.Iteration = p.Iteration
	v.DecidedAt = time.Now().UTC()
	p.CriticVerdicts = append(p.CriticVerdicts, v)
	p.Iteration++
}

// RecentFollowUpGoals returns up to n most recent follow-up goals, most
// recent last, used by goal-loop detection.
func (p *Plan) RecentFollowUpGoals(n int) []string {
	var goals []string
	for i := len(p.CriticVerdicts) - 1; i >= 0 && len(goals) < n; i-- {
		if g := p.CriticVerdicts[i].FollowUpGoal; g != "" {
			goals = append([]string{g}, goals...)
		}
	}
	return goals
}

// Validate checks plan-level and task-level invariants: mode membership,
// task uniqueness, dependency existence, and acyclicity.
func (p *Plan) Validate() error {
	switch p.Mode {
	case ModeSprint, ModeKanban:
	default:
		return fmt.Errorf("plan %s: invalid mode %q", p.ID, p.Mode)
	}
	if p.Goal == "" {
		return errors.New("plan goal is required")
	}
	return ValidateTasks(p.Tasks)
}

// UnmarshalYAML supports the legacy validate_cmd scalar, loading it as a
// one-element validate_steps list for backward compatibility.
func (p *Plan) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type PlanAlias Plan
	raw := struct {
		*PlanAlias  `yaml:",inline"`
		ValidateCmd string `yaml:"validate_cmd,omitempty"`
	}{
		PlanAlias: (*PlanAlias)(p),
	}

	if err := unmarshal(&raw); err != nil {
		return err
	}

	if raw.ValidateCmd != "" && len(p.ValidateSteps) == 0 {
		p.ValidateSteps = []string{raw.ValidateCmd}
	}
	return nil
}
