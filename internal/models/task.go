package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResurrectionRecord is an immutable log entry appended every time the
// Supervisor kills a task and the Scheduler negotiates or re-estimates its
// way back to execution. Once appended a record is never edited.
type ResurrectionRecord struct {
	Attempt        int       `yaml:"attempt" json:"attempt"`
	Persona        string    `yaml:"persona" json:"persona"`
	KillReason     string    `yaml:"kill_reason" json:"kill_reason"`
	PartialNotes   string    `yaml:"partial_notes,omitempty" json:"partial_notes,omitempty"`
	KilledAt       time.Time `yaml:"killed_at" json:"killed_at"`
	ElapsedSeconds float64   `yaml:"elapsed_seconds" json:"elapsed_seconds"`
	WasSilence     bool      `yaml:"was_silence" json:"was_silence"`
}

// Task is a single unit of work in a Plan's dependency graph.
type Task struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Kind        TaskKind `yaml:"kind" json:"kind"`

	// AcceptanceCriteria are folded into the task's execution prompt
	// verbatim, in order.
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`

	Complexity Complexity `yaml:"complexity" json:"complexity"`
	// ActualComplexity is set once a task completes (re-estimation updates
	// Complexity instead); it starts as ComplexityUnknown and feeds the persona estimate-accuracy
	// counters in internal/metrics.
	ActualComplexity Complexity `yaml:"actual_complexity,omitempty" json:"actual_complexity,omitempty"`
	Priority         Priority   `yaml:"priority" json:"priority"`

	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// AssignedTo names the persona this task is routed to, if the plan's
	// persona roster assigns one. Empty means any available persona can
	// pick it up; it is purely descriptive to the engine, which never
	// schedules on persona availability, only on dependency readiness.
	AssignedTo string `yaml:"assigned_to,omitempty" json:"assigned_to,omitempty"`

	State State `yaml:"state" json:"state"`

	CreatedAt   time.Time  `yaml:"created_at" json:"created_at"`
	StartedAt   *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`

	// Artifacts is the set of files the task's execution touched, reported
	// by the LLM subprocess output and used by the FileGuard and the
	// architecture integration check.
	Artifacts   []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Notes       string   `yaml:"notes,omitempty" json:"notes,omitempty"`
	BlockReason string   `yaml:"block_reason,omitempty" json:"block_reason,omitempty"`

	KillCount           int                  `yaml:"kill_count" json:"kill_count"`
	ResurrectionHistory []ResurrectionRecord `yaml:"resurrection_history,omitempty" json:"resurrection_history,omitempty"`

	// SessionID identifies the LLM subprocess session so a resurrection
	// negotiation can resume conversational context instead of starting
	// from a blank prompt.
	SessionID string `yaml:"session_id,omitempty" json:"session_id,omitempty"`
}

// NewTask builds a Task in StateBacklog with a fresh session id, mirroring
// the teacher's constructor-sets-defaults convention.
func NewTask(id, name string, kind TaskKind, complexity Complexity, priority Priority) *Task {
	if id == "" {
		panic("task id cannot be empty")
	}
	return &Task{
		ID:               id,
		Name:             name,
		Kind:             kind,
		Complexity:       complexity,
		ActualComplexity: ComplexityUnknown,
		Priority:         priority,
		State:            StateBacklog,
		CreatedAt:        time.Now().UTC(),
		SessionID:        uuid.NewString(),
	}
}

// Validate checks a Task's required fields and enum membership.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("task %s: name is required", t.ID)
	}
	if !t.Complexity.Valid() {
		return fmt.Errorf("task %s: invalid complexity %q", t.ID, t.Complexity)
	}
	switch t.Priority {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s: depends on itself", t.ID)
		}
	}
	return nil
}

// Eligible reports whether this task's dependencies are all satisfied by the
// completed set, and its own state is admissible for scheduling.
func (t *Task) Eligible(completed map[string]bool) bool {
	if !t.State.Admissible() {
		return false
	}
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// RecordKill appends an immutable ResurrectionRecord and bumps the kill
// counter. It never mutates a previously appended record.
func (t *Task) RecordKill(persona, killReason, partialNotes string, wasSilence bool, elapsed time.Duration) {
	t.KillCount++
	t.ResurrectionHistory = append(t.ResurrectionHistory, ResurrectionRecord{
		Attempt:        t.KillCount,
		Persona:        persona,
		KillReason:     killReason,
		PartialNotes:   partialNotes,
		KilledAt:       time.Now().UTC(),
		ElapsedSeconds: elapsed.Seconds(),
		WasSilence:     wasSilence,
	})
}

// CycleTime returns completed − started for a finished task, or zero when
// either stamp is missing.
func (t *Task) CycleTime() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// GrewDuringReestimation reports whether the task's actual complexity now
// outranks its original estimate, used by the thrashing detector's
// bad-estimate accounting.
func (t *Task) GrewDuringReestimation() bool {
	if t.ActualComplexity == ComplexityUnknown {
		return false
	}
	return t.ActualComplexity.Rank() > t.Complexity.Rank()
}

// HasCyclicDependencies detects circular dependencies among tasks using DFS
// with color marking (white=unvisited, gray=visiting, black=visited).
func HasCyclicDependencies(tasks []Task) bool {
	graph := make(map[string][]string)
	known := make(map[string]bool)

	for _, task := range tasks {
		known[task.ID] = true
		graph[task.ID] = []string{}
	}

	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if dep == task.ID {
				return true
			}
			if known[dep] {
				graph[dep] = append(graph[dep], task.ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)

	colors := make(map[string]int, len(known))
	for id := range known {
		colors[id] = white
	}

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, neighbor := range graph[node] {
			if colors[neighbor] == gray {
				return true
			}
			if colors[neighbor] == white && dfs(neighbor) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range known {
		if colors[id] == white {
			if dfs(id) {
				return true
			}
		}
	}

	return false
}

// ValidateTasks checks a task set for duplicate ids, dangling dependencies,
// and cycles, returning a descriptive error for the first problem found.
func ValidateTasks(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %s (%s): depends on non-existent task %s", t.ID, t.Name, dep)
			}
		}
	}
	if HasCyclicDependencies(tasks) {
		return errors.New("task graph contains a cycle")
	}
	return nil
}
