package models

// Wave is a transient, derived grouping of task ids that are all currently
// eligible to run concurrently. It is never persisted on a Plan; callers
// recompute it on demand from the Plan's current task states.
type Wave struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}
