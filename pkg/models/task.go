package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusPlanning indicates the task is being broken down before work starts.
	TaskStatusPlanning TaskStatus = "planning"
	// TaskStatusInProgress indicates the task is being worked on.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusReview indicates the work is awaiting review.
	TaskStatusReview TaskStatus = "review"
	// TaskStatusTesting indicates the work is being tested.
	TaskStatusTesting TaskStatus = "testing"
	// TaskStatusBlocked indicates the task cannot proceed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusPlanning, TaskStatusInProgress,
		TaskStatusReview, TaskStatusTesting, TaskStatusBlocked,
		TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are possible from this
// status. Failed is not terminal: failed tasks may be retried via pending
// or planning.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted
}

// TaskPriority represents the urgency of a task.
type TaskPriority string

const (
	// TaskPriorityCritical is the highest priority.
	TaskPriorityCritical TaskPriority = "critical"
	// TaskPriorityHigh is above-normal priority.
	TaskPriorityHigh TaskPriority = "high"
	// TaskPriorityNormal is the default priority.
	TaskPriorityNormal TaskPriority = "normal"
	// TaskPriorityLow is the lowest priority.
	TaskPriorityLow TaskPriority = "low"
)

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityCritical, TaskPriorityHigh, TaskPriorityNormal, TaskPriorityLow:
		return true
	default:
		return false
	}
}

// Blocker records an obstacle preventing a task from progressing.
type Blocker struct {
	// ID is the unique identifier for this blocker.
	ID string `json:"id"`
	// Description explains what is blocking the task.
	Description string `json:"description"`
	// Kind categorizes the blocker (e.g. "dependency", "external", "question").
	Kind string `json:"kind"`
	// CreatedAt is when the blocker was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// HistoryEntry is one line in a task's bounded append-only history log.
type HistoryEntry struct {
	// Action is the operation that was performed.
	Action string `json:"action"`
	// Detail provides additional context for the action.
	Detail string `json:"detail,omitempty"`
	// Timestamp is when the action occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Task represents a unit of trackable work with a lifecycle state.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID is the project this task belongs to.
	ProjectID string `json:"project_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority is the urgency of the task.
	Priority TaskPriority `json:"priority"`
	// AssignedWorker is the key of the worker assigned to this task.
	// It is a weak reference: checked against the supervisor at assignment
	// time, tolerated stale afterward.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// Dependencies lists task IDs that must complete before this task can start.
	Dependencies []string `json:"dependencies,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
	// StartedAt is when the task first entered in_progress, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task completed, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// ActualDuration is the time from first start to completion.
	ActualDuration time.Duration `json:"actual_duration,omitempty"`
	// Blockers are the currently recorded obstacles for this task.
	Blockers []Blocker `json:"blockers,omitempty"`
	// History is the bounded append-only log of actions taken on this task.
	History []HistoryEntry `json:"history,omitempty"`
}

// Clone returns a deep copy of the task. The store hands out clones so
// callers can never mutate store-owned state.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Blockers = append([]Blocker(nil), t.Blockers...)
	c.History = append([]HistoryEntry(nil), t.History...)
	return &c
}
