package models

import (
	"fmt"
	"time"
)

// WorkerStatus represents the current state of a supervised worker.
type WorkerStatus string

const (
	// WorkerStatusStarting indicates the worker is initializing.
	WorkerStatusStarting WorkerStatus = "starting"
	// WorkerStatusRunning indicates the worker's event loop is active.
	WorkerStatusRunning WorkerStatus = "running"
	// WorkerStatusStopping indicates a shutdown is in progress.
	WorkerStatusStopping WorkerStatus = "stopping"
	// WorkerStatusStopped indicates the worker shut down cleanly.
	WorkerStatusStopped WorkerStatus = "stopped"
	// WorkerStatusError indicates the worker failed during init or its main loop.
	WorkerStatusError WorkerStatus = "error"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusStarting, WorkerStatusRunning, WorkerStatusStopping,
		WorkerStatusStopped, WorkerStatusError:
		return true
	default:
		return false
	}
}

// Terminal returns true if the worker is no longer active.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerStatusStopped || s == WorkerStatusError
}

// WorkerKey uniquely identifies a worker slot within the supervisor.
// At most one active worker may exist per key.
type WorkerKey struct {
	// ProjectID is the project the worker belongs to.
	ProjectID string `json:"project_id"`
	// WorkerType is the registered worker implementation tag.
	WorkerType string `json:"worker_type"`
}

// String returns the canonical "project/type" form of the key.
func (k WorkerKey) String() string {
	return fmt.Sprintf("%s/%s", k.ProjectID, k.WorkerType)
}

// Worker is a snapshot of a supervised worker's runtime record.
// The supervisor owns the live record; callers only ever see copies.
type Worker struct {
	// ID is the unique identifier for this worker instance.
	ID string `json:"id"`
	// ProjectID is the project the worker belongs to.
	ProjectID string `json:"project_id"`
	// Type is the registered worker implementation tag.
	Type string `json:"type"`
	// Status is the current lifecycle state of the worker.
	Status WorkerStatus `json:"status"`
	// StartedAt is when the worker was launched.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the worker stopped, if it has.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// LastHeartbeat is the most recent liveness timestamp. It is refreshed
	// by every event the worker emits.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// LastError is the most recent error recorded for this worker.
	LastError string `json:"last_error,omitempty"`
	// MessagesProcessed counts messages the worker has handled.
	MessagesProcessed int `json:"messages_processed"`
	// TasksCompleted counts tasks the worker has reported complete.
	TasksCompleted int `json:"tasks_completed"`
	// ErrorCount counts errors the worker has emitted.
	ErrorCount int `json:"error_count"`
	// Logs holds the most recent log lines (bounded).
	Logs []string `json:"logs,omitempty"`
	// Errors holds the most recent error messages (bounded).
	Errors []string `json:"errors,omitempty"`
}

// Key returns the worker's registry key.
func (w *Worker) Key() WorkerKey {
	return WorkerKey{ProjectID: w.ProjectID, WorkerType: w.Type}
}
