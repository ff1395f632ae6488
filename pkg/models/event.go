package models

import "time"

// EventType is the kind of domain event a worker or the supervisor emits.
// The set is closed: the supervisor forwards exactly these variants and
// never interprets their payloads.
type EventType string

const (
	// EventLog is a free-form log line from a worker.
	EventLog EventType = "log"
	// EventStatusUpdate reports a change in what the worker is doing.
	EventStatusUpdate EventType = "status_update"
	// EventTaskCompleted reports a task the worker finished.
	EventTaskCompleted EventType = "task_completed"
	// EventMessageProcessed reports a bus message the worker handled.
	EventMessageProcessed EventType = "message_processed"
	// EventError reports an error inside the worker.
	EventError EventType = "error"
	// EventThought carries a free-form reasoning trace.
	EventThought EventType = "thought"
	// EventDecision reports a decision the worker made.
	EventDecision EventType = "decision"
	// EventPlanning reports planning activity.
	EventPlanning EventType = "planning"
	// EventFileOperation reports a file the worker read or wrote.
	EventFileOperation EventType = "file_operation"
	// EventTaskStateChange reports a task status transition the worker observed.
	EventTaskStateChange EventType = "task_state_change"
	// EventOutboundMessage reports a message the worker sent.
	EventOutboundMessage EventType = "outbound_message"
	// EventTestExecution reports a test run the worker performed.
	EventTestExecution EventType = "test_execution"
	// EventCodeReview reports review activity.
	EventCodeReview EventType = "code_review"

	// EventWorkerLaunched is emitted by the supervisor when a worker is registered.
	EventWorkerLaunched EventType = "worker_launched"
	// EventWorkerStopped is emitted by the supervisor when a worker stops.
	EventWorkerStopped EventType = "worker_stopped"
)

// WorkerEventTypes is the closed set of events a worker may emit.
// Supervisor lifecycle events are not included.
var WorkerEventTypes = []EventType{
	EventLog, EventStatusUpdate, EventTaskCompleted, EventMessageProcessed,
	EventError, EventThought, EventDecision, EventPlanning,
	EventFileOperation, EventTaskStateChange, EventOutboundMessage,
	EventTestExecution, EventCodeReview,
}

// Valid returns true if the type is a known worker or supervisor event.
func (t EventType) Valid() bool {
	switch t {
	case EventWorkerLaunched, EventWorkerStopped:
		return true
	}
	for _, wt := range WorkerEventTypes {
		if t == wt {
			return true
		}
	}
	return false
}

// Event is a domain event on the supervisor's aggregated outbound stream.
// Workers fill Type, Message and Payload; the supervisor stamps WorkerID,
// ProjectID, WorkerType and Timestamp before re-emitting and relays the
// payload unmodified.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// WorkerID is the emitting worker's instance ID.
	WorkerID string `json:"worker_id,omitempty"`
	// ProjectID is the emitting worker's project.
	ProjectID string `json:"project_id,omitempty"`
	// WorkerType is the emitting worker's registered type tag.
	WorkerType string `json:"worker_type,omitempty"`
	// Message is a human-readable summary.
	Message string `json:"message,omitempty"`
	// Payload is event-specific data, relayed unmodified.
	Payload any `json:"payload,omitempty"`
	// Err holds error detail for error events.
	Err string `json:"error,omitempty"`
	// Timestamp is when the event was forwarded.
	Timestamp time.Time `json:"timestamp"`
}
