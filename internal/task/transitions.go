package task

import "foreman/pkg/models"

// transitions is the exhaustive status transition table. A status may only
// be replaced by one of the statuses listed for it here. Completed is
// terminal; failed may be retried via pending or planning.
var transitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusPending: {
		models.TaskStatusPlanning,
		models.TaskStatusInProgress,
		models.TaskStatusBlocked,
		models.TaskStatusFailed,
	},
	models.TaskStatusPlanning: {
		models.TaskStatusInProgress,
		models.TaskStatusBlocked,
		models.TaskStatusFailed,
		models.TaskStatusPending,
	},
	models.TaskStatusInProgress: {
		models.TaskStatusReview,
		models.TaskStatusTesting,
		models.TaskStatusBlocked,
		models.TaskStatusFailed,
		models.TaskStatusCompleted,
	},
	models.TaskStatusReview: {
		models.TaskStatusInProgress,
		models.TaskStatusTesting,
		models.TaskStatusBlocked,
		models.TaskStatusFailed,
	},
	models.TaskStatusTesting: {
		models.TaskStatusInProgress,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusBlocked,
	},
	models.TaskStatusBlocked: {
		models.TaskStatusPending,
		models.TaskStatusPlanning,
		models.TaskStatusInProgress,
		models.TaskStatusFailed,
	},
	models.TaskStatusCompleted: {},
	models.TaskStatusFailed: {
		models.TaskStatusPending,
		models.TaskStatusPlanning,
	},
}

// CanTransition returns true if the transition table allows moving a task
// from one status to another.
func CanTransition(from, to models.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from the given status.
func AllowedTransitions(from models.TaskStatus) []models.TaskStatus {
	return append([]models.TaskStatus(nil), transitions[from]...)
}
