package models

import (
	"testing"
	"time"
)

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusPlanning, TaskStatusInProgress,
		TaskStatusReview, TaskStatusTesting, TaskStatusBlocked,
		TaskStatusCompleted, TaskStatusFailed,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("status %q should be valid", s)
		}
	}

	invalid := []TaskStatus{"", "done", "cancelled", "PENDING"}
	for _, s := range invalid {
		if s.Valid() {
			t.Errorf("status %q should be invalid", s)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if !TaskStatusCompleted.Terminal() {
		t.Error("completed should be terminal")
	}
	// Failed has a retry path, so it is not terminal.
	if TaskStatusFailed.Terminal() {
		t.Error("failed should not be terminal")
	}
	if TaskStatusInProgress.Terminal() {
		t.Error("in_progress should not be terminal")
	}
}

func TestTaskPriorityValid(t *testing.T) {
	for _, p := range []TaskPriority{TaskPriorityCritical, TaskPriorityHigh, TaskPriorityNormal, TaskPriorityLow} {
		if !p.Valid() {
			t.Errorf("priority %q should be valid", p)
		}
	}
	if TaskPriority("urgent").Valid() {
		t.Error("unknown priority should be invalid")
	}
}

func TestTaskClone(t *testing.T) {
	started := time.Now()
	orig := &Task{
		ID:           "t1",
		Title:        "Build X",
		Status:       TaskStatusInProgress,
		Dependencies: []string{"t0"},
		StartedAt:    &started,
		Blockers:     []Blocker{{ID: "b1", Description: "waiting"}},
		History:      []HistoryEntry{{Action: "created"}},
	}

	c := orig.Clone()

	c.Dependencies[0] = "changed"
	c.Blockers[0].ID = "changed"
	c.History[0].Action = "changed"
	*c.StartedAt = started.Add(time.Hour)

	if orig.Dependencies[0] != "t0" {
		t.Error("clone shares dependencies slice")
	}
	if orig.Blockers[0].ID != "b1" {
		t.Error("clone shares blockers slice")
	}
	if orig.History[0].Action != "created" {
		t.Error("clone shares history slice")
	}
	if !orig.StartedAt.Equal(started) {
		t.Error("clone shares StartedAt pointer")
	}
}
