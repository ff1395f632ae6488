package state

import (
	"path/filepath"
	"testing"

	"foreman/internal/task"
	"foreman/pkg/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)

	store := task.NewStore()
	dep := store.Create(task.CreateSpec{ProjectID: "p1", Title: "set up schema"})
	created := store.Create(task.CreateSpec{
		ProjectID:    "p1",
		Title:        "implement endpoint",
		Description:  "wire the handler into the router",
		Priority:     models.TaskPriorityHigh,
		Dependencies: []string{dep.ID},
	})

	if err := store.UpdateStatus(dep.ID, models.TaskStatusInProgress, "picked up"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.UpdateStatus(dep.ID, models.TaskStatusCompleted, "done"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.Assign(created.ID, "p1/builder"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := store.AddBlocker(created.ID, models.Blocker{
		Description: "waiting on credentials",
		Kind:        "external",
	}); err != nil {
		t.Fatalf("AddBlocker: %v", err)
	}

	if err := db.SaveSnapshot(store); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	restored := task.NewStore()
	n, err := db.LoadSnapshot(restored)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d tasks, want 2", n)
	}

	got, err := restored.Get(created.ID)
	if err != nil {
		t.Fatalf("Get restored task: %v", err)
	}
	if got.Title != "implement endpoint" || got.Description == "" {
		t.Errorf("task fields lost: %+v", got)
	}
	if got.Status != models.TaskStatusBlocked {
		t.Errorf("status = %s, want blocked", got.Status)
	}
	if got.Priority != models.TaskPriorityHigh {
		t.Errorf("priority = %s, want high", got.Priority)
	}
	if got.AssignedWorker != "p1/builder" {
		t.Errorf("assigned worker = %q", got.AssignedWorker)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != dep.ID {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
	if len(got.Blockers) != 1 || got.Blockers[0].Description != "waiting on credentials" {
		t.Errorf("blockers = %v", got.Blockers)
	}
	if len(got.History) == 0 {
		t.Error("history lost in round trip")
	}

	// The worker index is rebuilt from restored tasks.
	if byWorker := restored.TasksByWorker("p1/builder"); len(byWorker) != 1 {
		t.Errorf("TasksByWorker after restore = %d tasks, want 1", len(byWorker))
	}

	completed, err := restored.Get(dep.ID)
	if err != nil {
		t.Fatalf("Get completed task: %v", err)
	}
	if completed.Status != models.TaskStatusCompleted {
		t.Errorf("completed status = %s", completed.Status)
	}
	if completed.StartedAt == nil || completed.CompletedAt == nil {
		t.Error("timestamps lost in round trip")
	}

	metrics := restored.Metrics()
	if metrics.TotalCreated != 2 || metrics.TotalCompleted != 1 {
		t.Errorf("metrics = %+v", metrics)
	}
}

func TestSaveSnapshotReplacesPrevious(t *testing.T) {
	db := openTestDB(t)

	store := task.NewStore()
	old := store.Create(task.CreateSpec{Title: "will be superseded"})
	if err := db.SaveSnapshot(store); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// A second snapshot from a different store fully replaces the first.
	next := task.NewStore()
	kept := next.Create(task.CreateSpec{Title: "current"})
	if err := db.SaveSnapshot(next); err != nil {
		t.Fatalf("second SaveSnapshot: %v", err)
	}

	restored := task.NewStore()
	n, err := db.LoadSnapshot(restored)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d tasks, want 1", n)
	}
	if _, err := restored.Get(old.ID); err == nil {
		t.Error("superseded task survived the snapshot replace")
	}
	if _, err := restored.Get(kept.ID); err != nil {
		t.Errorf("current task missing: %v", err)
	}
}

func TestLoadSnapshotEmptyDB(t *testing.T) {
	db := openTestDB(t)
	store := task.NewStore()
	n, err := db.LoadSnapshot(store)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if n != 0 {
		t.Errorf("restored %d tasks from empty db", n)
	}
}

func TestSnapshotPreservesDurations(t *testing.T) {
	db := openTestDB(t)

	store := task.NewStore()
	created := store.Create(task.CreateSpec{Title: "timed"})
	if err := store.UpdateStatus(created.ID, models.TaskStatusInProgress, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.UpdateStatus(created.ID, models.TaskStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	if err := db.SaveSnapshot(store); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	restored := task.NewStore()
	if _, err := db.LoadSnapshot(restored); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got, err := restored.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want, _ := store.Get(created.ID)
	if got.ActualDuration != want.ActualDuration {
		t.Errorf("ActualDuration = %v, want %v", got.ActualDuration, want.ActualDuration)
	}
	if restored.Metrics().AverageCompletion != store.Metrics().AverageCompletion {
		t.Errorf("AverageCompletion = %v, want %v",
			restored.Metrics().AverageCompletion, store.Metrics().AverageCompletion)
	}

	// Round-trip keeps wall-clock fields to nanosecond precision.
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
}
