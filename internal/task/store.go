// Package task implements the in-memory task store and its status state
// machine. The store owns all task entities; every read hands out clones
// so callers can never mutate store state directly.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/models"
)

// ErrInvalidTransition indicates a status change not allowed by the
// transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrTaskNotFound indicates an unknown task ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrBlockerNotFound indicates an unknown blocker ID.
var ErrBlockerNotFound = errors.New("blocker not found")

// defaultHistoryCap bounds each task's history log.
const defaultHistoryCap = 100

// Metrics holds aggregate counters for the store.
type Metrics struct {
	// TotalCreated is the number of tasks ever created.
	TotalCreated int `json:"total_created"`
	// TotalCompleted is the number of tasks that reached completed.
	TotalCompleted int `json:"total_completed"`
	// TotalFailed is the number of times a task entered failed.
	TotalFailed int `json:"total_failed"`
	// AverageCompletion is the running mean of actual task durations,
	// updated incrementally as tasks complete.
	AverageCompletion time.Duration `json:"average_completion"`
}

// Mutation describes a store mutation for observers (dashboards,
// notifications). The task is a clone taken after the mutation applied.
type Mutation struct {
	// Op is the operation: created, status, assigned, blocker_added, blocker_removed.
	Op string
	// Task is a snapshot of the task after the mutation.
	Task models.Task
}

// CreateSpec holds the caller-supplied fields for a new task.
type CreateSpec struct {
	ProjectID    string
	Title        string
	Description  string
	Priority     models.TaskPriority
	Dependencies []string
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers a callback invoked after every mutation.
// The callback runs outside the store lock.
func WithObserver(fn func(Mutation)) Option {
	return func(s *Store) { s.observer = fn }
}

// WithHistoryCap overrides the per-task history bound.
func WithHistoryCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyCap = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the in-memory task store. It is an explicit value owned by the
// composing application and passed by handle into every operation; there
// is no package-level instance.
type Store struct {
	mu sync.RWMutex
	// tasks maps task ID to the store-owned task.
	tasks map[string]*models.Task
	// byWorker indexes task IDs by assigned worker key.
	byWorker map[string]map[string]struct{}
	// metrics holds the aggregate counters.
	metrics Metrics

	historyCap int
	observer   func(Mutation)
	now        func() time.Time
}

// NewStore creates an empty task store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		tasks:      make(map[string]*models.Task),
		byWorker:   make(map[string]map[string]struct{}),
		historyCap: defaultHistoryCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create adds a new task in status pending. Dependencies are copied from
// the spec with duplicates removed. Create always succeeds.
func (s *Store) Create(spec CreateSpec) *models.Task {
	s.mu.Lock()

	now := s.now()
	priority := spec.Priority
	if !priority.Valid() {
		priority = models.TaskPriorityNormal
	}

	t := &models.Task{
		ID:           uuid.New().String(),
		ProjectID:    spec.ProjectID,
		Title:        spec.Title,
		Description:  spec.Description,
		Status:       models.TaskStatusPending,
		Priority:     priority,
		Dependencies: dedupe(spec.Dependencies),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.appendHistory(t, "created", spec.Title)
	s.tasks[t.ID] = t
	s.metrics.TotalCreated++

	snapshot := t.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Op: "created", Task: *snapshot})
	return snapshot
}

// UpdateStatus replaces the task's status after validating the transition
// against the table. On violation the task is left unchanged and
// ErrInvalidTransition is returned. Entering in_progress for the first
// time stamps StartedAt; entering completed stamps CompletedAt, computes
// the actual duration and updates the running average; entering failed
// increments the failure counter. A history entry is always appended on
// success.
func (s *Store) UpdateStatus(taskID string, newStatus models.TaskStatus, detail string) error {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update status %s: %w", taskID, ErrTaskNotFound)
	}
	if err := s.applyStatusLocked(t, newStatus, detail); err != nil {
		s.mu.Unlock()
		return err
	}

	snapshot := t.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Op: "status", Task: *snapshot})
	return nil
}

// applyStatusLocked performs a validated status transition. The caller
// must hold the write lock.
func (s *Store) applyStatusLocked(t *models.Task, newStatus models.TaskStatus, detail string) error {
	if !newStatus.Valid() {
		return fmt.Errorf("task %s: status %q: %w", t.ID, newStatus, ErrInvalidTransition)
	}
	if !CanTransition(t.Status, newStatus) {
		return fmt.Errorf("task %s: %s -> %s: %w", t.ID, t.Status, newStatus, ErrInvalidTransition)
	}

	now := s.now()
	t.Status = newStatus
	t.UpdatedAt = now

	switch newStatus {
	case models.TaskStatusInProgress:
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case models.TaskStatusCompleted:
		completed := now
		t.CompletedAt = &completed
		if t.StartedAt != nil {
			t.ActualDuration = completed.Sub(*t.StartedAt)
		}
		s.metrics.TotalCompleted++
		// Incremental running mean: newAvg = oldAvg + (actual-oldAvg)/n.
		n := time.Duration(s.metrics.TotalCompleted)
		s.metrics.AverageCompletion += (t.ActualDuration - s.metrics.AverageCompletion) / n
	case models.TaskStatusFailed:
		s.metrics.TotalFailed++
	}

	s.appendHistory(t, "status:"+string(newStatus), detail)
	return nil
}

// Assign updates the task's assigned worker and maintains the
// worker-to-tasks index. An empty worker key clears the assignment.
// Assign always succeeds if the task exists.
func (s *Store) Assign(taskID, workerKey string) error {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("assign %s: %w", taskID, ErrTaskNotFound)
	}

	if prev := t.AssignedWorker; prev != "" {
		delete(s.byWorker[prev], taskID)
		if len(s.byWorker[prev]) == 0 {
			delete(s.byWorker, prev)
		}
	}
	t.AssignedWorker = workerKey
	t.UpdatedAt = s.now()
	if workerKey != "" {
		if s.byWorker[workerKey] == nil {
			s.byWorker[workerKey] = make(map[string]struct{})
		}
		s.byWorker[workerKey][taskID] = struct{}{}
	}
	s.appendHistory(t, "assigned", workerKey)

	snapshot := t.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Op: "assigned", Task: *snapshot})
	return nil
}

// AddBlocker appends a blocker to the task. If the task is not already
// blocked it is forced into blocked through the same validated transition
// path; if that transition is not allowed the task is left unchanged.
func (s *Store) AddBlocker(taskID string, b models.Blocker) (models.Blocker, error) {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return models.Blocker{}, fmt.Errorf("add blocker %s: %w", taskID, ErrTaskNotFound)
	}

	if t.Status != models.TaskStatusBlocked {
		if err := s.applyStatusLocked(t, models.TaskStatusBlocked, b.Description); err != nil {
			s.mu.Unlock()
			return models.Blocker{}, err
		}
	}

	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	t.Blockers = append(t.Blockers, b)
	t.UpdatedAt = s.now()
	s.appendHistory(t, "blocker_added", b.Description)

	snapshot := t.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Op: "blocker_added", Task: *snapshot})
	return b, nil
}

// RemoveBlocker removes the blocker from the task. When the last blocker
// is removed from a blocked task, the task transitions back to
// in_progress if it had previously started, otherwise to pending.
func (s *Store) RemoveBlocker(taskID, blockerID string) error {
	s.mu.Lock()

	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove blocker %s: %w", taskID, ErrTaskNotFound)
	}

	idx := -1
	for i, b := range t.Blockers {
		if b.ID == blockerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("task %s: blocker %s: %w", taskID, blockerID, ErrBlockerNotFound)
	}

	removed := t.Blockers[idx]
	t.Blockers = append(t.Blockers[:idx], t.Blockers[idx+1:]...)
	t.UpdatedAt = s.now()
	s.appendHistory(t, "blocker_removed", removed.Description)

	if len(t.Blockers) == 0 && t.Status == models.TaskStatusBlocked {
		target := models.TaskStatusPending
		if t.StartedAt != nil {
			target = models.TaskStatusInProgress
		}
		if err := s.applyStatusLocked(t, target, "all blockers cleared"); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	snapshot := t.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Op: "blocker_removed", Task: *snapshot})
	return nil
}

// CanStart reports whether every dependency of the task is completed.
// A task with no dependencies is trivially startable. A dependency that
// does not exist in the store counts as not completed.
func (s *Store) CanStart(taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("can start %s: %w", taskID, ErrTaskNotFound)
	}
	for _, depID := range t.Dependencies {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != models.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Get returns a clone of the task.
func (s *Store) Get(taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", taskID, ErrTaskNotFound)
	}
	return t.Clone(), nil
}

// TasksByStatus returns clones of all tasks with the given status.
func (s *Store) TasksByStatus(status models.TaskStatus) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out
}

// TasksByWorker returns clones of all tasks assigned to the worker key.
func (s *Store) TasksByWorker(workerKey string) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.byWorker[workerKey]))
	for id := range s.byWorker[workerKey] {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// ProjectTasks returns clones of all tasks belonging to the project.
func (s *Store) ProjectTasks(projectID string) []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t.Clone())
		}
	}
	return out
}

// All returns clones of every task in the store.
func (s *Store) All() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Metrics returns a copy of the aggregate counters.
func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// Restore inserts a previously persisted task as-is, bypassing the
// transition table. Used only when loading a snapshot.
func (s *Store) Restore(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := t.Clone()
	s.tasks[c.ID] = c
	if c.AssignedWorker != "" {
		if s.byWorker[c.AssignedWorker] == nil {
			s.byWorker[c.AssignedWorker] = make(map[string]struct{})
		}
		s.byWorker[c.AssignedWorker][c.ID] = struct{}{}
	}
}

// RestoreMetrics replaces the aggregate counters. Used only when loading
// a snapshot.
func (s *Store) RestoreMetrics(m Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// appendHistory appends a history entry, dropping the oldest entry once
// the cap is reached. The caller must hold the write lock.
func (s *Store) appendHistory(t *models.Task, action, detail string) {
	entry := models.HistoryEntry{Action: action, Detail: detail, Timestamp: s.now()}
	if len(t.History) >= s.historyCap {
		t.History = append(t.History[1:], entry)
		return
	}
	t.History = append(t.History, entry)
}

// notify invokes the observer, if any. Runs outside the store lock.
func (s *Store) notify(m Mutation) {
	if s.observer != nil {
		s.observer(m)
	}
}

// dedupe returns a copy of ids with duplicates removed, preserving order.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
