package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"foreman/internal/task"
	"foreman/pkg/models"
)

// SaveSnapshot replaces the persisted snapshot with the store's current
// tasks and metrics. The whole snapshot is written in one transaction so
// a crash mid-write never leaves a half-replaced state.
func (db *DB) SaveSnapshot(store *task.Store) error {
	tasks := store.All()
	metrics := store.Metrics()

	return db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM tasks"); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}

		for _, t := range tasks {
			if err := insertTask(tx, t); err != nil {
				return fmt.Errorf("persist task %s: %w", t.ID, err)
			}
		}

		_, err := tx.Exec(`
			INSERT INTO metrics (id, total_created, total_completed, total_failed, average_completion_ns)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				total_created = excluded.total_created,
				total_completed = excluded.total_completed,
				total_failed = excluded.total_failed,
				average_completion_ns = excluded.average_completion_ns
		`, metrics.TotalCreated, metrics.TotalCompleted, metrics.TotalFailed, int64(metrics.AverageCompletion))
		if err != nil {
			return fmt.Errorf("persist metrics: %w", err)
		}
		return nil
	})
}

// LoadSnapshot restores persisted tasks and metrics into the store.
// Returns the number of tasks restored.
func (db *DB) LoadSnapshot(store *task.Store) (int, error) {
	tasks, err := db.loadTasks()
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		store.Restore(t)
	}

	metrics, ok, err := db.loadMetrics()
	if err != nil {
		return 0, err
	}
	if ok {
		store.RestoreMetrics(metrics)
	}

	return len(tasks), nil
}

func insertTask(tx *sql.Tx, t *models.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	blockers, err := json.Marshal(t.Blockers)
	if err != nil {
		return fmt.Errorf("marshal blockers: %w", err)
	}
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO tasks (
			id, project_id, title, description, status, priority,
			assigned_worker, dependencies, created_at, updated_at,
			started_at, completed_at, actual_duration_ns, blockers, history
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.AssignedWorker, string(deps), formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
		int64(t.ActualDuration), string(blockers), string(history),
	)
	return err
}

func (db *DB) loadTasks() ([]*models.Task, error) {
	rows, err := db.Query(`
		SELECT id, project_id, title, description, status, priority,
			assigned_worker, dependencies, created_at, updated_at,
			started_at, completed_at, actual_duration_ns, blockers, history
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (*models.Task, error) {
	var (
		t                    models.Task
		status, priority     string
		deps, blockers, hist sql.NullString
		createdAt, updatedAt string
		startedAt, completed sql.NullString
		durationNS           int64
	)
	err := rows.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &priority,
		&t.AssignedWorker, &deps, &createdAt, &updatedAt,
		&startedAt, &completed, &durationNS, &blockers, &hist,
	)
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = models.TaskStatus(status)
	t.Priority = models.TaskPriority(priority)
	t.ActualDuration = time.Duration(durationNS)

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at for %s: %w", t.ID, err)
	}
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completed)

	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies for %s: %w", t.ID, err)
		}
	}
	if blockers.Valid && blockers.String != "" {
		if err := json.Unmarshal([]byte(blockers.String), &t.Blockers); err != nil {
			return nil, fmt.Errorf("unmarshal blockers for %s: %w", t.ID, err)
		}
	}
	if hist.Valid && hist.String != "" {
		if err := json.Unmarshal([]byte(hist.String), &t.History); err != nil {
			return nil, fmt.Errorf("unmarshal history for %s: %w", t.ID, err)
		}
	}

	return &t, nil
}

func (db *DB) loadMetrics() (task.Metrics, bool, error) {
	var (
		m          task.Metrics
		durationNS int64
	)
	row := db.QueryRow("SELECT total_created, total_completed, total_failed, average_completion_ns FROM metrics WHERE id = 1")
	err := row.Scan(&m.TotalCreated, &m.TotalCompleted, &m.TotalFailed, &durationNS)
	if err == sql.ErrNoRows {
		return task.Metrics{}, false, nil
	}
	if err != nil {
		return task.Metrics{}, false, fmt.Errorf("load metrics: %w", err)
	}
	m.AverageCompletion = time.Duration(durationNS)
	return m, true, nil
}
