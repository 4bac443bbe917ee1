// Package boardstore persists the dashboard view state so that task stages,
// workflow progress, metadata, and the recent log tail survive a full client
// restart without replaying any events. The dedup cache is deliberately
// outside this boundary.
package boardstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowdeck/flowdeck/internal/board"
)

// Store provides SQLite-backed snapshot persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertTask writes a task's snapshot fields. Logs are appended separately
// via AppendLog so every event does not rewrite the whole tail.
func (s *Store) UpsertTask(task *board.Task) error {
	pipelineJSON, err := json.Marshal(task.Pipeline)
	if err != nil {
		return err
	}

	var percent sql.NullInt64
	var currentStep, workflowStatus sql.NullString
	var progressUpdated sql.NullTime
	if task.Progress != nil {
		percent = sql.NullInt64{Int64: int64(task.Progress.Percent), Valid: true}
		currentStep = sql.NullString{String: task.Progress.CurrentStep, Valid: true}
		workflowStatus = sql.NullString{String: task.Progress.Status, Valid: true}
		progressUpdated = sql.NullTime{Time: task.Progress.LastUpdated, Valid: true}
	}

	var workflowName sql.NullString
	var startedAt, completedAt sql.NullTime
	if task.Metadata != nil {
		workflowName = sql.NullString{String: task.Metadata.Name, Valid: true}
		if task.Metadata.StartedAt != nil {
			startedAt = sql.NullTime{Time: *task.Metadata.StartedAt, Valid: true}
		}
		if task.Metadata.CompletedAt != nil {
			completedAt = sql.NullTime{Time: *task.Metadata.CompletedAt, Valid: true}
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, title, stage, adw_id, workflow_name, pipeline, progress_percent, current_step, workflow_status, progress_updated, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			stage = excluded.stage,
			adw_id = excluded.adw_id,
			workflow_name = excluded.workflow_name,
			pipeline = excluded.pipeline,
			progress_percent = excluded.progress_percent,
			current_step = excluded.current_step,
			workflow_status = excluded.workflow_status,
			progress_updated = excluded.progress_updated,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.Title,
		string(task.Stage),
		nullString(task.AdwID),
		workflowName,
		string(pipelineJSON),
		percent,
		currentStep,
		workflowStatus,
		progressUpdated,
		startedAt,
		completedAt,
		time.Now(),
	)
	return err
}

// GetTask retrieves a task snapshot by ID, including its log tail.
func (s *Store) GetTask(id string, logCap int) (*board.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, title, stage, adw_id, workflow_name, pipeline, progress_percent, current_step, workflow_status, progress_updated, started_at, completed_at
		FROM tasks WHERE id = ?
	`, id)

	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}

	task.Logs, err = s.loadLogs(task.ID, logCap)
	return task, err
}

// LoadAll reconstructs every task snapshot. The result is equivalent to the
// runtime state at the last mutation, with no events re-received.
func (s *Store) LoadAll(logCap int) ([]*board.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, title, stage, adw_id, workflow_name, pipeline, progress_percent, current_step, workflow_status, progress_updated, started_at, completed_at
		FROM tasks ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*board.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		task.Logs, err = s.loadLogs(task.ID, logCap)
		if err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// AppendLog persists one log entry for a task.
func (s *Store) AppendLog(taskID string, entry board.LogEntry) error {
	_, err := s.db.Exec(`INSERT INTO task_logs (task_id, ts, level, message) VALUES (?, ?, ?, ?)`,
		taskID, entry.Timestamp, entry.Level, entry.Message)
	return err
}

// PruneLogs drops a task's oldest log rows beyond cap.
func (s *Store) PruneLogs(taskID string, cap int) error {
	if cap <= 0 {
		cap = board.DefaultLogCap
	}
	_, err := s.db.Exec(`
		DELETE FROM task_logs WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?
		)
	`, taskID, taskID, cap)
	return err
}

// PruneAllLogs applies the log cap to every task. Run from maintenance.
func (s *Store) PruneAllLogs(cap int) error {
	rows, err := s.db.Query(`SELECT DISTINCT task_id FROM task_logs`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := s.PruneLogs(id, cap); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTask garbage-collects a task's snapshot and logs together with the
// task itself.
func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *Store) loadLogs(taskID string, logCap int) ([]board.LogEntry, error) {
	if logCap <= 0 {
		logCap = board.DefaultLogCap
	}
	// Newest cap rows, returned oldest-first.
	rows, err := s.db.Query(`
		SELECT ts, level, message FROM (
			SELECT id, ts, level, message FROM task_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, taskID, logCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []board.LogEntry
	for rows.Next() {
		var entry board.LogEntry
		if err := rows.Scan(&entry.Timestamp, &entry.Level, &entry.Message); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*board.Task, error) {
	var task board.Task
	var stage string
	var adwID, workflowName, pipelineJSON, currentStep, workflowStatus sql.NullString
	var percent sql.NullInt64
	var progressUpdated, startedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.Title, &stage, &adwID, &workflowName, &pipelineJSON, &percent, &currentStep, &workflowStatus, &progressUpdated, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Stage = board.Stage(stage)
	if adwID.Valid {
		task.AdwID = adwID.String
	}

	if pipelineJSON.Valid && pipelineJSON.String != "" && pipelineJSON.String != "null" {
		if err := json.Unmarshal([]byte(pipelineJSON.String), &task.Pipeline); err != nil {
			return nil, fmt.Errorf("task %s: decoding pipeline: %w", task.ID, err)
		}
	}

	if percent.Valid || currentStep.Valid || workflowStatus.Valid {
		task.Progress = &board.WorkflowProgress{
			Percent:     int(percent.Int64),
			CurrentStep: currentStep.String,
			Status:      workflowStatus.String,
		}
		if progressUpdated.Valid {
			task.Progress.LastUpdated = progressUpdated.Time
		}
	}

	if workflowName.Valid || startedAt.Valid || completedAt.Valid {
		task.Metadata = &board.WorkflowMetadata{Name: workflowName.String}
		if startedAt.Valid {
			t := startedAt.Time
			task.Metadata.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			task.Metadata.CompletedAt = &t
		}
	}

	return &task, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
