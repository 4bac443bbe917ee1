// Package board holds the dashboard-side task model and the reducer that
// folds workflow events into it: run-to-task resolution, pipeline
// derivation, and monotonic stage progression.
package board

import "time"

// Stage is a column on the dashboard.
type Stage string

const (
	StageBacklog      Stage = "backlog"
	StagePlan         Stage = "plan"
	StageBuild        Stage = "build"
	StageTest         Stage = "test"
	StageReview       Stage = "review"
	StageDocument     Stage = "document"
	StageErrored      Stage = "errored"
	StageReadyToMerge Stage = "ready_to_merge"
)

// DefaultLogCap bounds a task's retained log tail.
const DefaultLogCap = 500

// WorkflowProgress is the last-known progress of a task's workflow run.
type WorkflowProgress struct {
	Percent     int
	CurrentStep string
	Status      string
	LastUpdated time.Time
}

// WorkflowMetadata describes the run associated with a task.
type WorkflowMetadata struct {
	Name        string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// LogEntry is one retained workflow log line.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// Task is a card on the board. AdwID is set at most once per lifecycle and
// is the sole join key between inbound events and tasks.
type Task struct {
	ID       string
	Title    string
	Stage    Stage
	AdwID    string
	Pipeline Pipeline
	Progress *WorkflowProgress
	Metadata *WorkflowMetadata
	Logs     []LogEntry
}

// Clone returns a deep copy of the task, safe to read or hand off outside
// the board's lock.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Pipeline = append(Pipeline(nil), t.Pipeline...)
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	if t.Metadata != nil {
		m := *t.Metadata
		if m.StartedAt != nil {
			ts := *m.StartedAt
			m.StartedAt = &ts
		}
		if m.CompletedAt != nil {
			ts := *m.CompletedAt
			m.CompletedAt = &ts
		}
		c.Metadata = &m
	}
	c.Logs = append([]LogEntry(nil), t.Logs...)
	return &c
}

// AppendLog adds an entry to the task's log tail, dropping the oldest
// entries first once cap is exceeded.
func (t *Task) AppendLog(entry LogEntry, cap int) {
	if cap <= 0 {
		cap = DefaultLogCap
	}
	t.Logs = append(t.Logs, entry)
	if len(t.Logs) > cap {
		t.Logs = t.Logs[len(t.Logs)-cap:]
	}
}

// StageIndex returns the task's position in its pipeline, or -1 if the
// current stage is not a pipeline stage (backlog, errored, ready_to_merge).
func (t *Task) StageIndex() int {
	return t.Pipeline.Index(t.Stage)
}
