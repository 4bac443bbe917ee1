package board

import (
	"fmt"
	"log"
	"sync"
)

// resolveMissSample bounds how many known run ids a miss warning lists.
const resolveMissSample = 10

// Board is the in-memory task set plus the run-id index used to resolve
// inbound events. The mutex guards task fields, not just the maps: all
// mutation happens under it (AttachRun, MutateRun) and every accessor
// returns deep-copied snapshots, so readers on other goroutines never see
// a half-applied event.
type Board struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	byRun  map[string]string
	logCap int
	ps     *PipelineSet
}

// New creates an empty Board using the given pipeline set and log cap.
func New(ps *PipelineSet, logCap int) *Board {
	if ps == nil {
		ps = NewPipelineSet()
	}
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	return &Board{
		tasks:  make(map[string]*Task),
		byRun:  make(map[string]string),
		logCap: logCap,
		ps:     ps,
	}
}

// LogCap returns the configured per-task log bound.
func (b *Board) LogCap() int {
	return b.logCap
}

// Put adds or replaces a task. A task restored with a run association is
// re-indexed so resolution works immediately after reload.
func (b *Board) Put(task *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if task.Stage == "" {
		task.Stage = StageBacklog
	}
	b.tasks[task.ID] = task
	if task.AdwID != "" {
		b.byRun[task.AdwID] = task.ID
	}
}

// Get returns a snapshot of a task by id, or nil. Mutating the snapshot
// does not affect the board; changes go through Put, AttachRun or
// MutateRun.
func (b *Board) Get(id string) *Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tasks[id].Clone()
}

// Remove deletes a task and its run index entry.
func (b *Board) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[id]
	if !ok {
		return
	}
	if task.AdwID != "" {
		delete(b.byRun, task.AdwID)
	}
	delete(b.tasks, id)
}

// Tasks returns snapshots of all tasks.
func (b *Board) Tasks() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// AttachRun associates a workflow run with a task and derives its pipeline.
// The association is set at most once per task lifecycle and must happen
// before the trigger request leaves the client, so early events resolve.
// An unparseable workflow name leaves the task in backlog with a warning
// rather than guessing a first stage.
func (b *Board) AttachRun(taskID, adwID, workflowName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if task.AdwID != "" && task.AdwID != adwID {
		return fmt.Errorf("task %s already bound to run %s", taskID, task.AdwID)
	}

	task.AdwID = adwID
	task.Metadata = &WorkflowMetadata{Name: workflowName}
	b.byRun[adwID] = taskID

	pipeline, err := b.ps.Derive(workflowName)
	if err != nil {
		log.Printf("board: cannot derive pipeline for %q, task %s stays in backlog: %v", workflowName, taskID, err)
		task.Pipeline = nil
		return nil
	}
	task.Pipeline = pipeline
	return nil
}

// ResolveRun finds the task owning a workflow run id and returns a
// snapshot. On a miss it logs a diagnostic including a bounded sample of
// known run ids and returns nil; the caller drops the event.
func (b *Board) ResolveRun(adwID string) *Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if taskID, ok := b.byRun[adwID]; ok {
		return b.tasks[taskID].Clone()
	}
	b.logResolveMiss(adwID)
	return nil
}

// MutateRun applies fn to the live task owning adwID while holding the
// write lock, so snapshot readers never observe a half-applied event. It
// returns a post-mutation snapshot and fn's result, or (nil, false) when
// the run is unknown (miss logged as in ResolveRun).
func (b *Board) MutateRun(adwID string, fn func(*Task) bool) (*Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	taskID, ok := b.byRun[adwID]
	if !ok {
		b.logResolveMiss(adwID)
		return nil, false
	}
	task := b.tasks[taskID]
	changed := fn(task)
	return task.Clone(), changed
}

// logResolveMiss is called with the mutex held in either mode.
func (b *Board) logResolveMiss(adwID string) {
	known := make([]string, 0, resolveMissSample)
	for id := range b.byRun {
		if len(known) == resolveMissSample {
			break
		}
		known = append(known, id)
	}
	log.Printf("board: no task for adw_id=%s (known runs: %d, sample: %v), dropping event", adwID, len(b.byRun), known)
}
