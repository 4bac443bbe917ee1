package board

import (
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/flowdeck/flowdeck/internal/relayprotocol"
)

// stageMarkerRegex matches the legacy "Stage: X" convention embedded in
// free-text current_step fields by older runners.
var stageMarkerRegex = regexp.MustCompile(`(?i)stage:\s*([a-z_]+)`)

// Sequencer advances task stages as workflow events arrive. Progression is
// monotonic within a run's pipeline: a task observed at pipeline index i
// never moves to a lower index, except for the terminal errored transition
// which is reachable from any stage.
type Sequencer struct {
	logCap int
	now    func() time.Time
}

// NewSequencer creates a Sequencer with the given per-task log cap.
func NewSequencer(logCap int) *Sequencer {
	if logCap <= 0 {
		logCap = DefaultLogCap
	}
	return &Sequencer{logCap: logCap, now: time.Now}
}

// Apply folds one event into the task. Malformed events are logged and
// discarded; Apply never panics and never leaves the stage corrupted.
// It returns true when the task changed and should be re-persisted.
func (s *Sequencer) Apply(task *Task, msgType string, ev *relayprotocol.Event) bool {
	if task == nil || ev == nil {
		return false
	}
	if ev.AdwID == "" {
		log.Printf("sequencer: event without adw_id, dropping")
		return false
	}

	switch msgType {
	case relayprotocol.TypeStatusUpdate:
		return s.applyStatus(task, ev)
	case relayprotocol.TypeWorkflowLog:
		return s.applyLog(task, ev)
	case relayprotocol.TypeTriggerResponse:
		s.appendMessage(task, relayprotocol.LevelInfo, ev)
		s.touchProgress(task, ev)
		return true
	case relayprotocol.TypeError:
		s.appendMessage(task, relayprotocol.LevelError, ev)
		s.touchProgress(task, ev)
		return true
	default:
		log.Printf("sequencer: unhandled message type %q, dropping", msgType)
		return false
	}
}

func (s *Sequencer) applyStatus(task *Task, ev *relayprotocol.Event) bool {
	s.touchProgress(task, ev)
	s.appendMessage(task, relayprotocol.LevelInfo, ev)

	// failed is the sole regression-like transition: a terminal branch
	// reachable from any stage.
	if ev.Status == relayprotocol.StatusFailed {
		task.Stage = StageErrored
		s.markCompleted(task)
		return true
	}

	// errored is terminal for automatic transitions; only explicit user
	// action moves a task out of it.
	if task.Stage == StageErrored {
		return true
	}

	if ev.Status == relayprotocol.StatusStarted {
		if task.Metadata == nil {
			task.Metadata = &WorkflowMetadata{Name: ev.WorkflowName}
		}
		if task.Metadata.StartedAt == nil {
			startedAt := s.now()
			task.Metadata.StartedAt = &startedAt
		}
		// Immediate visual feedback: jump from backlog to the pipeline's
		// first stage instead of waiting for the next transition.
		if task.Stage == StageBacklog && len(task.Pipeline) > 0 {
			task.Stage = task.Pipeline.First()
		}
	}

	if target, ok := s.targetStage(ev); ok {
		s.advanceTo(task, target)
	}

	if ev.Status == relayprotocol.StatusCompleted {
		if next := task.Pipeline.Successor(task.Stage); next != "" {
			task.Stage = next
		}
		// At the pipeline's last stage the task stays put, marked complete.
		s.markCompleted(task)
	}

	return true
}

// targetStage extracts an explicit stage transition from the event: the
// first-class stage field when present, the legacy "Stage: X" marker in
// current_step otherwise. Stage names match case-insensitively; the marker
// convention is prose and producers capitalize it freely.
func (s *Sequencer) targetStage(ev *relayprotocol.Event) (Stage, bool) {
	name := ev.Stage
	if name == "" {
		m := stageMarkerRegex.FindStringSubmatch(ev.CurrentStep)
		if m == nil {
			return "", false
		}
		name = m[1]
	}

	stage, ok := stageTokens[strings.ToLower(name)]
	if !ok {
		log.Printf("sequencer: unknown stage marker %q in %q, ignoring", name, ev.CurrentStep)
		return "", false
	}
	return stage, true
}

// advanceTo moves the task to target only if target's pipeline index is at
// or past the current one. Stale replays of earlier stages are ignored.
func (s *Sequencer) advanceTo(task *Task, target Stage) {
	targetIdx := task.Pipeline.Index(target)
	if targetIdx < 0 {
		log.Printf("sequencer: stage %q not in pipeline %s for task %s, ignoring", target, task.Pipeline, task.ID)
		return
	}
	if targetIdx < task.StageIndex() {
		return
	}
	task.Stage = target
}

func (s *Sequencer) applyLog(task *Task, ev *relayprotocol.Event) bool {
	level := ev.Level
	if level == "" {
		level = relayprotocol.LevelInfo
	}
	s.appendMessage(task, level, ev)
	s.touchProgress(task, ev)
	return true
}

func (s *Sequencer) appendMessage(task *Task, level string, ev *relayprotocol.Event) {
	if ev.Message == "" {
		return
	}
	if ev.Level != "" {
		level = ev.Level
	}
	task.AppendLog(LogEntry{
		Timestamp: s.eventTime(ev),
		Level:     level,
		Message:   ev.Message,
	}, s.logCap)
}

func (s *Sequencer) touchProgress(task *Task, ev *relayprotocol.Event) {
	if task.Progress == nil {
		task.Progress = &WorkflowProgress{}
	}
	if ev.ProgressPercent != nil {
		task.Progress.Percent = clampPercent(*ev.ProgressPercent)
	}
	if ev.CurrentStep != "" {
		task.Progress.CurrentStep = ev.CurrentStep
	}
	if ev.Status != "" {
		task.Progress.Status = ev.Status
	}
	task.Progress.LastUpdated = s.eventTime(ev)
}

func (s *Sequencer) markCompleted(task *Task) {
	if task.Metadata == nil {
		task.Metadata = &WorkflowMetadata{}
	}
	if task.Metadata.CompletedAt == nil {
		completedAt := s.now()
		task.Metadata.CompletedAt = &completedAt
	}
}

// eventTime prefers the producer's timestamp, falling back to local time
// when it is absent or unparseable.
func (s *Sequencer) eventTime(ev *relayprotocol.Event) time.Time {
	if ev.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, ev.Timestamp); err == nil {
			return ts
		}
	}
	return s.now()
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
