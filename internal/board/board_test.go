package board

import "testing"

func newTestBoard() *Board {
	return New(NewPipelineSet(), DefaultLogCap)
}

func TestBoard_AttachRunAndResolve(t *testing.T) {
	b := newTestBoard()
	b.Put(&Task{ID: "T1", Title: "Add validators"})

	if err := b.AttachRun("T1", "adw-8f31", "adw_plan_build_iso"); err != nil {
		t.Fatal(err)
	}

	task := b.ResolveRun("adw-8f31")
	if task == nil {
		t.Fatal("ResolveRun returned nil for an attached run")
	}
	if task.ID != "T1" {
		t.Errorf("resolved task %q, want T1", task.ID)
	}
	if len(task.Pipeline) != 2 {
		t.Errorf("pipeline = %v, want [plan build]", task.Pipeline)
	}
	if task.Metadata == nil || task.Metadata.Name != "adw_plan_build_iso" {
		t.Error("workflow metadata not recorded on attach")
	}
}

func TestBoard_AttachRunSetOnce(t *testing.T) {
	b := newTestBoard()
	b.Put(&Task{ID: "T1"})

	if err := b.AttachRun("T1", "adw-1", "adw_plan_iso"); err != nil {
		t.Fatal(err)
	}
	if err := b.AttachRun("T1", "adw-2", "adw_build_iso"); err == nil {
		t.Error("second run association must be rejected")
	}
	// Re-attaching the same run is a no-op, not an error.
	if err := b.AttachRun("T1", "adw-1", "adw_plan_iso"); err != nil {
		t.Errorf("idempotent re-attach failed: %v", err)
	}
}

func TestBoard_AttachRunUnparseableName(t *testing.T) {
	b := newTestBoard()
	b.Put(&Task{ID: "T1"})

	if err := b.AttachRun("T1", "adw-1", "adw_mystery_iso"); err != nil {
		t.Fatalf("unparseable name must not fail the attach: %v", err)
	}

	task := b.Get("T1")
	if task.Stage != StageBacklog {
		t.Errorf("task stage = %q, want backlog when pipeline cannot be derived", task.Stage)
	}
	if b.ResolveRun("adw-1") == nil {
		t.Error("run must still resolve so failure events reach the task")
	}
}

func TestBoard_ResolveRunMiss(t *testing.T) {
	b := newTestBoard()
	b.Put(&Task{ID: "T1"})
	if err := b.AttachRun("T1", "adw-1", "adw_plan_iso"); err != nil {
		t.Fatal(err)
	}

	before := b.Get("T1").Stage
	if got := b.ResolveRun("unknown-xyz"); got != nil {
		t.Errorf("ResolveRun(unknown) = %v, want nil", got)
	}
	if b.Get("T1").Stage != before {
		t.Error("a resolution miss must not mutate any task")
	}
}

func TestBoard_RemoveClearsRunIndex(t *testing.T) {
	b := newTestBoard()
	b.Put(&Task{ID: "T1"})
	if err := b.AttachRun("T1", "adw-1", "adw_plan_iso"); err != nil {
		t.Fatal(err)
	}

	b.Remove("T1")
	if b.Get("T1") != nil {
		t.Error("task still present after Remove")
	}
	if b.ResolveRun("adw-1") != nil {
		t.Error("run index entry still present after Remove")
	}
}

func TestBoard_MutateRunSnapshots(t *testing.T) {
	b := newTestBoard()
	b.Put(&Task{ID: "T1"})
	if err := b.AttachRun("T1", "adw-1", "adw_plan_iso"); err != nil {
		t.Fatal(err)
	}

	snap, changed := b.MutateRun("adw-1", func(task *Task) bool {
		task.Stage = StagePlan
		task.AppendLog(LogEntry{Message: "planning"}, DefaultLogCap)
		return true
	})
	if !changed {
		t.Fatal("MutateRun did not report the change")
	}
	if snap.Stage != StagePlan || len(snap.Logs) != 1 {
		t.Errorf("snapshot = %q/%d logs, want plan/1", snap.Stage, len(snap.Logs))
	}

	// The returned snapshot is detached from the live task.
	snap.Stage = StageErrored
	snap.Logs[0].Message = "tampered"
	got := b.Get("T1")
	if got.Stage != StagePlan {
		t.Errorf("board stage = %q after snapshot write, want plan", got.Stage)
	}
	if got.Logs[0].Message != "planning" {
		t.Errorf("board log = %q after snapshot write, want planning", got.Logs[0].Message)
	}

	if snap, changed := b.MutateRun("unknown-xyz", func(*Task) bool { return true }); snap != nil || changed {
		t.Error("MutateRun on an unknown run must return nil, false")
	}
}

func TestBoard_GetReturnsCopy(t *testing.T) {
	b := newTestBoard()
	b.Put(&Task{ID: "T1", Stage: StageBuild, Pipeline: Pipeline{StagePlan, StageBuild}})

	got := b.Get("T1")
	got.Stage = StageErrored
	got.Pipeline[0] = StageTest

	if b.Get("T1").Stage != StageBuild {
		t.Error("mutating a Get snapshot reached the board")
	}
	if b.Get("T1").Pipeline[0] != StagePlan {
		t.Error("mutating a snapshot's pipeline reached the board")
	}
}

func TestBoard_PutRestoredTaskReindexes(t *testing.T) {
	b := newTestBoard()
	// Simulates rehydration from a snapshot: the task arrives with its run
	// association and pipeline already set.
	b.Put(&Task{
		ID:       "T1",
		Stage:    StageBuild,
		AdwID:    "adw-1",
		Pipeline: Pipeline{StagePlan, StageBuild, StageTest},
	})

	if b.ResolveRun("adw-1") == nil {
		t.Error("restored task must resolve by run id without re-attaching")
	}
}
