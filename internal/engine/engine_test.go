package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"forge/internal/config"
	"forge/internal/llm"
	"forge/internal/sandbox"
	"forge/internal/store"
)

func newTestEngine(t *testing.T, cfg config.Config, turns ...llm.Turn) (*Engine, *llm.Mock, string, *store.Store) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.New(dir, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	sb, err := sandbox.New(dir, cfg.Sandbox, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mock := llm.NewMock(turns...)
	return New(cfg, mock, st, sb), mock, dir, st
}

const (
	specWithGate = `{"type":"SPECIFICATION","overview":"write a file","requirements":["out.txt must exist"],"gates":{"must_exist":["out.txt"]}}`
	approve      = `{"type":"REVIEW","status":"APPROVE","critique":"fine"}`
	reject       = `{"type":"REVIEW","status":"REJECT","critique":"not good enough"}`
	simplePlan   = `{"type":"PLAN","steps":["write out.txt"]}`
	goodPatch    = `{"type":"PATCH","files":[{"path":"out.txt","action":"write","content":"done"}]}`
)

func TestRun_HappyPathToDone(t *testing.T) {
	t.Parallel()

	eng, _, dir, _ := newTestEngine(t, config.Default(),
		llm.Text(specWithGate), // SPEC
		llm.Text(approve),      // SPEC_REVIEW
		llm.Text(simplePlan),   // PLAN
		llm.Text(goodPatch),    // PATCH
		llm.Text(approve),      // PATCH_REVIEW
		// TEST runs the declared gates, no model call.
	)

	packet := NewTaskPacket("write a file named out.txt", dir, nil, "task-1")
	if err := eng.Run(context.Background(), packet); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rc := eng.Context()
	if rc.Phase != PhaseDone || !rc.Success() {
		t.Fatalf("phase = %s, success = %v", rc.Phase, rc.Success())
	}
	if rc.RepairCount != 0 || rc.SpecRepairCount != 0 {
		t.Fatalf("unexpected repairs: %d/%d", rc.RepairCount, rc.SpecRepairCount)
	}
	if len(rc.Patches) != 1 || len(rc.TestReports) != 1 {
		t.Fatalf("patches = %d, reports = %d", len(rc.Patches), len(rc.TestReports))
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(data) != "done" {
		t.Fatalf("out.txt = %q, err = %v", data, err)
	}
}

func TestRun_GateFailureTriggersRepairCycle(t *testing.T) {
	t.Parallel()

	// The first patch satisfies the apply gates (its own file lands) but not
	// the acceptance gates, which also demand b.txt.
	spec := `{"type":"SPECIFICATION","requirements":["both files"],"gates":{"must_exist":["a.txt","b.txt"]}}`
	partial := `{"type":"PATCH","files":[{"path":"a.txt","action":"write","content":"a"}]}`
	complete := `{"type":"PATCH","files":[{"path":"a.txt","action":"write","content":"a"},{"path":"b.txt","action":"write","content":"b"}]}`

	eng, mock, dir, _ := newTestEngine(t, config.Default(),
		llm.Text(spec),       // SPEC
		llm.Text(approve),    // SPEC_REVIEW
		llm.Text(simplePlan), // PLAN
		llm.Text(partial),    // PATCH
		llm.Text(approve),    // PATCH_REVIEW (advisory)
		// TEST fails: b.txt missing.
		llm.Text(complete), // REPAIR_PATCH
		llm.Text(approve),  // PATCH_REVIEW after the repaired apply
		// TEST passes.
	)

	packet := NewTaskPacket("produce both files", dir, nil, "task-1")
	if err := eng.Run(context.Background(), packet); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rc := eng.Context()
	if rc.Phase != PhaseDone || rc.RepairCount != 1 {
		t.Fatalf("phase = %s, repairs = %d", rc.Phase, rc.RepairCount)
	}
	if len(rc.Patches) != 2 || len(rc.TestReports) != 2 {
		t.Fatalf("patches = %d, reports = %d", len(rc.Patches), len(rc.TestReports))
	}

	// The repair prompt must carry the failing test report, since the
	// advisory review had approved.
	repairReq := mock.Requests[5].User
	if !strings.Contains(repairReq, "TEST REPORT (FAILURE)") {
		t.Fatalf("repair prompt missing test failure: %q", repairReq)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.txt")); err != nil {
		t.Fatal("repaired patch did not land")
	}
}

func TestRun_ApplyViolationBecomesRejectionAndRepairs(t *testing.T) {
	t.Parallel()

	escaping := `{"type":"PATCH","files":[{"path":"../evil.txt","action":"write","content":"x"}]}`

	eng, mock, dir, _ := newTestEngine(t, config.Default(),
		llm.Text(specWithGate), // SPEC
		llm.Text(approve),      // SPEC_REVIEW
		llm.Text(simplePlan),   // PLAN
		llm.Text(escaping),     // PATCH: refused by validation
		// APPLY synthesizes a rejection, no model call.
		llm.Text(goodPatch), // REPAIR_PATCH
		llm.Text(approve),   // PATCH_REVIEW
		// TEST passes.
	)

	packet := NewTaskPacket("write a file named out.txt", dir, nil, "task-1")
	if err := eng.Run(context.Background(), packet); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rc := eng.Context()
	if rc.Phase != PhaseDone || rc.RepairCount != 1 {
		t.Fatalf("phase = %s, repairs = %d", rc.Phase, rc.RepairCount)
	}
	// The repair was routed through the synthesized rejection.
	repairReq := mock.Requests[4].User
	if !strings.Contains(repairReq, "APPLY_FAILURE") {
		t.Fatalf("repair prompt missing synthesized rejection: %q", repairReq)
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "evil.txt")); err == nil {
		t.Fatal("escaping patch must not land outside the workspace")
	}
}

func TestRun_SpecRepairBudgetExhausts(t *testing.T) {
	t.Parallel()

	spec := `{"type":"SPECIFICATION","requirements":["r"]}`

	eng, _, dir, _ := newTestEngine(t, config.Default(),
		llm.Text(spec),   // SPEC
		llm.Text(reject), // SPEC_REVIEW
		llm.Text(spec),   // SPEC_REPAIR 1
		llm.Text(reject), // SPEC_REVIEW
		llm.Text(spec),   // SPEC_REPAIR 2
		llm.Text(reject), // SPEC_REVIEW
		// SPEC_REPAIR: budget of 2 exhausted.
	)

	packet := NewTaskPacket("an objective the critic hates", dir, nil, "task-1")
	err := eng.Run(context.Background(), packet)
	if err == nil {
		t.Fatal("exhausted spec repairs must fail the run")
	}

	rc := eng.Context()
	if rc.Phase != PhaseFailed || rc.SpecRepairCount != 2 {
		t.Fatalf("phase = %s, spec repairs = %d", rc.Phase, rc.SpecRepairCount)
	}
	if rc.Success() {
		t.Fatal("failed run must not report success")
	}
}

func TestRun_RepairBudgetExhaustsToFailed(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Workflow.MaxRepairs = 0

	// The patch lands cleanly but never satisfies the acceptance gate.
	spec := `{"type":"SPECIFICATION","requirements":["r"],"gates":{"must_exist":["never-written.txt"]}}`

	eng, _, dir, _ := newTestEngine(t, cfg,
		llm.Text(spec),       // SPEC
		llm.Text(approve),    // SPEC_REVIEW
		llm.Text(simplePlan), // PLAN
		llm.Text(goodPatch),  // PATCH
		llm.Text(approve),    // PATCH_REVIEW
		// TEST fails with no repair budget left.
	)

	packet := NewTaskPacket("unsatisfiable", dir, nil, "task-1")
	if err := eng.Run(context.Background(), packet); err == nil {
		t.Fatal("expected failure")
	}
	if eng.Context().Phase != PhaseFailed {
		t.Fatalf("phase = %s", eng.Context().Phase)
	}
}

func TestRun_ResumesFromPersistedContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := store.New(dir, "task-1")
	if err != nil {
		t.Fatal(err)
	}

	// Persist a run already frozen past review, waiting in PLAN.
	persisted := NewRunContext(NewTaskPacket("persisted objective", dir, nil, "task-1"))
	persisted.FrozenSpec = []byte(specWithGate)
	persisted.Phase = PhasePlan
	persisted.Iteration = 2
	if err := st.SaveContext(persisted); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	sb, err := sandbox.New(dir, cfg.Sandbox, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	mock := llm.NewMock(
		llm.Text(simplePlan), // PLAN
		llm.Text(goodPatch),  // PATCH
		llm.Text(approve),    // PATCH_REVIEW
	)
	eng := New(cfg, mock, st, sb)

	// The packet passed here describes a different objective; the persisted
	// one must win.
	other := NewTaskPacket("ignored objective", dir, nil, "task-1")
	if err := eng.Run(context.Background(), other); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rc := eng.Context()
	if rc.Phase != PhaseDone {
		t.Fatalf("phase = %s", rc.Phase)
	}
	if rc.Packet.Objective != "persisted objective" {
		t.Fatalf("objective = %q", rc.Packet.Objective)
	}
	if !strings.Contains(mock.Requests[0].User, "persisted objective") {
		t.Fatalf("planner prompt built from wrong packet: %q", mock.Requests[0].User)
	}
	if rc.Iteration <= 2 {
		t.Fatalf("iteration did not advance past persisted value: %d", rc.Iteration)
	}
}

func TestRun_PersistsContextAcrossPhases(t *testing.T) {
	t.Parallel()

	eng, _, dir, st := newTestEngine(t, config.Default(),
		llm.Text(specWithGate),
		llm.Text(approve),
		llm.Text(simplePlan),
		llm.Text(goodPatch),
		llm.Text(approve),
	)

	packet := NewTaskPacket("write a file named out.txt", dir, nil, "task-1")
	if err := eng.Run(context.Background(), packet); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var reloaded RunContext
	found, err := st.LoadContext(&reloaded)
	if err != nil || !found {
		t.Fatalf("LoadContext() = %v, %v", found, err)
	}
	if reloaded.Phase != PhaseDone || !reloaded.Success() {
		t.Fatalf("persisted phase = %s", reloaded.Phase)
	}
	spec, err := reloaded.Spec()
	if err != nil {
		t.Fatalf("persisted spec does not decode: %v", err)
	}
	if len(spec.Gates) != 1 || len(spec.Requirements) != 1 {
		t.Fatalf("persisted spec lost content: %+v", spec)
	}

	artifacts, err := filepath.Glob(filepath.Join(st.Dir(), "artifacts", "*.json"))
	if err != nil || len(artifacts) == 0 {
		t.Fatalf("no artifacts persisted: %v, %v", artifacts, err)
	}
}

func TestNewTaskPacket_GeneratesTaskID(t *testing.T) {
	t.Parallel()

	generated := NewTaskPacket("o", "/w", nil, "")
	if generated.TaskID == "" {
		t.Fatal("task id not generated")
	}
	explicit := NewTaskPacket("o", "/w", nil, "given")
	if explicit.TaskID != "given" {
		t.Fatalf("task id = %q", explicit.TaskID)
	}
}

func TestRunContext_Accessors(t *testing.T) {
	t.Parallel()

	rc := NewRunContext(NewTaskPacket("o", "/w", nil, "t"))
	if _, err := rc.Spec(); err == nil {
		t.Fatal("missing spec must error")
	}
	if _, err := rc.LastPatch(); err == nil {
		t.Fatal("missing patch must error")
	}
	if rc.LastTestReport() != nil || rc.PatchReviewVerdict() != nil {
		t.Fatal("missing artifacts must be nil")
	}
	if rc.Success() {
		t.Fatal("fresh context must not be successful")
	}

	rc.FrozenSpec = []byte(specWithGate)
	spec, err := rc.Spec()
	if err != nil || len(spec.Requirements) != 1 {
		t.Fatalf("Spec() = %+v, %v", spec, err)
	}
}
