package gate

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"forge/internal/artifact"
	"forge/internal/config"
	"forge/internal/sandbox"
)

type nopSnapshots struct{}

func (nopSnapshots) SaveSnapshot(string, string, string, string) error { return nil }

func newTestEvaluator(t *testing.T) (*Evaluator, string) {
	t.Helper()
	dir := t.TempDir()
	sb, err := sandbox.New(dir, config.Default().Sandbox, nopSnapshots{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewEvaluator(sb), dir
}

func TestFromSpecification_VerbatimGates(t *testing.T) {
	t.Parallel()

	spec := &artifact.Specification{
		Requirements: []string{"r1"},
		Gates: map[string]any{
			"must_exist": []any{"app.py", "data.db"},
			"must_run": []any{
				"python3 app.py --once",
				map[string]any{"cmd": "cat out.txt", "exit_code": float64(0), "substr": "OK"},
			},
			"min_db_rows": float64(3),
		},
	}

	got := FromSpecification(spec, "anything")
	if len(got.MustExist) != 2 || got.MustExist[1] != "data.db" {
		t.Fatalf("MustExist = %v", got.MustExist)
	}
	if len(got.MustRun) != 2 {
		t.Fatalf("MustRun = %v", got.MustRun)
	}
	if got.MustRun[0].Cmd != "python3 app.py --once" || got.MustRun[0].ExitCode != 0 {
		t.Fatalf("bare command entry = %+v", got.MustRun[0])
	}
	if got.MustRun[1].Substr != "OK" {
		t.Fatalf("object entry = %+v", got.MustRun[1])
	}
	if got.MinDBRows != 3 {
		t.Fatalf("MinDBRows = %d", got.MinDBRows)
	}
}

func TestFromSpecification_InfersDBGateFromObjective(t *testing.T) {
	t.Parallel()

	spec := &artifact.Specification{Requirements: []string{"r1"}}

	inferred := FromSpecification(spec, "Track BTC price continuously into sqlite")
	if inferred.MinDBRows != 1 {
		t.Fatalf("expected inferred db gate, got %+v", inferred)
	}

	none := FromSpecification(spec, "Print hello once and exit")
	if !none.Empty() {
		t.Fatalf("expected no gates, got %+v", none)
	}
}

func TestCheckFilesExist(t *testing.T) {
	t.Parallel()

	ev, dir := newTestEvaluator(t)
	if err := os.WriteFile(filepath.Join(dir, "present.py"), []byte("pass"), 0644); err != nil {
		t.Fatal(err)
	}

	if result := ev.CheckFilesExist([]string{"present.py"}); !result.Passed {
		t.Fatalf("present file reported missing: %+v", result)
	}
	result := ev.CheckFilesExist([]string{"present.py", "absent.py"})
	if result.Passed {
		t.Fatalf("missing file reported present: %+v", result)
	}
}

func TestCheckCommand(t *testing.T) {
	t.Parallel()

	ev, _ := newTestEvaluator(t)
	ctx := context.Background()

	if result := ev.CheckCommand(ctx, CommandCheck{Cmd: "echo OK", Substr: "OK"}); !result.Passed {
		t.Fatalf("echo check failed: %+v", result)
	}
	if result := ev.CheckCommand(ctx, CommandCheck{Cmd: "echo OK", Substr: "MISSING"}); result.Passed {
		t.Fatalf("substring check passed wrongly: %+v", result)
	}
	if result := ev.CheckCommand(ctx, CommandCheck{Cmd: "ls no-such-thing-here"}); result.Passed {
		t.Fatalf("failing command passed: %+v", result)
	}
	// Denylisted commands are refused by the sandbox, which fails the gate.
	if result := ev.CheckCommand(ctx, CommandCheck{Cmd: "sudo whoami"}); result.Passed {
		t.Fatalf("denylisted command passed: %+v", result)
	}
}

func TestCheckDBRows(t *testing.T) {
	t.Parallel()

	ev, dir := newTestEvaluator(t)

	db, err := sql.Open("sqlite", filepath.Join(dir, "prices.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`CREATE TABLE prices (ts TEXT, value REAL)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO prices VALUES ('t1', 1.0), ('t2', 2.0)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if result := ev.CheckDBRows(1); !result.Passed {
		t.Fatalf("db with rows failed gate: %+v", result)
	}
	if result := ev.CheckDBRows(5); result.Passed {
		t.Fatalf("db below threshold passed gate: %+v", result)
	}
}

func TestCheckDBRows_NoDatabase(t *testing.T) {
	t.Parallel()

	ev, _ := newTestEvaluator(t)
	if result := ev.CheckDBRows(1); result.Passed {
		t.Fatalf("missing database passed gate: %+v", result)
	}
}

func TestApplyGates(t *testing.T) {
	t.Parallel()

	ev, dir := newTestEvaluator(t)
	if err := os.WriteFile(filepath.Join(dir, "ok.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	applied := artifact.NewPatch([]artifact.FileOp{{Path: "ok.txt", Action: "write", Content: "x"}})
	if result := ev.ApplyGates(context.Background(), applied); !result.Passed {
		t.Fatalf("apply gates failed for existing file: %+v", result)
	}

	missing := artifact.NewPatch([]artifact.FileOp{{Path: "never-written.txt", Action: "write", Content: "x"}})
	if result := ev.ApplyGates(context.Background(), missing); result.Passed {
		t.Fatalf("apply gates passed for missing file: %+v", result)
	}
}

func TestReport_AggregatesResults(t *testing.T) {
	t.Parallel()

	passing := Report([]Result{
		{Name: "files_exist", Passed: true, Reason: "ok"},
		{Name: "command", Passed: true, Reason: "ok"},
	})
	if !passing.Success {
		t.Fatalf("all-pass report not successful: %+v", passing)
	}

	failing := Report([]Result{
		{Name: "files_exist", Passed: true, Reason: "ok"},
		{Name: "min_db_rows", Passed: false, Reason: "0 rows", Evidence: map[string]any{"rows": 0}},
	})
	if failing.Success {
		t.Fatalf("report with a failure marked successful: %+v", failing)
	}
	if _, err := artifact.Decode(failing.JSON()); err != nil {
		t.Fatalf("gate report does not decode as TEST_REPORT: %v", err)
	}
}

func TestReport_CarriesEvidence(t *testing.T) {
	t.Parallel()

	report := Report([]Result{
		{
			Name:   "command",
			Reason: "command exited 1 (expected 0)",
			Evidence: map[string]any{
				"command":     "python3 app.py",
				"exit_code":   1,
				"output_tail": "Traceback: NameError: name 'db' is not defined",
			},
		},
	})
	if report.Success {
		t.Fatalf("failing result marked successful: %+v", report)
	}
	if !strings.Contains(report.Report, "[FAIL] command: command exited 1 (expected 0)") {
		t.Fatalf("report line malformed: %q", report.Report)
	}
	// The evidence must survive into the report text, so a repair prompt
	// built from it sees the actual failure output.
	if !strings.Contains(report.Report, "NameError: name 'db' is not defined") {
		t.Fatalf("evidence dropped from report: %q", report.Report)
	}
	if !strings.Contains(report.Report, `"exit_code":1`) {
		t.Fatalf("evidence fields not serialized: %q", report.Report)
	}
}
