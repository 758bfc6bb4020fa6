package gate

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"forge/internal/artifact"
	"forge/internal/logging"
	"forge/internal/sandbox"
)

// Evaluator runs gate checks through the sandbox, so gate commands obey the
// same allowlist and timeout as role commands.
type Evaluator struct {
	sandbox *sandbox.Sandbox
	logger  logging.Logger
}

// NewEvaluator builds an evaluator over the task sandbox.
func NewEvaluator(sb *sandbox.Sandbox) *Evaluator {
	return &Evaluator{
		sandbox: sb,
		logger:  logging.NewComponentLogger("gate"),
	}
}

// Run evaluates every declared gate and returns one result per check.
func (e *Evaluator) Run(ctx context.Context, spec Spec) []Result {
	var results []Result

	if len(spec.MustExist) > 0 {
		results = append(results, e.CheckFilesExist(spec.MustExist))
	}
	for _, check := range spec.MustRun {
		results = append(results, e.CheckCommand(ctx, check))
	}
	for _, check := range spec.MustOutputContains {
		results = append(results, e.CheckCommand(ctx, check))
	}
	if spec.MinDBRows > 0 {
		results = append(results, e.CheckDBRows(spec.MinDBRows))
	}
	return results
}

// ApplyGates verifies an applied patch landed: every written file exists and
// recognized source files parse. Returns the first failure.
func (e *Evaluator) ApplyGates(ctx context.Context, p *artifact.Patch) Result {
	var written []string
	for _, op := range p.Files {
		written = append(written, op.Path)
	}

	if result := e.CheckFilesExist(written); !result.Passed {
		return result
	}
	if result := e.CheckSyntax(ctx, written); !result.Passed {
		return result
	}
	return Result{Name: "apply", Passed: true, Reason: "apply gates passed"}
}

// CheckFilesExist verifies every path is present in the workspace.
func (e *Evaluator) CheckFilesExist(paths []string) Result {
	var missing []string
	for _, path := range paths {
		if !e.sandbox.FileExists(path) {
			missing = append(missing, path)
		}
	}
	if len(missing) > 0 {
		return Result{
			Name:     "files_exist",
			Reason:   fmt.Sprintf("missing required files: %v", missing),
			Evidence: map[string]any{"missing": missing},
		}
	}
	return Result{
		Name:     "files_exist",
		Passed:   true,
		Reason:   "all required files exist",
		Evidence: map[string]any{"checked": paths},
	}
}

// CheckSyntax parses source files whose type has a cheap syntax checker:
// python via py_compile, shell via bash -n. Other files are skipped.
func (e *Evaluator) CheckSyntax(ctx context.Context, paths []string) Result {
	var failures []map[string]any
	checked := 0

	for _, path := range paths {
		var line string
		switch {
		case strings.HasSuffix(path, ".py"):
			line = fmt.Sprintf("python3 -m py_compile %s", path)
		case strings.HasSuffix(path, ".sh"):
			line = fmt.Sprintf("bash -n %s", path)
		default:
			continue
		}
		checked++

		result, _, err := e.sandbox.RunShell(ctx, line)
		if err != nil {
			failures = append(failures, map[string]any{"file": path, "error": err.Error()})
			continue
		}
		if result.ExitCode != 0 {
			failures = append(failures, map[string]any{"file": path, "output": tail(result.Output, 500)})
		}
	}

	if len(failures) > 0 {
		return Result{
			Name:     "syntax",
			Reason:   "syntax errors detected",
			Evidence: map[string]any{"failures": failures},
		}
	}
	return Result{
		Name:     "syntax",
		Passed:   true,
		Reason:   fmt.Sprintf("syntax check passed (%d file(s))", checked),
	}
}

// CheckCommand runs one command and asserts exit code and optional output
// substring.
func (e *Evaluator) CheckCommand(ctx context.Context, check CommandCheck) Result {
	result, _, err := e.sandbox.RunShell(ctx, check.Cmd)
	if err != nil {
		return Result{
			Name:     "command",
			Reason:   fmt.Sprintf("command refused: %v", err),
			Evidence: map[string]any{"command": check.Cmd},
		}
	}

	if result.ExitCode != check.ExitCode {
		return Result{
			Name: "command",
			Reason: fmt.Sprintf("command exited %d (expected %d)",
				result.ExitCode, check.ExitCode),
			Evidence: map[string]any{
				"command":     check.Cmd,
				"exit_code":   result.ExitCode,
				"output_tail": tail(result.Output, 500),
			},
		}
	}
	if check.Substr != "" && !strings.Contains(result.Output, check.Substr) {
		return Result{
			Name:   "command",
			Reason: fmt.Sprintf("command output missing required substring %q", check.Substr),
			Evidence: map[string]any{
				"command":     check.Cmd,
				"output_tail": tail(result.Output, 500),
			},
		}
	}
	return Result{
		Name:     "command",
		Passed:   true,
		Reason:   fmt.Sprintf("command passed: %s", check.Cmd),
		Evidence: map[string]any{"command": check.Cmd, "exit_code": result.ExitCode},
	}
}

// CheckDBRows opens every *.db file at the workspace root and passes when
// any table holds at least minRows rows.
func (e *Evaluator) CheckDBRows(minRows int) Result {
	pattern := filepath.Join(e.sandbox.Workspace(), "*.db")
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) == 0 {
		return Result{
			Name:   "min_db_rows",
			Reason: "no database files found in workspace",
		}
	}

	maxRows := 0
	for _, dbPath := range matches {
		rows, err := maxTableRows(dbPath)
		if err != nil {
			e.logger.Debug("Skipping unreadable database %s: %v", dbPath, err)
			continue
		}
		if rows > maxRows {
			maxRows = rows
		}
	}

	if maxRows >= minRows {
		return Result{
			Name:     "min_db_rows",
			Passed:   true,
			Reason:   fmt.Sprintf("database has %d rows (>= %d required)", maxRows, minRows),
			Evidence: map[string]any{"rows": maxRows},
		}
	}
	return Result{
		Name:     "min_db_rows",
		Reason:   fmt.Sprintf("database has %d rows (%d required)", maxRows, minRows),
		Evidence: map[string]any{"rows": maxRows},
	}
}

func maxTableRows(dbPath string) (int, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tableRows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return 0, err
	}
	defer tableRows.Close()

	var tables []string
	for tableRows.Next() {
		var name string
		if err := tableRows.Scan(&name); err != nil {
			return 0, err
		}
		tables = append(tables, name)
	}
	if err := tableRows.Err(); err != nil {
		return 0, err
	}

	maxRows := 0
	for _, table := range tables {
		var count int
		// Table names come from sqlite_master, not user input.
		query := fmt.Sprintf(`SELECT count(*) FROM %q`, table)
		if err := db.QueryRow(query).Scan(&count); err != nil {
			continue
		}
		if count > maxRows {
			maxRows = count
		}
	}
	return maxRows, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
