// Package gate evaluates deterministic acceptance checks against the
// workspace. Gates come from the frozen specification when it declares them
// and are inferred from the objective otherwise; either way they run without
// the model, so a passing verdict is reproducible.
package gate

import (
	"encoding/json"
	"fmt"
	"strings"

	"forge/internal/artifact"
)

// CommandCheck runs one shell line and asserts on its outcome.
type CommandCheck struct {
	Cmd      string `json:"cmd"`
	ExitCode int    `json:"exit_code"`
	Substr   string `json:"substr,omitempty"`
}

// Spec is the set of gates for one task. A zero MinDBRows means the database
// gate is absent.
type Spec struct {
	MustExist          []string       `json:"must_exist,omitempty"`
	MustRun            []CommandCheck `json:"must_run,omitempty"`
	MustOutputContains []CommandCheck `json:"must_output_contains,omitempty"`
	MinDBRows          int            `json:"min_db_rows,omitempty"`
}

// Empty reports whether no gates are declared at all.
func (s Spec) Empty() bool {
	return len(s.MustExist) == 0 && len(s.MustRun) == 0 &&
		len(s.MustOutputContains) == 0 && s.MinDBRows == 0
}

// longRunningKeywords trigger the inferred database gate: objectives that
// describe a persistent process are expected to leave rows behind.
var longRunningKeywords = []string{"daemon", "server", "continuously", "database", "sqlite"}

// FromSpecification extracts the gate spec. Explicit gates on the frozen
// specification win verbatim; otherwise a minimal spec is inferred from the
// objective text.
func FromSpecification(spec *artifact.Specification, objective string) Spec {
	if len(spec.Gates) > 0 {
		return parseGates(spec.Gates)
	}

	var inferred Spec
	lower := strings.ToLower(objective)
	for _, keyword := range longRunningKeywords {
		if strings.Contains(lower, keyword) {
			inferred.MinDBRows = 1
			break
		}
	}
	return inferred
}

// parseGates converts the specification's loosely-typed gates object. A
// must_run entry may be a bare command string or an object with assertions.
func parseGates(raw map[string]any) Spec {
	var spec Spec

	if list, ok := raw["must_exist"].([]any); ok {
		for _, item := range list {
			if path, ok := item.(string); ok && path != "" {
				spec.MustExist = append(spec.MustExist, path)
			}
		}
	}
	if list, ok := raw["must_run"].([]any); ok {
		spec.MustRun = parseCommandChecks(list)
	}
	if list, ok := raw["must_output_contains"].([]any); ok {
		spec.MustOutputContains = parseCommandChecks(list)
	}
	if rows, ok := raw["min_db_rows"].(float64); ok && rows > 0 {
		spec.MinDBRows = int(rows)
	}
	return spec
}

func parseCommandChecks(list []any) []CommandCheck {
	var checks []CommandCheck
	for _, item := range list {
		switch v := item.(type) {
		case string:
			if v != "" {
				checks = append(checks, CommandCheck{Cmd: v})
			}
		case map[string]any:
			check := CommandCheck{}
			if cmd, ok := v["cmd"].(string); ok {
				check.Cmd = cmd
			}
			if code, ok := v["exit_code"].(float64); ok {
				check.ExitCode = int(code)
			}
			if substr, ok := v["substr"].(string); ok {
				check.Substr = substr
			}
			if check.Cmd != "" {
				checks = append(checks, check)
			}
		}
	}
	return checks
}

// Result is one gate verdict with supporting evidence.
type Result struct {
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Reason   string         `json:"reason"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Report formats gate results into a synthesized test report: success iff
// every gate passed. Each line carries the result's evidence so command
// output tails and row counts survive into the persisted report and the
// repair prompt.
func Report(results []Result) *artifact.TestReport {
	allPassed := true
	var lines []string
	for _, r := range results {
		if !r.Passed {
			allPassed = false
		}
		lines = append(lines, formatResult(r))
	}
	if len(lines) == 0 {
		lines = []string{"no gates declared"}
	}
	return artifact.NewTestReport(allPassed, strings.Join(lines, "\n"))
}

func formatResult(r Result) string {
	mark := "PASS"
	if !r.Passed {
		mark = "FAIL"
	}
	line := fmt.Sprintf("[%s] %s: %s", mark, r.Name, r.Reason)
	if len(r.Evidence) > 0 {
		if data, err := json.Marshal(r.Evidence); err == nil {
			line += " | evidence: " + string(data)
		}
	}
	return line
}
