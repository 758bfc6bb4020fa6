package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"forge/internal/artifact"
)

// Fallbacks handed to the session drivers: every role degrades to an
// explicit, conservative artifact instead of failing its phase.

func patchFallback(string) artifact.Artifact {
	return artifact.NewPatch([]artifact.FileOp{{
		Path:    "implementation.py",
		Action:  "write",
		Content: "# Forced end of session",
	}})
}

func rejectFallback(lastObservation string) artifact.Artifact {
	critique := "review session exhausted its step budget without a verdict"
	if lastObservation != "" {
		critique += "; last observation: " + lastObservation
	}
	return artifact.NewReview(artifact.StatusReject, critique, "TIMEOUT")
}

func testReportFallback(lastObservation string) artifact.Artifact {
	report := "tester exhausted its command budget without a report"
	if lastObservation != "" {
		report += "; last observation: " + lastObservation
	}
	return artifact.NewTestReport(false, report)
}

// Context priming limits: how much of the workspace each role sees up front.
const (
	maxPrimedFiles   = 5
	maxPrimedBytes   = 1000
	maxPlanFiles     = 3
	maxPlanBytes     = 2000
	maxCriticPreview = 2000
)

var relevantFileRe = regexp.MustCompile(`(?i)(spec|req|readme|config|\.json$|\.ya?ml$)`)

// architectUser primes the architect with the objective and previews of
// files that look like existing requirements or configuration.
func (e *Engine) architectUser() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\n", e.rc.Packet.Objective)
	fmt.Fprintf(&b, "Files Allowed: %s\n\n", formatFilesAllowed(e.rc.Packet.FilesAllowed))

	if previews := e.previewFiles(relevantFileRe, maxPrimedFiles, maxPrimedBytes); previews != "" {
		fmt.Fprintf(&b, "Existing relevant files:\n%s\n\n", previews)
	}
	b.WriteString("Return SPECIFICATION JSON only.")
	return b.String()
}

func (e *Engine) specRepairUser() string {
	return fmt.Sprintf(
		"Objective: %s\n\nPrevious SPEC: %s\n\nCritic review: %s\n\nReturn corrected SPECIFICATION JSON only.",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec), rawOrEmpty(e.rc.SpecReview))
}

func (e *Engine) specCriticUser() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\nSPECIFICATION under review: %s\n\n",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec))
	if e.rc.ResearchReport != "" {
		fmt.Fprintf(&b, "%s\n\n", e.rc.ResearchReport)
	}
	b.WriteString("Verify what needs verifying, then return REVIEW JSON.")
	return b.String()
}

var sourceFileRe = regexp.MustCompile(`\.(py|js|ts|java|cpp|c|go|rs)$`)

func (e *Engine) plannerUser() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\nFROZEN SPEC: %s\n\n",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec))
	if previews := e.previewFiles(sourceFileRe, maxPlanFiles, maxPlanBytes); previews != "" {
		fmt.Fprintf(&b, "Current codebase (sample):\n%s\n\n", previews)
	}
	b.WriteString("Return PLAN JSON only.")
	return b.String()
}

func (e *Engine) coderUser() string {
	files, _, err := e.sandbox.ListFiles()
	if err != nil {
		files = nil
	}
	return fmt.Sprintf(
		"Objective: %s\n\n"+
			"FROZEN SPEC: %s\n\n"+
			"PLAN: %s\n\n"+
			"Files Allowed: %s\n"+
			"Workspace files: %v\n\n"+
			"You can first examine files by requesting to read them.\n"+
			"What would you like to do first?",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec), rawOrEmpty(e.rc.Plan),
		formatFilesAllowed(e.rc.Packet.FilesAllowed), files)
}

func (e *Engine) patchCriticUser() string {
	latestPatch := ""
	if len(e.rc.Patches) > 0 {
		latestPatch = string(e.rc.Patches[len(e.rc.Patches)-1])
	}
	return fmt.Sprintf(
		"Objective: %s\n\nFROZEN SPEC: %s\n\nApplied PATCH: %s\n\n"+
			"The patch is already applied to the workspace. Inspect and verify, then return REVIEW JSON.",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec), latestPatch)
}

func (e *Engine) testerUser() string {
	var previews string
	if patch, err := e.rc.LastPatch(); err == nil {
		count := 0
		var b strings.Builder
		for _, op := range patch.Files {
			if count >= 2 || !sourceFileRe.MatchString(op.Path) {
				continue
			}
			content, readErr := e.sandbox.ReadFile(op.Path)
			if readErr != nil {
				continue
			}
			fmt.Fprintf(&b, "=== %s ===\n%s\n", op.Path, truncate(content, maxCriticPreview))
			count++
		}
		previews = b.String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\nFROZEN SPEC: %s\n\n",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec))
	if previews != "" {
		fmt.Fprintf(&b, "Implementation files (preview):\n%s\n", previews)
	}
	b.WriteString("Verify the objective, then return TEST_REPORT JSON.")
	return b.String()
}

func (e *Engine) repairFromReviewUser() string {
	latestPatch := ""
	if len(e.rc.Patches) > 0 {
		latestPatch = string(e.rc.Patches[len(e.rc.Patches)-1])
	}
	return fmt.Sprintf(
		"Objective: %s\n\nFROZEN SPEC: %s\n\nPrevious PATCH: %s\n\nCritic review: %s\n\n"+
			"Return corrected PATCH JSON only.",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec), latestPatch, rawOrEmpty(e.rc.PatchReview))
}

func (e *Engine) repairFromTestUser() string {
	files, _, err := e.sandbox.ListFiles()
	if err != nil {
		files = nil
	}
	lastReport := ""
	if len(e.rc.TestReports) > 0 {
		lastReport = string(e.rc.TestReports[len(e.rc.TestReports)-1])
	}
	return fmt.Sprintf(
		"Objective: %s\n\nFROZEN SPEC: %s\n\nPrevious PATCHES: %d\nWorkspace files: %v\n\n"+
			"TEST REPORT (FAILURE): %s\n\n"+
			"Please fix the code to satisfy the test report.\nReturn PATCH JSON only.",
		e.rc.Packet.Objective, rawOrEmpty(e.rc.FrozenSpec), len(e.rc.Patches), files, lastReport)
}

var urlRe = regexp.MustCompile(`https?://(?:[-\w.]|(?:%[\da-fA-F]{2}))+[^\s"']*`)

// autoResearch probes every URL mentioned in the frozen specification before
// the critic sees it, so the critic reviews against verified reachability
// instead of guessing.
func (e *Engine) autoResearch(ctx context.Context) {
	if len(e.rc.FrozenSpec) == 0 {
		return
	}
	urls := urlRe.FindAllString(string(e.rc.FrozenSpec), -1)
	if len(urls) == 0 {
		e.rc.ResearchReport = ""
		return
	}

	seen := map[string]bool{}
	var b strings.Builder
	b.WriteString("RESEARCHER REPORT (Verified URLs):\n")
	for _, url := range urls {
		url = strings.Trim(url, `"'),.\`)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true

		result, err := e.sandbox.VerifyURL(ctx, url)
		if err != nil {
			fmt.Fprintf(&b, "%s could not be probed: %v\n", url, err)
			continue
		}
		b.WriteString(result.Describe(url) + "\n")
	}
	e.rc.ResearchReport = b.String()
	e.logger.Info("Auto-research verified %d URL(s)", len(seen))
}

// previewFiles lists the workspace and returns truncated contents of the
// first files matching re, as indented JSON for the prompt.
func (e *Engine) previewFiles(re *regexp.Regexp, maxFiles, maxBytes int) string {
	files, _, err := e.sandbox.ListFiles()
	if err != nil {
		return ""
	}

	previews := map[string]string{}
	for _, file := range files {
		if len(previews) >= maxFiles {
			break
		}
		if !re.MatchString(file) {
			continue
		}
		content, readErr := e.sandbox.ReadFile(file)
		if readErr != nil {
			continue
		}
		previews[file] = truncate(content, maxBytes)
	}
	if len(previews) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(previews, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func formatFilesAllowed(files []string) string {
	if len(files) == 0 {
		return "(unrestricted)"
	}
	return strings.Join(files, ", ")
}
