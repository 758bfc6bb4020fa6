package sandbox

import (
	"fmt"

	"forge/internal/artifact"
)

// ActionWrite is the only patch file action. Anything else fails validation.
const ActionWrite = "write"

// ValidatePatch checks every file operation without touching the workspace
// and returns the first violation found. Pure: safe to call repeatedly.
func (s *Sandbox) ValidatePatch(p *artifact.Patch) error {
	for i, op := range p.Files {
		if op.Action != ActionWrite {
			return violation("apply_patch", op.Path,
				"file entry %d has unknown action %q", i, op.Action)
		}
		if _, _, err := s.resolveWrite("apply_patch", op.Path); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResult records which patch entries landed and which failed.
type ApplyResult struct {
	Applied []string
	Failed  []ApplyFailure
}

// ApplyFailure is one file operation that could not be performed.
type ApplyFailure struct {
	Path   string
	Reason string
}

// Clean reports whether every entry applied.
func (r *ApplyResult) Clean() bool { return len(r.Failed) == 0 }

// Summary formats the result as an observation line.
func (r *ApplyResult) Summary() string {
	if r.Clean() {
		return fmt.Sprintf("applied %d file(s)", len(r.Applied))
	}
	return fmt.Sprintf("applied %d file(s), %d failed", len(r.Applied), len(r.Failed))
}

// ApplyPatch performs the file operations in order, best effort: a failing
// entry is recorded and the rest still run. Earlier writes are not rolled
// back; the pre-overwrite snapshots are the recovery path.
func (s *Sandbox) ApplyPatch(p *artifact.Patch, role string) *ApplyResult {
	result := &ApplyResult{}
	for _, op := range p.Files {
		if err := s.applyOne(op, role); err != nil {
			s.logger.Warn("Patch entry %s failed: %v", op.Path, err)
			result.Failed = append(result.Failed, ApplyFailure{Path: op.Path, Reason: err.Error()})
			continue
		}
		result.Applied = append(result.Applied, op.Path)
	}
	return result
}

func (s *Sandbox) applyOne(op artifact.FileOp, role string) error {
	if op.Action != ActionWrite {
		return violation("apply_patch", op.Path, "unknown action %q", op.Action)
	}
	return s.WriteFile(op.Path, op.Content, role)
}
