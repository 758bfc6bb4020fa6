package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"forge/internal/store"
)

// ViolationError is a refused operation. Violations are reported back to the
// session as observations; they never abort the run.
type ViolationError struct {
	Op     string
	Path   string
	Reason string
}

func (e *ViolationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s refused: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s refused for %q: %s", e.Op, e.Path, e.Reason)
}

// IsViolation reports whether err is a sandbox refusal.
func IsViolation(err error) bool {
	var v *ViolationError
	return errors.As(err, &v)
}

func violation(op, path, format string, args ...any) error {
	return &ViolationError{Op: op, Path: path, Reason: fmt.Sprintf(format, args...)}
}

// resolve maps a session-supplied path onto the workspace and rejects
// anything that escapes it. Absolute paths are refused outright; traversal
// is caught after cleaning, so "a/../../etc" cannot slip through.
func (s *Sandbox) resolve(op, relPath string) (abs string, rel string, err error) {
	if relPath == "" {
		return "", "", violation(op, relPath, "empty path")
	}
	if filepath.IsAbs(relPath) {
		return "", "", violation(op, relPath, "absolute paths are not allowed")
	}

	abs = filepath.Join(s.workspace, relPath)
	rel, relErr := filepath.Rel(s.workspace, abs)
	if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", violation(op, relPath, "path escapes the workspace")
	}
	return abs, rel, nil
}

// checkAllowed enforces the task's file allowlist. An empty allowlist is
// unrestricted.
func (s *Sandbox) checkAllowed(op, rel string) error {
	if len(s.filesAllowed) > 0 && !s.filesAllowed[rel] {
		return violation(op, rel, "file is not on the task allowlist")
	}
	return nil
}

// resolveRead is resolve plus the allowlist check, for content access.
func (s *Sandbox) resolveRead(op, relPath string) (abs string, rel string, err error) {
	abs, rel, err = s.resolve(op, relPath)
	if err != nil {
		return "", "", err
	}
	if err := s.checkAllowed(op, rel); err != nil {
		return "", "", err
	}
	return abs, rel, nil
}

// resolveWrite additionally enforces the state directory, protected paths
// and the task allowlist.
func (s *Sandbox) resolveWrite(op, relPath string) (abs string, rel string, err error) {
	abs, rel, err = s.resolve(op, relPath)
	if err != nil {
		return "", "", err
	}
	if rel == store.StateDirName || strings.HasPrefix(rel, store.StateDirName+string(filepath.Separator)) {
		return "", "", violation(op, relPath, "the state directory is off limits")
	}
	if s.protected[rel] {
		return "", "", violation(op, relPath, "path is protected")
	}
	if err := s.checkAllowed(op, rel); err != nil {
		return "", "", err
	}
	return abs, rel, nil
}
