package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"syscall"
)

// ShellResult is the outcome of a foreground command.
type ShellResult struct {
	Output   string
	ExitCode int
	TimedOut bool
}

// ProcessHandle identifies a background process launched by a session, so a
// later command can terminate it.
type ProcessHandle struct {
	PID     int
	Command string
}

// Terminate sends SIGTERM to the background process. Best effort: the
// process may already be gone, and no confirmation of termination is made.
func (h *ProcessHandle) Terminate() error {
	if h.PID <= 0 {
		return fmt.Errorf("no pid recorded for %q", h.Command)
	}
	return syscall.Kill(h.PID, syscall.SIGTERM)
}

var pidMarkerRe = regexp.MustCompile(`__PID__=(\d+)`)

// checkShellLine enforces the deny patterns and the first-token allowlist.
// Relative script invocations (./x, *.py, *.sh) run under an interpreter or
// path already vetted, so they pass the token check.
func (s *Sandbox) checkShellLine(line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return violation("run_shell", "", "empty command")
	}

	for _, re := range s.denyPatterns {
		if re.MatchString(trimmed) {
			return violation("run_shell", trimmed, "command matches deny pattern %q", re.String())
		}
	}

	first := strings.Fields(trimmed)[0]
	if s.allowedCommands[first] {
		return nil
	}
	if strings.HasPrefix(first, "./") || strings.HasSuffix(first, ".py") || strings.HasSuffix(first, ".sh") {
		return nil
	}
	return violation("run_shell", trimmed, "command %q is not on the allowlist", first)
}

// RunShell executes one command line inside the workspace. A trailing '&'
// requests a background launch, which returns immediately with a process
// handle instead of waiting for completion.
func (s *Sandbox) RunShell(ctx context.Context, line string) (*ShellResult, *ProcessHandle, error) {
	if err := s.checkShellLine(line); err != nil {
		return nil, nil, err
	}

	trimmed := strings.TrimSpace(line)
	if strings.HasSuffix(trimmed, "&") {
		handle, err := s.runBackground(ctx, strings.TrimSpace(strings.TrimSuffix(trimmed, "&")))
		return nil, handle, err
	}
	result, err := s.runForeground(ctx, trimmed)
	return result, nil, err
}

func (s *Sandbox) runForeground(ctx context.Context, line string) (*ShellResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", line)
	cmd.Dir = s.workspace

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	s.logger.Debug("Running: %s", line)
	err := cmd.Run()

	result := &ShellResult{Output: buf.String()}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		result.Output += fmt.Sprintf("\n[command timed out after %s]", s.cfg.ShellTimeout)
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("run %q: %w", line, err)
	}
	return result, nil
}

// runBackground starts the command detached in its own process group and
// captures its PID through a shell echo marker. The short timeout only
// bounds the launch itself, not the process lifetime.
func (s *Sandbox) runBackground(ctx context.Context, line string) (*ProcessHandle, error) {
	launchCtx, cancel := context.WithTimeout(ctx, s.cfg.ShellBackgroundTimeout)
	defer cancel()

	script := fmt.Sprintf("%s > /dev/null 2>&1 & echo __PID__=$!", line)
	cmd := exec.CommandContext(launchCtx, "bash", "-c", script)
	cmd.Dir = s.workspace
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("launch background %q: %w", line, err)
	}

	m := pidMarkerRe.FindSubmatch(output)
	if m == nil {
		return nil, fmt.Errorf("background launch of %q reported no pid", line)
	}
	pid, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return nil, fmt.Errorf("background launch of %q reported bad pid: %w", line, err)
	}

	s.logger.Info("Launched background process %d: %s", pid, line)
	return &ProcessHandle{PID: pid, Command: line}, nil
}
