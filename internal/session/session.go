// Package session runs one bounded interactive exchange between a role and
// the model: the model may issue sandboxed commands and sees their
// observations, until it produces the terminal artifact the role exists to
// deliver or its step budget runs out.
package session

import (
	"context"
	"fmt"
	"strings"

	"forge/internal/artifact"
	"forge/internal/config"
	"forge/internal/contract"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/sandbox"
)

// Fallback synthesizes a terminal artifact when the model never produces one.
// The session's last observation is passed in so the fallback can report it.
type Fallback func(lastObservation string) artifact.Artifact

// Driver runs sessions for one role.
type Driver struct {
	role      string
	contract  *contract.Contract
	sandbox   *sandbox.Sandbox
	cfg       config.SessionConfig
	maxSteps  int
	terminals map[artifact.Kind]bool
	fallback  Fallback
	logger    logging.Logger
}

// NewDriver builds a driver for role. terminals is the artifact kind set that
// ends the session; fallback may be nil, in which case budget exhaustion is
// an error instead of a synthesized artifact.
func NewDriver(role string, ct *contract.Contract, sb *sandbox.Sandbox, cfg config.SessionConfig,
	maxSteps int, terminals []artifact.Kind, fallback Fallback) *Driver {

	terminalSet := make(map[artifact.Kind]bool, len(terminals))
	for _, kind := range terminals {
		terminalSet[kind] = true
	}
	return &Driver{
		role:      role,
		contract:  ct,
		sandbox:   sb,
		cfg:       cfg,
		maxSteps:  maxSteps,
		terminals: terminalSet,
		fallback:  fallback,
		logger:    logging.NewComponentLogger("session." + role),
	}
}

// Role returns the driver's role name.
func (d *Driver) Role() string { return d.role }

const (
	loopGuardNotice = "\n\n(Note: Your last command produced the exact same result as the one before." +
		" You are in a loop. Take a DIFFERENT action or produce your final answer now.)"
	forcedFinishNotice = "\n\n(Note: You have used all of your command budget." +
		" You MUST produce your final structured answer NOW. No further commands will be executed.)"
)

// Run drives the session to a terminal artifact. Background processes the
// session launched are terminated before Run returns.
func (d *Driver) Run(ctx context.Context, systemPrompt, task string) (artifact.Artifact, error) {
	var (
		transcript      strings.Builder
		lastObservation string
		prevObservation string
		handles         []*sandbox.ProcessHandle
	)
	transcript.WriteString(task)

	defer func() {
		for _, h := range handles {
			if err := h.Terminate(); err != nil {
				d.logger.Debug("Background process %d already gone: %v", h.PID, err)
			}
		}
	}()

	for step := 1; step <= d.maxSteps; step++ {
		art, err := d.contract.Request(ctx, llm.Request{
			System: systemPrompt,
			User:   transcript.String(),
		})
		if err != nil {
			return nil, err
		}

		if d.terminals[art.Kind()] {
			d.logger.Info("Session finished with %s after %d step(s)", art.Kind(), step)
			return art, nil
		}

		cmd, ok := art.(*artifact.Command)
		if !ok {
			d.logger.Warn("Role produced unexpected %s artifact mid-session", art.Kind())
			transcript.WriteString(fmt.Sprintf(
				"\n\n(Note: A %s artifact is not valid here. Issue a COMMAND or produce your final answer.)",
				art.Kind()))
			continue
		}

		observation, handle := d.dispatch(ctx, cmd)
		if handle != nil {
			handles = append(handles, handle)
		}

		prevObservation, lastObservation = lastObservation, observation
		transcript.WriteString(fmt.Sprintf("\n\n[Step %d] Command: %s\nResult:\n%s",
			step, describeCommand(cmd), observation))
		if observation != "" && observation == prevObservation {
			d.logger.Warn("Loop detected at step %d, injecting guard notice", step)
			transcript.WriteString(loopGuardNotice)
		}
	}

	// Budget exhausted: give the model one last chance to answer, with
	// commands disabled.
	transcript.WriteString(forcedFinishNotice)
	art, err := d.contract.Request(ctx, llm.Request{
		System: systemPrompt,
		User:   transcript.String(),
	})
	if err == nil && d.terminals[art.Kind()] {
		d.logger.Info("Session finished on forced-finish turn with %s", art.Kind())
		return art, nil
	}
	if err != nil {
		d.logger.Warn("Forced-finish turn failed: %v", err)
	} else {
		d.logger.Warn("Forced-finish turn produced %s instead of a terminal artifact", art.Kind())
	}

	if d.fallback == nil {
		return nil, fmt.Errorf("role %s exhausted %d steps without a terminal artifact", d.role, d.maxSteps)
	}
	d.logger.Warn("Synthesizing fallback artifact for role %s", d.role)
	return d.fallback(lastObservation), nil
}

// dispatch executes one command and renders its observation. Sandbox
// refusals and errors become observations; they never abort the session.
func (d *Driver) dispatch(ctx context.Context, cmd *artifact.Command) (string, *sandbox.ProcessHandle) {
	switch cmd.Name {
	case artifact.CmdRunShell:
		return d.runShell(ctx, cmd.Args)

	case artifact.CmdWriteFile:
		if err := d.sandbox.WriteFile(cmd.File, cmd.Content, d.role); err != nil {
			return observeError(err), nil
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(cmd.Content), cmd.File), nil

	case artifact.CmdReadFiles:
		return d.readFiles(ctx, cmd.Files), nil

	case artifact.CmdListFiles:
		files, truncated, err := d.sandbox.ListFiles()
		if err != nil {
			return observeError(err), nil
		}
		listing := strings.Join(files, "\n")
		if truncated {
			listing += "\n...(listing truncated)..."
		}
		return listing, nil

	case artifact.CmdCopyFile:
		if err := d.sandbox.CopyFile(cmd.Files[0], cmd.Files[1], d.role); err != nil {
			return observeError(err), nil
		}
		return fmt.Sprintf("copied %s to %s", cmd.Files[0], cmd.Files[1]), nil

	case artifact.CmdFileInfo:
		info, err := d.sandbox.FileInfo(cmd.File)
		if err != nil {
			return observeError(err), nil
		}
		return info, nil

	case artifact.CmdVerifyURL:
		result, err := d.sandbox.VerifyURL(ctx, cmd.Args)
		if err != nil {
			return observeError(err), nil
		}
		return result.Describe(cmd.Args), nil

	default:
		// Bare command idiom: the name itself is the shell line.
		line := cmd.Name
		if cmd.Args != "" {
			line += " " + cmd.Args
		}
		return d.runShell(ctx, line)
	}
}

func (d *Driver) runShell(ctx context.Context, line string) (string, *sandbox.ProcessHandle) {
	result, handle, err := d.sandbox.RunShell(ctx, line)
	if err != nil {
		return observeError(err), nil
	}
	if handle != nil {
		return fmt.Sprintf("started background process (pid %d)", handle.PID), handle
	}
	observation := result.Output
	if result.TimedOut {
		return observation, nil
	}
	if result.ExitCode != 0 {
		observation += fmt.Sprintf("\n[exit code %d]", result.ExitCode)
	}
	if strings.TrimSpace(observation) == "" {
		observation = "(no output)"
	}
	return observation, nil
}

func (d *Driver) readFiles(ctx context.Context, paths []string) string {
	if len(paths) > d.cfg.MaxFilesPerRead {
		paths = paths[:d.cfg.MaxFilesPerRead]
	}
	results, err := d.sandbox.ReadFiles(ctx, paths)
	if err != nil {
		return observeError(err)
	}

	var out strings.Builder
	for i, r := range results {
		if i > 0 {
			out.WriteString("\n\n")
		}
		if r.Err != "" {
			fmt.Fprintf(&out, "=== %s ===\nERROR: %s", r.Path, r.Err)
			continue
		}
		fmt.Fprintf(&out, "=== %s ===\n%s", r.Path, r.Content)
	}
	return out.String()
}

func observeError(err error) string {
	if sandbox.IsViolation(err) {
		return "VIOLATION: " + err.Error()
	}
	return "ERROR: " + err.Error()
}

func describeCommand(cmd *artifact.Command) string {
	switch cmd.Name {
	case artifact.CmdRunShell:
		return fmt.Sprintf("run_shell %q", cmd.Args)
	case artifact.CmdWriteFile:
		return fmt.Sprintf("write_file %s (%d bytes)", cmd.File, len(cmd.Content))
	case artifact.CmdReadFiles:
		return fmt.Sprintf("read_files %v", cmd.Files)
	case artifact.CmdListFiles:
		return "list_files"
	case artifact.CmdFileInfo:
		return fmt.Sprintf("file_info %s", cmd.File)
	case artifact.CmdVerifyURL:
		return fmt.Sprintf("verify_url %s", cmd.Args)
	default:
		return fmt.Sprintf("%s %s", cmd.Name, cmd.Args)
	}
}
