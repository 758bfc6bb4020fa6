// forge runs an objective through the agent workflow: specification, review,
// planning, patching, deterministic gates and bounded repair, all confined
// to one workspace directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"forge/internal/config"
	"forge/internal/engine"
	forgeerrors "forge/internal/errors"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/sandbox"
	"forge/internal/store"
)

var (
	flagObjective  string
	flagWorkspace  string
	flagAllow      string
	flagTaskID     string
	flagResume     bool
	flagConfigFile string

	flagHistoryFile string
)

func main() {
	root := &cobra.Command{
		Use:          "forge",
		Short:        "Run an objective through the sandboxed agent workflow",
		SilenceUsage: true,
		RunE:         runWorkflow,
	}
	root.Flags().StringVar(&flagObjective, "objective", "", "objective text for the run")
	root.Flags().StringVar(&flagWorkspace, "workspace", ".", "workspace root directory")
	root.Flags().StringVar(&flagAllow, "allow", "", "comma-separated writable relative paths (empty = unrestricted)")
	root.Flags().StringVar(&flagTaskID, "task-id", "", "task identifier (generated when empty)")
	root.Flags().BoolVar(&flagResume, "resume", false, "resume the most recent task in the workspace")
	root.PersistentFlags().StringVar(&flagConfigFile, "config", "", "path to a config file (default: ./forge.yaml when present)")

	history := &cobra.Command{
		Use:   "history",
		Short: "Show the recorded edit history of a workspace file",
		RunE:  runHistory,
	}
	history.Flags().StringVar(&flagHistoryFile, "file", "", "workspace-relative file path")
	history.Flags().StringVar(&flagWorkspace, "workspace", ".", "workspace root directory")
	history.Flags().StringVar(&flagTaskID, "task-id", "", "task identifier (most recent when empty)")
	history.MarkFlagRequired("file")
	root.AddCommand(history)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return err
	}

	taskID := flagTaskID
	if flagResume && taskID == "" {
		taskID, err = store.FindLatestTask(flagWorkspace)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		color.Yellow("Resuming task %s", taskID)
	}
	if !flagResume && flagObjective == "" {
		return fmt.Errorf("--objective is required (or --resume)")
	}

	packet := engine.NewTaskPacket(flagObjective, flagWorkspace, splitAllow(flagAllow), taskID)

	st, err := store.New(packet.Workspace, packet.TaskID)
	if err != nil {
		return err
	}
	sb, err := sandbox.New(packet.Workspace, cfg.Sandbox, st, packet.FilesAllowed, nil)
	if err != nil {
		return err
	}

	client, err := llm.NewHTTPClient(cfg.LLM)
	if err != nil {
		return err
	}
	retrying := llm.NewRetryClient(client, forgeerrors.RetryConfig{
		MaxAttempts:  cfg.LLM.MaxRetries + 1,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	})

	eng := engine.New(cfg, retrying, st, sb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.NewComponentLogger("cli").Info("Task %s starting in %s", packet.TaskID, packet.Workspace)
	runErr := eng.Run(ctx, packet)

	if rc := eng.Context(); rc != nil {
		if report := rc.LastTestReport(); report != nil {
			fmt.Fprintln(os.Stderr, report.Report)
		}
	}

	if runErr != nil {
		color.Red("Workflow FAILED: %v", runErr)
		return runErr
	}
	color.Green("Workflow SUCCESS (task %s)", packet.TaskID)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	taskID := flagTaskID
	if taskID == "" {
		var err error
		taskID, err = store.FindLatestTask(flagWorkspace)
		if err != nil {
			return err
		}
	}

	st, err := store.New(flagWorkspace, taskID)
	if err != nil {
		return err
	}
	history, err := st.FileHistory(flagHistoryFile)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		color.Yellow("No recorded versions of %s in task %s", flagHistoryFile, taskID)
		return nil
	}

	for i, snapshot := range history {
		color.Cyan("--- version %d: %s by %s ---", i+1,
			snapshot.Timestamp.Format(time.RFC3339), snapshot.Role)
		if snapshot.Diff != "" {
			fmt.Println(snapshot.Diff)
		} else {
			fmt.Println(snapshot.PriorContent)
		}
	}
	return nil
}

func splitAllow(allow string) []string {
	if strings.TrimSpace(allow) == "" {
		return nil
	}
	parts := strings.Split(allow, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
