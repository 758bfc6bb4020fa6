// Package store persists workflow state under a hidden directory in the
// workspace: the current context snapshot with timestamped backups, one file
// per produced artifact, and per-role changelogs of pre-overwrite snapshots.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"forge/internal/artifact"
	"forge/internal/logging"
)

// StateDirName is the hidden state directory under the workspace root. It is
// excluded from sandbox listings and writes.
const StateDirName = ".forge"

// FileSnapshot is the append-only pre-overwrite record of a file version.
type FileSnapshot struct {
	Path         string    `json:"path"`
	PriorContent string    `json:"prior_content"`
	Diff         string    `json:"diff,omitempty"`
	Role         string    `json:"role"`
	Timestamp    time.Time `json:"timestamp"`
	TaskID       string    `json:"task_id"`
}

// Store manages one task's state directory.
type Store struct {
	workspace string
	taskID    string
	stateDir  string
	logger    logging.Logger
	differ    *diffmatchpatch.DiffMatchPatch
}

// New opens (creating if needed) the state directory for taskID.
func New(workspace, taskID string) (*Store, error) {
	stateDir := filepath.Join(workspace, StateDirName, taskID)
	for _, dir := range []string{stateDir, filepath.Join(stateDir, "artifacts"), filepath.Join(stateDir, "changelogs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &Store{
		workspace: workspace,
		taskID:    taskID,
		stateDir:  stateDir,
		logger:    logging.NewComponentLogger("store"),
		differ:    diffmatchpatch.New(),
	}, nil
}

// TaskID returns the task this store belongs to.
func (s *Store) TaskID() string { return s.taskID }

// Dir returns the task state directory.
func (s *Store) Dir() string { return s.stateDir }

// SaveContext persists the full run context wholesale, plus a timestamped
// backup copy. Called after every completed phase.
func (s *Store) SaveContext(ctx any) error {
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	contextPath := filepath.Join(s.stateDir, "context.json")
	if err := os.WriteFile(contextPath, data, 0644); err != nil {
		return fmt.Errorf("write context: %w", err)
	}

	backupPath := filepath.Join(s.stateDir, fmt.Sprintf("context_backup_%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		s.logger.Warn("Failed to write context backup: %v", err)
	}
	return nil
}

// LoadContext reloads the persisted context into dst. The second return is
// false when no snapshot exists yet.
func (s *Store) LoadContext(dst any) (bool, error) {
	contextPath := filepath.Join(s.stateDir, "context.json")
	data, err := os.ReadFile(contextPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read context: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode context: %w", err)
	}
	return true, nil
}

// SaveArtifact writes one produced artifact to a timestamped file named by
// phase/role and sequence.
func (s *Store) SaveArtifact(name string, art artifact.Artifact) error {
	path := filepath.Join(s.stateDir, "artifacts", fmt.Sprintf("%s_%d.json", name, time.Now().UnixNano()))
	payload := art.JSON()
	if len(payload) == 0 {
		data, err := json.Marshal(art)
		if err != nil {
			return fmt.Errorf("marshal artifact %s: %w", name, err)
		}
		payload = data
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("write artifact %s: %w", name, err)
	}
	return nil
}

// SaveSnapshot records the pre-image of a file about to be overwritten, in
// the acting role's changelog. The unified diff against the new content is
// kept alongside for audit.
func (s *Store) SaveSnapshot(relPath, priorContent, newContent, role string) error {
	snapshotDir := filepath.Join(s.stateDir, "changelogs", role)
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return fmt.Errorf("create changelog dir: %w", err)
	}

	snapshot := FileSnapshot{
		Path:         relPath,
		PriorContent: priorContent,
		Diff:         s.diffText(priorContent, newContent),
		Role:         role,
		Timestamp:    time.Now(),
		TaskID:       s.taskID,
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	name := fmt.Sprintf("%s_%d.snapshot.json", filepath.Base(relPath), time.Now().UnixNano())
	if err := os.WriteFile(filepath.Join(snapshotDir, name), data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *Store) diffText(prior, next string) string {
	patches := s.differ.PatchMake(prior, next)
	return s.differ.PatchToText(patches)
}

// FileHistory returns every snapshot of relPath across all roles, ordered by
// time. The ordered sequence reconstructs the file's edit history.
func (s *Store) FileHistory(relPath string) ([]FileSnapshot, error) {
	changelogDir := filepath.Join(s.stateDir, "changelogs")
	roleDirs, err := os.ReadDir(changelogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var history []FileSnapshot
	for _, roleDir := range roleDirs {
		if !roleDir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(changelogDir, roleDir.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".snapshot.json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(changelogDir, roleDir.Name(), entry.Name()))
			if err != nil {
				continue
			}
			var snapshot FileSnapshot
			if err := json.Unmarshal(data, &snapshot); err != nil {
				s.logger.Warn("Skipping unreadable snapshot %s: %v", entry.Name(), err)
				continue
			}
			if snapshot.Path == relPath {
				history = append(history, snapshot)
			}
		}
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].Timestamp.Before(history[j].Timestamp)
	})
	return history, nil
}

// FindLatestTask locates the most recently modified task-state directory
// under the workspace, for resume.
func FindLatestTask(workspace string) (string, error) {
	baseDir := filepath.Join(workspace, StateDirName)
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return "", fmt.Errorf("no state directory to resume from: %w", err)
	}

	var (
		latest    string
		latestMod time.Time
	)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(latestMod) {
			latest = entry.Name()
			latestMod = info.ModTime()
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no task state found under %s", baseDir)
	}
	return latest, nil
}
