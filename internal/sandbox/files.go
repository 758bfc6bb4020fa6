package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"forge/internal/store"
)

// TruncationMarker is appended to reads cut off at the byte cap.
const TruncationMarker = "\n...TRUNCATED..."

// ReadFile returns the file's content, capped at MaxFileReadBytes with a
// visible truncation marker so the model knows the tail is missing.
func (s *Sandbox) ReadFile(relPath string) (string, error) {
	abs, rel, err := s.resolveRead("read_file", relPath)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	if len(data) > s.cfg.MaxFileReadBytes {
		s.logger.Debug("Truncating read of %s (%d bytes over %d cap)", rel, len(data), s.cfg.MaxFileReadBytes)
		return string(data[:s.cfg.MaxFileReadBytes]) + TruncationMarker, nil
	}
	return string(data), nil
}

// ReadResult is one entry of a batched read. Per-file failures are carried
// as text so one bad path does not sink the batch.
type ReadResult struct {
	Path    string
	Content string
	Err     string
}

// ReadFiles reads several files concurrently, preserving request order.
func (s *Sandbox) ReadFiles(ctx context.Context, relPaths []string) ([]ReadResult, error) {
	results := make([]ReadResult, len(relPaths))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReadConcurrency)
	for i, relPath := range relPaths {
		g.Go(func() error {
			content, err := s.ReadFile(relPath)
			result := ReadResult{Path: relPath, Content: content}
			if err != nil {
				result.Err = err.Error()
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ListFiles walks the workspace and returns sorted relative paths, skipping
// the state directory and VCS metadata, capped at MaxFileListLimit.
func (s *Sandbox) ListFiles() ([]string, bool, error) {
	var files []string
	truncated := false

	err := filepath.WalkDir(s.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path == s.workspace {
				return nil
			}
			if name == store.StateDirName || name == ".git" || name == "node_modules" || name == "__pycache__" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(s.workspace, path)
		if relErr != nil {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("list workspace: %w", err)
	}

	sort.Strings(files)
	if len(files) > s.cfg.MaxFileListLimit {
		files = files[:s.cfg.MaxFileListLimit]
		truncated = true
	}
	return files, truncated, nil
}

// WriteFile writes content under the workspace, creating parent directories.
// When the target already exists its prior content is snapshotted to the
// acting role's changelog first, so every overwrite stays recoverable.
func (s *Sandbox) WriteFile(relPath, content, role string) error {
	abs, rel, err := s.resolveWrite("write_file", relPath)
	if err != nil {
		return err
	}

	if prior, readErr := os.ReadFile(abs); readErr == nil {
		if snapErr := s.snapshots.SaveSnapshot(rel, string(prior), content, role); snapErr != nil {
			return fmt.Errorf("snapshot %s before overwrite: %w", rel, snapErr)
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	s.logger.Debug("Wrote %d bytes to %s (role=%s)", len(content), rel, role)
	return nil
}

// CopyFile duplicates a workspace file, snapshotting the destination if it
// already exists. Reads are not capped here; the copy must be faithful.
func (s *Sandbox) CopyFile(srcRel, dstRel, role string) error {
	srcAbs, src, err := s.resolveRead("copy_file", srcRel)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(srcAbs)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	dstAbs, dst, err := s.resolveWrite("copy_file", dstRel)
	if err != nil {
		return err
	}
	if prior, readErr := os.ReadFile(dstAbs); readErr == nil {
		if snapErr := s.snapshots.SaveSnapshot(dst, string(prior), string(data), role); snapErr != nil {
			return fmt.Errorf("snapshot %s before overwrite: %w", dst, snapErr)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", dst, err)
	}
	if err := os.WriteFile(dstAbs, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// FileExists reports whether a workspace-relative file exists.
func (s *Sandbox) FileExists(relPath string) bool {
	abs, _, err := s.resolve("file_exists", relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// FileInfo returns a one-line description of a file, for observations.
func (s *Sandbox) FileInfo(relPath string) (string, error) {
	abs, rel, err := s.resolve("file_info", relPath)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return fmt.Sprintf("%s: %s, %d bytes, modified %s",
		rel, kind, info.Size(), info.ModTime().Format("2006-01-02 15:04:05")), nil
}
