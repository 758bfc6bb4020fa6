// Package sandbox confines every file, process and network side effect a
// session may cause to the task workspace, under explicit allow and deny
// lists. All role-issued commands funnel through here; nothing else in the
// workflow touches the workspace directly.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"forge/internal/config"
	"forge/internal/logging"
)

// Snapshotter records pre-overwrite file versions. Satisfied by *store.Store.
type Snapshotter interface {
	SaveSnapshot(relPath, priorContent, newContent, role string) error
}

// Sandbox mediates workspace access for one task.
type Sandbox struct {
	workspace string
	cfg       config.SandboxConfig
	snapshots Snapshotter
	logger    logging.Logger

	allowedCommands map[string]bool
	denyPatterns    []*regexp.Regexp
	protected       map[string]bool
	filesAllowed    map[string]bool // empty means unrestricted

	urlCache *lru.Cache[string, URLResult]
}

// New builds a sandbox rooted at workspace. filesAllowed, when non-empty,
// restricts reads, writes and copies to exactly those relative paths. Extra
// commands granted on the command line or by a .forge-policy.yaml in the
// workspace are merged into the command allowlist.
func New(workspace string, cfg config.SandboxConfig, snapshots Snapshotter, filesAllowed, extraCommands []string) (*Sandbox, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}

	allowed := make(map[string]bool, len(cfg.AllowedCommands)+len(extraCommands))
	for _, cmd := range cfg.AllowedCommands {
		allowed[cmd] = true
	}
	for _, cmd := range extraCommands {
		allowed[cmd] = true
	}

	logger := logging.NewComponentLogger("sandbox")

	policyCommands, err := loadPolicy(abs)
	if err != nil {
		logger.Warn("Ignoring unreadable workspace policy: %v", err)
	}
	for _, cmd := range policyCommands {
		allowed[cmd] = true
	}

	denyPatterns := make([]*regexp.Regexp, 0, len(cfg.DenyPatterns))
	for _, pattern := range cfg.DenyPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", pattern, err)
		}
		denyPatterns = append(denyPatterns, re)
	}

	urlCache, err := lru.New[string, URLResult](128)
	if err != nil {
		return nil, err
	}

	allowedFiles := make(map[string]bool, len(filesAllowed))
	for _, p := range filesAllowed {
		if p = filepath.Clean(strings.TrimSpace(p)); p != "" && p != "." {
			allowedFiles[p] = true
		}
	}

	return &Sandbox{
		workspace:       abs,
		cfg:             cfg,
		snapshots:       snapshots,
		logger:          logger,
		allowedCommands: allowed,
		denyPatterns:    denyPatterns,
		protected:       map[string]bool{},
		filesAllowed:    allowedFiles,
		urlCache:        urlCache,
	}, nil
}

// Workspace returns the absolute workspace root.
func (s *Sandbox) Workspace() string { return s.workspace }

// Protect marks a workspace-relative path as read-only for sessions. Used
// for the task entry file so roles cannot edit their own instructions.
func (s *Sandbox) Protect(relPath string) {
	s.protected[filepath.Clean(relPath)] = true
}

// CommandAllowed reports whether a shell command name is on the allowlist.
func (s *Sandbox) CommandAllowed(name string) bool {
	return s.allowedCommands[name]
}
