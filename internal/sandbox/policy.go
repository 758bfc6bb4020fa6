package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PolicyFileName is the optional per-workspace policy file. It can only
// widen the command allowlist; deny patterns are not overridable.
const PolicyFileName = ".forge-policy.yaml"

type workspacePolicy struct {
	AllowedCommands []string `yaml:"allowed_commands"`
}

func loadPolicy(workspace string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(workspace, PolicyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var policy workspacePolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PolicyFileName, err)
	}
	return policy.AllowedCommands, nil
}
