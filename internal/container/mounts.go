package container

import (
	"fmt"
	"os"
	"path/filepath"
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// buildMounts translates the agent's host directories into docker binds.
// Docker requires absolute source paths, so relative config paths are
// resolved against the working directory here.
func buildMounts(opts AgentOpts) ([]string, error) {
	var binds []string

	add := func(src, target string, ro bool) error {
		abs, err := filepath.Abs(src)
		if err != nil {
			return fmt.Errorf("resolve mount %s: %w", src, err)
		}
		bind := fmt.Sprintf("%s:%s", abs, target)
		if ro {
			bind += ":ro"
		}
		binds = append(binds, bind)
		return nil
	}

	// Private workspace, read-write
	if opts.Workspace != "" {
		if err := add(opts.Workspace, "/workspace/agent", false); err != nil {
			return nil, err
		}
	}

	// Shared channel notes, read-write
	if opts.ChannelsPath != "" {
		if err := add(opts.ChannelsPath, "/workspace/channels", false); err != nil {
			return nil, err
		}
	}

	// Team-wide instructions, read-only
	if opts.GlobalPath != "" {
		if err := add(opts.GlobalPath, "/workspace/global", true); err != nil {
			return nil, err
		}
	}

	// Runner session state survives container restarts
	if opts.SessionPath != "" {
		if err := os.MkdirAll(opts.SessionPath, 0o755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
		if err := add(opts.SessionPath, "/home/node/.claude", false); err != nil {
			return nil, err
		}
	}

	// Extra mounts
	for _, m := range opts.Mounts {
		if err := add(m.Source, m.Target, m.ReadOnly); err != nil {
			return nil, err
		}
	}

	return binds, nil
}
