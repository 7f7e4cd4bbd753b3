package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/lprior-repo/isolate/internal/coord"
)

// Manager provisions and tears down per-session workspaces.
//
// A session's workspace is a directory under Root named after the
// session, attached as a VCS workspace and optionally paired with a
// multiplexer session of the same name.
type Manager struct {
	Root   string
	Runner Runner

	// VCS and Mux name the external binaries; zero values pick the
	// defaults. Tests point these at fakes through Runner instead.
	VCS string
	Mux string
}

// NewManager builds a Manager over root using an ExecRunner.
func NewManager(root string) *Manager {
	return &Manager{
		Root:   root,
		Runner: ExecRunner{Dir: root},
		VCS:    "jj",
		Mux:    "tmux",
	}
}

// Path returns the workspace directory for a session.
func (m *Manager) Path(session string) string {
	return filepath.Join(m.Root, session)
}

// Provision creates the workspace directory and attaches it to the VCS.
func (m *Manager) Provision(ctx context.Context, session string) error {
	dir := m.Path(session)
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return coord.NewPermissionDenied("create workspace root "+m.Root, err)
	}

	if _, err := m.Runner.Run(ctx, m.vcs(), "workspace", "add", dir, "--name", session); err != nil {
		return err
	}
	slog.Debug("workspace provisioned", "session", session, "dir", dir)
	return nil
}

// Teardown forgets the VCS workspace, kills any multiplexer session, and
// removes the directory. Every step is idempotent so a half-removed
// workspace can be torn down again.
func (m *Manager) Teardown(ctx context.Context, session string) error {
	if _, err := m.Runner.Run(ctx, m.vcs(), "workspace", "forget", session); err != nil {
		// A workspace the VCS no longer knows is already forgotten.
		if coord.CategoryOf(err) != coord.CategoryExternal {
			return err
		}
		slog.Debug("workspace forget skipped", "session", session, "error", err)
	}

	if _, err := m.Runner.Run(ctx, m.mux(), "kill-session", "-t", session); err != nil {
		if coord.CategoryOf(err) != coord.CategoryExternal {
			return err
		}
		slog.Debug("multiplexer kill skipped", "session", session, "error", err)
	}

	if err := os.RemoveAll(m.Path(session)); err != nil {
		return coord.NewPermissionDenied("remove workspace dir "+m.Path(session), err)
	}
	return nil
}

// Attach opens (or creates) the multiplexer session rooted in the
// session's workspace directory.
func (m *Manager) Attach(ctx context.Context, session string) error {
	if _, err := m.Runner.Run(ctx, m.mux(), "new-session", "-d", "-s", session, "-c", m.Path(session)); err != nil {
		return err
	}
	return nil
}

// Orphans returns workspace directories that have no session row,
// sorted by name. known maps session names that do exist.
func (m *Manager) Orphans(known map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(m.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, coord.NewPermissionDenied("scan workspace root "+m.Root, err)
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !known[e.Name()] {
			orphans = append(orphans, e.Name())
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// RemoveOrphans tears down each orphan directory. With dryRun set it
// only reports what would be removed.
func (m *Manager) RemoveOrphans(ctx context.Context, orphans []string, dryRun bool) ([]string, error) {
	var removed []string
	for _, name := range orphans {
		if dryRun {
			removed = append(removed, name)
			continue
		}
		if err := m.Teardown(ctx, name); err != nil {
			return removed, fmt.Errorf("remove orphan %s: %w", name, err)
		}
		removed = append(removed, name)
	}
	return removed, nil
}

func (m *Manager) vcs() string {
	if m.VCS == "" {
		return "jj"
	}
	return m.VCS
}

func (m *Manager) mux() string {
	if m.Mux == "" {
		return "tmux"
	}
	return m.Mux
}
