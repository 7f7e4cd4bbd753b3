package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate/internal/coord"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "isolate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err, "an explicit path must exist")

	// No explicit path: missing file falls back to defaults. Run from a
	// directory with no isolate.yaml so the search finds nothing.
	origDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	cfg, err = Load("")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.MaxSessions)
	assert.Equal(t, 0.9, cfg.WarnRatio)
	assert.Equal(t, 5*time.Minute, cfg.LockTTL)
	assert.Equal(t, 10*time.Minute, cfg.TrainTTL)
	assert.Equal(t, 2*time.Minute, cfg.ValidationTimeout)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.WorkspaceRoot)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
db_path: /var/lib/isolate/state.db
workspace_root: /srv/workspaces
max_sessions: 8
warn_ratio: 0.5
lock_ttl: 90s
train_ttl: 20m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/isolate/state.db", cfg.DBPath)
	assert.Equal(t, "/srv/workspaces", cfg.WorkspaceRoot)
	assert.Equal(t, 8, cfg.MaxSessions)
	assert.Equal(t, 0.5, cfg.WarnRatio)
	assert.Equal(t, 90*time.Second, cfg.LockTTL)
	assert.Equal(t, 20*time.Minute, cfg.TrainTTL)
	// Unset fields keep their defaults.
	assert.Equal(t, 2*time.Minute, cfg.ValidationTimeout)
}

func TestLoad_RejectsBadWarnRatio(t *testing.T) {
	path := writeConfig(t, "warn_ratio: 1.5\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, coord.CategoryConfiguration, coord.CategoryOf(err))
	assert.Contains(t, err.Error(), "warn_ratio")
}

func TestLoad_RejectsNonPositiveTTL(t *testing.T) {
	path := writeConfig(t, "lock_ttl: 0s\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, coord.CategoryConfiguration, coord.CategoryOf(err))
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "max_sessions: [not a number\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Equal(t, coord.CategoryConfiguration, coord.CategoryOf(err))
	assert.Equal(t, "fix or remove the isolate.yaml file", coord.RemediationOf(err))
}

func TestEnsureInitialized(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DBPath: filepath.Join(dir, "isolate.db")}

	err := cfg.EnsureInitialized()
	require.Error(t, err)
	assert.Equal(t, coord.CategoryConfiguration, coord.CategoryOf(err))
	assert.Equal(t, "run 'isolate init' first", coord.RemediationOf(err))

	require.NoError(t, os.WriteFile(cfg.DBPath, nil, 0o644))
	assert.NoError(t, cfg.EnsureInitialized())
}
