package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cliFixture is an initialized isolate directory driven through the real
// command tree.
type cliFixture struct {
	configPath string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "isolate.yaml")
	body := "db_path: " + filepath.Join(dir, "isolate.db") + "\n" +
		"workspace_root: " + filepath.Join(dir, "workspaces") + "\n"
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o644))

	f := &cliFixture{configPath: configPath}
	_, err := f.run(t, "init")
	require.NoError(t, err)
	return f
}

// run executes one invocation against a fresh command tree, returning the
// JSONL output.
func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--config", f.configPath, "--format", "json"}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// lastRecord decodes the final JSONL record of an invocation's output.
func lastRecord(t *testing.T, out string) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines[0], "no records emitted")

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &rec))
	return rec
}

func TestMutatingCommandsEndWithResultRecord(t *testing.T) {
	f := newCLIFixture(t)

	invocations := [][]string{
		{"add", "dev", "--no-workspace"},
		{"queue", "add", "dev", "--draft"},
		{"queue", "ready", "dev"},
		{"queue", "kick", "dev", "--reason", "stalled"},
		{"remove", "dev", "--keep-workspace"},
	}

	for _, args := range invocations {
		out, err := f.run(t, args...)
		require.NoError(t, err, "isolate %s", strings.Join(args, " "))

		rec := lastRecord(t, out)
		assert.Equal(t, "result", rec["kind"], "isolate %s must end with a result record", strings.Join(args, " "))
		assert.Equal(t, true, rec["ok"])
	}
}

func TestListEndsWithResultRecord(t *testing.T) {
	f := newCLIFixture(t)

	_, err := f.run(t, "add", "dev", "--no-workspace")
	require.NoError(t, err)

	out, err := f.run(t, "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2, "one session record plus the result record")
	rec := lastRecord(t, out)
	assert.Equal(t, "result", rec["kind"])
}
