package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/config"
	"github.com/lprior-repo/isolate/internal/store"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the isolate database and workspace root",
		Long: `Create the isolate directory, the coordination database, and the
workspace root. Running init on an initialized setup is a no-op.

Example:
  isolate init
  isolate init --config ./isolate.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, rootOpts)
		},
	}
}

func runInit(cmd *cobra.Command, opts *RootOptions) error {
	configureLogging(opts)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return classify(err)
	}

	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.WorkspaceRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return WrapExitError(ExitCommandError, "create "+dir, err)
		}
	}

	// Opening the store creates the schema and runs migrations.
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "initialize database", err)
	}
	if err := st.Close(); err != nil {
		return WrapExitError(ExitCommandError, "close database", err)
	}

	cmd.Printf("initialized: database %s, workspaces %s\n", cfg.DBPath, cfg.WorkspaceRoot)
	return nil
}
