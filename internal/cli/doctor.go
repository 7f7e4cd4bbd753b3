package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/lock"
	"github.com/lprior-repo/isolate/internal/output"
)

// DoctorOptions holds flags for the doctor command.
type DoctorOptions struct {
	*RootOptions
	Fix bool
}

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DoctorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Scan for orphaned workspaces and stale leases",
		Long: `Check the workspace root against the session table and the lock
table against lease TTLs. Without --fix problems are only reported;
with --fix orphan directories are torn down and stale leases reclaimed.

Example:
  isolate doctor
  isolate doctor --fix`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Fix, "fix", false, "repair what the scan finds")
	return cmd
}

func runDoctor(cmd *cobra.Command, opts *DoctorOptions) error {
	a, err := openApp(cmd, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()

	sessions, err := a.store.ListSessions(ctx)
	if err != nil {
		return classify(err)
	}
	known := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		known[sess.Name] = true
	}

	orphans, err := a.spaces.Orphans(known)
	if err != nil {
		return classify(err)
	}
	for _, name := range orphans {
		a.sink.Emit(output.WarningRecord(coord.CategoryStateConflict,
			"workspace "+name+" has no session", "remove it with 'isolate doctor --fix'"))
	}

	removed, err := a.spaces.RemoveOrphans(ctx, orphans, !opts.Fix)
	if err != nil {
		return classify(err)
	}

	reclaimed := 0
	if opts.Fix {
		locks := lock.NewManager(a.writer)
		if reclaimed, err = locks.ReclaimStale(ctx); err != nil {
			return classify(err)
		}
	}

	a.sink.Emit(output.SummaryRecord(map[string]int{
		"sessions":         len(sessions),
		"orphans":          len(orphans),
		"orphans_removed":  boolCount(opts.Fix, len(removed)),
		"leases_reclaimed": reclaimed,
	}))
	a.sink.Emit(output.ResultRecord(len(orphans) == 0 || opts.Fix, fmt.Sprintf("%d orphans", len(orphans))))

	if len(orphans) > 0 && !opts.Fix {
		return NewExitError(ExitFailure, fmt.Sprintf("%d orphaned workspaces found", len(orphans)))
	}
	return nil
}

func boolCount(applied bool, n int) int {
	if !applied {
		return 0
	}
	return n
}
