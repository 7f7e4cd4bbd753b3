package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/lock"
	"github.com/lprior-repo/isolate/internal/output"
)

// NewLocksCommand creates the locks command group.
func NewLocksCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and reclaim leases",
	}
	cmd.AddCommand(newLocksListCommand(rootOpts))
	cmd.AddCommand(newLocksReclaimCommand(rootOpts))
	return cmd
}

func newLocksListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List held leases, flagging stale ones",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			leases, err := a.store.ListLocks(cmd.Context())
			if err != nil {
				return classify(err)
			}

			now := time.Now().UTC()
			for _, lease := range leases {
				detail := fmt.Sprintf("held by %s, heartbeat %s ago",
					lease.Holder, now.Sub(lease.HeartbeatAt).Round(time.Second))
				if lease.Stale(now) {
					detail += " (stale)"
				}
				a.sink.Emit(output.StepRecord("lease", lease.Resource, detail))
			}
			a.sink.Emit(output.ResultRecord(true, fmt.Sprintf("%d leases", len(leases))))
			return nil
		},
	}
}

func newLocksReclaimCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Delete every stale lease",
		Long: `Remove leases whose holders stopped heartbeating past their TTL.
Reclamation also happens lazily on acquisition; this command is the
proactive sweep for operators.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			locks := lock.NewManager(a.writer)
			count, err := locks.ReclaimStale(cmd.Context())
			if err != nil {
				return classify(err)
			}
			a.sink.Emit(output.ResultRecord(true, fmt.Sprintf("reclaimed %d stale leases", count)))
			return nil
		},
	}
}
