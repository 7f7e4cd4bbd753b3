package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/output"
)

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the ledger and verify it matches",
		Long: `Rebuild the materialized tables from the command ledger and compare
state digests before and after. Matching digests prove the tables are a
pure function of the ledger; a mismatch means they had drifted, and the
rebuilt state replaces them.

Exit code 1 signals a digest mismatch.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := a.writer.VerifyReplay(cmd.Context())
			if err != nil {
				return classify(err)
			}

			a.sink.Emit(output.SummaryRecord(map[string]int{
				"applied": v.Report.Applied,
				"skipped": v.Report.Skipped,
				"settled": v.Report.Settled,
			}))
			a.sink.Emit(output.ResultRecord(v.Match, fmt.Sprintf("digest %.12s -> %.12s", v.Before, v.After)))

			if !v.Match {
				return NewExitError(ExitFailure, "materialized state had drifted from the ledger")
			}
			return nil
		},
	}
}
