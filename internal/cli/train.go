package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/lock"
	"github.com/lprior-repo/isolate/internal/train"
	"github.com/lprior-repo/isolate/internal/workspace"
)

// TrainOptions holds flags for the train run command.
type TrainOptions struct {
	*RootOptions
	RunID    string
	CheckCmd []string
	MergeCmd []string
}

// NewTrainCommand creates the train command group.
func NewTrainCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the merge train",
	}
	cmd.AddCommand(newTrainRunCommand(rootOpts))
	return cmd
}

func newTrainRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the queue front to back once",
		Long: `Run one train pass under the exclusive train lease.

Ready entries are checked with the check command ({session} in the argv
is replaced with the entry's session). Entries that pass are merged with
the merge command; entries that fail are kicked and the queue closes up
behind them. If another pass is already running the command fails fast.

Example:
  isolate train run --check-cmd jj --check-cmd rebase --check-cmd -b --check-cmd {session} --check-cmd -d --check-cmd main
  isolate train run --run-id nightly-2026-08-31`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "stable id for this pass; retries with the same id replay recorded steps")
	cmd.Flags().StringArrayVar(&opts.CheckCmd, "check-cmd", nil, "check argv, one flag per element")
	cmd.Flags().StringArrayVar(&opts.MergeCmd, "merge-cmd", nil, "merge argv, one flag per element")

	return cmd
}

func runTrain(cmd *cobra.Command, opts *TrainOptions) error {
	a, err := openApp(cmd, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer a.close()

	runner := workspace.ExecRunner{Dir: a.cfg.WorkspaceRoot}
	validator := train.CommandValidator{
		Runner:  runner,
		Argv:    opts.CheckCmd,
		Timeout: a.cfg.ValidationTimeout,
	}
	merger := train.CommandMerger{Runner: runner, Argv: opts.MergeCmd}

	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("train@%s/%d", hostname, os.Getpid())

	locks := lock.NewManager(a.writer, lock.WithTTL(a.cfg.TrainTTL))
	processor := train.NewProcessor(a.store, a.writer, locks, validator, merger, a.sink, holder)

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	result, err := processor.Process(cmd.Context(), runID)
	if err != nil {
		if errors.Is(err, train.ErrTrainBusy) {
			return WrapExitError(ExitFailure, "train is busy", err)
		}
		return classify(err)
	}

	if result.Kicked > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d entries kicked", result.Kicked))
	}
	return nil
}
