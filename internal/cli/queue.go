package cli

import (
	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/output"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the merge queue",
	}
	cmd.AddCommand(newQueueAddCommand(rootOpts))
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueKickCommand(rootOpts))
	cmd.AddCommand(newQueueReadyCommand(rootOpts))
	return cmd
}

// QueueAddOptions holds flags for queue add.
type QueueAddOptions struct {
	*RootOptions
	Draft bool
}

func newQueueAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <session>",
		Short: "Submit a session to the back of the queue",
		Long: `Append a session to the merge queue at the next position.

A --draft entry holds its slot but is skipped by the train until it is
promoted with 'queue ready'.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions, true)
			if err != nil {
				return err
			}
			defer a.close()

			_, err = a.submit(cmd.Context(), idempotencyKey(opts.RootOptions, "queue.add", args[0]), coord.Command{
				Type: coord.CmdQueueSubmit,
				QueueSubmit: &coord.QueueSubmit{
					Session: args[0],
					Draft:   opts.Draft,
				},
			})
			if err != nil {
				return classify(err)
			}
			a.sink.Emit(output.ResultRecord(true, ""))
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Draft, "draft", false, "hold a slot without entering the train")
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "Show the queue in position order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			var entries []coord.QueueEntry
			if all {
				entries, err = a.store.ListQueueEntries(cmd.Context())
			} else {
				entries, err = a.store.ActiveQueueEntries(cmd.Context())
			}
			if err != nil {
				return classify(err)
			}
			for _, entry := range entries {
				a.sink.Emit(output.EntryRecord(entry))
			}
			a.sink.Emit(output.ResultRecord(true, ""))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include merged and kicked entries")
	return cmd
}

func newQueueKickCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "kick <session>",
		Short: "Remove a session from the active queue",
		Long: `Kick a session's entry out of the queue. Entries behind it move up
one position each, so the ordering stays dense.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			_, err = a.submit(cmd.Context(), idempotencyKey(rootOpts, "queue.kick", args[0]), coord.Command{
				Type:      coord.CmdQueueKick,
				QueueKick: &coord.QueueKick{Session: args[0], Reason: reason},
			})
			if err != nil {
				return classify(err)
			}
			a.sink.Emit(output.ResultRecord(true, ""))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the entry is being kicked")
	return cmd
}

func newQueueReadyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ready <session>",
		Short: "Promote a draft or blocked entry to ready",
		Args:  cobra.ExactArgs(1),
		Long: `Mark an entry ready for the next train pass. This is how a draft
enters the train and how a blocked entry is retried after its problem is
fixed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			_, err = a.submit(cmd.Context(), idempotencyKey(rootOpts, "queue.ready", args[0]), coord.Command{
				Type: coord.CmdQueueTransition,
				QueueTransition: &coord.QueueTransition{
					Session: args[0],
					To:      coord.QueueReady,
				},
			})
			if err != nil {
				return classify(err)
			}
			a.sink.Emit(output.ResultRecord(true, ""))
			return nil
		},
	}
}
