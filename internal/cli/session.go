package cli

import (
	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/output"
)

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	Parent      string
	Force       bool
	NoWorkspace bool
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a session and provision its workspace",
		Long: `Create a named session and attach a fresh workspace for it.

With --parent the session is stacked on an existing session. Near the
session ceiling a warning is emitted; at the ceiling creation fails
unless --force is given.

Example:
  isolate add feature-auth
  isolate add fixup-auth --parent feature-auth`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Parent, "parent", "", "stack the session on an existing session")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "create even past the session ceiling")
	cmd.Flags().BoolVar(&opts.NoWorkspace, "no-workspace", false, "skip workspace provisioning")

	return cmd
}

func runAdd(cmd *cobra.Command, opts *AddOptions, name string) error {
	a, err := openApp(cmd, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	_, err = a.submit(ctx, idempotencyKey(opts.RootOptions, "add", name), coord.Command{
		Type: coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{
			Name:   name,
			Parent: opts.Parent,
			Force:  opts.Force,
		},
	})
	if err != nil {
		return classify(err)
	}

	if !opts.NoWorkspace {
		if err := a.spaces.Provision(ctx, name); err != nil {
			// The session row exists but its workspace does not; mark the
			// session failed so the operator sees the half-provisioned state.
			_, serr := a.submit(ctx, idempotencyKey(opts.RootOptions, "add-fail", name), coord.Command{
				Type: coord.CmdSessionUpdateStatus,
				SessionUpdateStatus: &coord.SessionUpdateStatus{
					Name:   name,
					Status: coord.SessionFailed,
				},
			})
			if serr != nil {
				a.sink.Emit(output.IssueRecord(output.SeverityError, serr))
			}
			return classify(err)
		}
	}

	a.sink.Emit(output.ResultRecord(true, ""))
	return nil
}

// RemoveOptions holds flags for the remove command.
type RemoveOptions struct {
	*RootOptions
	IfPresent     bool
	KeepWorkspace bool
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RemoveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a session and tear down its workspace",
		Long: `Remove a session. Any lease on the session is released and its queue
entry is retired in the same step. With --if-present removing a missing
session succeeds silently.

Example:
  isolate remove feature-auth
  isolate remove feature-auth --if-present`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.IfPresent, "if-present", false, "succeed even if the session does not exist")
	cmd.Flags().BoolVar(&opts.KeepWorkspace, "keep-workspace", false, "leave the workspace directory in place")

	return cmd
}

func runRemove(cmd *cobra.Command, opts *RemoveOptions, name string) error {
	a, err := openApp(cmd, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	_, err = a.submit(ctx, idempotencyKey(opts.RootOptions, "remove", name), coord.Command{
		Type: coord.CmdSessionRemove,
		SessionRemove: &coord.SessionRemove{
			Name:      name,
			IfPresent: opts.IfPresent,
		},
	})
	if err != nil {
		return classify(err)
	}

	if !opts.KeepWorkspace {
		if err := a.spaces.Teardown(ctx, name); err != nil {
			return classify(err)
		}
	}

	a.sink.Emit(output.ResultRecord(true, ""))
	return nil
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			sessions, err := a.store.ListSessions(cmd.Context())
			if err != nil {
				return classify(err)
			}
			for _, sess := range sessions {
				a.sink.Emit(output.SessionRecord(sess))
			}
			a.sink.Emit(output.ResultRecord(true, ""))
			return nil
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status <name>",
		Short:         "Show a session's state, queue entry, and lease",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			name := args[0]

			sess, err := a.store.GetSession(ctx, name)
			if err != nil {
				return classify(err)
			}
			a.sink.Emit(output.SessionRecord(sess))

			if entry, err := a.store.GetQueueEntry(ctx, name); err == nil {
				a.sink.Emit(output.EntryRecord(entry))
			} else if !coord.IsNotFound(err) {
				return classify(err)
			}

			if lease, found, err := a.store.GetLock(ctx, name); err != nil {
				return classify(err)
			} else if found {
				a.sink.Emit(output.StepRecord("lease", name, "held by "+lease.Holder))
			}

			a.sink.Emit(output.ResultRecord(true, ""))
			return nil
		},
	}
}
