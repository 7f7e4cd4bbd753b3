package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lprior-repo/isolate/internal/config"
	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/output"
	"github.com/lprior-repo/isolate/internal/store"
	"github.com/lprior-repo/isolate/internal/workspace"
	"github.com/lprior-repo/isolate/internal/writer"
)

// app bundles the wired runtime for one CLI invocation: config, store,
// the reactor running in its own goroutine, and the output sink.
type app struct {
	cfg    config.Config
	store  *store.Store
	writer *writer.Writer
	sink   output.Sink
	spaces *workspace.Manager

	stop func()
	done chan error
}

// openApp loads config, opens the store, and starts the reactor.
// requireInit gates commands that need an existing database.
func openApp(cmd *cobra.Command, opts *RootOptions, requireInit bool) (*app, error) {
	configureLogging(opts)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, classify(err)
	}
	if requireInit {
		if err := cfg.EnsureInitialized(); err != nil {
			return nil, classify(err)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	var sink output.Sink
	if opts.Format == "json" {
		sink = output.NewJSONLSink(cmd.OutOrStdout())
	} else {
		sink = output.NewTextSink(cmd.OutOrStdout())
	}

	w, err := writer.New(cmd.Context(), st, sink, writer.WithLimits(writer.Limits{
		MaxSessions: cfg.MaxSessions,
		WarnRatio:   cfg.WarnRatio,
	}))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "start writer", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	return &app{
		cfg:    cfg,
		store:  st,
		writer: w,
		sink:   sink,
		spaces: workspace.NewManager(cfg.WorkspaceRoot),
		stop:   cancel,
		done:   done,
	}, nil
}

// close drains the reactor and closes the store.
func (a *app) close() {
	a.writer.Stop()
	if err := <-a.done; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("writer stopped with error", "error", err)
	}
	a.stop()
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// submit sends one command through the reactor with the invocation's
// idempotency key.
func (a *app) submit(ctx context.Context, key string, cmd coord.Command) (coord.Outcome, error) {
	return a.writer.Submit(ctx, key, cmd)
}

// idempotencyKey derives the key for this invocation: the explicit --key
// when given, otherwise a fresh key scoped to the command and target.
// Scripts that retry pass --key so a replayed invocation is a no-op.
func idempotencyKey(opts *RootOptions, verb, target string) string {
	if opts.Key != "" {
		return opts.Key
	}
	return verb + ":" + target + ":" + uuid.NewString()
}

func configureLogging(opts *RootOptions) {
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
