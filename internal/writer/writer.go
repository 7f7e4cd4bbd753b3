package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/output"
	"github.com/lprior-repo/isolate/internal/store"
)

// Limits configures the session-count ceiling check.
type Limits struct {
	// MaxSessions is the hard ceiling on session rows. Zero disables the check.
	MaxSessions int
	// WarnRatio is the fill fraction at which creation emits a warning.
	WarnRatio float64
}

// DefaultLimits matches the shipped configuration defaults.
var DefaultLimits = Limits{MaxSessions: 32, WarnRatio: 0.9}

// Writer is the single-writer reactor owning all state store mutations.
//
// Thread-safety model:
//   - Submit(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - Replay(): call only while Run() is not processing (startup/recovery)
type Writer struct {
	store *store.Store
	sink  output.Sink
	clock *Clock
	queue *requestQueue
	limit Limits
	now   func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithLimits sets the session ceiling configuration.
func WithLimits(l Limits) Option {
	return func(w *Writer) { w.limit = l }
}

// WithNow overrides the wall clock. Tests use this to pin envelope times.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// New creates a Writer over the store, resuming the logical clock from
// the ledger's high-water mark.
func New(ctx context.Context, st *store.Store, sink output.Sink, opts ...Option) (*Writer, error) {
	last, err := st.MaxLogicalTS(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume writer clock: %w", err)
	}

	w := &Writer{
		store: st,
		sink:  sink,
		clock: NewClockAt(last),
		queue: newRequestQueue(),
		limit: DefaultLimits,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Submit hands a command to the reactor and waits for its terminal
// outcome. Safe from any goroutine.
//
// The idempotency key is caller-supplied and stable per logical
// invocation: submitting the same key twice returns the recorded outcome
// without re-executing side effects.
//
// If ctx is cancelled before the reactor accepts the command, the command
// has no effect; once accepted it runs to a terminal outcome regardless.
func (w *Writer) Submit(ctx context.Context, key string, cmd coord.Command) (coord.Outcome, error) {
	if key == "" {
		return coord.Outcome{}, coord.NewValidation("idempotency key is empty", "derive a stable key per invocation")
	}

	req := request{
		ctx:  ctx,
		key:  key,
		cmd:  cmd,
		resp: make(chan response, 1),
	}

	if !w.queue.Enqueue(req) {
		return coord.Outcome{}, coord.NewConfiguration("writer is stopped", "restart the coordinator")
	}

	select {
	case <-ctx.Done():
		return coord.Outcome{}, ctx.Err()
	case r := <-req.resp:
		return r.outcome, r.err
	}
}

// Run starts the reactor loop. Blocks until ctx is cancelled or Stop()
// is called. Must be called from exactly one goroutine: every ledger
// append and state mutation happens here, which is what makes the
// idempotency check race-free.
func (w *Writer) Run(ctx context.Context) error {
	slog.Info("writer starting", "logical_ts", w.clock.Current())

	for {
		req, ok := w.queue.TryDequeue()
		if ok {
			w.process(req)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("writer stopping: context cancelled")
			w.queue.Close()
			w.rejectPending()
			return ctx.Err()

		case <-w.queue.Wait():
			if w.queue.Len() == 0 {
				slog.Info("writer stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the reactor after draining pending requests.
func (w *Writer) Stop() {
	w.queue.Close()
}

// QueueLen returns the number of pending commands. Used in tests.
func (w *Writer) QueueLen() int {
	return w.queue.Len()
}

// rejectPending replies to every request abandoned by shutdown.
func (w *Writer) rejectPending() {
	for _, req := range w.queue.drain() {
		req.resp <- response{err: coord.NewConfiguration("writer is stopped", "restart the coordinator")}
	}
}

// process runs one command to its terminal outcome and replies.
func (w *Writer) process(req request) {
	// Abandoned before acceptance: no effect at all.
	if err := req.ctx.Err(); err != nil {
		req.resp <- response{err: err}
		return
	}

	outcome, err := w.execute(req)
	if err != nil {
		slog.Debug("command failed",
			"key", req.key,
			"command", req.cmd.Type,
			"category", coord.CategoryOf(err),
			"error", err,
		)
	}
	req.resp <- response{outcome: outcome, err: err}
}

// execute implements the dedup / validate / append / apply sequence.
// Called only from the Run goroutine.
func (w *Writer) execute(req request) (coord.Outcome, error) {
	ctx := context.Background() // accepted commands run to a terminal outcome

	// Idempotency: a logged key returns its recorded result, applied or failed.
	prior, err := w.store.LookupLedger(ctx, req.key)
	if err != nil {
		return coord.Outcome{}, fmt.Errorf("idempotency lookup: %w", err)
	}
	if prior != nil {
		return w.recordedResult(req, prior)
	}

	env := coord.Envelope{
		Key:        req.key,
		Command:    req.cmd,
		LogicalTS:  w.clock.Next(),
		RecordedAt: w.now().UTC(),
	}

	// Preconditions: a rejection writes nothing, so a retry re-executes.
	warnings, err := w.validate(ctx, env)
	if err != nil {
		return coord.Outcome{}, err
	}

	seq, err := w.store.AppendLedger(ctx, env)
	if err != nil {
		return coord.Outcome{}, fmt.Errorf("ledger append: %w", err)
	}

	outcome, err := w.applyLogged(ctx, env, seq)
	if err != nil {
		return coord.Outcome{}, err
	}

	for _, rec := range warnings {
		w.emit(rec)
	}
	w.emitEvent(env, outcome)

	slog.Debug("command applied",
		"key", env.Key,
		"command", env.Command.Type,
		"logical_ts", env.LogicalTS,
	)
	return outcome, nil
}

// applyLogged applies a freshly appended envelope in one transaction.
// On failure the ledger row is flipped to failed and kept forever.
func (w *Writer) applyLogged(ctx context.Context, env coord.Envelope, seq int64) (coord.Outcome, error) {
	tx, err := w.store.Begin(ctx)
	if err != nil {
		w.markFailed(ctx, seq, err)
		return coord.Outcome{}, fmt.Errorf("begin apply: %w", err)
	}

	outcome, err := applyCommand(ctx, tx, env)
	if err != nil {
		tx.Rollback()
		w.markFailed(ctx, seq, err)
		return coord.Outcome{}, err
	}

	if err := tx.Commit(); err != nil {
		w.markFailed(ctx, seq, err)
		return coord.Outcome{}, fmt.Errorf("commit apply: %w", err)
	}

	encoded, err := coord.EncodeOutcome(outcome)
	if err != nil {
		return coord.Outcome{}, err
	}
	if err := w.store.SetLedgerOutcome(ctx, seq, encoded); err != nil {
		return coord.Outcome{}, err
	}
	return outcome, nil
}

// recordedResult replays the stored result for a deduplicated key.
func (w *Writer) recordedResult(req request, rec *store.LedgerRecord) (coord.Outcome, error) {
	if rec.Type != req.cmd.Type {
		return coord.Outcome{}, coord.NewStateConflict(
			fmt.Sprintf("idempotency key %s was recorded for %s, resubmitted as %s", req.key, rec.Type, req.cmd.Type),
			"use a distinct key per logical invocation",
		)
	}

	if rec.Status == coord.LedgerFailed {
		var ce coord.Error
		if rec.Outcome != "" && json.Unmarshal([]byte(rec.Outcome), &ce) == nil && ce.Message != "" {
			return coord.Outcome{}, &ce
		}
		return coord.Outcome{}, coord.NewStateConflict(
			fmt.Sprintf("command %s previously failed to apply", req.key), "")
	}

	if rec.Outcome == "" {
		// Logged but never applied (crash window); replay recovers this.
		return coord.Outcome{}, coord.NewStateConflict(
			fmt.Sprintf("command %s is logged but not applied", req.key),
			"run 'isolate replay' to recover",
		)
	}

	outcome, err := coord.DecodeOutcome(rec.Outcome)
	if err != nil {
		return coord.Outcome{}, err
	}
	slog.Debug("idempotent replay of recorded outcome", "key", req.key, "command", rec.Type)
	return outcome, nil
}

// markFailed flips a logged command to failed, recording the error.
func (w *Writer) markFailed(ctx context.Context, seq int64, applyErr error) {
	encoded := encodeError(applyErr)
	if err := w.store.MarkLedgerFailed(ctx, seq, encoded); err != nil {
		slog.Error("failed to mark ledger row failed", "seq", seq, "error", err)
	}
}

// encodeError serializes an error for the ledger's outcome column.
// Taxonomy errors round-trip; everything else is wrapped as external.
func encodeError(err error) string {
	var ce *coord.Error
	if !errors.As(err, &ce) {
		ce = &coord.Error{Category: coord.CategoryExternal, Message: err.Error()}
	}
	data, jerr := json.Marshal(ce)
	if jerr != nil {
		return `{"category":"external","message":"unencodable error"}`
	}
	return string(data)
}

// emit sends a record to the output port. Sink failures are diagnostic.
func (w *Writer) emit(rec output.Record) {
	if w.sink == nil {
		return
	}
	if err := w.sink.Emit(rec); err != nil {
		slog.Warn("output sink emit failed", "kind", rec.Kind, "error", err)
	}
}

// emitEvent describes an applied command on the output port.
func (w *Writer) emitEvent(env coord.Envelope, outcome coord.Outcome) {
	switch {
	case outcome.Session != nil:
		w.emit(output.SessionRecord(*outcome.Session))
	case outcome.Entry != nil:
		w.emit(output.EntryRecord(*outcome.Entry))
	default:
		w.emit(output.StepRecord(string(env.Command.Type), targetOf(env.Command), outcome.Note))
	}
}

// targetOf names the resource a command addresses, for step records.
func targetOf(cmd coord.Command) string {
	switch cmd.Type {
	case coord.CmdSessionCreate:
		return cmd.SessionCreate.Name
	case coord.CmdSessionUpdateStatus:
		return cmd.SessionUpdateStatus.Name
	case coord.CmdSessionReparent:
		return cmd.SessionReparent.Name
	case coord.CmdSessionRemove:
		return cmd.SessionRemove.Name
	case coord.CmdQueueSubmit:
		return cmd.QueueSubmit.Session
	case coord.CmdQueueTransition:
		return cmd.QueueTransition.Session
	case coord.CmdQueueKick:
		return cmd.QueueKick.Session
	case coord.CmdLockAcquire:
		return cmd.LockAcquire.Resource
	case coord.CmdLockHeartbeat:
		return cmd.LockHeartbeat.Resource
	case coord.CmdLockRelease:
		return cmd.LockRelease.Resource
	default:
		return ""
	}
}
