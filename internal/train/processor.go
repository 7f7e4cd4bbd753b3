// Package train implements the merge-train pass over the queue.
//
// One pass walks the active queue in position order under the train
// lease: ready entries are checked and, when mergeable, merged at the
// front; entries that fail their check are kicked and the queue is
// re-linearized. At most one pass runs at a time; a concurrent attempt
// fails fast with ErrTrainBusy rather than queueing behind the holder.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/lock"
	"github.com/lprior-repo/isolate/internal/output"
	"github.com/lprior-repo/isolate/internal/store"
	"github.com/lprior-repo/isolate/internal/writer"
)

// ErrTrainBusy reports that another process holds the train lease.
var ErrTrainBusy = errors.New("another train pass is running")

// Verdict is the outcome of checking one queue entry.
type Verdict struct {
	Passed bool
	// Detail explains a failed verdict; recorded on the kicked entry.
	Detail string
}

// Validator checks whether a session's work can merge. A non-nil error
// means the check infrastructure itself failed, not the session: the
// entry is blocked for operator retry instead of being kicked.
type Validator interface {
	Validate(ctx context.Context, session string) (Verdict, error)
}

// Merger lands a mergeable session's work. An error kicks the entry.
type Merger interface {
	Merge(ctx context.Context, session string) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, session string) (Verdict, error)

func (f ValidatorFunc) Validate(ctx context.Context, session string) (Verdict, error) {
	return f(ctx, session)
}

// MergerFunc adapts a function to the Merger interface.
type MergerFunc func(ctx context.Context, session string) error

func (f MergerFunc) Merge(ctx context.Context, session string) error {
	return f(ctx, session)
}

// Processor runs train passes.
type Processor struct {
	store     *store.Store
	writer    *writer.Writer
	locks     *lock.Manager
	validator Validator
	merger    Merger
	sink      output.Sink

	// holder identifies this process on the train lease.
	holder string
}

// NewProcessor builds a train processor.
func NewProcessor(st *store.Store, w *writer.Writer, locks *lock.Manager, validator Validator, merger Merger, sink output.Sink, holder string) *Processor {
	if sink == nil {
		sink = output.Discard{}
	}
	return &Processor{
		store:     st,
		writer:    w,
		locks:     locks,
		validator: validator,
		merger:    merger,
		sink:      sink,
		holder:    holder,
	}
}

// Process runs one full train pass. runID keys the pass's commands in
// the ledger; reusing a runID makes a retried pass idempotent per entry.
// An empty runID gets a fresh one.
//
// The returned result always satisfies
// Merged + Kicked + StillActive == active entries at pass start.
func (p *Processor) Process(ctx context.Context, runID string) (coord.TrainResult, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	lease, err := p.locks.Acquire(ctx, coord.TrainResource, p.holder)
	if err != nil {
		if lock.AlreadyHeld(err) {
			return coord.TrainResult{}, fmt.Errorf("%w: %v", ErrTrainBusy, err)
		}
		return coord.TrainResult{}, err
	}
	// The lease is released before the terminal record goes out, so the
	// result record stays the last thing a sink sees for this pass.
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if rerr := p.locks.Release(context.WithoutCancel(ctx), lease); rerr != nil {
			slog.Warn("train lease release failed", "error", rerr)
		}
	}
	defer release()

	result, err := p.run(ctx, runID, lease)
	release()
	if err != nil {
		p.emit(output.IssueRecord(output.SeverityError, err))
		p.emit(output.ResultRecord(false, "train pass aborted"))
		return result, err
	}

	p.emit(output.SummaryRecord(map[string]int{
		"started":      result.StartedEntries,
		"merged":       result.Merged,
		"kicked":       result.Kicked,
		"blocked":      result.Blocked,
		"still_active": result.StillActive,
	}))
	p.emit(output.TrainResultRecord(result))
	return result, nil
}

// run walks the snapshot of active entries taken at pass start. Entries
// submitted mid-pass are picked up by the next pass.
func (p *Processor) run(ctx context.Context, runID string, lease coord.Lease) (coord.TrainResult, error) {
	entries, err := p.store.ActiveQueueEntries(ctx)
	if err != nil {
		return coord.TrainResult{}, err
	}

	slog.Info("train pass starting", "run_id", runID, "active", len(entries))

	var result coord.TrainResult
	blocked := map[string]bool{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return p.finish(result, len(entries)), err
		}

		switch entry.Status {
		case coord.QueueDraft:
			p.emit(output.StepRecord("skip", entry.Session, "draft"))
			continue
		case coord.QueueBlocked:
			blocked[entry.Session] = true
			result.Blocked++
			p.emit(output.StepRecord("skip", entry.Session, "blocked: "+entry.CheckDetail))
			continue
		}

		// A session stacked on a blocked ancestor cannot merge ahead of it.
		skip, err := p.blockedAncestor(ctx, entry.Session, blocked)
		if err != nil {
			return p.finish(result, len(entries)), err
		}
		if skip != "" {
			p.emit(output.StepRecord("skip", entry.Session, "ancestor "+skip+" is blocked"))
			continue
		}

		if err := p.processEntry(ctx, runID, entry, blocked, &result); err != nil {
			return p.finish(result, len(entries)), err
		}

		// Renew the train lease between entries; losing it means another
		// pass may already be running, so this one must stop.
		if lease, err = p.locks.Heartbeat(ctx, lease); err != nil {
			return p.finish(result, len(entries)), fmt.Errorf("train lease lost mid-pass: %w", err)
		}
	}

	return p.finish(result, len(entries)), nil
}

// processEntry drives one entry through check and merge. Ready entries
// go through the full chain; entries a crashed pass left in checking or
// mergeable resume from where they stopped.
func (p *Processor) processEntry(ctx context.Context, runID string, entry coord.QueueEntry, blocked map[string]bool, result *coord.TrainResult) error {
	session := entry.Session

	if entry.Status == coord.QueueMergeable {
		return p.mergeEntry(ctx, runID, session, result)
	}

	if entry.Status == coord.QueueReady {
		if err := p.transition(ctx, runID, session, coord.QueueChecking, ""); err != nil {
			return err
		}
	}
	result.StartedEntries++
	p.emit(output.StepRecord("check", session, ""))

	verdict, err := p.validator.Validate(ctx, session)
	if err != nil {
		// The check infrastructure failed, not the session. Block the
		// entry for retry instead of charging it with a kick.
		detail := "check infrastructure failed: " + err.Error()
		if terr := p.transition(ctx, runID, session, coord.QueueBlocked, detail); terr != nil {
			return terr
		}
		blocked[session] = true
		result.Blocked++
		p.emit(output.IssueRecord(output.SeverityWarning, coord.NewExternal("check on "+session+" did not run", err)))
		return nil
	}

	if !verdict.Passed {
		if err := p.transition(ctx, runID, session, coord.QueueKicked, verdict.Detail); err != nil {
			return err
		}
		result.Kicked++
		result.KickedSessions = append(result.KickedSessions, session)
		p.emit(output.StepRecord("kick", session, verdict.Detail))
		return nil
	}

	if err := p.transition(ctx, runID, session, coord.QueueMergeable, verdict.Detail); err != nil {
		return err
	}
	return p.mergeEntry(ctx, runID, session, result)
}

// mergeEntry lands a mergeable entry, kicking it if the merge fails.
func (p *Processor) mergeEntry(ctx context.Context, runID, session string, result *coord.TrainResult) error {
	if err := p.merger.Merge(ctx, session); err != nil {
		detail := "merge failed: " + err.Error()
		if terr := p.transition(ctx, runID, session, coord.QueueKicked, detail); terr != nil {
			return terr
		}
		result.Kicked++
		result.KickedSessions = append(result.KickedSessions, session)
		p.emit(output.StepRecord("kick", session, detail))
		return nil
	}

	if err := p.transition(ctx, runID, session, coord.QueueMerged, ""); err != nil {
		return err
	}
	result.Merged++
	p.emit(output.StepRecord("merge", session, ""))
	return nil
}

// transition submits one queue transition keyed to this pass, so a
// retried pass with the same runID replays recorded transitions instead
// of re-running them.
func (p *Processor) transition(ctx context.Context, runID, session string, to coord.QueueStatus, detail string) error {
	key := fmt.Sprintf("train:%s:%s:%s", runID, session, to)
	_, err := p.writer.Submit(ctx, key, coord.Command{
		Type: coord.CmdQueueTransition,
		QueueTransition: &coord.QueueTransition{
			Session: session,
			To:      to,
			Detail:  detail,
		},
	})
	return err
}

// blockedAncestor returns the nearest ancestor of session that is blocked
// in this pass, or "" when the path to the root is clear.
func (p *Processor) blockedAncestor(ctx context.Context, session string, blocked map[string]bool) (string, error) {
	ancestors, err := p.store.SessionAncestors(ctx, session)
	if err != nil {
		return "", err
	}
	for _, a := range ancestors {
		if blocked[a] {
			return a, nil
		}
	}
	return "", nil
}

// finish pins the accounting invariant: whatever happened mid-pass,
// still-active is the remainder of the starting set.
func (p *Processor) finish(result coord.TrainResult, activeAtStart int) coord.TrainResult {
	result.StillActive = activeAtStart - result.Merged - result.Kicked
	return result
}

func (p *Processor) emit(rec output.Record) {
	if err := p.sink.Emit(rec); err != nil {
		slog.Warn("output sink emit failed", "kind", rec.Kind, "error", err)
	}
}
