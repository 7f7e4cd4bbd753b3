package writer

import (
	"context"
	"fmt"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/output"
)

// validate checks a command's preconditions against the current state.
//
// A validation failure returns an error and writes nothing: the command
// never enters the ledger, so a retry re-executes from scratch. Checks
// here may read state freely because the Run goroutine processes one
// command at a time; nothing mutates between validate and apply.
//
// State-dependent branching that must survive replay (idempotent relock,
// if-present remove, stale reclamation) does NOT live here - it lives in
// apply, keyed off the envelope's recorded time.
func (w *Writer) validate(ctx context.Context, env coord.Envelope) ([]output.Record, error) {
	cmd := env.Command
	switch cmd.Type {
	case coord.CmdSessionCreate:
		return w.validateSessionCreate(ctx, cmd.SessionCreate)
	case coord.CmdSessionUpdateStatus:
		return nil, w.validateSessionUpdateStatus(ctx, cmd.SessionUpdateStatus)
	case coord.CmdSessionReparent:
		return nil, w.validateSessionReparent(ctx, cmd.SessionReparent)
	case coord.CmdSessionRemove:
		return nil, w.validateSessionRemove(ctx, cmd.SessionRemove)
	case coord.CmdQueueSubmit:
		return nil, w.validateQueueSubmit(ctx, cmd.QueueSubmit)
	case coord.CmdQueueTransition:
		return nil, w.validateQueueTransition(ctx, cmd.QueueTransition)
	case coord.CmdQueueKick:
		return nil, w.validateQueueKick(ctx, cmd.QueueKick)
	case coord.CmdLockAcquire:
		return nil, w.validateLockAcquire(ctx, cmd.LockAcquire)
	case coord.CmdLockHeartbeat:
		return nil, validateLeaseRef(cmd.LockHeartbeat.Resource, cmd.LockHeartbeat.LeaseID)
	case coord.CmdLockRelease:
		return nil, validateLeaseRef(cmd.LockRelease.Resource, cmd.LockRelease.LeaseID)
	case coord.CmdLockReclaim:
		return nil, nil
	default:
		return nil, coord.NewValidation(fmt.Sprintf("unknown command type %q", cmd.Type), "")
	}
}

func (w *Writer) validateSessionCreate(ctx context.Context, p *coord.SessionCreate) ([]output.Record, error) {
	if err := coord.ValidateSessionName(p.Name); err != nil {
		return nil, err
	}
	if p.Name == coord.TrainResource {
		return nil, coord.NewValidation(
			"session name "+coord.TrainResource+" is reserved",
			"pick a different session name",
		)
	}

	if p.Parent != "" {
		if p.Parent == p.Name {
			return nil, coord.NewValidation("session cannot be its own parent", "")
		}
		exists, err := w.store.SessionExists(ctx, p.Parent)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, coord.NewNotFound(
				"parent session "+p.Parent+" not found",
				"create the parent session first",
			)
		}
	}

	exists, err := w.store.SessionExists(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, coord.NewStateConflict(
			"session "+p.Name+" already exists",
			"run 'isolate remove "+p.Name+"' first, or pick a different name",
		)
	}

	return w.checkCeiling(ctx, p.Force)
}

// checkCeiling enforces the session-count ceiling. Near the ceiling the
// command still succeeds but carries a warning record; at the ceiling it
// is rejected unless forced.
func (w *Writer) checkCeiling(ctx context.Context, force bool) ([]output.Record, error) {
	if w.limit.MaxSessions <= 0 {
		return nil, nil
	}

	count, err := w.store.CountSessions(ctx)
	if err != nil {
		return nil, err
	}

	if count >= w.limit.MaxSessions {
		if !force {
			return nil, &coord.Error{
				Category:    coord.CategoryValidation,
				Code:        "SESSION_CEILING",
				Message:     fmt.Sprintf("session ceiling reached (%d of %d)", count, w.limit.MaxSessions),
				Remediation: "remove finished sessions, or pass --force to exceed the ceiling",
			}
		}
		return []output.Record{output.WarningRecord(
			coord.CategoryValidation,
			fmt.Sprintf("session ceiling exceeded by force (%d of %d)", count+1, w.limit.MaxSessions),
			"remove finished sessions",
		)}, nil
	}

	if float64(count+1) >= w.limit.WarnRatio*float64(w.limit.MaxSessions) {
		return []output.Record{output.WarningRecord(
			coord.CategoryValidation,
			fmt.Sprintf("session count approaching ceiling (%d of %d)", count+1, w.limit.MaxSessions),
			"remove finished sessions before the ceiling blocks creation",
		)}, nil
	}
	return nil, nil
}

func (w *Writer) validateSessionUpdateStatus(ctx context.Context, p *coord.SessionUpdateStatus) error {
	if !coord.ValidSessionStatuses[p.Status] {
		return coord.NewValidation(
			"unknown session status "+string(p.Status),
			"use one of active, syncing, paused, completed, failed",
		)
	}
	_, err := w.store.GetSession(ctx, p.Name)
	return err
}

func (w *Writer) validateSessionReparent(ctx context.Context, p *coord.SessionReparent) error {
	if _, err := w.store.GetSession(ctx, p.Name); err != nil {
		return err
	}
	if p.Parent == "" {
		return nil
	}
	if p.Parent == p.Name {
		return coord.NewValidation("session cannot be its own parent", "")
	}
	if _, err := w.store.GetSession(ctx, p.Parent); err != nil {
		return err
	}

	// Walking from the proposed parent upward must never reach the session
	// itself, or the stack would loop.
	ancestors, err := w.store.SessionAncestors(ctx, p.Parent)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a == p.Name {
			return coord.NewStateConflict(
				"reparenting "+p.Name+" under "+p.Parent+" would create a cycle",
				"detach "+p.Parent+" from the stack first",
			)
		}
	}
	return nil
}

func (w *Writer) validateSessionRemove(ctx context.Context, p *coord.SessionRemove) error {
	if err := coord.ValidateSessionName(p.Name); err != nil {
		return err
	}
	if p.IfPresent {
		return nil
	}
	exists, err := w.store.SessionExists(ctx, p.Name)
	if err != nil {
		return err
	}
	if !exists {
		return coord.NewNotFound(
			"session "+p.Name+" not found",
			"pass --if-present for idempotent removal",
		)
	}
	return nil
}

func (w *Writer) validateQueueSubmit(ctx context.Context, p *coord.QueueSubmit) error {
	if _, err := w.store.GetSession(ctx, p.Session); err != nil {
		return err
	}
	entry, err := w.store.GetQueueEntry(ctx, p.Session)
	if coord.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !entry.Status.Terminal() {
		return coord.NewStateConflict(
			"session "+p.Session+" is already queued at position "+fmt.Sprint(entry.Position),
			"",
		)
	}
	// A merged or kicked entry can be resubmitted; the old row is replaced.
	return nil
}

func (w *Writer) validateQueueTransition(ctx context.Context, p *coord.QueueTransition) error {
	entry, err := w.store.GetQueueEntry(ctx, p.Session)
	if err != nil {
		return err
	}
	return coord.CheckTransition(p.Session, entry.Status, p.To)
}

func (w *Writer) validateQueueKick(ctx context.Context, p *coord.QueueKick) error {
	entry, err := w.store.GetQueueEntry(ctx, p.Session)
	if err != nil {
		return err
	}
	if entry.Status.Terminal() {
		return coord.NewStateConflict(
			"queue entry "+p.Session+" is already "+string(entry.Status),
			"",
		)
	}
	return nil
}

func (w *Writer) validateLockAcquire(ctx context.Context, p *coord.LockAcquire) error {
	if err := validateLeaseRef(p.Resource, p.LeaseID); err != nil {
		return err
	}
	if p.Holder == "" {
		return coord.NewValidation("lock holder is empty", "identify the acquiring process")
	}
	if p.TTLSeconds <= 0 {
		return coord.NewValidation("lock TTL must be positive", "")
	}

	// Only the train slot and existing sessions are lockable. An unknown
	// resource is rejected outright; no lock row is ever created for it.
	if p.Resource == coord.TrainResource {
		return nil
	}
	exists, err := w.store.SessionExists(ctx, p.Resource)
	if err != nil {
		return err
	}
	if !exists {
		return coord.NewNotFound(
			"lockable resource "+p.Resource+" not found",
			"resources are the train slot or an existing session name",
		)
	}
	return nil
}

func validateLeaseRef(resource, leaseID string) error {
	if resource == "" {
		return coord.NewValidation("lock resource is empty", "")
	}
	if leaseID == "" {
		return coord.NewValidation("lease id is empty", "")
	}
	return nil
}
