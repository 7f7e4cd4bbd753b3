package writer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/store"
)

// applyCommand mutates the state store for one logged envelope inside a
// single transaction.
//
// Determinism contract: the only inputs are the transaction's view of
// state and the envelope itself. Time comes from env.RecordedAt, never
// the wall clock, so replaying the ledger rebuilds identical state.
// Errors returned here flip the ledger row to failed; replay then skips
// it, matching the live run where the mutation never committed.
func applyCommand(ctx context.Context, tx *sql.Tx, env coord.Envelope) (coord.Outcome, error) {
	now := env.RecordedAt
	cmd := env.Command

	switch cmd.Type {
	case coord.CmdSessionCreate:
		return applySessionCreate(ctx, tx, cmd.SessionCreate, now)
	case coord.CmdSessionUpdateStatus:
		return applySessionUpdateStatus(ctx, tx, cmd.SessionUpdateStatus, now)
	case coord.CmdSessionReparent:
		return applySessionReparent(ctx, tx, cmd.SessionReparent, now)
	case coord.CmdSessionRemove:
		return applySessionRemove(ctx, tx, cmd.SessionRemove, now)
	case coord.CmdQueueSubmit:
		return applyQueueSubmit(ctx, tx, cmd.QueueSubmit, now)
	case coord.CmdQueueTransition:
		return applyQueueTransition(ctx, tx, cmd.QueueTransition, now)
	case coord.CmdQueueKick:
		return applyQueueKick(ctx, tx, cmd.QueueKick, now)
	case coord.CmdLockAcquire:
		return applyLockAcquire(ctx, tx, cmd.LockAcquire, now)
	case coord.CmdLockHeartbeat:
		return applyLockHeartbeat(ctx, tx, cmd.LockHeartbeat, now)
	case coord.CmdLockRelease:
		return applyLockRelease(ctx, tx, cmd.LockRelease)
	case coord.CmdLockReclaim:
		return applyLockReclaim(ctx, tx, now)
	default:
		return coord.Outcome{}, fmt.Errorf("apply: unknown command type %q", cmd.Type)
	}
}

func applySessionCreate(ctx context.Context, tx *sql.Tx, p *coord.SessionCreate, now time.Time) (coord.Outcome, error) {
	sess := coord.Session{
		Name:      p.Name,
		Status:    coord.SessionActive,
		Parent:    p.Parent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.InsertSessionTx(ctx, tx, sess); err != nil {
		return coord.Outcome{}, err
	}
	return coord.Outcome{Kind: "session", Session: &sess}, nil
}

func applySessionUpdateStatus(ctx context.Context, tx *sql.Tx, p *coord.SessionUpdateStatus, now time.Time) (coord.Outcome, error) {
	if err := store.UpdateSessionStatusTx(ctx, tx, p.Name, p.Status, now); err != nil {
		return coord.Outcome{}, err
	}
	sess, err := store.GetSessionTx(ctx, tx, p.Name)
	if err != nil {
		return coord.Outcome{}, err
	}
	return coord.Outcome{Kind: "session", Session: &sess}, nil
}

func applySessionReparent(ctx context.Context, tx *sql.Tx, p *coord.SessionReparent, now time.Time) (coord.Outcome, error) {
	if err := store.UpdateSessionParentTx(ctx, tx, p.Name, p.Parent, now); err != nil {
		return coord.Outcome{}, err
	}
	sess, err := store.GetSessionTx(ctx, tx, p.Name)
	if err != nil {
		return coord.Outcome{}, err
	}
	return coord.Outcome{Kind: "session", Session: &sess}, nil
}

func applySessionRemove(ctx context.Context, tx *sql.Tx, p *coord.SessionRemove, now time.Time) (coord.Outcome, error) {
	sess, err := store.GetSessionTx(ctx, tx, p.Name)
	if err != nil {
		if coord.IsNotFound(err) {
			if p.IfPresent {
				return coord.Outcome{Kind: "none", Note: "session " + p.Name + " already absent"}, nil
			}
			return coord.Outcome{}, coord.NewNotFound("session "+p.Name+" not found", "")
		}
		return coord.Outcome{}, err
	}

	// Children are spliced onto their grandparent so no parent reference
	// points at the removed session.
	if err := store.ReparentChildrenTx(ctx, tx, p.Name, sess.Parent, now); err != nil {
		return coord.Outcome{}, err
	}

	// An active queue entry is kicked first so followers are renumbered;
	// the cascade delete alone would leave a position gap.
	entry, found, err := store.GetQueueEntryTx(ctx, tx, p.Name)
	if err != nil {
		return coord.Outcome{}, err
	}
	if found && !entry.Status.Terminal() {
		if err := store.KickQueueEntryTx(ctx, tx, p.Name, "session removed", now); err != nil {
			return coord.Outcome{}, err
		}
	}

	if err := store.DeleteSessionTx(ctx, tx, p.Name); err != nil {
		return coord.Outcome{}, err
	}
	return coord.Outcome{Kind: "none", Note: "session " + p.Name + " removed"}, nil
}

func applyQueueSubmit(ctx context.Context, tx *sql.Tx, p *coord.QueueSubmit, now time.Time) (coord.Outcome, error) {
	// Resubmission after merged/kicked replaces the terminal row.
	if err := store.DeleteQueueEntryTx(ctx, tx, p.Session); err != nil {
		return coord.Outcome{}, err
	}

	position, err := store.NextQueuePositionTx(ctx, tx)
	if err != nil {
		return coord.Outcome{}, err
	}

	status := coord.QueueReady
	if p.Draft {
		status = coord.QueueDraft
	}
	entry := coord.QueueEntry{
		Session:   p.Session,
		Position:  position,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.InsertQueueEntryTx(ctx, tx, entry); err != nil {
		return coord.Outcome{}, err
	}
	if err := store.SetSessionQueuedTx(ctx, tx, p.Session, true, now); err != nil {
		return coord.Outcome{}, err
	}
	return coord.Outcome{Kind: "entry", Entry: &entry}, nil
}

func applyQueueTransition(ctx context.Context, tx *sql.Tx, p *coord.QueueTransition, now time.Time) (coord.Outcome, error) {
	switch p.To {
	case coord.QueueMerged:
		if err := store.MarkQueueMergedTx(ctx, tx, p.Session, now); err != nil {
			return coord.Outcome{}, err
		}
		if err := store.SetSessionQueuedTx(ctx, tx, p.Session, false, now); err != nil {
			return coord.Outcome{}, err
		}
	case coord.QueueKicked:
		if err := store.KickQueueEntryTx(ctx, tx, p.Session, p.Detail, now); err != nil {
			return coord.Outcome{}, err
		}
		if err := store.SetSessionQueuedTx(ctx, tx, p.Session, false, now); err != nil {
			return coord.Outcome{}, err
		}
	default:
		if err := store.UpdateQueueStatusTx(ctx, tx, p.Session, p.To, p.Detail, now); err != nil {
			return coord.Outcome{}, err
		}
	}

	entry, found, err := store.GetQueueEntryTx(ctx, tx, p.Session)
	if err != nil {
		return coord.Outcome{}, err
	}
	if !found {
		return coord.Outcome{}, fmt.Errorf("queue entry %s vanished during transition", p.Session)
	}
	return coord.Outcome{Kind: "entry", Entry: &entry}, nil
}

func applyQueueKick(ctx context.Context, tx *sql.Tx, p *coord.QueueKick, now time.Time) (coord.Outcome, error) {
	if err := store.KickQueueEntryTx(ctx, tx, p.Session, p.Reason, now); err != nil {
		return coord.Outcome{}, err
	}
	if err := store.SetSessionQueuedTx(ctx, tx, p.Session, false, now); err != nil {
		return coord.Outcome{}, err
	}
	entry, found, err := store.GetQueueEntryTx(ctx, tx, p.Session)
	if err != nil {
		return coord.Outcome{}, err
	}
	if !found {
		return coord.Outcome{}, fmt.Errorf("queue entry %s vanished during kick", p.Session)
	}
	return coord.Outcome{Kind: "entry", Entry: &entry}, nil
}

func applyLockAcquire(ctx context.Context, tx *sql.Tx, p *coord.LockAcquire, now time.Time) (coord.Outcome, error) {
	incumbent, found, err := store.GetLockTx(ctx, tx, p.Resource)
	if err != nil {
		return coord.Outcome{}, err
	}

	if found {
		// Re-acquiring one's own lease is a heartbeat, not a conflict.
		if incumbent.ID == p.LeaseID {
			if err := store.TouchLockTx(ctx, tx, p.Resource, now); err != nil {
				return coord.Outcome{}, err
			}
			incumbent.HeartbeatAt = now
			return coord.Outcome{Kind: "lease", Lease: &incumbent, Note: "lease renewed"}, nil
		}
		if !incumbent.Stale(now) {
			return coord.Outcome{}, &coord.Error{
				Category:    coord.CategoryStateConflict,
				Code:        "ALREADY_HELD",
				Message:     fmt.Sprintf("resource %s is held by %s", p.Resource, incumbent.Holder),
				Remediation: "wait for the holder to release, or for its lease to lapse",
			}
		}
		// Stale incumbent: the upsert below reclaims it in the same write.
	}

	lease := coord.Lease{
		Resource:    p.Resource,
		Holder:      p.Holder,
		ID:          p.LeaseID,
		AcquiredAt:  now,
		HeartbeatAt: now,
		TTL:         time.Duration(p.TTLSeconds) * time.Second,
	}
	if err := store.UpsertLockTx(ctx, tx, lease); err != nil {
		return coord.Outcome{}, err
	}

	note := ""
	if found {
		note = "reclaimed stale lease from " + incumbent.Holder
	}
	return coord.Outcome{Kind: "lease", Lease: &lease, Note: note}, nil
}

func applyLockHeartbeat(ctx context.Context, tx *sql.Tx, p *coord.LockHeartbeat, now time.Time) (coord.Outcome, error) {
	lease, found, err := store.GetLockTx(ctx, tx, p.Resource)
	if err != nil {
		return coord.Outcome{}, err
	}
	if !found {
		return coord.Outcome{}, &coord.Error{
			Category:    coord.CategoryNotFound,
			Code:        "LEASE_EXPIRED",
			Message:     "no lease on " + p.Resource,
			Remediation: "the lease expired and was reclaimed; re-acquire the lock",
		}
	}
	if lease.ID != p.LeaseID {
		return coord.Outcome{}, &coord.Error{
			Category: coord.CategoryStateConflict,
			Code:     "NOT_HOLDER",
			Message:  fmt.Sprintf("lease on %s is held by %s", p.Resource, lease.Holder),
		}
	}
	if lease.Stale(now) {
		return coord.Outcome{}, &coord.Error{
			Category:    coord.CategoryStateConflict,
			Code:        "LEASE_EXPIRED",
			Message:     "lease on " + p.Resource + " lapsed before the heartbeat",
			Remediation: "re-acquire the lock; do not assume continued exclusivity",
		}
	}

	if err := store.TouchLockTx(ctx, tx, p.Resource, now); err != nil {
		return coord.Outcome{}, err
	}
	lease.HeartbeatAt = now
	return coord.Outcome{Kind: "lease", Lease: &lease}, nil
}

func applyLockRelease(ctx context.Context, tx *sql.Tx, p *coord.LockRelease) (coord.Outcome, error) {
	lease, found, err := store.GetLockTx(ctx, tx, p.Resource)
	if err != nil {
		return coord.Outcome{}, err
	}
	if !found {
		// Releasing an absent lease is idempotent: a crashed holder's lease
		// may already have been reclaimed.
		return coord.Outcome{Kind: "none", Note: "no lease on " + p.Resource}, nil
	}
	if lease.ID != p.LeaseID {
		return coord.Outcome{}, &coord.Error{
			Category: coord.CategoryStateConflict,
			Code:     "NOT_HOLDER",
			Message:  fmt.Sprintf("lease on %s is held by %s", p.Resource, lease.Holder),
		}
	}

	if err := store.DeleteLockTx(ctx, tx, p.Resource); err != nil {
		return coord.Outcome{}, err
	}
	return coord.Outcome{Kind: "none", Note: "released " + p.Resource}, nil
}

func applyLockReclaim(ctx context.Context, tx *sql.Tx, now time.Time) (coord.Outcome, error) {
	count, err := store.DeleteStaleLocksTx(ctx, tx, now)
	if err != nil {
		return coord.Outcome{}, err
	}
	return coord.Outcome{Kind: "count", Count: count}, nil
}
