// Package lock provides lease-based advisory locking on top of the
// single-writer reactor.
//
// A lease grants exclusive use of a resource (the train slot, or a
// session) for as long as its holder keeps heartbeating. A holder that
// crashes simply stops heartbeating; once the lease lapses its TTL it is
// reclaimed lazily by the next acquirer or proactively by ReclaimStale.
// No lease ever requires manual cleanup.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/writer"
)

// DefaultTTL is the lease duration for session locks.
const DefaultTTL = 5 * time.Minute

// TrainTTL is the lease duration for the train slot. Train passes run
// validation commands, so the window is wider than a session lease.
const TrainTTL = 10 * time.Minute

// Manager issues and maintains leases through the writer.
//
// Every mutation goes through Submit, so lock operations serialize with
// all other commands and land in the ledger like everything else.
type Manager struct {
	writer *writer.Writer
	ttl    time.Duration

	// newID generates lease IDs; tests pin it for determinism.
	newID func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the lease duration for Acquire.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithLeaseIDs overrides lease ID generation.
func WithLeaseIDs(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a Manager submitting through w.
func NewManager(w *writer.Writer, opts ...Option) *Manager {
	m := &Manager{
		writer: w,
		ttl:    DefaultTTL,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire claims a lease on resource for holder. A stale incumbent lease
// is reclaimed as part of the same command; a fresh incumbent yields a
// state-conflict error with code ALREADY_HELD.
//
// The returned lease's ID is the capability for Heartbeat and Release.
func (m *Manager) Acquire(ctx context.Context, resource, holder string) (coord.Lease, error) {
	leaseID := m.newID()
	outcome, err := m.writer.Submit(ctx, "lock.acquire:"+resource+":"+leaseID, coord.Command{
		Type: coord.CmdLockAcquire,
		LockAcquire: &coord.LockAcquire{
			Resource:   resource,
			Holder:     holder,
			LeaseID:    leaseID,
			TTLSeconds: int64(m.ttl / time.Second),
		},
	})
	if err != nil {
		return coord.Lease{}, err
	}
	return *outcome.Lease, nil
}

// Heartbeat renews the lease, extending its staleness window. Returns
// NOT_HOLDER if the lease was reclaimed and reissued, LEASE_EXPIRED if
// it lapsed; either way the holder must stop assuming exclusivity.
func (m *Manager) Heartbeat(ctx context.Context, lease coord.Lease) (coord.Lease, error) {
	outcome, err := m.writer.Submit(ctx, "lock.heartbeat:"+lease.ID+":"+m.newID(), coord.Command{
		Type: coord.CmdLockHeartbeat,
		LockHeartbeat: &coord.LockHeartbeat{
			Resource: lease.Resource,
			LeaseID:  lease.ID,
		},
	})
	if err != nil {
		return coord.Lease{}, err
	}
	return *outcome.Lease, nil
}

// Release drops the lease. Releasing a lease that no longer exists is a
// no-op: the holder may have crashed and been reclaimed already.
func (m *Manager) Release(ctx context.Context, lease coord.Lease) error {
	_, err := m.writer.Submit(ctx, "lock.release:"+lease.ID, coord.Command{
		Type: coord.CmdLockRelease,
		LockRelease: &coord.LockRelease{
			Resource: lease.Resource,
			LeaseID:  lease.ID,
		},
	})
	return err
}

// ReclaimStale deletes every lapsed lease, returning the count removed.
// This is the proactive self-heal pass run by the doctor command; lazy
// reclamation on acquire makes the system correct without it.
func (m *Manager) ReclaimStale(ctx context.Context) (int, error) {
	outcome, err := m.writer.Submit(ctx, "lock.reclaim:"+m.newID(), coord.Command{
		Type:        coord.CmdLockReclaim,
		LockReclaim: &coord.LockReclaim{},
	})
	if err != nil {
		return 0, err
	}
	return outcome.Count, nil
}

// AlreadyHeld reports whether err is a contention failure on acquire.
func AlreadyHeld(err error) bool {
	return coord.HasCode(err, "ALREADY_HELD")
}
