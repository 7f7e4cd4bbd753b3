package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
)

// GetLock returns the lease on a resource, reporting found=false when no
// lock row exists. Staleness is the caller's judgment; the row is returned
// as stored.
func (s *Store) GetLock(ctx context.Context, resource string) (coord.Lease, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT resource, holder, lease_id, acquired_at, heartbeat_at, ttl_secs
		FROM coord_locks
		WHERE resource = ?
	`, resource)

	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coord.Lease{}, false, nil
	}
	if err != nil {
		return coord.Lease{}, false, fmt.Errorf("get lock %s: %w", resource, err)
	}
	return lease, true, nil
}

// ListLocks returns every lock row ordered by resource.
func (s *Store) ListLocks(ctx context.Context) ([]coord.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource, holder, lease_id, acquired_at, heartbeat_at, ttl_secs
		FROM coord_locks
		ORDER BY resource ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	leases := []coord.Lease{}
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("list locks: %w", err)
		}
		leases = append(leases, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return leases, nil
}

// GetLockTx is the transaction-scoped variant of GetLock, for use inside
// the writer's apply step (the lone connection is held by the open tx).
func GetLockTx(ctx context.Context, tx *sql.Tx, resource string) (coord.Lease, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT resource, holder, lease_id, acquired_at, heartbeat_at, ttl_secs
		FROM coord_locks
		WHERE resource = ?
	`, resource)

	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coord.Lease{}, false, nil
	}
	if err != nil {
		return coord.Lease{}, false, fmt.Errorf("get lock %s: %w", resource, err)
	}
	return lease, true, nil
}

// UpsertLockTx writes a lease row, replacing any incumbent on the same
// resource. Replacement is how a stale lease is reclaimed atomically
// inside the acquiring command - there is no separate release step for
// the acquirer to race against.
func UpsertLockTx(ctx context.Context, tx *sql.Tx, lease coord.Lease) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO coord_locks (resource, holder, lease_id, acquired_at, heartbeat_at, ttl_secs)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			holder = excluded.holder,
			lease_id = excluded.lease_id,
			acquired_at = excluded.acquired_at,
			heartbeat_at = excluded.heartbeat_at,
			ttl_secs = excluded.ttl_secs
	`,
		lease.Resource,
		lease.Holder,
		lease.ID,
		lease.AcquiredAt.UTC().Format(timeLayout),
		lease.HeartbeatAt.UTC().Format(timeLayout),
		int64(lease.TTL/time.Second),
	)
	if err != nil {
		return fmt.Errorf("upsert lock %s: %w", lease.Resource, err)
	}
	return nil
}

// TouchLockTx renews the heartbeat time on a held lease.
func TouchLockTx(ctx context.Context, tx *sql.Tx, resource string, heartbeatAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE coord_locks SET heartbeat_at = ? WHERE resource = ?
	`, heartbeatAt.UTC().Format(timeLayout), resource)
	if err != nil {
		return fmt.Errorf("touch lock %s: %w", resource, err)
	}
	return nil
}

// DeleteLockTx removes the lease row on a resource.
func DeleteLockTx(ctx context.Context, tx *sql.Tx, resource string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM coord_locks WHERE resource = ?`, resource)
	if err != nil {
		return fmt.Errorf("delete lock %s: %w", resource, err)
	}
	return nil
}

// DeleteStaleLocksTx removes every lease whose heartbeat has lapsed its
// TTL at now, returning the count reclaimed. This is the self-heal pass.
func DeleteStaleLocksTx(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT resource, holder, lease_id, acquired_at, heartbeat_at, ttl_secs
		FROM coord_locks
	`)
	if err != nil {
		return 0, fmt.Errorf("scan stale locks: %w", err)
	}

	var stale []string
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale locks: %w", err)
		}
		if lease.Stale(now) {
			stale = append(stale, lease.Resource)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("scan stale locks: %w", err)
	}

	for _, resource := range stale {
		if err := DeleteLockTx(ctx, tx, resource); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

func scanLease(sc scanner) (coord.Lease, error) {
	var lease coord.Lease
	var acquiredAt, heartbeatAt string
	var ttlSecs int64
	if err := sc.Scan(&lease.Resource, &lease.Holder, &lease.ID, &acquiredAt, &heartbeatAt, &ttlSecs); err != nil {
		return coord.Lease{}, err
	}
	lease.TTL = time.Duration(ttlSecs) * time.Second

	var err error
	if lease.AcquiredAt, err = time.Parse(timeLayout, acquiredAt); err != nil {
		return coord.Lease{}, fmt.Errorf("parse acquired_at: %w", err)
	}
	if lease.HeartbeatAt, err = time.Parse(timeLayout, heartbeatAt); err != nil {
		return coord.Lease{}, fmt.Errorf("parse heartbeat_at: %w", err)
	}
	return lease, nil
}
