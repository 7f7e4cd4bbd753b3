package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StateDigest computes a SHA-256 digest over a canonical dump of the
// materialized tables (sessions, queue entries, locks). Replay equivalence
// is verified by comparing digests before and after a rebuild: identical
// digests mean byte-identical materialized state.
//
// The ledger itself is excluded - it is the input to replay, not part of
// the materialized view.
func (s *Store) StateDigest(ctx context.Context) (string, error) {
	h := sha256.New()

	dumps := []struct {
		table string
		query string
	}{
		{"coord_sessions", `
			SELECT name, status, COALESCE(parent, ''), queued, created_at, updated_at
			FROM coord_sessions ORDER BY name ASC`},
		{"coord_queue_entries", `
			SELECT session, COALESCE(position, -1), status, check_detail, created_at, updated_at
			FROM coord_queue_entries ORDER BY session ASC`},
		{"coord_locks", `
			SELECT resource, holder, lease_id, acquired_at, heartbeat_at, ttl_secs
			FROM coord_locks ORDER BY resource ASC`},
	}

	for _, d := range dumps {
		h.Write([]byte(d.table))
		h.Write([]byte{0x00})
		if err := hashRows(ctx, s.db, h.Write, d.query); err != nil {
			return "", fmt.Errorf("state digest %s: %w", d.table, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashRows streams every row of a query into the hash as a JSON array of
// column values. Column values come back as int64, string, or nil here;
// JSON encoding of those is deterministic.
func hashRows(ctx context.Context, db *sql.DB, write func([]byte) (int, error), query string) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		line, err := json.Marshal(values)
		if err != nil {
			return err
		}
		if _, err := write(line); err != nil {
			return err
		}
		if _, err := write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ResetStateTx clears every materialized table ahead of a ledger replay.
// The ledger is untouched.
func ResetStateTx(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"coord_locks", "coord_queue_entries", "coord_sessions"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
