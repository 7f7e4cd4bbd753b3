package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
)

// GetSession returns a session by name, or a NotFound error.
func (s *Store) GetSession(ctx context.Context, name string) (coord.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, status, COALESCE(parent, ''), queued, created_at, updated_at
		FROM coord_sessions
		WHERE name = ?
	`, name)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coord.Session{}, coord.NewNotFound(
			"session "+name+" not found",
			"run 'isolate list' to see known sessions",
		)
	}
	if err != nil {
		return coord.Session{}, fmt.Errorf("get session %s: %w", name, err)
	}
	return sess, nil
}

// SessionExists reports whether a session row exists.
func (s *Store) SessionExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM coord_sessions WHERE name = ?
	`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("session exists %s: %w", name, err)
	}
	return count > 0, nil
}

// ListSessions returns all sessions ordered by name.
func (s *Store) ListSessions(ctx context.Context) ([]coord.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, status, COALESCE(parent, ''), queued, created_at, updated_at
		FROM coord_sessions
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []coord.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CountSessions returns the number of session rows.
// Drives the session-count ceiling check.
func (s *Store) CountSessions(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM coord_sessions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// SessionAncestors returns the parent chain of a session, nearest first.
// Chains are finite because re-parent commands reject cycles.
func (s *Store) SessionAncestors(ctx context.Context, name string) ([]string, error) {
	var chain []string
	current := name
	for {
		var parent sql.NullString
		err := s.db.QueryRowContext(ctx, `
			SELECT parent FROM coord_sessions WHERE name = ?
		`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			return chain, nil
		}
		if err != nil {
			return nil, fmt.Errorf("session ancestors %s: %w", name, err)
		}
		if !parent.Valid || parent.String == "" {
			return chain, nil
		}
		chain = append(chain, parent.String)
		current = parent.String
	}
}

// GetSessionTx is the transaction-scoped variant of GetSession.
func GetSessionTx(ctx context.Context, tx *sql.Tx, name string) (coord.Session, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT name, status, COALESCE(parent, ''), queued, created_at, updated_at
		FROM coord_sessions
		WHERE name = ?
	`, name)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coord.Session{}, coord.NewNotFound(
			"session "+name+" not found",
			"run 'isolate list' to see known sessions",
		)
	}
	if err != nil {
		return coord.Session{}, fmt.Errorf("get session %s: %w", name, err)
	}
	return sess, nil
}

// SessionExistsTx is the transaction-scoped variant of SessionExists.
func SessionExistsTx(ctx context.Context, tx *sql.Tx, name string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM coord_sessions WHERE name = ?
	`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("session exists %s: %w", name, err)
	}
	return count > 0, nil
}

// InsertSessionTx inserts a new session row within the writer's apply
// transaction.
func InsertSessionTx(ctx context.Context, tx *sql.Tx, sess coord.Session) error {
	var parent any
	if sess.Parent != "" {
		parent = sess.Parent
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO coord_sessions (name, status, parent, queued, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		sess.Name,
		string(sess.Status),
		parent,
		boolToInt(sess.Queued),
		sess.CreatedAt.UTC().Format(timeLayout),
		sess.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.Name, err)
	}
	return nil
}

// UpdateSessionStatusTx updates a session's lifecycle status.
func UpdateSessionStatusTx(ctx context.Context, tx *sql.Tx, name string, status coord.SessionStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE coord_sessions SET status = ?, updated_at = ? WHERE name = ?
	`, string(status), now.UTC().Format(timeLayout), name)
	if err != nil {
		return fmt.Errorf("update session status %s: %w", name, err)
	}
	return nil
}

// UpdateSessionParentTx re-parents a session. An empty parent detaches it.
func UpdateSessionParentTx(ctx context.Context, tx *sql.Tx, name, parent string, now time.Time) error {
	var p any
	if parent != "" {
		p = parent
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE coord_sessions SET parent = ?, updated_at = ? WHERE name = ?
	`, p, now.UTC().Format(timeLayout), name)
	if err != nil {
		return fmt.Errorf("update session parent %s: %w", name, err)
	}
	return nil
}

// ReparentChildrenTx moves every child of name onto newParent. An empty
// newParent detaches the children to roots. Removal uses this to splice
// children onto their grandparent so no parent reference dangles.
func ReparentChildrenTx(ctx context.Context, tx *sql.Tx, name, newParent string, now time.Time) error {
	var p any
	if newParent != "" {
		p = newParent
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE coord_sessions SET parent = ?, updated_at = ? WHERE parent = ?
	`, p, now.UTC().Format(timeLayout), name)
	if err != nil {
		return fmt.Errorf("reparent children of %s: %w", name, err)
	}
	return nil
}

// SetSessionQueuedTx flags a session's queue participation.
func SetSessionQueuedTx(ctx context.Context, tx *sql.Tx, name string, queued bool, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE coord_sessions SET queued = ?, updated_at = ? WHERE name = ?
	`, boolToInt(queued), now.UTC().Format(timeLayout), name)
	if err != nil {
		return fmt.Errorf("set session queued %s: %w", name, err)
	}
	return nil
}

// DeleteSessionTx removes a session row and cascade-deletes any lease
// referencing it in the same transaction, so the lock table never points
// at a missing resource.
func DeleteSessionTx(ctx context.Context, tx *sql.Tx, name string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM coord_locks WHERE resource = ?`, name); err != nil {
		return fmt.Errorf("cascade lock delete for %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM coord_queue_entries WHERE session = ?`, name); err != nil {
		return fmt.Errorf("cascade queue delete for %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM coord_sessions WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete session %s: %w", name, err)
	}
	return nil
}

func scanSession(sc scanner) (coord.Session, error) {
	var sess coord.Session
	var status, createdAt, updatedAt string
	var queued int
	if err := sc.Scan(&sess.Name, &status, &sess.Parent, &queued, &createdAt, &updatedAt); err != nil {
		return coord.Session{}, err
	}
	sess.Status = coord.SessionStatus(status)
	sess.Queued = queued != 0

	var err error
	if sess.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return coord.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return coord.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
