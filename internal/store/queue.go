package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
)

// GetQueueEntry returns the queue entry for a session, or a NotFound error.
func (s *Store) GetQueueEntry(ctx context.Context, session string) (coord.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session, COALESCE(position, 0), status, check_detail, created_at, updated_at
		FROM coord_queue_entries
		WHERE session = ?
	`, session)

	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coord.QueueEntry{}, coord.NewNotFound(
			"queue entry for session "+session+" not found",
			"run 'isolate queue add "+session+"' to submit it",
		)
	}
	if err != nil {
		return coord.QueueEntry{}, fmt.Errorf("get queue entry %s: %w", session, err)
	}
	return entry, nil
}

// ActiveQueueEntries returns non-terminal entries ordered by position
// ascending. This is the live train ordering.
func (s *Store) ActiveQueueEntries(ctx context.Context) ([]coord.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT session, COALESCE(position, 0), status, check_detail, created_at, updated_at
		FROM coord_queue_entries
		WHERE position IS NOT NULL
		ORDER BY position ASC
	`)
}

// ListQueueEntries returns every entry, active first in position order,
// then terminal entries by session name.
func (s *Store) ListQueueEntries(ctx context.Context) ([]coord.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT session, COALESCE(position, 0), status, check_detail, created_at, updated_at
		FROM coord_queue_entries
		ORDER BY position IS NULL ASC, position ASC, session ASC
	`)
}

// NextQueuePosition returns the position for a newly submitted entry:
// one past the highest active position, or the base for an empty queue.
func (s *Store) NextQueuePosition(ctx context.Context) (int, error) {
	var maxPos sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(position) FROM coord_queue_entries WHERE position IS NOT NULL
	`).Scan(&maxPos)
	if err != nil {
		return 0, fmt.Errorf("next queue position: %w", err)
	}
	if !maxPos.Valid {
		return coord.QueueBasePosition, nil
	}
	return int(maxPos.Int64) + 1, nil
}

// NextQueuePositionTx is the transaction-scoped variant of
// NextQueuePosition, for position assignment inside the apply step.
func NextQueuePositionTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var maxPos sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(position) FROM coord_queue_entries WHERE position IS NOT NULL
	`).Scan(&maxPos)
	if err != nil {
		return 0, fmt.Errorf("next queue position: %w", err)
	}
	if !maxPos.Valid {
		return coord.QueueBasePosition, nil
	}
	return int(maxPos.Int64) + 1, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]coord.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	entries := []coord.QueueEntry{}
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

// GetQueueEntryTx is the transaction-scoped variant of GetQueueEntry.
// Absence is reported as found=false rather than an error, because the
// apply step branches on it.
func GetQueueEntryTx(ctx context.Context, tx *sql.Tx, session string) (coord.QueueEntry, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT session, COALESCE(position, 0), status, check_detail, created_at, updated_at
		FROM coord_queue_entries
		WHERE session = ?
	`, session)

	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coord.QueueEntry{}, false, nil
	}
	if err != nil {
		return coord.QueueEntry{}, false, fmt.Errorf("get queue entry %s: %w", session, err)
	}
	return entry, true, nil
}

// DeleteQueueEntryTx removes a queue entry row. Resubmitting a session
// whose previous entry reached a terminal state replaces the old row.
func DeleteQueueEntryTx(ctx context.Context, tx *sql.Tx, session string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM coord_queue_entries WHERE session = ?`, session)
	if err != nil {
		return fmt.Errorf("delete queue entry %s: %w", session, err)
	}
	return nil
}

// InsertQueueEntryTx inserts a queue entry within the apply transaction.
func InsertQueueEntryTx(ctx context.Context, tx *sql.Tx, entry coord.QueueEntry) error {
	var position any
	if !entry.Status.Terminal() {
		position = entry.Position
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO coord_queue_entries (session, position, status, check_detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.Session,
		position,
		string(entry.Status),
		entry.CheckDetail,
		entry.CreatedAt.UTC().Format(timeLayout),
		entry.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert queue entry %s: %w", entry.Session, err)
	}
	return nil
}

// UpdateQueueStatusTx moves an entry to a new status. Transition legality
// is the writer's responsibility; this helper only mutates.
func UpdateQueueStatusTx(ctx context.Context, tx *sql.Tx, session string, status coord.QueueStatus, detail string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE coord_queue_entries SET status = ?, check_detail = ?, updated_at = ?
		WHERE session = ?
	`, string(status), detail, now.UTC().Format(timeLayout), session)
	if err != nil {
		return fmt.Errorf("update queue status %s: %w", session, err)
	}
	return nil
}

// KickQueueEntryTx retires an entry as kicked, recording why, and
// re-linearizes followers.
func KickQueueEntryTx(ctx context.Context, tx *sql.Tx, session, detail string, now time.Time) error {
	return retireQueueEntryTx(ctx, tx, session, coord.QueueKicked, detail, now)
}

// MarkQueueMergedTx retires an entry as merged and re-linearizes followers.
func MarkQueueMergedTx(ctx context.Context, tx *sql.Tx, session string, now time.Time) error {
	return retireQueueEntryTx(ctx, tx, session, coord.QueueMerged, "", now)
}

// retireQueueEntryTx moves an entry to a terminal status, clears its
// position, and shifts every subsequent active entry down one slot so
// active positions stay contiguous from the base. Runs inside the single
// apply transaction so a reader never observes a gap.
func retireQueueEntryTx(ctx context.Context, tx *sql.Tx, session string, status coord.QueueStatus, detail string, now time.Time) error {
	var position sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT position FROM coord_queue_entries WHERE session = ?
	`, session).Scan(&position)
	if err != nil {
		return fmt.Errorf("retire queue entry %s: %w", session, err)
	}

	nowStr := now.UTC().Format(timeLayout)
	if status == coord.QueueKicked {
		_, err = tx.ExecContext(ctx, `
			UPDATE coord_queue_entries SET status = ?, position = NULL, check_detail = ?, updated_at = ?
			WHERE session = ?
		`, string(status), detail, nowStr, session)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE coord_queue_entries SET status = ?, position = NULL, updated_at = ?
			WHERE session = ?
		`, string(status), nowStr, session)
	}
	if err != nil {
		return fmt.Errorf("retire queue entry %s: %w", session, err)
	}

	if !position.Valid {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT session, position FROM coord_queue_entries
		WHERE position IS NOT NULL AND position > ?
		ORDER BY position ASC
	`, position.Int64)
	if err != nil {
		return fmt.Errorf("renumber scan after %s: %w", session, err)
	}
	type slot struct {
		session  string
		position int64
	}
	var followers []slot
	for rows.Next() {
		var sl slot
		if err := rows.Scan(&sl.session, &sl.position); err != nil {
			rows.Close()
			return fmt.Errorf("renumber scan after %s: %w", session, err)
		}
		followers = append(followers, sl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("renumber scan after %s: %w", session, err)
	}

	// Shift in ascending order: each slot being moved into was vacated by
	// the previous step, so the unique position index holds throughout.
	for _, sl := range followers {
		_, err := tx.ExecContext(ctx, `
			UPDATE coord_queue_entries SET position = ?, updated_at = ?
			WHERE session = ?
		`, sl.position-1, nowStr, sl.session)
		if err != nil {
			return fmt.Errorf("renumber %s: %w", sl.session, err)
		}
	}
	return nil
}

func scanQueueEntry(sc scanner) (coord.QueueEntry, error) {
	var entry coord.QueueEntry
	var status, createdAt, updatedAt string
	if err := sc.Scan(&entry.Session, &entry.Position, &status, &entry.CheckDetail, &createdAt, &updatedAt); err != nil {
		return coord.QueueEntry{}, err
	}
	entry.Status = coord.QueueStatus(status)

	var err error
	if entry.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return coord.QueueEntry{}, fmt.Errorf("parse created_at: %w", err)
	}
	if entry.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return coord.QueueEntry{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return entry, nil
}
