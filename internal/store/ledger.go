package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
)

// LedgerRecord is one row of the append-only command ledger.
type LedgerRecord struct {
	Seq        int64
	Key        string
	Type       coord.CommandType
	Payload    string
	LogicalTS  int64
	RecordedAt time.Time
	Status     coord.LedgerStatus
	Outcome    string
}

// AppendLedger inserts a new ledger row for the envelope. The row starts
// in applied status with an empty outcome; the writer fills the outcome
// after the mutation commits, or flips the row to failed if it does not.
// Records are never rewritten or deleted beyond those two column updates.
func (s *Store) AppendLedger(ctx context.Context, env coord.Envelope) (int64, error) {
	payload, err := env.Command.MarshalPayload()
	if err != nil {
		return 0, fmt.Errorf("append ledger: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO coord_ledger
		(idempotency_key, command_type, payload, logical_ts, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		env.Key,
		string(env.Command.Type),
		payload,
		env.LogicalTS,
		env.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("append ledger: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append ledger: last insert id: %w", err)
	}
	return seq, nil
}

// LookupLedger returns the ledger row for an idempotency key, or nil when
// the key has never been recorded. This is the writer's dedup check.
func (s *Store) LookupLedger(ctx context.Context, key string) (*LedgerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, idempotency_key, command_type, payload, logical_ts, recorded_at, status, outcome
		FROM coord_ledger
		WHERE idempotency_key = ?
	`, key)

	rec, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup ledger %s: %w", key, err)
	}
	return &rec, nil
}

// SetLedgerOutcome records the applied command's outcome on its row.
func (s *Store) SetLedgerOutcome(ctx context.Context, seq int64, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE coord_ledger SET outcome = ? WHERE seq = ?
	`, outcome, seq)
	if err != nil {
		return fmt.Errorf("set ledger outcome seq=%d: %w", seq, err)
	}
	return nil
}

// SetLedgerOutcomeTx records an outcome within a transaction. Replay uses
// this to settle rows a crash left applied but without an outcome.
func SetLedgerOutcomeTx(ctx context.Context, tx *sql.Tx, seq int64, outcome string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE coord_ledger SET outcome = ? WHERE seq = ?
	`, outcome, seq)
	if err != nil {
		return fmt.Errorf("set ledger outcome seq=%d: %w", seq, err)
	}
	return nil
}

// MarkLedgerFailed flips a logged command to failed after its apply step
// did not commit. The row stays in the ledger; replay skips it.
func (s *Store) MarkLedgerFailed(ctx context.Context, seq int64, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE coord_ledger SET status = 'failed', outcome = ? WHERE seq = ?
	`, outcome, seq)
	if err != nil {
		return fmt.Errorf("mark ledger failed seq=%d: %w", seq, err)
	}
	return nil
}

// ReadLedger returns every ledger row in append order.
func (s *Store) ReadLedger(ctx context.Context) ([]LedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, idempotency_key, command_type, payload, logical_ts, recorded_at, status, outcome
		FROM coord_ledger
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer rows.Close()

	var records []LedgerRecord
	for rows.Next() {
		rec, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return records, nil
}

// MaxLogicalTS returns the highest logical timestamp in the ledger.
// Used on startup to resume the writer's clock.
func (s *Store) MaxLogicalTS(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(logical_ts), 0) FROM coord_ledger
	`).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("max logical ts: %w", err)
	}
	return ts, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanLedger(sc scanner) (LedgerRecord, error) {
	var rec LedgerRecord
	var typ, recordedAt, status string
	if err := sc.Scan(
		&rec.Seq, &rec.Key, &typ, &rec.Payload,
		&rec.LogicalTS, &recordedAt, &status, &rec.Outcome,
	); err != nil {
		return LedgerRecord{}, err
	}
	rec.Type = coord.CommandType(typ)
	rec.Status = coord.LedgerStatus(status)

	t, err := time.Parse(timeLayout, recordedAt)
	if err != nil {
		return LedgerRecord{}, fmt.Errorf("parse recorded_at: %w", err)
	}
	rec.RecordedAt = t
	return rec, nil
}
