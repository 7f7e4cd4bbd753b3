package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lprior-repo/isolate/internal/coord"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// withTx runs fn in a transaction and commits.
func withTx(t *testing.T, s *Store, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx func failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
}

func testTime(offset int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, offset, 0, time.UTC)
}

func insertSession(t *testing.T, s *Store, name string) {
	t.Helper()
	withTx(t, s, func(tx *sql.Tx) error {
		return InsertSessionTx(context.Background(), tx, coord.Session{
			Name:      name,
			Status:    coord.SessionActive,
			CreatedAt: testTime(0),
			UpdatedAt: testTime(0),
		})
	})
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM coord_ledger").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestSessions_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	withTx(t, s, func(tx *sql.Tx) error {
		return InsertSessionTx(ctx, tx, coord.Session{
			Name:      "dev",
			Status:    coord.SessionActive,
			Parent:    "main-work",
			CreatedAt: testTime(1),
			UpdatedAt: testTime(1),
		})
	})

	sess, err := s.GetSession(ctx, "dev")
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if sess.Parent != "main-work" || sess.Status != coord.SessionActive {
		t.Errorf("round-trip mismatch: %+v", sess)
	}
	if !sess.CreatedAt.Equal(testTime(1)) {
		t.Errorf("created_at = %v, want %v", sess.CreatedAt, testTime(1))
	}

	_, err = s.GetSession(ctx, "ghost")
	if !coord.IsNotFound(err) {
		t.Errorf("missing session: got %v, want not found", err)
	}
}

func TestSessionAncestors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	withTx(t, s, func(tx *sql.Tx) error {
		for _, sess := range []coord.Session{
			{Name: "root", Status: coord.SessionActive, CreatedAt: testTime(0), UpdatedAt: testTime(0)},
			{Name: "mid", Status: coord.SessionActive, Parent: "root", CreatedAt: testTime(0), UpdatedAt: testTime(0)},
			{Name: "leaf", Status: coord.SessionActive, Parent: "mid", CreatedAt: testTime(0), UpdatedAt: testTime(0)},
		} {
			if err := InsertSessionTx(ctx, tx, sess); err != nil {
				return err
			}
		}
		return nil
	})

	chain, err := s.SessionAncestors(ctx, "leaf")
	if err != nil {
		t.Fatalf("SessionAncestors() failed: %v", err)
	}
	if len(chain) != 2 || chain[0] != "mid" || chain[1] != "root" {
		t.Errorf("ancestors = %v, want [mid root]", chain)
	}
}

func TestDeleteSessionTx_Cascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "dev")

	withTx(t, s, func(tx *sql.Tx) error {
		if err := InsertQueueEntryTx(ctx, tx, coord.QueueEntry{
			Session: "dev", Position: 1, Status: coord.QueueReady,
			CreatedAt: testTime(0), UpdatedAt: testTime(0),
		}); err != nil {
			return err
		}
		return UpsertLockTx(ctx, tx, coord.Lease{
			Resource: "dev", Holder: "h", ID: "lease-1",
			AcquiredAt: testTime(0), HeartbeatAt: testTime(0), TTL: time.Minute,
		})
	})

	withTx(t, s, func(tx *sql.Tx) error {
		return DeleteSessionTx(ctx, tx, "dev")
	})

	if _, found, _ := s.GetLock(ctx, "dev"); found {
		t.Error("lock survived session delete")
	}
	if _, err := s.GetQueueEntry(ctx, "dev"); !coord.IsNotFound(err) {
		t.Error("queue entry survived session delete")
	}
}

func TestQueue_PositionsDenseAfterRetire(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	withTx(t, s, func(tx *sql.Tx) error {
		for i, name := range []string{"a", "b", "c", "d"} {
			if err := InsertQueueEntryTx(ctx, tx, coord.QueueEntry{
				Session: name, Position: i + 1, Status: coord.QueueReady,
				CreatedAt: testTime(0), UpdatedAt: testTime(0),
			}); err != nil {
				return err
			}
		}
		return nil
	})

	// Kick from the middle: c and d must close the gap.
	withTx(t, s, func(tx *sql.Tx) error {
		return KickQueueEntryTx(ctx, tx, "b", "failed check", testTime(1))
	})

	active, err := s.ActiveQueueEntries(ctx)
	if err != nil {
		t.Fatalf("ActiveQueueEntries() failed: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active entries = %d, want 3", len(active))
	}
	for i, want := range []string{"a", "c", "d"} {
		if active[i].Session != want || active[i].Position != i+1 {
			t.Errorf("slot %d: got %s@%d, want %s@%d",
				i, active[i].Session, active[i].Position, want, i+1)
		}
	}

	// Retiring the head renumbers everything behind it.
	withTx(t, s, func(tx *sql.Tx) error {
		return MarkQueueMergedTx(ctx, tx, "a", testTime(2))
	})

	active, err = s.ActiveQueueEntries(ctx)
	if err != nil {
		t.Fatalf("ActiveQueueEntries() failed: %v", err)
	}
	if len(active) != 2 || active[0].Session != "c" || active[0].Position != 1 {
		t.Errorf("after head retire: %+v", active)
	}

	kicked, err := s.GetQueueEntry(ctx, "b")
	if err != nil {
		t.Fatalf("GetQueueEntry(b) failed: %v", err)
	}
	if kicked.Status != coord.QueueKicked || kicked.Position != 0 {
		t.Errorf("kicked entry = %+v, want kicked with no position", kicked)
	}
}

func TestNextQueuePosition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pos, err := s.NextQueuePosition(ctx)
	if err != nil {
		t.Fatalf("NextQueuePosition() failed: %v", err)
	}
	if pos != coord.QueueBasePosition {
		t.Errorf("empty queue position = %d, want %d", pos, coord.QueueBasePosition)
	}

	withTx(t, s, func(tx *sql.Tx) error {
		return InsertQueueEntryTx(ctx, tx, coord.QueueEntry{
			Session: "a", Position: 1, Status: coord.QueueReady,
			CreatedAt: testTime(0), UpdatedAt: testTime(0),
		})
	})

	pos, err = s.NextQueuePosition(ctx)
	if err != nil {
		t.Fatalf("NextQueuePosition() failed: %v", err)
	}
	if pos != 2 {
		t.Errorf("position = %d, want 2", pos)
	}
}

func TestLocks_UpsertReplacesIncumbent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	withTx(t, s, func(tx *sql.Tx) error {
		return UpsertLockTx(ctx, tx, coord.Lease{
			Resource: "train", Holder: "old", ID: "lease-1",
			AcquiredAt: testTime(0), HeartbeatAt: testTime(0), TTL: time.Minute,
		})
	})
	withTx(t, s, func(tx *sql.Tx) error {
		return UpsertLockTx(ctx, tx, coord.Lease{
			Resource: "train", Holder: "new", ID: "lease-2",
			AcquiredAt: testTime(5), HeartbeatAt: testTime(5), TTL: time.Minute,
		})
	})

	lease, found, err := s.GetLock(ctx, "train")
	if err != nil || !found {
		t.Fatalf("GetLock() = %v, found=%v", err, found)
	}
	if lease.Holder != "new" || lease.ID != "lease-2" {
		t.Errorf("incumbent not replaced: %+v", lease)
	}
}

func TestDeleteStaleLocksTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := testTime(0)

	withTx(t, s, func(tx *sql.Tx) error {
		if err := UpsertLockTx(ctx, tx, coord.Lease{
			Resource: "fresh", Holder: "h", ID: "l1",
			AcquiredAt: base, HeartbeatAt: base, TTL: time.Hour,
		}); err != nil {
			return err
		}
		return UpsertLockTx(ctx, tx, coord.Lease{
			Resource: "stale", Holder: "h", ID: "l2",
			AcquiredAt: base, HeartbeatAt: base, TTL: time.Minute,
		})
	})

	var count int
	withTx(t, s, func(tx *sql.Tx) error {
		var err error
		count, err = DeleteStaleLocksTx(ctx, tx, base.Add(10*time.Minute))
		return err
	})
	if count != 1 {
		t.Errorf("reclaimed %d, want 1", count)
	}

	if _, found, _ := s.GetLock(ctx, "stale"); found {
		t.Error("stale lock survived")
	}
	if _, found, _ := s.GetLock(ctx, "fresh"); !found {
		t.Error("fresh lock reclaimed")
	}
}

func TestLedger_AppendAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	env := coord.Envelope{
		Key: "k1",
		Command: coord.Command{
			Type:          coord.CmdSessionCreate,
			SessionCreate: &coord.SessionCreate{Name: "dev"},
		},
		LogicalTS:  1,
		RecordedAt: testTime(0),
	}

	seq, err := s.AppendLedger(ctx, env)
	if err != nil {
		t.Fatalf("AppendLedger() failed: %v", err)
	}

	rec, err := s.LookupLedger(ctx, "k1")
	if err != nil {
		t.Fatalf("LookupLedger() failed: %v", err)
	}
	if rec == nil || rec.Seq != seq || rec.Type != coord.CmdSessionCreate {
		t.Fatalf("lookup mismatch: %+v", rec)
	}
	if rec.Status != coord.LedgerApplied || rec.Outcome != "" {
		t.Errorf("fresh record: status=%s outcome=%q", rec.Status, rec.Outcome)
	}

	missing, err := s.LookupLedger(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing key: rec=%v err=%v, want nil/nil", missing, err)
	}

	// Duplicate keys are rejected by the unique index.
	if _, err := s.AppendLedger(ctx, env); err == nil {
		t.Error("duplicate idempotency key accepted")
	}
}

func TestLedger_MarkFailed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seq, err := s.AppendLedger(ctx, coord.Envelope{
		Key: "k1",
		Command: coord.Command{
			Type:          coord.CmdSessionCreate,
			SessionCreate: &coord.SessionCreate{Name: "dev"},
		},
		LogicalTS:  1,
		RecordedAt: testTime(0),
	})
	if err != nil {
		t.Fatalf("AppendLedger() failed: %v", err)
	}

	if err := s.MarkLedgerFailed(ctx, seq, `{"category":"external","message":"boom"}`); err != nil {
		t.Fatalf("MarkLedgerFailed() failed: %v", err)
	}

	rec, err := s.LookupLedger(ctx, "k1")
	if err != nil {
		t.Fatalf("LookupLedger() failed: %v", err)
	}
	if rec.Status != coord.LedgerFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}

func TestStateDigest_SensitiveToState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	empty, err := s.StateDigest(ctx)
	if err != nil {
		t.Fatalf("StateDigest() failed: %v", err)
	}

	insertSession(t, s, "dev")

	after, err := s.StateDigest(ctx)
	if err != nil {
		t.Fatalf("StateDigest() failed: %v", err)
	}
	if empty == after {
		t.Error("digest unchanged by state mutation")
	}

	// The ledger is not part of the digest.
	if _, err := s.AppendLedger(ctx, coord.Envelope{
		Key: "k1",
		Command: coord.Command{
			Type:          coord.CmdSessionCreate,
			SessionCreate: &coord.SessionCreate{Name: "other"},
		},
		LogicalTS:  1,
		RecordedAt: testTime(0),
	}); err != nil {
		t.Fatalf("AppendLedger() failed: %v", err)
	}
	unchanged, err := s.StateDigest(ctx)
	if err != nil {
		t.Fatalf("StateDigest() failed: %v", err)
	}
	if unchanged != after {
		t.Error("ledger append changed the state digest")
	}
}
