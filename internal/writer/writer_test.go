package writer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/output"
	"github.com/lprior-repo/isolate/internal/store"
	"github.com/lprior-repo/isolate/internal/testutil"
)

type testRig struct {
	store     *store.Store
	writer    *Writer
	clock     *testutil.FixedClock
	collector *output.Collector
}

func newTestRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFixedClock()
	collector := output.NewCollector()

	opts = append([]Option{WithNow(clock.Now)}, opts...)
	w, err := New(context.Background(), st, collector, opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		w.Stop()
		<-done
	})

	return &testRig{store: st, writer: w, clock: clock, collector: collector}
}

func (r *testRig) createSession(t *testing.T, name string) coord.Session {
	t.Helper()
	outcome, err := r.writer.Submit(context.Background(), "create:"+name, coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: name},
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Session)
	return *outcome.Session
}

func (r *testRig) submitQueue(t *testing.T, session string) coord.QueueEntry {
	t.Helper()
	outcome, err := r.writer.Submit(context.Background(), "queue:"+session, coord.Command{
		Type:        coord.CmdQueueSubmit,
		QueueSubmit: &coord.QueueSubmit{Session: session},
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Entry)
	return *outcome.Entry
}

func TestSubmit_CreateSession(t *testing.T) {
	r := newTestRig(t)

	sess := r.createSession(t, "dev")
	assert.Equal(t, coord.SessionActive, sess.Status)
	assert.Equal(t, testutil.Epoch, sess.CreatedAt)

	stored, err := r.store.GetSession(context.Background(), "dev")
	require.NoError(t, err)
	assert.Equal(t, sess, stored)
}

func TestSubmit_IdempotentReinvocation(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	first := r.createSession(t, "dev")

	// Same key again: the recorded outcome comes back, nothing re-executes.
	outcome, err := r.writer.Submit(ctx, "create:dev", coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: "dev"},
	})
	require.NoError(t, err)
	assert.Equal(t, first, *outcome.Session)

	count, err := r.store.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	records, err := r.store.ReadLedger(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1, "dedup hit must not append")
}

func TestSubmit_KeyReuseAcrossCommandTypes(t *testing.T) {
	r := newTestRig(t)

	r.createSession(t, "dev")

	_, err := r.writer.Submit(context.Background(), "create:dev", coord.Command{
		Type:          coord.CmdSessionRemove,
		SessionRemove: &coord.SessionRemove{Name: "dev"},
	})
	require.Error(t, err)
	assert.True(t, coord.IsStateConflict(err))
}

func TestSubmit_ValidationWritesNothing(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	_, err := r.writer.Submit(ctx, "bad", coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: "NOT VALID"},
	})
	require.Error(t, err)
	assert.Equal(t, coord.CategoryValidation, coord.CategoryOf(err))

	rec, err := r.store.LookupLedger(ctx, "bad")
	require.NoError(t, err)
	assert.Nil(t, rec, "rejected command must not enter the ledger")

	// The same key retries from scratch and can now succeed.
	_, err = r.writer.Submit(ctx, "bad", coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: "now-valid"},
	})
	require.NoError(t, err)
}

func TestSubmit_FailedApplyIsRecorded(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.createSession(t, "dev")

	acquire := func(key, holder, leaseID string) error {
		_, err := r.writer.Submit(ctx, key, coord.Command{
			Type: coord.CmdLockAcquire,
			LockAcquire: &coord.LockAcquire{
				Resource: "dev", Holder: holder, LeaseID: leaseID, TTLSeconds: 300,
			},
		})
		return err
	}

	require.NoError(t, acquire("acq1", "alice", "lease-a"))

	err := acquire("acq2", "bob", "lease-b")
	require.Error(t, err)
	assert.True(t, coord.HasCode(err, "ALREADY_HELD"))

	rec, err := r.store.LookupLedger(ctx, "acq2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, coord.LedgerFailed, rec.Status)

	// Re-invoking the failed key returns the recorded error without
	// touching state.
	err = acquire("acq2", "bob", "lease-b")
	require.Error(t, err)
	assert.True(t, coord.HasCode(err, "ALREADY_HELD"))

	lease, found, err := r.store.GetLock(ctx, "dev")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", lease.Holder)
}

func TestSubmit_RemoveIfPresent(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	_, err := r.writer.Submit(ctx, "rm1", coord.Command{
		Type:          coord.CmdSessionRemove,
		SessionRemove: &coord.SessionRemove{Name: "ghost", IfPresent: true},
	})
	require.NoError(t, err, "if-present removal of a missing session succeeds")

	_, err = r.writer.Submit(ctx, "rm2", coord.Command{
		Type:          coord.CmdSessionRemove,
		SessionRemove: &coord.SessionRemove{Name: "ghost"},
	})
	require.Error(t, err)
	assert.True(t, coord.IsNotFound(err))
}

func TestSubmit_RemoveCascadesLockAndQueue(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.createSession(t, "a")
	r.createSession(t, "b")
	r.submitQueue(t, "a")
	r.submitQueue(t, "b")

	_, err := r.writer.Submit(ctx, "lock:a", coord.Command{
		Type: coord.CmdLockAcquire,
		LockAcquire: &coord.LockAcquire{
			Resource: "a", Holder: "h", LeaseID: "l1", TTLSeconds: 300,
		},
	})
	require.NoError(t, err)

	_, err = r.writer.Submit(ctx, "rm:a", coord.Command{
		Type:          coord.CmdSessionRemove,
		SessionRemove: &coord.SessionRemove{Name: "a"},
	})
	require.NoError(t, err)

	_, found, err := r.store.GetLock(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found, "lease must not outlive its session")

	// b moved up into the vacated slot.
	active, err := r.store.ActiveQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Session)
	assert.Equal(t, coord.QueueBasePosition, active[0].Position)
}

func TestSubmit_RemoveSplicesChildren(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.createSession(t, "root")
	for _, pair := range [][2]string{{"mid", "root"}, {"leaf", "mid"}} {
		_, err := r.writer.Submit(ctx, "create:"+pair[0], coord.Command{
			Type:          coord.CmdSessionCreate,
			SessionCreate: &coord.SessionCreate{Name: pair[0], Parent: pair[1]},
		})
		require.NoError(t, err)
	}

	_, err := r.writer.Submit(ctx, "rm:mid", coord.Command{
		Type:          coord.CmdSessionRemove,
		SessionRemove: &coord.SessionRemove{Name: "mid"},
	})
	require.NoError(t, err)

	// leaf inherits mid's parent instead of pointing at a deleted row.
	leaf, err := r.store.GetSession(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, "root", leaf.Parent)

	ancestors, err := r.store.SessionAncestors(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, ancestors)

	// Removing a root detaches its children to roots.
	_, err = r.writer.Submit(ctx, "rm:root", coord.Command{
		Type:          coord.CmdSessionRemove,
		SessionRemove: &coord.SessionRemove{Name: "root"},
	})
	require.NoError(t, err)

	leaf, err = r.store.GetSession(ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, "", leaf.Parent)
}

func TestSubmit_ReparentCycleRejected(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.createSession(t, "root")

	_, err := r.writer.Submit(ctx, "create:child", coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: "child", Parent: "root"},
	})
	require.NoError(t, err)

	_, err = r.writer.Submit(ctx, "reparent:root", coord.Command{
		Type:            coord.CmdSessionReparent,
		SessionReparent: &coord.SessionReparent{Name: "root", Parent: "child"},
	})
	require.Error(t, err)
	assert.True(t, coord.IsStateConflict(err))
}

func TestSubmit_SessionCeiling(t *testing.T) {
	r := newTestRig(t, WithLimits(Limits{MaxSessions: 3, WarnRatio: 0.9}))
	ctx := context.Background()

	r.createSession(t, "a")
	r.createSession(t, "b")

	// Third creation fills the ceiling: allowed, but with a warning record.
	before := len(r.collector.OfKind(output.KindIssue))
	r.createSession(t, "c")
	assert.Greater(t, len(r.collector.OfKind(output.KindIssue)), before)

	_, err := r.writer.Submit(ctx, "create:d", coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: "d"},
	})
	require.Error(t, err)
	assert.True(t, coord.HasCode(err, "SESSION_CEILING"))

	rec, err := r.store.LookupLedger(ctx, "create:d")
	require.NoError(t, err)
	assert.Nil(t, rec, "ceiling rejection writes nothing")

	_, err = r.writer.Submit(ctx, "create:d-forced", coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: "d", Force: true},
	})
	require.NoError(t, err, "--force bypasses the ceiling")
}

func TestSubmit_QueuePositionsStayDense(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		r.createSession(t, name)
		r.submitQueue(t, name)
	}

	_, err := r.writer.Submit(ctx, "kick:b", coord.Command{
		Type:      coord.CmdQueueKick,
		QueueKick: &coord.QueueKick{Session: "b"},
	})
	require.NoError(t, err)

	active, err := r.store.ActiveQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].Session)
	assert.Equal(t, 1, active[0].Position)
	assert.Equal(t, "c", active[1].Session)
	assert.Equal(t, 2, active[1].Position)

	sess, err := r.store.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.False(t, sess.Queued)

	// A kicked session can rejoin at the back.
	_, err = r.writer.Submit(ctx, "requeue:b", coord.Command{
		Type:        coord.CmdQueueSubmit,
		QueueSubmit: &coord.QueueSubmit{Session: "b"},
	})
	require.NoError(t, err)

	active, err = r.store.ActiveQueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "b", active[2].Session)
	assert.Equal(t, 3, active[2].Position)
}

func TestSubmit_DoubleQueueRejected(t *testing.T) {
	r := newTestRig(t)

	r.createSession(t, "dev")
	r.submitQueue(t, "dev")

	_, err := r.writer.Submit(context.Background(), "queue-again:dev", coord.Command{
		Type:        coord.CmdQueueSubmit,
		QueueSubmit: &coord.QueueSubmit{Session: "dev"},
	})
	require.Error(t, err)
	assert.True(t, coord.IsStateConflict(err))
}

func TestSubmit_StaleLeaseReclaimedOnAcquire(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.createSession(t, "dev")

	_, err := r.writer.Submit(ctx, "acq1", coord.Command{
		Type: coord.CmdLockAcquire,
		LockAcquire: &coord.LockAcquire{
			Resource: "dev", Holder: "alice", LeaseID: "l1", TTLSeconds: 60,
		},
	})
	require.NoError(t, err)

	// Let the lease lapse, then a new holder takes it in one command.
	r.clock.Advance(2 * time.Minute)

	outcome, err := r.writer.Submit(ctx, "acq2", coord.Command{
		Type: coord.CmdLockAcquire,
		LockAcquire: &coord.LockAcquire{
			Resource: "dev", Holder: "bob", LeaseID: "l2", TTLSeconds: 60,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", outcome.Lease.Holder)
	assert.Contains(t, outcome.Note, "alice")
}

func TestSubmit_AcquireUnknownResource(t *testing.T) {
	r := newTestRig(t)

	_, err := r.writer.Submit(context.Background(), "acq", coord.Command{
		Type: coord.CmdLockAcquire,
		LockAcquire: &coord.LockAcquire{
			Resource: "ghost", Holder: "h", LeaseID: "l1", TTLSeconds: 60,
		},
	})
	require.Error(t, err)
	assert.True(t, coord.IsNotFound(err))

	_, found, ferr := r.store.GetLock(context.Background(), "ghost")
	require.NoError(t, ferr)
	assert.False(t, found, "no lock row for an unknown resource")
}

func TestReplay_RebuildsIdenticalState(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		r.createSession(t, name)
		r.submitQueue(t, name)
	}
	_, err := r.writer.Submit(ctx, "kick:b", coord.Command{
		Type:      coord.CmdQueueKick,
		QueueKick: &coord.QueueKick{Session: "b"},
	})
	require.NoError(t, err)

	_, err = r.writer.Submit(ctx, "lock:a", coord.Command{
		Type: coord.CmdLockAcquire,
		LockAcquire: &coord.LockAcquire{
			Resource: "a", Holder: "h", LeaseID: "l1", TTLSeconds: 60,
		},
	})
	require.NoError(t, err)

	// A contended acquire lands in the ledger as failed; replay skips it.
	_, err = r.writer.Submit(ctx, "lock:a2", coord.Command{
		Type: coord.CmdLockAcquire,
		LockAcquire: &coord.LockAcquire{
			Resource: "a", Holder: "h2", LeaseID: "l2", TTLSeconds: 60,
		},
	})
	require.Error(t, err)

	before, err := r.store.StateDigest(ctx)
	require.NoError(t, err)

	report, err := r.writer.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	after, err := r.store.StateDigest(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "replay must rebuild byte-identical state")
}

func TestReplay_SettlesCrashWindowRows(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	// A crash between append and apply leaves a logged row with no outcome.
	env := coord.Envelope{
		Key: "crash:dev",
		Command: coord.Command{
			Type:          coord.CmdSessionCreate,
			SessionCreate: &coord.SessionCreate{Name: "dev"},
		},
		LogicalTS:  1,
		RecordedAt: testutil.Epoch,
	}
	_, err := r.store.AppendLedger(ctx, env)
	require.NoError(t, err)

	// Until recovery runs, retries of the key are refused.
	_, err = r.writer.Submit(ctx, "crash:dev", env.Command)
	require.Error(t, err)
	assert.True(t, coord.IsStateConflict(err))

	report, err := r.writer.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.Settled)

	// The rebuild recomputed the outcome, so the key answers like any
	// other recorded command.
	outcome, err := r.writer.Submit(ctx, "crash:dev", env.Command)
	require.NoError(t, err)
	require.NotNil(t, outcome.Session)
	assert.Equal(t, "dev", outcome.Session.Name)

	stored, err := r.store.GetSession(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, coord.SessionActive, stored.Status)
}

func TestVerifyReplay(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.createSession(t, "dev")

	v, err := r.writer.VerifyReplay(ctx)
	require.NoError(t, err)
	assert.True(t, v.Match)
	assert.Equal(t, 1, v.Report.Applied)
}

func TestRun_ArrivalOrderIsLedgerOrder(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	names := []string{"s1", "s2", "s3", "s4", "s5"}
	for _, name := range names {
		r.createSession(t, name)
	}

	records, err := r.store.ReadLedger(ctx)
	require.NoError(t, err)
	require.Len(t, records, len(names))
	for i, rec := range records {
		assert.Equal(t, "create:"+names[i], rec.Key)
		assert.Equal(t, int64(i+1), rec.LogicalTS)
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	w, err := New(context.Background(), st, output.Discard{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	w.Stop()
	<-done

	_, err = w.Submit(context.Background(), "k", coord.Command{
		Type:          coord.CmdSessionCreate,
		SessionCreate: &coord.SessionCreate{Name: "dev"},
	})
	require.Error(t, err)
	assert.Equal(t, coord.CategoryConfiguration, coord.CategoryOf(err))
}
