package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/lprior-repo/isolate/internal/coord"
	"github.com/lprior-repo/isolate/internal/lock"
	"github.com/lprior-repo/isolate/internal/output"
	"github.com/lprior-repo/isolate/internal/store"
	"github.com/lprior-repo/isolate/internal/testutil"
	"github.com/lprior-repo/isolate/internal/train"
	"github.com/lprior-repo/isolate/internal/writer"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates the expectations held.
	Pass bool `json:"pass"`
	// Errors lists expectation violations. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Train is the pass accounting.
	Train coord.TrainResult `json:"train"`
	// Records is every output record the pass emitted, in order.
	Records []output.Record `json:"records"`
	// Entries is the full queue after the pass, active first.
	Entries []coord.QueueEntry `json:"entries"`
	// Digest is the state digest after the pass; with deterministic
	// clocks and keys it is stable across runs.
	Digest string `json:"digest"`
}

// AddError records an expectation violation and fails the result.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Run executes a scenario against a fresh database at dbPath.
//
// Everything is deterministic: envelope times come from a fixed clock,
// idempotency keys and lease IDs from a sequential generator. The same
// scenario therefore produces an identical ledger, record stream, and
// state digest on every run.
func Run(ctx context.Context, sc Scenario, dbPath string) (result *Result, err error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	clock := testutil.NewFixedClock()
	keys := testutil.NewKeyGen(sc.Name)
	collector := output.NewCollector()

	w, err := writer.New(ctx, st, collector, writer.WithNow(clock.Now))
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	defer func() {
		w.Stop()
		if rerr := <-done; rerr != nil && !errors.Is(rerr, context.Canceled) {
			err = errors.Join(err, rerr)
		}
	}()

	if err := setup(ctx, w, keys, sc); err != nil {
		return nil, err
	}

	// The scenario's record stream starts at the pass; setup noise is
	// dropped so golden files only show train behavior.
	setupRecords := len(collector.Records())

	locks := lock.NewManager(w, lock.WithLeaseIDs(keys.Next))
	processor := train.NewProcessor(st, w, locks, scriptedValidator(sc), scriptedMerger(sc), collector, "harness")

	trainResult, err := processor.Process(ctx, sc.Name)
	if err != nil {
		return nil, err
	}

	entries, err := st.ListQueueEntries(ctx)
	if err != nil {
		return nil, err
	}
	digest, err := st.StateDigest(ctx)
	if err != nil {
		return nil, err
	}

	result = &Result{
		Pass:    true,
		Train:   trainResult,
		Records: collector.Records()[setupRecords:],
		Entries: entries,
		Digest:  digest,
	}
	check(result, sc.Expect)
	return result, nil
}

// setup creates the scenario's sessions and queue through the writer,
// driving pre-blocked entries through the legal transition chain.
func setup(ctx context.Context, w *writer.Writer, keys *testutil.KeyGen, sc Scenario) error {
	for _, s := range sc.Sessions {
		_, err := w.Submit(ctx, keys.Next(), coord.Command{
			Type:          coord.CmdSessionCreate,
			SessionCreate: &coord.SessionCreate{Name: s.Name, Parent: s.Parent},
		})
		if err != nil {
			return fmt.Errorf("setup session %s: %w", s.Name, err)
		}
	}

	for _, q := range sc.Queue {
		_, err := w.Submit(ctx, keys.Next(), coord.Command{
			Type:        coord.CmdQueueSubmit,
			QueueSubmit: &coord.QueueSubmit{Session: q.Session, Draft: q.Draft},
		})
		if err != nil {
			return fmt.Errorf("setup queue %s: %w", q.Session, err)
		}

		if q.Blocked {
			for _, to := range []coord.QueueStatus{coord.QueueChecking, coord.QueueBlocked} {
				_, err := w.Submit(ctx, keys.Next(), coord.Command{
					Type: coord.CmdQueueTransition,
					QueueTransition: &coord.QueueTransition{
						Session: q.Session,
						To:      to,
						Detail:  q.Detail,
					},
				})
				if err != nil {
					return fmt.Errorf("pre-block %s: %w", q.Session, err)
				}
			}
		}
	}
	return nil
}

func scriptedValidator(sc Scenario) train.Validator {
	return train.ValidatorFunc(func(ctx context.Context, session string) (train.Verdict, error) {
		if slices.Contains(sc.InfraFailures, session) {
			return train.Verdict{}, fmt.Errorf("scripted infrastructure failure for %s", session)
		}
		v, ok := sc.Verdicts[session]
		if !ok {
			return train.Verdict{Passed: true}, nil
		}
		return train.Verdict{Passed: v.Passed, Detail: v.Detail}, nil
	})
}

func scriptedMerger(sc Scenario) train.Merger {
	return train.MergerFunc(func(ctx context.Context, session string) error {
		if slices.Contains(sc.MergeFailures, session) {
			return fmt.Errorf("scripted merge failure for %s", session)
		}
		return nil
	})
}

func check(r *Result, expect Expect) {
	if r.Train.Merged != expect.Merged {
		r.AddError("merged: got %d, want %d", r.Train.Merged, expect.Merged)
	}
	if r.Train.Kicked != expect.Kicked {
		r.AddError("kicked: got %d, want %d", r.Train.Kicked, expect.Kicked)
	}
	if r.Train.Blocked != expect.Blocked {
		r.AddError("blocked: got %d, want %d", r.Train.Blocked, expect.Blocked)
	}
	if r.Train.StillActive != expect.StillActive {
		r.AddError("still_active: got %d, want %d", r.Train.StillActive, expect.StillActive)
	}
	if len(expect.KickedSessions) > 0 && !slices.Equal(r.Train.KickedSessions, expect.KickedSessions) {
		r.AddError("kicked_sessions: got %v, want %v", r.Train.KickedSessions, expect.KickedSessions)
	}
}
