package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"postwell/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

func mustEnqueue(t *testing.T, st Store, it Item) Item {
	t.Helper()
	if err := st.Enqueue(context.Background(), it); err != nil {
		t.Fatalf("enqueue %s: %v", it.ID, err)
	}
	return it
}

func textItem(channel, text string, prio Priority, at time.Time) Item {
	return New(channel, Payload{Kind: PayloadText, Text: text}, prio, at, nil)
}

func TestFetchDueOrdering(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			normal := mustEnqueue(t, st, textItem("ch1", "normal early", PriorityNormal, now.Add(-5*time.Minute)))
			high := mustEnqueue(t, st, textItem("ch1", "high late", PriorityHigh, now.Add(-1*time.Minute)))
			future := mustEnqueue(t, st, textItem("ch1", "future", PriorityUrgent, now.Add(time.Hour)))
			_ = future

			due, err := st.FetchDue(ctx, now, 10)
			if err != nil {
				t.Fatalf("fetch due: %v", err)
			}
			if len(due) != 2 {
				t.Fatalf("expected 2 due items, got %d", len(due))
			}
			// Higher priority dispatches first even though it became due later.
			if due[0].ID != high.ID || due[1].ID != normal.ID {
				t.Fatalf("unexpected order: got %s, %s", due[0].ID, due[1].ID)
			}

			// Fetching without claiming is idempotent.
			again, err := st.FetchDue(ctx, now, 10)
			if err != nil {
				t.Fatalf("fetch due again: %v", err)
			}
			opts := cmpopts.EquateApproxTime(time.Millisecond)
			if diff := cmp.Diff(due, again, opts); diff != "" {
				t.Fatalf("fetchDue not idempotent (-first +second):\n%s", diff)
			}
		})
	}
}

func TestFetchDueEqualPriorityTieBreak(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			a := textItem("ch1", "a", PriorityNormal, now.Add(-time.Minute))
			b := textItem("ch1", "b", PriorityNormal, now.Add(-time.Minute))
			// Force a known id order for the tie-break.
			a.ID, b.ID = "item-a", "item-b"
			mustEnqueue(t, st, b)
			mustEnqueue(t, st, a)

			due, err := st.FetchDue(context.Background(), now, 10)
			if err != nil {
				t.Fatalf("fetch due: %v", err)
			}
			if len(due) != 2 || due[0].ID != "item-a" || due[1].ID != "item-b" {
				t.Fatalf("expected stable id tie-break, got %+v", idsOf(due))
			}
		})
	}
}

func TestClaimIsExclusive(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			it := mustEnqueue(t, st, textItem("ch1", "contended", PriorityNormal, now.Add(-time.Minute)))

			const claimers = 8
			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				wins    int
				losses  int
				unknown int
			)
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.Claim(ctx, it.ID, now)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins++
					case errors.Is(err, ErrAlreadyClaimed):
						losses++
					default:
						unknown++
					}
				}()
			}
			wg.Wait()
			if wins != 1 || losses != claimers-1 || unknown != 0 {
				t.Fatalf("wins=%d losses=%d unknown=%d, want 1/%d/0", wins, losses, unknown, claimers-1)
			}

			got, err := st.Get(ctx, it.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.State != StatePublishing {
				t.Fatalf("state = %s, want publishing", got.State)
			}
		})
	}
}

func TestOutcomeTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			it := mustEnqueue(t, st, textItem("ch1", "retry me", PriorityNormal, now.Add(-time.Minute)))

			if _, err := st.Claim(ctx, it.ID, now); err != nil {
				t.Fatalf("claim: %v", err)
			}
			next := now.Add(30 * time.Second)
			err := st.UpdateOutcome(ctx, it.ID, Outcome{
				State:         StateQueued,
				LastError:     "telegram: 502",
				NextAttemptAt: &next,
			}, now)
			if err != nil {
				t.Fatalf("update outcome: %v", err)
			}

			got, err := st.Get(ctx, it.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.State != StateQueued || got.AttemptCount != 1 || got.LastError == "" {
				t.Fatalf("after retry outcome: state=%s attempts=%d lastError=%q", got.State, got.AttemptCount, got.LastError)
			}
			if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
				t.Fatalf("next attempt = %v, want %v", got.NextAttemptAt, next)
			}

			// Not due before NextAttemptAt, due after it.
			due, err := st.FetchDue(ctx, now, 10)
			if err != nil {
				t.Fatalf("fetch due: %v", err)
			}
			if len(due) != 0 {
				t.Fatalf("item with future retry should not be due, got %d", len(due))
			}
			due, err = st.FetchDue(ctx, next, 10)
			if err != nil {
				t.Fatalf("fetch due at retry time: %v", err)
			}
			if len(due) != 1 {
				t.Fatalf("item should be due at its retry time, got %d", len(due))
			}

			// Publish succeeds on the second attempt.
			if _, err := st.Claim(ctx, it.ID, next); err != nil {
				t.Fatalf("second claim: %v", err)
			}
			if err := st.UpdateOutcome(ctx, it.ID, Outcome{State: StatePublished}, next); err != nil {
				t.Fatalf("publish outcome: %v", err)
			}
			got, _ = st.Get(ctx, it.ID)
			if got.State != StatePublished || got.AttemptCount != 2 || got.LastError != "" || got.NextAttemptAt != nil {
				t.Fatalf("after publish: %+v", got)
			}

			// Terminal items never transition further.
			if err := st.Cancel(ctx, it.ID, next); !errors.Is(err, ErrTerminal) {
				t.Fatalf("cancel published item: err=%v, want ErrTerminal", err)
			}
		})
	}
}

func TestCancelSemantics(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pending := mustEnqueue(t, st, textItem("ch1", "pending", PriorityNormal, now.Add(time.Hour)))
			if err := st.Cancel(ctx, pending.ID, now); err != nil {
				t.Fatalf("cancel pending: %v", err)
			}
			got, _ := st.Get(ctx, pending.ID)
			if got.State != StateCancelled {
				t.Fatalf("state = %s, want cancelled", got.State)
			}

			inflight := mustEnqueue(t, st, textItem("ch1", "inflight", PriorityNormal, now.Add(-time.Minute)))
			if _, err := st.Claim(ctx, inflight.ID, now); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := st.Cancel(ctx, inflight.ID, now); !errors.Is(err, ErrAlreadyClaimed) {
				t.Fatalf("cancel publishing item: err=%v, want ErrAlreadyClaimed", err)
			}

			if err := st.Cancel(ctx, "no-such-item", now); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cancel unknown item: err=%v, want ErrNotFound", err)
			}
		})
	}
}

func TestRequeueReturnsClaimedItem(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			it := mustEnqueue(t, st, textItem("ch1", "handed back", PriorityNormal, now.Add(-time.Minute)))
			if _, err := st.Claim(ctx, it.ID, now); err != nil {
				t.Fatalf("claim: %v", err)
			}

			if err := st.Requeue(ctx, it.ID, now.Add(time.Second)); err != nil {
				t.Fatalf("requeue: %v", err)
			}
			got, err := st.Get(ctx, it.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.State != StateQueued || got.AttemptCount != 0 {
				t.Fatalf("state = %s attempts = %d, want queued with 0", got.State, got.AttemptCount)
			}
			due, err := st.FetchDue(ctx, now.Add(time.Minute), 10)
			if err != nil {
				t.Fatalf("fetch due: %v", err)
			}
			if len(due) != 1 || due[0].ID != it.ID {
				t.Fatalf("due after requeue: %v", idsOf(due))
			}
		})
	}
}

func TestRecoverPublishing(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			it := mustEnqueue(t, st, textItem("ch1", "stuck", PriorityNormal, now.Add(-time.Minute)))
			if _, err := st.Claim(ctx, it.ID, now); err != nil {
				t.Fatalf("claim: %v", err)
			}

			restart := now.Add(time.Minute)
			n, err := st.RecoverPublishing(ctx, restart)
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if n != 1 {
				t.Fatalf("recovered %d items, want 1", n)
			}
			got, _ := st.Get(ctx, it.ID)
			if got.State != StateQueued {
				t.Fatalf("state = %s, want queued", got.State)
			}
		})
	}
}

func TestAttemptAuditAndDedup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			it := mustEnqueue(t, st, textItem("ch1", "audited", PriorityNormal, now))

			attempts := []Attempt{
				{ItemID: it.ID, AttemptedAt: now, Outcome: OutcomeTransientFailure, ErrorDetail: "timeout"},
				{ItemID: it.ID, AttemptedAt: now.Add(30 * time.Second), Outcome: OutcomeSuccess, ExternalMessageID: "msg-77"},
			}
			for _, a := range attempts {
				if err := st.RecordAttempt(ctx, a); err != nil {
					t.Fatalf("record attempt: %v", err)
				}
			}
			got, err := st.ListAttempts(ctx, it.ID)
			if err != nil {
				t.Fatalf("list attempts: %v", err)
			}
			if len(got) != 2 || got[0].Outcome != OutcomeTransientFailure || got[1].ExternalMessageID != "msg-77" {
				t.Fatalf("unexpected attempts: %+v", got)
			}

			if err := st.PutDedup(ctx, it.DedupToken, "msg-77", time.Now().Add(time.Hour)); err != nil {
				t.Fatalf("put dedup: %v", err)
			}
			extID, ok, err := st.GetDedup(ctx, it.DedupToken)
			if err != nil || !ok || extID != "msg-77" {
				t.Fatalf("get dedup: id=%q ok=%v err=%v", extID, ok, err)
			}
			_, ok, err = st.GetDedup(ctx, "unknown-token")
			if err != nil || ok {
				t.Fatalf("unknown token should miss: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestRecurrenceRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.AddDate(1, 0, 0)
	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			rule := &RecurrenceRule{Frequency: FreqWeekly, Interval: 2, EndAt: &end, OccurrencesDone: 3}
			it := New("ch9", Payload{Kind: PayloadPhoto, MediaURL: "https://img.example/a.png", Text: "caption"}, PriorityUrgent, now, rule)
			mustEnqueue(t, st, it)

			got, err := st.Get(context.Background(), it.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if diff := cmp.Diff(it.Recurrence, got.Recurrence); diff != "" {
				t.Fatalf("recurrence mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(it.Payload, got.Payload); diff != "" {
				t.Fatalf("payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func idsOf(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
