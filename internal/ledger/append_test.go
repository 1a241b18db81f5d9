package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/opsledger/opsledger/internal/ledger"
	"github.com/opsledger/opsledger/internal/store"
)

func strp(s string) *string { return &s }

func newTestAppender(t *testing.T) (*ledger.Appender, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	return ledger.NewAppender(st, ledger.AppenderOptions{}), st
}

func mustAppend(t *testing.T, a *ledger.Appender, ev ledger.Event) *ledger.Entry {
	t.Helper()
	e, err := a.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

func loginEvent(actor string) ledger.Event {
	return ledger.Event{
		Actor:         strp(actor),
		Action:        ledger.ActionLogin,
		ResourceType:  "session",
		SourceAddress: strp("10.0.0.5"),
	}
}

func TestAppend_SequencesAndLinks(t *testing.T) {
	a, _ := newTestAppender(t)

	e1 := mustAppend(t, a, loginEvent("alice"))
	if e1.Seq != 1 {
		t.Errorf("first entry seq = %d, want 1", e1.Seq)
	}
	if e1.PrevHash != ledger.GenesisHash(ledger.SHA256) {
		t.Errorf("first entry prev_hash = %q, want genesis", e1.PrevHash)
	}
	if e1.Hash == "" || e1.Hash == e1.PrevHash {
		t.Errorf("first entry hash not computed: %q", e1.Hash)
	}

	e2 := mustAppend(t, a, ledger.Event{
		Actor:        strp("alice"),
		Action:       ledger.ActionCreate,
		ResourceType: "vm",
		ResourceName: strp("web01"),
		Payload:      map[string]any{"cpus": 4},
	})
	if e2.Seq != 2 {
		t.Errorf("second entry seq = %d, want 2", e2.Seq)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("second entry prev_hash = %q, want first entry hash %q", e2.PrevHash, e1.Hash)
	}
}

func TestAppend_ValidationDoesNotConsumeSequence(t *testing.T) {
	a, _ := newTestAppender(t)
	mustAppend(t, a, loginEvent("alice"))

	tests := []struct {
		name  string
		event ledger.Event
	}{
		{"unknown action", ledger.Event{Action: "DESTROY", ResourceType: "vm"}},
		{"missing resource type", ledger.Event{Action: ledger.ActionCreate}},
		{"float payload", ledger.Event{
			Action:       ledger.ActionCreate,
			ResourceType: "vm",
			Payload:      map[string]any{"ratio": 0.5},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Append(context.Background(), tt.event)
			var verr *ledger.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("want *ValidationError, got %v", err)
			}
		})
	}

	// Rejected events must not have burned sequence numbers.
	e := mustAppend(t, a, loginEvent("bob"))
	if e.Seq != 2 {
		t.Errorf("seq after rejected events = %d, want 2", e.Seq)
	}
}

func TestAppend_Concurrent(t *testing.T) {
	a, st := newTestAppender(t)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Append(context.Background(), ledger.Event{
				Actor:        strp(fmt.Sprintf("worker-%d", i)),
				Action:       ledger.ActionExecute,
				ResourceType: "job",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	// Every sequence 1..n must be present exactly once and the chain must
	// verify clean.
	for seq := uint64(1); seq <= n; seq++ {
		if _, err := st.Get(context.Background(), seq); err != nil {
			t.Fatalf("sequence %d missing after concurrent appends: %v", seq, err)
		}
	}
	report, err := ledger.Verify(context.Background(), st, ledger.SHA256, 0, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("chain invalid after concurrent appends: %+v", report.Findings)
	}
	if report.EntriesChecked != n {
		t.Errorf("EntriesChecked = %d, want %d", report.EntriesChecked, n)
	}
}

// racingStore simulates a writer in another process stealing the tail slot:
// the first insert attempts fail with ErrSeqTaken after a competing entry
// lands at the same sequence.
type racingStore struct {
	*store.Memory
	steals int
}

func (r *racingStore) Insert(ctx context.Context, e *ledger.Entry) error {
	if r.steals > 0 {
		r.steals--
		// The competitor wrote its own entry at our sequence. Its digest
		// only needs to be a well-formed stored value, not a correct one.
		rival := *e
		rival.Actor = strp("rival")
		rival.Hash = fmt.Sprintf("sha256:%064d", e.Seq)
		if err := r.Memory.Insert(ctx, &rival); err != nil {
			return err
		}
		return ledger.ErrSeqTaken
	}
	return r.Memory.Insert(ctx, e)
}

func TestAppend_RetriesLostTailRace(t *testing.T) {
	rs := &racingStore{Memory: store.NewMemory(), steals: 2}
	a := ledger.NewAppender(rs, ledger.AppenderOptions{MaxRetries: 5})

	e := mustAppend(t, a, loginEvent("alice"))
	// Two slots were stolen, so ours is the third.
	if e.Seq != 3 {
		t.Errorf("seq after two lost races = %d, want 3", e.Seq)
	}
}

func TestAppend_ConflictAfterRetryBudget(t *testing.T) {
	rs := &racingStore{Memory: store.NewMemory(), steals: 100}
	a := ledger.NewAppender(rs, ledger.AppenderOptions{MaxRetries: 3})

	_, err := a.Append(context.Background(), loginEvent("alice"))
	var cerr *ledger.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("want *ConflictError, got %v", err)
	}
	if cerr.Attempts != 3 {
		t.Errorf("ConflictError.Attempts = %d, want 3", cerr.Attempts)
	}
}

// brokenStore fails every insert with a non-conflict error.
type brokenStore struct {
	*store.Memory
}

var errDisk = errors.New("disk on fire")

func (b *brokenStore) Insert(ctx context.Context, e *ledger.Entry) error {
	return errDisk
}

func TestAppend_SurfacesDurabilityFailure(t *testing.T) {
	a := ledger.NewAppender(&brokenStore{store.NewMemory()}, ledger.AppenderOptions{})

	_, err := a.Append(context.Background(), loginEvent("alice"))
	var derr *ledger.DurabilityError
	if !errors.As(err, &derr) {
		t.Fatalf("want *DurabilityError, got %v", err)
	}
	if !errors.Is(err, errDisk) {
		t.Error("DurabilityError should wrap the store error")
	}
}

func TestAppend_NotifyHookReceivesEntry(t *testing.T) {
	st := store.NewMemory()
	var got []ledger.Entry
	a := ledger.NewAppender(st, ledger.AppenderOptions{
		Notify: func(e ledger.Entry) { got = append(got, e) },
	})

	e := mustAppend(t, a, loginEvent("alice"))
	if len(got) != 1 || got[0].Seq != e.Seq || got[0].Hash != e.Hash {
		t.Errorf("notify hook got %+v, want the appended entry", got)
	}
}

func TestTail_EmptyChain(t *testing.T) {
	a, _ := newTestAppender(t)
	seq, hash, err := a.Tail(context.Background())
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if seq != 0 {
		t.Errorf("empty chain tail seq = %d, want 0", seq)
	}
	if hash != ledger.GenesisHash(ledger.SHA256) {
		t.Errorf("empty chain tail hash = %q, want genesis", hash)
	}
}

func TestAppend_Blake3Chain(t *testing.T) {
	st := store.NewMemory()
	a := ledger.NewAppender(st, ledger.AppenderOptions{Algorithm: ledger.BLAKE3})

	e := mustAppend(t, a, loginEvent("alice"))
	if e.PrevHash != ledger.GenesisHash(ledger.BLAKE3) {
		t.Errorf("blake3 chain genesis = %q", e.PrevHash)
	}
	mustAppend(t, a, loginEvent("bob"))

	report, err := ledger.Verify(context.Background(), st, ledger.BLAKE3, 0, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("blake3 chain invalid: %+v", report.Findings)
	}
}
